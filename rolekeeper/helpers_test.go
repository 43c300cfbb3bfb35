package rolekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"gorm.io/gorm"
)

func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

func testWriteDB(t testing.TB, db *gorm.DB) DBI {
	t.Helper()
	return NewDatabase(db, slog.Default().With("test", t.Name()), false)
}

// roleCall records one mutation passed to stubRoles.MutateMemberRoles.
type roleCall struct {
	GuildID string
	UserID  string
	Add     []string
	Remove  []string
}

// stubRoles implements roleMutator and memberRoleSource against an
// in-memory member-to-roles map. Adding any role listed in failAdd (or
// removing one listed in failRemove) fails the whole mutation without
// applying it.
type stubRoles struct {
	mu         sync.Mutex
	held       map[string]RoleIDSet
	failAdd    map[string]error
	failRemove map[string]error
	calls      []roleCall
}

func newStubRoles() *stubRoles {
	return &stubRoles{
		held:       map[string]RoleIDSet{},
		failAdd:    map[string]error{},
		failRemove: map[string]error{},
	}
}

func (s *stubRoles) key(guildID string, userID string) string {
	return guildID + "/" + userID
}

func (s *stubRoles) setHeld(guildID string, userID string, roleIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[s.key(guildID, userID)] = RoleIDSet(roleIDs)
}

func (s *stubRoles) heldRoles(guildID string, userID string) RoleIDSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(RoleIDSet{}, s.held[s.key(guildID, userID)]...)
}

func (s *stubRoles) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubRoles) MutateMemberRoles(
	_ context.Context,
	guildID string,
	userID string,
	add []string,
	remove []string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(
		s.calls, roleCall{
			GuildID: guildID,
			UserID:  userID,
			Add:     add,
			Remove:  remove,
		},
	)

	for _, roleID := range add {
		if err := s.failAdd[roleID]; err != nil {
			return err
		}
	}
	for _, roleID := range remove {
		if err := s.failRemove[roleID]; err != nil {
			return err
		}
	}

	key := s.key(guildID, userID)
	current := s.held[key]
	current = current.Without(remove...)
	for _, roleID := range add {
		if !current.Contains(roleID) {
			current = append(current, roleID)
		}
	}
	s.held[key] = current
	return nil
}

func (s *stubRoles) MemberRoles(
	_ context.Context,
	guildID string,
	userID string,
) ([]string, error) {
	return s.heldRoles(guildID, userID), nil
}
