package rolekeeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// mockSession implements RoleSessionHandler, recording role calls and
// failing whichever role IDs are listed in failAdd/failRemove.
type mockSession struct {
	mu         sync.Mutex
	added      []string
	removed    []string
	failAdd    map[string]error
	failRemove map[string]error
	members    map[string]*discordgo.Member
	messages   []string
}

func newMockSession() *mockSession {
	return &mockSession{
		failAdd:    map[string]error{},
		failRemove: map[string]error{},
		members:    map[string]*discordgo.Member{},
	}
}

func (m *mockSession) Open() error  { return nil }
func (m *mockSession) Close() error { return nil }

func (m *mockSession) AddHandler(any) func() { return func() {} }

func (m *mockSession) GuildMemberRoleAdd(
	_ string,
	_ string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAdd[roleID]; err != nil {
		return err
	}
	m.added = append(m.added, roleID)
	return nil
}

func (m *mockSession) GuildMemberRoleRemove(
	_ string,
	_ string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRemove[roleID]; err != nil {
		return err
	}
	m.removed = append(m.removed, roleID)
	return nil
}

func (m *mockSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[guildID+"/"+userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return member, nil
}

func (m *mockSession) ChannelMessageSend(
	_ string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return &discordgo.Message{Content: message}, nil
}

func (m *mockSession) SetLogLevel(slog.Level) error { return nil }

func newTestDiscord(t testing.TB, session RoleSessionHandler) *Discord {
	t.Helper()
	cfg := DefaultConfig().Discord
	cfg.Token = "test-token"
	d, err := newDiscord(cfg)
	require.NoError(t, err)
	d.logger = slog.Default().With("test", t.Name())
	d.session = session
	// don't slow tests down with the production pacing
	d.limiter = rate.NewLimiter(rate.Inf, 1)
	return d
}

func TestMutateMemberRolesRemovesBeforeAdding(t *testing.T) {
	session := newMockSession()
	d := newTestDiscord(t, session)

	err := d.MutateMemberRoles(
		context.Background(), "guild", "user", []string{"b"}, []string{"a"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, session.removed)
	assert.Equal(t, []string{"b"}, session.added)
}

func TestMutateMemberRolesRemoveFailureAbortsAdd(t *testing.T) {
	session := newMockSession()
	session.failRemove["a"] = errors.New("missing permissions")
	d := newTestDiscord(t, session)

	err := d.MutateMemberRoles(
		context.Background(), "guild", "user", []string{"b"}, []string{"a"},
	)
	assert.ErrorIs(t, err, ErrRoleMutationFailed)
	assert.Empty(t, session.added, "grant must not apply when the revoke fails")
}

func TestMutateMemberRolesAddFailureRestoresRemoved(t *testing.T) {
	session := newMockSession()
	session.failAdd["b"] = errors.New("role hierarchy")
	d := newTestDiscord(t, session)

	err := d.MutateMemberRoles(
		context.Background(), "guild", "user", []string{"b"}, []string{"a"},
	)
	assert.ErrorIs(t, err, ErrRoleMutationFailed)
	// "a" was removed, then re-added when the grant failed
	assert.Equal(t, []string{"a"}, session.removed)
	assert.Equal(t, []string{"a"}, session.added)
}

func TestMemberRoles(t *testing.T) {
	session := newMockSession()
	session.members["guild/user"] = &discordgo.Member{
		Roles: []string{"r1", "r2"},
	}
	d := newTestDiscord(t, session)

	roles, err := d.MemberRoles(context.Background(), "guild", "user")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, roles)

	// the lookup also primes the cache used for leave snapshots
	assert.Equal(t, RoleIDSet{"r1", "r2"}, d.members.roles("guild", "user"))
}

func TestMemberRoleCache(t *testing.T) {
	cache := newMemberRoleCache()

	assert.Empty(t, cache.roles("guild", "user"))

	// addRole on an unseen member is ignored: a partial view would make
	// leave snapshots worse than no view
	cache.addRole("guild", "user", "r1")
	assert.Empty(t, cache.roles("guild", "user"))

	cache.setRoles("guild", "user", []string{"r1", "r2"})
	cache.addRole("guild", "user", "r3")
	cache.removeRole("guild", "user", "r1")
	assert.Equal(t, RoleIDSet{"r2", "r3"}, cache.roles("guild", "user"))

	cache.forget("guild", "user")
	assert.Empty(t, cache.roles("guild", "user"))
}
