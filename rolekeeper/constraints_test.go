package rolekeeper

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateGrantUniqueGroup(t *testing.T) {
	groups := []groupRoles{
		{
			Group: ReactionRoleGroup{
				GroupName: "colors",
				GroupType: GroupTypeUnique,
			},
			RoleIDs: RoleIDSet{"red", "green", "blue"},
		},
	}

	decision, err := evaluateGrant([]string{"red", "unrelated"}, "blue", groups)
	require.NoError(t, err)
	assert.Equal(t, RoleIDSet{"red"}, decision.Revoke)

	// nothing else held from the group: nothing to revoke
	decision, err = evaluateGrant([]string{"unrelated"}, "blue", groups)
	require.NoError(t, err)
	assert.Empty(t, decision.Revoke)
}

func TestEvaluateGrantLimitGroup(t *testing.T) {
	groups := []groupRoles{
		{
			Group: ReactionRoleGroup{
				GroupName: "hobbies",
				GroupType: GroupTypeLimit,
				MaxRoles:  2,
			},
			RoleIDs: RoleIDSet{"art", "music", "games"},
		},
	}

	decision, err := evaluateGrant([]string{"art"}, "music", groups)
	require.NoError(t, err)
	assert.Empty(t, decision.Revoke)

	_, err = evaluateGrant([]string{"art", "music"}, "games", groups)
	assert.ErrorIs(t, err, ErrGroupLimitExceeded)
}

func TestEvaluateGrantNoGroups(t *testing.T) {
	decision, err := evaluateGrant([]string{"a", "b"}, "c", nil)
	require.NoError(t, err)
	assert.Empty(t, decision.Revoke)
}

// createGroupWithRoles persists a group plus one emoji option per role.
func createGroupWithRoles(
	t testing.TB,
	db DBI,
	guildID string,
	groupType GroupType,
	maxRoles int,
	roleIDs ...string,
) ReactionRoleGroup {
	t.Helper()
	ctx := context.Background()

	optionIDs := OptionIDSet{}
	for i, roleID := range roleIDs {
		option := ReactionEmojiOption{
			GuildID:   guildID,
			MessageID: "message",
			ChannelID: "channel",
			Emoji:     string(rune('a' + i)),
			RoleID:    roleID,
		}
		_, err := db.Create(ctx, &option)
		require.NoError(t, err)
		optionIDs = append(optionIDs, option.ID)
	}

	group := ReactionRoleGroup{
		GuildID:         guildID,
		MessageConfigID: "message",
		GroupName:       string(groupType) + "-group",
		GroupType:       groupType,
		MaxRoles:        maxRoles,
		EmojiOptionIDs:  optionIDs,
	}
	_, err := db.Create(ctx, &group)
	require.NoError(t, err)
	return group
}

func TestGroupEnforcerUniqueSubstitution(t *testing.T) {
	db := gormDB(t)
	writeDB := testWriteDB(t, db)
	roles := newStubRoles()
	enforcer := newGroupEnforcer(db, roles, roles, slog.Default())

	createGroupWithRoles(t, writeDB, "guild", GroupTypeUnique, 0, "red", "blue")
	roles.setHeld("guild", "user", "red")

	err := enforcer.GrantRole(context.Background(), "guild", "user", "blue")
	require.NoError(t, err)

	held := roles.heldRoles("guild", "user")
	assert.True(t, held.Contains("blue"))
	assert.False(t, held.Contains("red"), "unique group must revoke the prior role")
}

func TestGroupEnforcerLimitRejected(t *testing.T) {
	db := gormDB(t)
	writeDB := testWriteDB(t, db)
	roles := newStubRoles()
	enforcer := newGroupEnforcer(db, roles, roles, slog.Default())

	createGroupWithRoles(
		t, writeDB, "guild", GroupTypeLimit, 2, "art", "music", "games",
	)
	roles.setHeld("guild", "user", "art", "music")

	err := enforcer.GrantRole(context.Background(), "guild", "user", "games")
	assert.ErrorIs(t, err, ErrGroupLimitExceeded)

	held := roles.heldRoles("guild", "user")
	assert.Equal(t, RoleIDSet{"art", "music"}, held, "held roles must be untouched")
}

func TestGroupEnforcerUngroupedRole(t *testing.T) {
	db := gormDB(t)
	roles := newStubRoles()
	enforcer := newGroupEnforcer(db, roles, roles, slog.Default())

	require.NoError(
		t,
		enforcer.GrantRole(context.Background(), "guild", "user", "plain"),
	)
	assert.True(t, roles.heldRoles("guild", "user").Contains("plain"))
}

func TestGroupEnforcerAlreadyHeld(t *testing.T) {
	db := gormDB(t)
	roles := newStubRoles()
	enforcer := newGroupEnforcer(db, roles, roles, slog.Default())

	roles.setHeld("guild", "user", "role")
	require.NoError(
		t,
		enforcer.GrantRole(context.Background(), "guild", "user", "role"),
	)
	assert.Zero(t, roles.callCount(), "no mutation for an already-held role")
}

func TestGroupEnforcerRevoke(t *testing.T) {
	db := gormDB(t)
	roles := newStubRoles()
	enforcer := newGroupEnforcer(db, roles, roles, slog.Default())

	roles.setHeld("guild", "user", "role", "other")
	require.NoError(
		t,
		enforcer.RevokeRole(context.Background(), "guild", "user", "role"),
	)
	assert.Equal(t, RoleIDSet{"other"}, roles.heldRoles("guild", "user"))

	// not held: no-op
	require.NoError(
		t,
		enforcer.RevokeRole(context.Background(), "guild", "user", "role"),
	)
	assert.Equal(t, 1, roles.callCount())
}
