package rolekeeper

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRuleManager(
	t testing.TB,
	db *gorm.DB,
	roles roleMutator,
) (*RuleManager, DBI) {
	t.Helper()
	writeDB := testWriteDB(t, db)
	manager := newRuleManager(
		db, writeDB, roles, nil, slog.Default().With("test", t.Name()),
	)
	return manager, writeDB
}

func TestCreateDelayedRule(t *testing.T) {
	db := gormDB(t)
	manager, _ := newTestRuleManager(t, db, newStubRoles())
	ctx := context.Background()

	rule, err := manager.CreateDelayedRule(ctx, "guild", "role", 5)
	require.NoError(t, err)
	assert.True(t, rule.Enabled)
	assert.Equal(t, 5*time.Minute, rule.Delay())

	_, err = manager.CreateDelayedRule(ctx, "guild", "role", 10)
	assert.ErrorIs(t, err, ErrDuplicateRule)

	// disabled rules still count as existing
	_, err = manager.SetDelayedRuleEnabled(ctx, "guild", "role", false)
	require.NoError(t, err)
	_, err = manager.CreateDelayedRule(ctx, "guild", "role", 10)
	assert.ErrorIs(t, err, ErrDuplicateRule)

	_, err = manager.CreateDelayedRule(ctx, "guild", "role", -1)
	assert.Error(t, err)
}

func TestRemoveDelayedRuleCancelsPending(t *testing.T) {
	db := gormDB(t)
	manager, writeDB := newTestRuleManager(t, db, newStubRoles())
	ctx := context.Background()

	rule, err := manager.CreateDelayedRule(ctx, "guild", "role", 5)
	require.NoError(t, err)

	for _, userID := range []string{"user1", "user2", "user3"} {
		entry := newQueueEntry(rule, userID, time.Now())
		_, err = writeDB.Create(ctx, entry)
		require.NoError(t, err)
	}
	// a completed entry must not be touched
	completed := newQueueEntry(rule, "user4", time.Now())
	completed.Status = QueueEntryStateCompleted
	_, err = writeDB.Create(ctx, completed)
	require.NoError(t, err)

	cancelled, err := manager.RemoveDelayedRule(ctx, "guild", "role")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cancelled)

	var pending int64
	require.NoError(
		t,
		db.Model(&DelayedRoleQueueEntry{}).Where(
			"status = ?", QueueEntryStatePending,
		).Count(&pending).Error,
	)
	assert.Zero(t, pending)

	var loaded DelayedRoleQueueEntry
	require.NoError(t, db.Take(&loaded, completed.ID).Error)
	assert.Equal(t, QueueEntryStateCompleted, loaded.Status)

	_, err = manager.RemoveDelayedRule(ctx, "guild", "role")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	// the (guild, role) slot is free again
	_, err = manager.CreateDelayedRule(ctx, "guild", "role", 10)
	assert.NoError(t, err)
}

func TestSetDelayedRuleEnabled(t *testing.T) {
	db := gormDB(t)
	manager, writeDB := newTestRuleManager(t, db, newStubRoles())
	ctx := context.Background()

	rule, err := manager.CreateDelayedRule(ctx, "guild", "role", 5)
	require.NoError(t, err)

	entry := newQueueEntry(rule, "user", time.Now())
	_, err = writeDB.Create(ctx, entry)
	require.NoError(t, err)

	rule, err = manager.SetDelayedRuleEnabled(ctx, "guild", "role", false)
	require.NoError(t, err)
	assert.False(t, rule.Enabled)

	var loaded DelayedRoleQueueEntry
	require.NoError(t, db.Take(&loaded, entry.ID).Error)
	assert.Equal(t, QueueEntryStateCancelled, loaded.Status)

	// re-enabling does not resurrect cancelled entries
	rule, err = manager.SetDelayedRuleEnabled(ctx, "guild", "role", true)
	require.NoError(t, err)
	assert.True(t, rule.Enabled)

	require.NoError(t, db.Take(&loaded, entry.ID).Error)
	assert.Equal(t, QueueEntryStateCancelled, loaded.Status)

	_, err = manager.SetDelayedRuleEnabled(ctx, "guild", "missing", false)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestGrantTemporaryRole(t *testing.T) {
	db := gormDB(t)
	roles := newStubRoles()
	manager, _ := newTestRuleManager(t, db, roles)
	ctx := context.Background()

	grant, err := manager.GrantTemporaryRole(
		ctx, "guild", "user", "role", time.Hour, "event winner",
	)
	require.NoError(t, err)
	assert.Equal(t, GrantStateActive, grant.Status)
	assert.True(t, roles.heldRoles("guild", "user").Contains("role"))

	// duplicate active grant: rejected, expiry not extended
	_, err = manager.GrantTemporaryRole(
		ctx, "guild", "user", "role", 2*time.Hour, "again",
	)
	assert.ErrorIs(t, err, ErrDuplicateGrant)

	var loaded TemporaryRoleGrant
	require.NoError(t, db.Take(&loaded, grant.ID).Error)
	assert.Equal(t, grant.ExpiresAt, loaded.ExpiresAt)

	_, err = manager.GrantTemporaryRole(ctx, "guild", "user", "role2", 0, "")
	assert.Error(t, err)
}

func TestGrantTemporaryRoleMutationFailure(t *testing.T) {
	db := gormDB(t)
	roles := newStubRoles()
	roles.failAdd["role"] = errors.New("missing permissions")
	manager, _ := newTestRuleManager(t, db, roles)

	_, err := manager.GrantTemporaryRole(
		context.Background(), "guild", "user", "role", time.Hour, "",
	)
	require.Error(t, err)

	// nothing persisted when the role was never applied
	var count int64
	require.NoError(
		t, db.Model(&TemporaryRoleGrant{}).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestRevokeTemporaryGrant(t *testing.T) {
	db := gormDB(t)
	roles := newStubRoles()
	manager, _ := newTestRuleManager(t, db, roles)
	ctx := context.Background()

	grant, err := manager.GrantTemporaryRole(
		ctx, "guild", "user", "role", time.Hour, "",
	)
	require.NoError(t, err)

	require.NoError(t, manager.RevokeTemporaryGrant(ctx, "guild", "user", "role"))
	assert.False(t, roles.heldRoles("guild", "user").Contains("role"))

	var loaded TemporaryRoleGrant
	require.NoError(t, db.Take(&loaded, grant.ID).Error)
	assert.Equal(t, GrantStateRemoved, loaded.Status)
	require.NotNil(t, loaded.RemovedAt)

	err = manager.RevokeTemporaryGrant(ctx, "guild", "user", "role")
	assert.ErrorIs(t, err, ErrGrantNotFound)

	// the slot is free for a new grant after revocation
	_, err = manager.GrantTemporaryRole(ctx, "guild", "user", "role", time.Hour, "")
	assert.NoError(t, err)
}

func TestCreateReactionGroupValidation(t *testing.T) {
	db := gormDB(t)
	manager, _ := newTestRuleManager(t, db, newStubRoles())
	ctx := context.Background()

	group, err := manager.CreateReactionGroup(
		ctx, ReactionRoleGroup{
			GuildID:         "guild",
			MessageConfigID: "message",
			GroupName:       "colors",
			GroupType:       GroupTypeUnique,
			MaxRoles:        3,
		},
	)
	require.NoError(t, err)
	assert.Zero(t, group.MaxRoles, "unique groups ignore max roles")

	_, err = manager.CreateReactionGroup(
		ctx, ReactionRoleGroup{
			GuildID:   "guild",
			GroupName: "hobbies",
			GroupType: GroupTypeLimit,
			MaxRoles:  0,
		},
	)
	assert.Error(t, err)

	_, err = manager.CreateReactionGroup(
		ctx, ReactionRoleGroup{
			GuildID:   "guild",
			GroupName: "bad",
			GroupType: GroupType("nope"),
		},
	)
	assert.Error(t, err)
}

func TestCreateReactionGroupRejectsDanglingOptions(t *testing.T) {
	db := gormDB(t)
	manager, writeDB := newTestRuleManager(t, db, newStubRoles())
	ctx := context.Background()

	_, err := manager.CreateReactionGroup(
		ctx, ReactionRoleGroup{
			GuildID:        "guild",
			GroupName:      "colors",
			GroupType:      GroupTypeUnique,
			EmojiOptionIDs: OptionIDSet{999, 1000},
		},
	)
	assert.ErrorIs(t, err, ErrOptionNotFound)

	var count int64
	require.NoError(
		t, db.Model(&ReactionRoleGroup{}).Count(&count).Error,
	)
	assert.Zero(t, count, "group with dangling options must not persist")

	option, err := manager.CreateEmojiOption(
		ctx, ReactionEmojiOption{
			GuildID:   "guild",
			MessageID: "message",
			ChannelID: "channel",
			Emoji:     "🔴",
			RoleID:    "red",
		},
	)
	require.NoError(t, err)

	group, err := manager.CreateReactionGroup(
		ctx, ReactionRoleGroup{
			GuildID:        "guild",
			GroupName:      "colors",
			GroupType:      GroupTypeUnique,
			EmojiOptionIDs: OptionIDSet{option.ID},
		},
	)
	require.NoError(t, err)
	assert.True(t, group.EmojiOptionIDs.Contains(option.ID))

	// options from another guild are rejected even when they exist
	otherOption := ReactionEmojiOption{
		GuildID:   "other-guild",
		MessageID: "message",
		Emoji:     "🔵",
		RoleID:    "blue",
	}
	_, err = writeDB.Create(ctx, &otherOption)
	require.NoError(t, err)
	_, err = manager.CreateReactionGroup(
		ctx, ReactionRoleGroup{
			GuildID:        "guild",
			GroupName:      "shapes",
			GroupType:      GroupTypeUnique,
			EmojiOptionIDs: OptionIDSet{otherOption.ID},
		},
	)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrOptionNotFound)
}

func TestAddOptionToGroup(t *testing.T) {
	db := gormDB(t)
	manager, writeDB := newTestRuleManager(t, db, newStubRoles())
	ctx := context.Background()

	group, err := manager.CreateReactionGroup(
		ctx, ReactionRoleGroup{
			GuildID:         "guild",
			MessageConfigID: "message",
			GroupName:       "colors",
			GroupType:       GroupTypeUnique,
		},
	)
	require.NoError(t, err)

	option, err := manager.CreateEmojiOption(
		ctx, ReactionEmojiOption{
			GuildID:   "guild",
			MessageID: "message",
			ChannelID: "channel",
			Emoji:     "🔴",
			RoleID:    "red",
		},
	)
	require.NoError(t, err)

	group, err = manager.AddOptionToGroup(ctx, group.ID, option.ID)
	require.NoError(t, err)
	assert.True(t, group.EmojiOptionIDs.Contains(option.ID))

	// idempotent
	group, err = manager.AddOptionToGroup(ctx, group.ID, option.ID)
	require.NoError(t, err)
	assert.Len(t, group.EmojiOptionIDs, 1)

	_, err = manager.AddOptionToGroup(ctx, 999, option.ID)
	assert.ErrorIs(t, err, ErrGroupNotFound)

	_, err = manager.AddOptionToGroup(ctx, group.ID, 999)
	assert.ErrorIs(t, err, ErrOptionNotFound)

	// cross-guild options are rejected
	otherOption := ReactionEmojiOption{
		GuildID:   "other-guild",
		MessageID: "message",
		Emoji:     "🔵",
		RoleID:    "blue",
	}
	_, err = writeDB.Create(ctx, &otherOption)
	require.NoError(t, err)
	_, err = manager.AddOptionToGroup(ctx, group.ID, otherOption.ID)
	assert.Error(t, err)
}

func TestBlacklist(t *testing.T) {
	db := gormDB(t)
	manager, _ := newTestRuleManager(t, db, newStubRoles())
	ctx := context.Background()

	require.NoError(t, manager.BlacklistRole(ctx, "guild", "role", "punitive"))
	// repeat is a no-op
	require.NoError(t, manager.BlacklistRole(ctx, "guild", "role", "other reason"))

	entries, err := manager.BlacklistedRoles(ctx, "guild")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "punitive", entries[0].Reason)

	require.NoError(t, manager.UnblacklistRole(ctx, "guild", "role"))
	entries, err = manager.BlacklistedRoles(ctx, "guild")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// re-blacklisting after removal works
	require.NoError(t, manager.BlacklistRole(ctx, "guild", "role", "again"))
}
