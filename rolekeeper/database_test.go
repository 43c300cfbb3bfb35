package rolekeeper

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesChangedNotificationMessage(t *testing.T) {
	msg := newRulesChangedNotificationMessage("notifier-id", "guild-id")
	notifierID, guildID := parseRulesChangedNotification(msg)
	assert.Equal(t, "notifier-id", notifierID)
	assert.Equal(t, "guild-id", guildID)

	// payload without a separator: the whole string is the notifier ID
	notifierID, guildID = parseRulesChangedNotification("bare")
	assert.Equal(t, "bare", notifierID)
	assert.Empty(t, guildID)
}

func TestSQLiteNotifierDoesNotBlockOnFullTrigger(t *testing.T) {
	rk := &RoleKeeper{triggerSweepCh: make(chan string, 1)}
	notifier := &sqliteNotifier{
		logger:         slog.Default().With("test", t.Name()),
		rk:             rk,
		sqliteNotifyID: "test",
	}

	assert.True(t, notifier.RulesChanged(context.Background(), "guild"))

	// channel now full and nothing draining it; a cancelled context must
	// return promptly instead of waiting on the send
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, notifier.RulesChanged(ctx, "guild"))
}

func TestUpdatesWhereClaimsOnce(t *testing.T) {
	db := gormDB(t)
	writeDB := testWriteDB(t, db)
	ctx := context.Background()

	entry := DelayedRoleQueueEntry{
		GuildID:      "guild",
		UserID:       "user",
		RoleID:       "role",
		RuleID:       1,
		ScheduledFor: time.Now().UnixMilli(),
		Status:       QueueEntryStatePending,
	}
	_, err := writeDB.Create(ctx, &entry)
	require.NoError(t, err)

	claimed, err := writeDB.UpdatesWhere(
		ctx,
		&DelayedRoleQueueEntry{},
		map[string]any{columnQueueEntryStatus: QueueEntryStateCompleted},
		"id = ? AND status = ?",
		entry.ID,
		QueueEntryStatePending,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claimed)

	// a second claim of the same entry finds nothing
	claimed, err = writeDB.UpdatesWhere(
		ctx,
		&DelayedRoleQueueEntry{},
		map[string]any{columnQueueEntryStatus: QueueEntryStateCompleted},
		"id = ? AND status = ?",
		entry.ID,
		QueueEntryStatePending,
	)
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestCreateDBMigratesModels(t *testing.T) {
	db := gormDB(t)

	for _, table := range []string{
		"delayed_role_rules",
		"delayed_role_queue_entries",
		"temporary_role_grants",
		"reassignment_tracking_entries",
		"role_blacklist_entries",
		"reaction_emoji_options",
		"reaction_role_groups",
	} {
		assert.Truef(t, db.Migrator().HasTable(table), "missing table %s", table)
	}
}
