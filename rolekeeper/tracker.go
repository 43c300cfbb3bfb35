package rolekeeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// RestoreResult reports what happened to each role in a snapshot when a
// tracked member rejoined.
type RestoreResult struct {
	// Restored roles were granted back to the member
	Restored RoleIDSet `json:"restored"`

	// Skipped roles were in the snapshot but blacklisted at restore time
	Skipped RoleIDSet `json:"skipped"`

	// Failed roles could not be granted; they remain in the snapshot for
	// the next rejoin
	Failed RoleIDSet `json:"failed"`
}

func (r RestoreResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("restored", []string(r.Restored)),
		slog.Any("skipped", []string(r.Skipped)),
		slog.Any("failed", []string(r.Failed)),
	)
}

// ReassignmentTracker snapshots a member's roles when they leave a guild
// and restores them, minus blacklisted roles, if they rejoin within the
// retention window. One snapshot per (guild, user); a member leaving again
// overwrites their previous snapshot.
type ReassignmentTracker struct {
	db        *gorm.DB
	writeDB   DBI
	roles     roleMutator
	retention time.Duration
	logger    *slog.Logger
}

func newReassignmentTracker(
	db *gorm.DB,
	writeDB DBI,
	roles roleMutator,
	retention time.Duration,
	logger *slog.Logger,
) *ReassignmentTracker {
	if retention <= 0 {
		retention = DefaultReassignmentRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReassignmentTracker{
		db:        db,
		writeDB:   writeDB,
		roles:     roles,
		retention: retention,
		logger:    logger.With(loggerNameKey, "reassignment_tracker"),
	}
}

// HandleMemberLeave records the departing member's roles. The guild's
// implicit base role is excluded; a member with no other roles gets no
// snapshot, and any stale snapshot for them is removed.
func (t *ReassignmentTracker) HandleMemberLeave(
	ctx context.Context,
	guildID string,
	userID string,
	roleIDs []string,
) error {
	// discordgo omits @everyone from member role lists, but the gateway
	// has been seen including it after role updates
	snapshot := RoleIDSet(roleIDs).Without(guildID)

	existing, err := getTrackingEntry(ctx, t.db, guildID, userID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	found := err == nil

	if len(snapshot) == 0 {
		if found {
			_, err = t.writeDB.Delete(&existing)
			return err
		}
		return nil
	}

	now := time.Now()
	if found {
		existing.RoleIDs = snapshot
		existing.LeftAt = now.UnixMilli()
		existing.ExpiresAt = now.Add(t.retention).UnixMilli()
		if _, err = t.writeDB.Save(ctx, &existing); err != nil {
			return err
		}
		t.logger.InfoContext(
			ctx, "updated role snapshot on leave", "entry", existing,
		)
		return nil
	}

	entry := ReassignmentTrackingEntry{
		GuildID:   guildID,
		UserID:    userID,
		RoleIDs:   snapshot,
		LeftAt:    now.UnixMilli(),
		ExpiresAt: now.Add(t.retention).UnixMilli(),
	}
	if _, err = t.writeDB.Create(ctx, &entry); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "recorded role snapshot on leave", "entry", entry)
	return nil
}

// HandleMemberJoin restores the member's snapshotted roles, if a live
// snapshot exists. Blacklisted roles are skipped (the blacklist is
// consulted now, not at snapshot time). Roles that fail to apply stay in
// the snapshot for the next rejoin; the retention expiry is not extended.
func (t *ReassignmentTracker) HandleMemberJoin(
	ctx context.Context,
	guildID string,
	userID string,
) (RestoreResult, error) {
	var result RestoreResult

	entry, err := getTrackingEntry(ctx, t.db, guildID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return result, nil
		}
		return result, err
	}

	now := time.Now()
	if entry.Expired(now) {
		_, err = t.writeDB.Delete(&entry)
		return result, err
	}

	blacklist, err := blacklistedRoleIDs(ctx, t.db, guildID)
	if err != nil {
		return result, err
	}

	for _, roleID := range entry.RoleIDs {
		if blacklist.Contains(roleID) {
			result.Skipped = append(result.Skipped, roleID)
			continue
		}
		grantErr := t.roles.MutateMemberRoles(
			ctx, guildID, userID, []string{roleID}, nil,
		)
		if grantErr != nil {
			result.Failed = append(result.Failed, roleID)
			t.logger.WarnContext(
				ctx,
				"failed to restore role",
				tint.Err(grantErr),
				"role_id", roleID,
				"guild_id", guildID,
				columnUserID, userID,
			)
			continue
		}
		result.Restored = append(result.Restored, roleID)
	}

	if len(result.Failed) == 0 {
		if _, err = t.writeDB.Delete(&entry); err != nil {
			return result, err
		}
		t.logger.InfoContext(
			ctx, "restored roles on rejoin", "result", result, "entry", entry,
		)
		return result, nil
	}

	// Keep only the roles that still need granting. LeftAt marks this
	// restoration attempt; the expiry stays put so partial failures can't
	// extend retention indefinitely.
	if _, err = t.writeDB.Updates(ctx, &entry, map[string]any{
		columnTrackingRoleIDs: result.Failed,
		columnTrackingLeftAt:  now.UnixMilli(),
	}); err != nil {
		return result, err
	}
	t.logger.WarnContext(
		ctx,
		"partially restored roles on rejoin",
		"result", result,
		"entry", entry,
	)
	return result, nil
}

// PurgeExpired deletes snapshots past their retention window, returning
// how many were removed. Expired snapshots are already ignored on rejoin;
// this just keeps the table from growing unbounded.
func (t *ReassignmentTracker) PurgeExpired(ctx context.Context) (int64, error) {
	purged, err := t.writeDB.Delete(
		&ReassignmentTrackingEntry{},
		"expires_at <= ?",
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		t.logger.InfoContext(
			ctx, "purged expired role snapshots", "count", purged,
		)
	}
	return purged, nil
}
