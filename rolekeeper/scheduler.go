package rolekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// SweepStats summarizes one scheduler pass.
type SweepStats struct {
	// Assigned counts queue entries whose role was applied
	Assigned int `json:"assigned"`

	// Cancelled counts queue entries cancelled during the pass (orphaned
	// rule, disabled rule, or attempt limit reached)
	Cancelled int `json:"cancelled"`

	// Retried counts queue entries returned to pending after a failed
	// mutation
	Retried int `json:"retried"`

	// Expired counts temporary grants transitioned to removed
	Expired int `json:"expired"`
}

func (s SweepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("assigned", s.Assigned),
		slog.Int("cancelled", s.Cancelled),
		slog.Int("retried", s.Retried),
		slog.Int("expired", s.Expired),
	)
}

// Scheduler drives the time-based role mutations: due delayed-role queue
// entries (assignment pass) and expired temporary grants (expiry pass),
// in that order, so a grant created by the assignment pass can't expire
// in the same sweep it was applied.
//
// Sweeps run on a fixed interval and on rules-changed notifications. At
// most one sweep is in flight; triggers arriving mid-sweep are dropped,
// which is fine since the next sweep re-queries everything from the
// database.
type Scheduler struct {
	db          *gorm.DB
	writeDB     DBI
	roles       roleMutator
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int

	// trigger receives guild IDs from rules-changed notifications for
	// prompt re-sweeps (the guild ID is only used for logging; sweeps are
	// always global)
	trigger <-chan string

	sweepMu sync.Mutex

	totalAssigned atomic.Int64
	totalExpired  atomic.Int64
	lastSweep     atomic.Int64
}

func newScheduler(
	db *gorm.DB,
	writeDB DBI,
	roles roleMutator,
	trigger <-chan string,
	interval time.Duration,
	maxAttempts int,
	logger *slog.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultSweepMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:          db,
		writeDB:     writeDB,
		roles:       roles,
		trigger:     trigger,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.With(loggerNameKey, "scheduler"),
	}
}

// Run sweeps on the configured interval, and additionally whenever a
// rules-changed notification arrives, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(
		ctx,
		"scheduler started",
		"interval", s.interval,
		"max_attempts", s.maxAttempts,
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweepIfIdle(ctx, "interval")
		case guildID := <-s.trigger:
			s.sweepIfIdle(ctx, fmt.Sprintf("rules changed (guild: %s)", guildID))
		}
	}
}

func (s *Scheduler) sweepIfIdle(ctx context.Context, cause string) {
	if !s.sweepMu.TryLock() {
		s.logger.DebugContext(ctx, "sweep already in flight", "cause", cause)
		return
	}
	defer s.sweepMu.Unlock()

	stats, err := s.sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", tint.Err(err), "cause", cause)
		return
	}
	if stats != (SweepStats{}) {
		s.logger.InfoContext(ctx, "sweep finished", "stats", stats, "cause", cause)
	}
}

// Sweep runs one assignment pass followed by one expiry pass. Safe to call
// concurrently with Run; the in-flight guard only applies to Run's own
// triggers.
func (s *Scheduler) Sweep(ctx context.Context) (SweepStats, error) {
	return s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := time.Now()

	entries, err := duePendingEntries(ctx, s.db, now)
	if err != nil {
		return stats, fmt.Errorf(
			"%w: error loading due queue entries: %w",
			ErrPersistenceUnavailable,
			err,
		)
	}
	for _, entry := range entries {
		s.processQueueEntry(ctx, entry, &stats)
	}

	grants, err := dueActiveGrants(ctx, s.db, now)
	if err != nil {
		return stats, fmt.Errorf(
			"%w: error loading expired grants: %w",
			ErrPersistenceUnavailable,
			err,
		)
	}
	for _, grant := range grants {
		s.processExpiredGrant(ctx, grant, &stats)
	}

	s.totalAssigned.Add(int64(stats.Assigned))
	s.totalExpired.Add(int64(stats.Expired))
	s.lastSweep.Store(now.UnixMilli())
	return stats, nil
}

// processQueueEntry attempts to complete one due queue entry. The entry is
// claimed (pending to completed) before the role mutation so a concurrent
// sweep can't double-assign; a failed mutation reverts the claim with the
// attempt counted, and the entry is cancelled once attempts reach the
// limit.
func (s *Scheduler) processQueueEntry(
	ctx context.Context,
	entry DelayedRoleQueueEntry,
	stats *SweepStats,
) {
	logger := s.logger.With("queue_entry", entry)

	rule, err := getDelayedRuleByID(ctx, s.db, entry.RuleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if s.cancelEntry(ctx, entry, cancelReasonRuleRemoved) {
				stats.Cancelled++
			}
			return
		}
		logger.ErrorContext(ctx, "error loading rule for entry", tint.Err(err))
		return
	}
	if !rule.Enabled {
		// RuleManager cancels pending entries on disable; this catches
		// entries created in the window between the toggle and the cancel.
		if s.cancelEntry(ctx, entry, cancelReasonRuleDisabled) {
			stats.Cancelled++
		}
		return
	}

	claimed, err := s.writeDB.UpdatesWhere(
		ctx,
		&DelayedRoleQueueEntry{},
		map[string]any{columnQueueEntryStatus: QueueEntryStateCompleted},
		"id = ? AND status = ?",
		entry.ID,
		QueueEntryStatePending,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error claiming queue entry", tint.Err(err))
		return
	}
	if claimed == 0 {
		return
	}

	err = s.roles.MutateMemberRoles(
		ctx, entry.GuildID, entry.UserID, []string{entry.RoleID}, nil,
	)
	if err == nil {
		stats.Assigned++
		logger.InfoContext(ctx, "assigned delayed role")
		return
	}

	attempts := entry.Attempts + 1
	if attempts >= s.maxAttempts {
		reason := fmt.Sprintf(
			"role assignment failed after %d attempt(s): %s", attempts, err,
		)
		if _, updateErr := s.writeDB.UpdatesWhere(
			ctx,
			&DelayedRoleQueueEntry{},
			map[string]any{
				columnQueueEntryStatus:   QueueEntryStateCancelled,
				columnQueueEntryAttempts: attempts,
				columnQueueEntryReason:   reason,
			},
			"id = ?",
			entry.ID,
		); updateErr != nil {
			logger.ErrorContext(
				ctx, "error cancelling exhausted entry", tint.Err(updateErr),
			)
			return
		}
		stats.Cancelled++
		logger.WarnContext(
			ctx,
			"cancelled queue entry after repeated failures",
			tint.Err(err),
			columnQueueEntryAttempts, attempts,
		)
		return
	}

	if _, updateErr := s.writeDB.UpdatesWhere(
		ctx,
		&DelayedRoleQueueEntry{},
		map[string]any{
			columnQueueEntryStatus:   QueueEntryStatePending,
			columnQueueEntryAttempts: attempts,
		},
		"id = ?",
		entry.ID,
	); updateErr != nil {
		logger.ErrorContext(
			ctx, "error reverting claimed entry", tint.Err(updateErr),
		)
		return
	}
	stats.Retried++
	logger.WarnContext(
		ctx,
		"role assignment failed, entry returned to pending",
		tint.Err(err),
		columnQueueEntryAttempts, attempts,
	)
}

func (s *Scheduler) cancelEntry(
	ctx context.Context,
	entry DelayedRoleQueueEntry,
	reason string,
) bool {
	cancelled, err := s.writeDB.UpdatesWhere(
		ctx,
		&DelayedRoleQueueEntry{},
		map[string]any{
			columnQueueEntryStatus: QueueEntryStateCancelled,
			columnQueueEntryReason: reason,
		},
		"id = ? AND status = ?",
		entry.ID,
		QueueEntryStatePending,
	)
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"error cancelling queue entry",
			tint.Err(err),
			"queue_entry", entry,
		)
		return false
	}
	return cancelled > 0
}

// processExpiredGrant transitions one expired grant to removed and removes
// the role. The state transition happens first: if the removal then fails
// (member left, role deleted), the grant stays removed, since removal is
// idempotent and re-running it can't improve the outcome.
func (s *Scheduler) processExpiredGrant(
	ctx context.Context,
	grant TemporaryRoleGrant,
	stats *SweepStats,
) {
	logger := s.logger.With("grant", grant)

	claimed, err := s.writeDB.UpdatesWhere(
		ctx,
		&TemporaryRoleGrant{},
		map[string]any{
			columnGrantStatus:    GrantStateRemoved,
			columnGrantRemovedAt: time.Now().UnixMilli(),
		},
		"id = ? AND status = ?",
		grant.ID,
		GrantStateActive,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error claiming expired grant", tint.Err(err))
		return
	}
	if claimed == 0 {
		return
	}
	stats.Expired++

	if err = s.roles.MutateMemberRoles(
		ctx, grant.GuildID, grant.UserID, nil, []string{grant.RoleID},
	); err != nil {
		logger.WarnContext(
			ctx, "expired grant but role removal failed", tint.Err(err),
		)
		return
	}
	logger.InfoContext(ctx, "removed expired temporary role")
}
