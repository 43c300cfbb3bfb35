package rolekeeper

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

const (
	// QueueEntryStatePending indicates a delayed-role queue entry awaiting
	// its due time.
	QueueEntryStatePending QueueEntryState = "pending"

	// QueueEntryStateCompleted indicates the role mutation succeeded.
	QueueEntryStateCompleted QueueEntryState = "completed"

	// QueueEntryStateCancelled indicates the entry's rule was removed or
	// disabled before the due time, or the mutation failed too many times.
	QueueEntryStateCancelled QueueEntryState = "cancelled"

	// GrantStateActive indicates a temporary role grant that hasn't
	// expired yet.
	GrantStateActive TemporaryGrantState = "active"

	// GrantStateRemoved indicates the grant has expired (or was revoked
	// early) and the role removal has been applied or is moot.
	GrantStateRemoved TemporaryGrantState = "removed"

	// GroupTypeUnique marks a group where at most one role may be held at
	// a time: granting a second role revokes the first.
	GroupTypeUnique GroupType = "unique"

	// GroupTypeLimit marks a group where at most MaxRoles may be held
	// concurrently: further grants are rejected, not substituted.
	GroupTypeLimit GroupType = "limit"
)

var (
	columnUserID             = "user_id"
	columnRuleEnabled        = "enabled"
	columnQueueEntryStatus   = "status"
	columnQueueEntryAttempts = "attempts"
	columnQueueEntryReason   = "fail_reason"
	columnGrantStatus        = "status"
	columnGrantRemovedAt     = "removed_at"
	columnTrackingRoleIDs    = "role_ids"
	columnTrackingLeftAt     = "left_at"
)

type QueueEntryState string

func (s QueueEntryState) String() string {
	return string(s)
}

type TemporaryGrantState string

func (s TemporaryGrantState) String() string {
	return string(s)
}

type GroupType string

func (s GroupType) String() string {
	return string(s)
}

// ModelUnixTime is an embeddable model with Unix timestamps (milliseconds)
// for creation and update. No soft-delete column: deleted rules, snapshots
// and blacklist entries get re-created under unique indexes, so deletes
// must actually free the index slot.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// RoleIDSet is an unordered collection of role IDs, stored as a JSON array.
// It exists so role snapshots and group option lists are typed columns
// rather than opaque blobs.
type RoleIDSet []string

// Scan implements the sql.Scanner interface.
func (r *RoleIDSet) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	case nil:
		*r = nil
		return nil
	default:
		return fmt.Errorf("unexpected type for RoleIDSet: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (r RoleIDSet) Value() (driver.Value, error) {
	if r == nil {
		r = RoleIDSet{}
	}
	data, err := json.Marshal(r)
	return string(data), err
}

// GormDataType is used by GORM to determine the default data type for a field.
func (RoleIDSet) GormDataType() string {
	return "string"
}

// Contains reports whether the set includes the given role ID.
func (r RoleIDSet) Contains(roleID string) bool {
	return slices.Contains(r, roleID)
}

// Without returns a copy of the set with the given role IDs removed.
func (r RoleIDSet) Without(roleIDs ...string) RoleIDSet {
	out := make(RoleIDSet, 0, len(r))
	for _, id := range r {
		if !slices.Contains(roleIDs, id) {
			out = append(out, id)
		}
	}
	return out
}

// OptionIDSet is an unordered collection of reaction emoji option IDs,
// stored as a JSON array.
type OptionIDSet []uint

// Scan implements the sql.Scanner interface.
func (o *OptionIDSet) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	case nil:
		*o = nil
		return nil
	default:
		return fmt.Errorf("unexpected type for OptionIDSet: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (o OptionIDSet) Value() (driver.Value, error) {
	if o == nil {
		o = OptionIDSet{}
	}
	data, err := json.Marshal(o)
	return string(data), err
}

// GormDataType is used by GORM to determine the default data type for a field.
func (OptionIDSet) GormDataType() string {
	return "string"
}

// Contains reports whether the set includes the given option ID.
func (o OptionIDSet) Contains(optionID uint) bool {
	return slices.Contains(o, optionID)
}

// DelayedRoleRule grants a role to members some number of minutes after they
// join. One rule per (guild, role); enabled rules create a
// DelayedRoleQueueEntry for each member join.
type DelayedRoleRule struct {
	ModelUintID
	ModelUnixTime
	GuildID      string `json:"guild_id" gorm:"uniqueIndex:idx_delayed_role_rule;not null"`
	RoleID       string `json:"role_id" gorm:"uniqueIndex:idx_delayed_role_rule;not null"`
	DelayMinutes int    `json:"delay_minutes" gorm:"not null"`
	Enabled      bool   `json:"enabled"`
}

func (r DelayedRoleRule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String("guild_id", r.GuildID),
		slog.String("role_id", r.RoleID),
		slog.Int("delay_minutes", r.DelayMinutes),
		slog.Bool("enabled", r.Enabled),
	)
}

// Delay returns the rule's delay as a duration.
func (r DelayedRoleRule) Delay() time.Duration {
	return time.Duration(r.DelayMinutes) * time.Minute
}

// DelayedRoleQueueEntry is a scheduled, one-shot role assignment awaiting
// its due time. Entries are created on member join while a rule is enabled,
// consumed by the scheduler sweep, and cancelled en masse when the parent
// rule is disabled or removed.
type DelayedRoleQueueEntry struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"index;not null"`
	UserID  string `json:"user_id" gorm:"not null"`
	RoleID  string `json:"role_id" gorm:"not null"`
	RuleID  uint   `json:"rule_id" gorm:"index;not null"`

	// ScheduledFor is the due time, as a Unix timestamp in milliseconds
	ScheduledFor int64           `json:"scheduled_for" gorm:"index;not null"`
	Status       QueueEntryState `json:"status" gorm:"index;not null"`

	// Attempts counts failed role mutations for this entry
	Attempts int `json:"attempts"`

	// FailReason records why the entry was cancelled, if it was
	FailReason *string `json:"fail_reason" gorm:"type:string"`
}

func (e DelayedRoleQueueEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(e.ID)),
		slog.String("guild_id", e.GuildID),
		slog.String(columnUserID, e.UserID),
		slog.String("role_id", e.RoleID),
		slog.Uint64("rule_id", uint64(e.RuleID)),
		slog.Time("scheduled_for", e.ScheduledAt()),
		slog.String(columnQueueEntryStatus, e.Status.String()),
		slog.Int(columnQueueEntryAttempts, e.Attempts),
		slog.String(columnQueueEntryReason, stringPointerValue(e.FailReason)),
	)
}

// ScheduledAt returns the entry's due time.
func (e DelayedRoleQueueEntry) ScheduledAt() time.Time {
	return time.UnixMilli(e.ScheduledFor).UTC()
}

// Due reports whether the entry's due time has passed.
func (e DelayedRoleQueueEntry) Due(now time.Time) bool {
	return !now.Before(e.ScheduledAt())
}

// newQueueEntry creates a pending queue entry for the given rule and member,
// scheduled relative to the given join time.
func newQueueEntry(
	rule DelayedRoleRule,
	userID string,
	joinedAt time.Time,
) *DelayedRoleQueueEntry {
	return &DelayedRoleQueueEntry{
		GuildID:      rule.GuildID,
		UserID:       userID,
		RoleID:       rule.RoleID,
		RuleID:       rule.ID,
		ScheduledFor: joinedAt.Add(rule.Delay()).UnixMilli(),
		Status:       QueueEntryStatePending,
	}
}

// TemporaryRoleGrant is a role granted with a duration. The scheduler
// removes the role and marks the grant removed at-or-after ExpiresAt.
// Multiple grants may exist for the same (user, role) only if the prior one
// is already removed.
type TemporaryRoleGrant struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"index;not null"`
	UserID  string `json:"user_id" gorm:"index;not null"`
	RoleID  string `json:"role_id" gorm:"not null"`

	// ExpiresAt is the removal time, as a Unix timestamp in milliseconds
	ExpiresAt int64               `json:"expires_at" gorm:"index;not null"`
	Reason    string              `json:"reason"`
	Status    TemporaryGrantState `json:"status" gorm:"index;not null"`

	// RemovedAt is when the grant transitioned to removed, in milliseconds
	RemovedAt *int64 `json:"removed_at"`
}

func (g TemporaryRoleGrant) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(g.ID)),
		slog.String("guild_id", g.GuildID),
		slog.String(columnUserID, g.UserID),
		slog.String("role_id", g.RoleID),
		slog.Time("expires_at", g.ExpiresTime()),
		slog.String("reason", g.Reason),
		slog.String(columnGrantStatus, g.Status.String()),
	)
}

// ExpiresTime returns the grant's expiry as a time.Time.
func (g TemporaryRoleGrant) ExpiresTime() time.Time {
	return time.UnixMilli(g.ExpiresAt).UTC()
}

// Expired reports whether the grant's expiry has passed.
func (g TemporaryRoleGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresTime())
}

// ReassignmentTrackingEntry is the time-bounded memory of a departed
// member's roles, for restoration if they return. One row per
// (guild, user); RoleIDs excludes the guild's implicit base role, and after
// a partial restoration contains only the roles that still need granting.
type ReassignmentTrackingEntry struct {
	ModelUintID
	ModelUnixTime
	GuildID string    `json:"guild_id" gorm:"uniqueIndex:idx_reassignment_member;not null"`
	UserID  string    `json:"user_id" gorm:"uniqueIndex:idx_reassignment_member;not null"`
	RoleIDs RoleIDSet `json:"role_ids" gorm:"not null"`

	// LeftAt is when the member departed (or when restoration was last
	// attempted), as a Unix timestamp in milliseconds
	LeftAt int64 `json:"left_at" gorm:"not null"`

	// ExpiresAt is when the snapshot stops being restorable, in
	// milliseconds. Not extended by partial restorations.
	ExpiresAt int64 `json:"expires_at" gorm:"index;not null"`
}

func (t ReassignmentTrackingEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.String("guild_id", t.GuildID),
		slog.String(columnUserID, t.UserID),
		slog.Any(columnTrackingRoleIDs, []string(t.RoleIDs)),
		slog.Time(columnTrackingLeftAt, time.UnixMilli(t.LeftAt).UTC()),
		slog.Time("expires_at", time.UnixMilli(t.ExpiresAt).UTC()),
	)
}

// Expired reports whether the snapshot's retention window has passed. An
// expired entry is treated as absent even if it hasn't been swept yet.
func (t ReassignmentTrackingEntry) Expired(now time.Time) bool {
	return now.After(time.UnixMilli(t.ExpiresAt).UTC())
}

// RoleBlacklistEntry lists a role that must never be restored by the
// reassignment tracker, even if already present in a snapshot (the
// blacklist is re-checked at restore time, not only at snapshot time).
type RoleBlacklistEntry struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_role_blacklist;not null"`
	RoleID  string `json:"role_id" gorm:"uniqueIndex:idx_role_blacklist;not null"`
	Reason  string `json:"reason"`
}

// ReactionEmojiOption maps an emoji on a configured message to a role. The
// emoji field holds either the unicode emoji or a custom emoji's
// name:id form, matching what the gateway delivers on reaction events.
type ReactionEmojiOption struct {
	ModelUintID
	ModelUnixTime
	GuildID   string `json:"guild_id" gorm:"index;not null"`
	MessageID string `json:"message_id" gorm:"index;not null"`
	ChannelID string `json:"channel_id"`
	Emoji     string `json:"emoji" gorm:"not null"`
	RoleID    string `json:"role_id" gorm:"not null"`
}

func (o ReactionEmojiOption) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(o.ID)),
		slog.String("guild_id", o.GuildID),
		slog.String("message_id", o.MessageID),
		slog.String("emoji", o.Emoji),
		slog.String("role_id", o.RoleID),
	)
}

// ReactionRoleGroup constrains a set of reaction emoji options: a unique
// group is mutually exclusive per member, a limit group caps concurrent
// grants at MaxRoles.
type ReactionRoleGroup struct {
	ModelUintID
	ModelUnixTime
	GuildID         string      `json:"guild_id" gorm:"index;not null"`
	MessageConfigID string      `json:"message_config_id" gorm:"index;not null"`
	GroupName       string      `json:"group_name" gorm:"not null"`
	GroupType       GroupType   `json:"group_type" gorm:"not null"`
	MaxRoles        int         `json:"max_roles"`
	EmojiOptionIDs  OptionIDSet `json:"emoji_option_ids"`
}

func (g ReactionRoleGroup) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(g.ID)),
		slog.String("guild_id", g.GuildID),
		slog.String("group_name", g.GroupName),
		slog.String("group_type", g.GroupType.String()),
		slog.Int("max_roles", g.MaxRoles),
	)
}
