package rolekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	cancelReasonRuleRemoved  = "rule removed"
	cancelReasonRuleDisabled = "rule disabled"
)

// RuleManager is the write-side API for lifecycle configuration: delayed
// role rules, temporary grants, reaction role groups, and the restoration
// blacklist. Reads go straight to gorm; writes go through [DBI] so SQLite
// write serialization holds, and changes that affect the scheduler emit a
// rules-changed notification.
type RuleManager struct {
	db       *gorm.DB
	writeDB  DBI
	roles    roleMutator
	notifier DBNotifier
	logger   *slog.Logger
}

func newRuleManager(
	db *gorm.DB,
	writeDB DBI,
	roles roleMutator,
	notifier DBNotifier,
	logger *slog.Logger,
) *RuleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleManager{
		db:       db,
		writeDB:  writeDB,
		roles:    roles,
		notifier: notifier,
		logger:   logger.With(loggerNameKey, "rule_manager"),
	}
}

func (m *RuleManager) notifyRulesChanged(ctx context.Context, guildID string) {
	if m.notifier == nil {
		return
	}
	if !m.notifier.RulesChanged(ctx, guildID) {
		m.logger.WarnContext(
			ctx,
			"rules-changed notification not sent",
			"guild_id", guildID,
		)
	}
}

// CreateDelayedRule creates a rule granting roleID to members delayMinutes
// after they join. Returns ErrDuplicateRule if a rule for (guild, role)
// already exists, disabled rules included.
func (m *RuleManager) CreateDelayedRule(
	ctx context.Context,
	guildID string,
	roleID string,
	delayMinutes int,
) (DelayedRoleRule, error) {
	if delayMinutes < 0 {
		return DelayedRoleRule{}, fmt.Errorf(
			"delay minutes must be >= 0, got %d", delayMinutes,
		)
	}

	_, err := getDelayedRule(ctx, m.db, guildID, roleID)
	switch {
	case err == nil:
		return DelayedRoleRule{}, ErrDuplicateRule
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return DelayedRoleRule{}, err
	}

	rule := DelayedRoleRule{
		GuildID:      guildID,
		RoleID:       roleID,
		DelayMinutes: delayMinutes,
		Enabled:      true,
	}
	if _, err = m.writeDB.Create(ctx, &rule); err != nil {
		return DelayedRoleRule{}, err
	}
	m.logger.InfoContext(ctx, "created delayed role rule", "rule", rule)
	m.notifyRulesChanged(ctx, guildID)
	return rule, nil
}

// RemoveDelayedRule deletes the rule for (guild, role) and cancels all of
// its pending queue entries, returning how many entries were cancelled.
// Returns ErrRuleNotFound if no such rule exists.
func (m *RuleManager) RemoveDelayedRule(
	ctx context.Context,
	guildID string,
	roleID string,
) (cancelled int64, err error) {
	rule, err := getDelayedRule(ctx, m.db, guildID, roleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrRuleNotFound
		}
		return 0, err
	}

	cancelled, err = m.cancelPendingEntries(ctx, rule.ID, cancelReasonRuleRemoved)
	if err != nil {
		return 0, err
	}

	if _, err = m.writeDB.Delete(&rule); err != nil {
		return cancelled, err
	}
	m.logger.InfoContext(
		ctx,
		"removed delayed role rule",
		"rule", rule,
		"cancelled_entries", cancelled,
	)
	m.notifyRulesChanged(ctx, guildID)
	return cancelled, nil
}

// SetDelayedRuleEnabled toggles a rule. Disabling cancels the rule's
// pending queue entries; re-enabling does not resurrect them, only joins
// after re-enable are scheduled.
func (m *RuleManager) SetDelayedRuleEnabled(
	ctx context.Context,
	guildID string,
	roleID string,
	enabled bool,
) (DelayedRoleRule, error) {
	rule, err := getDelayedRule(ctx, m.db, guildID, roleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DelayedRoleRule{}, ErrRuleNotFound
		}
		return DelayedRoleRule{}, err
	}
	if rule.Enabled == enabled {
		return rule, nil
	}

	if _, err = m.writeDB.Update(
		ctx, &rule, columnRuleEnabled, enabled,
	); err != nil {
		return DelayedRoleRule{}, err
	}
	rule.Enabled = enabled

	if !enabled {
		cancelled, cancelErr := m.cancelPendingEntries(
			ctx, rule.ID, cancelReasonRuleDisabled,
		)
		if cancelErr != nil {
			return rule, cancelErr
		}
		m.logger.InfoContext(
			ctx,
			"disabled delayed role rule",
			"rule", rule,
			"cancelled_entries", cancelled,
		)
	} else {
		m.logger.InfoContext(ctx, "enabled delayed role rule", "rule", rule)
	}
	m.notifyRulesChanged(ctx, guildID)
	return rule, nil
}

// DelayedRules returns all rules for the guild, enabled or not.
func (m *RuleManager) DelayedRules(
	ctx context.Context,
	guildID string,
) ([]DelayedRoleRule, error) {
	var rules []DelayedRoleRule
	err := m.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Order("role_id").Find(&rules).Error
	return rules, err
}

func (m *RuleManager) cancelPendingEntries(
	ctx context.Context,
	ruleID uint,
	reason string,
) (int64, error) {
	return m.writeDB.UpdatesWhere(
		ctx,
		&DelayedRoleQueueEntry{},
		map[string]any{
			columnQueueEntryStatus: QueueEntryStateCancelled,
			columnQueueEntryReason: reason,
		},
		"rule_id = ? AND status = ?",
		ruleID,
		QueueEntryStatePending,
	)
}

// GrantTemporaryRole grants roleID to the member immediately and records a
// grant expiring after duration. Returns ErrDuplicateGrant if the member
// already has an active grant for the role; the existing expiry is not
// extended.
func (m *RuleManager) GrantTemporaryRole(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
	duration time.Duration,
	reason string,
) (TemporaryRoleGrant, error) {
	if duration <= 0 {
		return TemporaryRoleGrant{}, fmt.Errorf(
			"grant duration must be > 0, got %s", duration,
		)
	}

	_, err := activeGrant(ctx, m.db, guildID, userID, roleID)
	switch {
	case err == nil:
		return TemporaryRoleGrant{}, ErrDuplicateGrant
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return TemporaryRoleGrant{}, err
	}

	if err = m.roles.MutateMemberRoles(
		ctx, guildID, userID, []string{roleID}, nil,
	); err != nil {
		return TemporaryRoleGrant{}, err
	}

	grant := TemporaryRoleGrant{
		GuildID:   guildID,
		UserID:    userID,
		RoleID:    roleID,
		ExpiresAt: time.Now().Add(duration).UnixMilli(),
		Reason:    reason,
		Status:    GrantStateActive,
	}
	if _, err = m.writeDB.Create(ctx, &grant); err != nil {
		// The role is already applied. Leaving it is safer than a blind
		// removal, but it won't expire on its own, so make noise.
		m.logger.ErrorContext(
			ctx,
			"granted role but failed to record grant",
			tint.Err(err),
			"grant", grant,
		)
		return TemporaryRoleGrant{}, err
	}
	m.logger.InfoContext(ctx, "granted temporary role", "grant", grant)
	return grant, nil
}

// RevokeTemporaryGrant ends an active grant before its expiry, removing the
// role. Returns ErrGrantNotFound if the member has no active grant for the
// role.
func (m *RuleManager) RevokeTemporaryGrant(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
) error {
	grant, err := activeGrant(ctx, m.db, guildID, userID, roleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGrantNotFound
		}
		return err
	}

	now := time.Now().UnixMilli()
	claimed, err := m.writeDB.UpdatesWhere(
		ctx,
		&TemporaryRoleGrant{},
		map[string]any{
			columnGrantStatus:    GrantStateRemoved,
			columnGrantRemovedAt: now,
		},
		"id = ? AND status = ?",
		grant.ID,
		GrantStateActive,
	)
	if err != nil {
		return err
	}
	if claimed == 0 {
		// The sweep (or another caller) got there first.
		return ErrGrantNotFound
	}

	if err = m.roles.MutateMemberRoles(
		ctx, guildID, userID, nil, []string{roleID},
	); err != nil {
		// Removal failures don't resurrect the grant. The member may have
		// left, or the role may already be gone; removal is idempotent.
		m.logger.WarnContext(
			ctx,
			"revoked grant but role removal failed",
			tint.Err(err),
			"grant", grant,
		)
	}
	m.logger.InfoContext(ctx, "revoked temporary grant early", "grant", grant)
	return nil
}

// ActiveGrants returns the guild's active temporary grants, soonest expiry
// first.
func (m *RuleManager) ActiveGrants(
	ctx context.Context,
	guildID string,
) ([]TemporaryRoleGrant, error) {
	var grants []TemporaryRoleGrant
	err := m.db.WithContext(ctx).Where(
		"guild_id = ? AND status = ?", guildID, GrantStateActive,
	).Order("expires_at").Find(&grants).Error
	return grants, err
}

// CreateEmojiOption registers an emoji-to-role mapping on a message.
func (m *RuleManager) CreateEmojiOption(
	ctx context.Context,
	option ReactionEmojiOption,
) (ReactionEmojiOption, error) {
	if option.GuildID == "" || option.MessageID == "" ||
		option.Emoji == "" || option.RoleID == "" {
		return ReactionEmojiOption{}, errors.New(
			"emoji option requires guild, message, emoji and role",
		)
	}
	if _, err := m.writeDB.Create(ctx, &option); err != nil {
		return ReactionEmojiOption{}, err
	}
	m.logger.InfoContext(ctx, "created emoji option", "option", option)
	return option, nil
}

// CreateReactionGroup creates a constraint group. Limit groups require
// MaxRoles >= 1; unique groups ignore MaxRoles. Any emoji options listed
// on the group must already exist and belong to the group's guild, else
// ErrOptionNotFound.
func (m *RuleManager) CreateReactionGroup(
	ctx context.Context,
	group ReactionRoleGroup,
) (ReactionRoleGroup, error) {
	switch group.GroupType {
	case GroupTypeUnique:
		group.MaxRoles = 0
	case GroupTypeLimit:
		if group.MaxRoles < 1 {
			return ReactionRoleGroup{}, fmt.Errorf(
				"limit group requires max roles >= 1, got %d",
				group.MaxRoles,
			)
		}
	default:
		return ReactionRoleGroup{}, fmt.Errorf(
			"unknown group type: %q", group.GroupType,
		)
	}
	if len(group.EmojiOptionIDs) > 0 {
		options, err := getEmojiOptionsByID(ctx, m.db, group.EmojiOptionIDs)
		if err != nil {
			return ReactionRoleGroup{}, err
		}
		found := map[uint]ReactionEmojiOption{}
		for _, option := range options {
			found[option.ID] = option
		}
		for _, optionID := range group.EmojiOptionIDs {
			option, ok := found[optionID]
			if !ok {
				return ReactionRoleGroup{}, fmt.Errorf(
					"%w: option %d", ErrOptionNotFound, optionID,
				)
			}
			if option.GuildID != group.GuildID {
				return ReactionRoleGroup{}, fmt.Errorf(
					"option %d belongs to guild %s, group to guild %s",
					optionID, option.GuildID, group.GuildID,
				)
			}
		}
	}
	if _, err := m.writeDB.Create(ctx, &group); err != nil {
		return ReactionRoleGroup{}, err
	}
	m.logger.InfoContext(ctx, "created reaction role group", "group", group)
	return group, nil
}

// AddOptionToGroup adds an existing emoji option to a group. Returns
// ErrGroupNotFound or ErrOptionNotFound if either side is missing; adding
// an option already in the group is a no-op.
func (m *RuleManager) AddOptionToGroup(
	ctx context.Context,
	groupID uint,
	optionID uint,
) (ReactionRoleGroup, error) {
	var group ReactionRoleGroup
	if err := m.db.WithContext(ctx).Take(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ReactionRoleGroup{}, ErrGroupNotFound
		}
		return ReactionRoleGroup{}, err
	}
	if group.EmojiOptionIDs.Contains(optionID) {
		return group, nil
	}

	var option ReactionEmojiOption
	if err := m.db.WithContext(ctx).Take(&option, optionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ReactionRoleGroup{}, ErrOptionNotFound
		}
		return ReactionRoleGroup{}, err
	}
	if option.GuildID != group.GuildID {
		return ReactionRoleGroup{}, fmt.Errorf(
			"option %d belongs to guild %s, group %d to guild %s",
			optionID, option.GuildID, groupID, group.GuildID,
		)
	}

	group.EmojiOptionIDs = append(group.EmojiOptionIDs, optionID)
	if _, err := m.writeDB.Save(ctx, &group); err != nil {
		return ReactionRoleGroup{}, err
	}
	m.logger.InfoContext(
		ctx,
		"added option to group",
		"group", group,
		"option", option,
	)
	return group, nil
}

// BlacklistRole excludes roleID from reassignment restoration. Already
// blacklisted roles are a no-op (the reason is not updated).
func (m *RuleManager) BlacklistRole(
	ctx context.Context,
	guildID string,
	roleID string,
	reason string,
) error {
	var existing RoleBlacklistEntry
	err := m.db.WithContext(ctx).Where(
		"guild_id = ? AND role_id = ?", guildID, roleID,
	).Take(&existing).Error
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	entry := RoleBlacklistEntry{
		GuildID: guildID,
		RoleID:  roleID,
		Reason:  reason,
	}
	if _, err = m.writeDB.Create(ctx, &entry); err != nil {
		return err
	}
	m.logger.InfoContext(
		ctx,
		"blacklisted role",
		"guild_id", guildID,
		"role_id", roleID,
		"reason", reason,
	)
	return nil
}

// UnblacklistRole removes roleID from the guild's restoration blacklist.
func (m *RuleManager) UnblacklistRole(
	ctx context.Context,
	guildID string,
	roleID string,
) error {
	_, err := m.writeDB.Delete(
		&RoleBlacklistEntry{},
		"guild_id = ? AND role_id = ?",
		guildID,
		roleID,
	)
	return err
}

// BlacklistedRoles returns the guild's blacklist entries.
func (m *RuleManager) BlacklistedRoles(
	ctx context.Context,
	guildID string,
) ([]RoleBlacklistEntry, error) {
	var entries []RoleBlacklistEntry
	err := m.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Order("role_id").Find(&entries).Error
	return entries, err
}
