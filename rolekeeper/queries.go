package rolekeeper

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Typed read helpers over the GORM connection. Write paths go through DBI;
// reads here are plain queries and pass gorm.ErrRecordNotFound through to
// the caller.

func getDelayedRule(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	roleID string,
) (DelayedRoleRule, error) {
	var rule DelayedRoleRule
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND role_id = ?", guildID, roleID,
	).Take(&rule).Error
	return rule, err
}

func getDelayedRuleByID(
	ctx context.Context,
	db *gorm.DB,
	ruleID uint,
) (DelayedRoleRule, error) {
	var rule DelayedRoleRule
	err := db.WithContext(ctx).Take(&rule, ruleID).Error
	return rule, err
}

func enabledDelayedRules(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) ([]DelayedRoleRule, error) {
	var rules []DelayedRoleRule
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND enabled = ?", guildID, true,
	).Find(&rules).Error
	return rules, err
}

func duePendingEntries(
	ctx context.Context,
	db *gorm.DB,
	now time.Time,
) ([]DelayedRoleQueueEntry, error) {
	var entries []DelayedRoleQueueEntry
	err := db.WithContext(ctx).Where(
		"status = ? AND scheduled_for <= ?",
		QueueEntryStatePending,
		now.UnixMilli(),
	).Order("scheduled_for").Find(&entries).Error
	return entries, err
}

func pendingEntryForMember(
	ctx context.Context,
	db *gorm.DB,
	ruleID uint,
	userID string,
) (DelayedRoleQueueEntry, error) {
	var entry DelayedRoleQueueEntry
	err := db.WithContext(ctx).Where(
		"rule_id = ? AND user_id = ? AND status = ?",
		ruleID, userID, QueueEntryStatePending,
	).Take(&entry).Error
	return entry, err
}

func dueActiveGrants(
	ctx context.Context,
	db *gorm.DB,
	now time.Time,
) ([]TemporaryRoleGrant, error) {
	var grants []TemporaryRoleGrant
	err := db.WithContext(ctx).Where(
		"status = ? AND expires_at <= ?",
		GrantStateActive,
		now.UnixMilli(),
	).Order("expires_at").Find(&grants).Error
	return grants, err
}

func activeGrant(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	userID string,
	roleID string,
) (TemporaryRoleGrant, error) {
	var grant TemporaryRoleGrant
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ? AND role_id = ? AND status = ?",
		guildID, userID, roleID, GrantStateActive,
	).Take(&grant).Error
	return grant, err
}

func getTrackingEntry(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	userID string,
) (ReassignmentTrackingEntry, error) {
	var entry ReassignmentTrackingEntry
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).Take(&entry).Error
	return entry, err
}

// blacklistedRoleIDs returns the guild's blacklist as a set of role IDs.
func blacklistedRoleIDs(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) (RoleIDSet, error) {
	var entries []RoleBlacklistEntry
	err := db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	roleIDs := make(RoleIDSet, 0, len(entries))
	for _, e := range entries {
		roleIDs = append(roleIDs, e.RoleID)
	}
	return roleIDs, nil
}

func getEmojiOption(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	messageID string,
	emoji string,
) (ReactionEmojiOption, error) {
	var option ReactionEmojiOption
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND message_id = ? AND emoji = ?",
		guildID, messageID, emoji,
	).Take(&option).Error
	return option, err
}

func getEmojiOptionsByID(
	ctx context.Context,
	db *gorm.DB,
	optionIDs OptionIDSet,
) ([]ReactionEmojiOption, error) {
	if len(optionIDs) == 0 {
		return nil, nil
	}
	var options []ReactionEmojiOption
	err := db.WithContext(ctx).Where("id IN ?", []uint(optionIDs)).Find(&options).Error
	return options, err
}

// resolveGroupRoles returns the role IDs behind a group's emoji options.
func resolveGroupRoles(
	ctx context.Context,
	db *gorm.DB,
	group ReactionRoleGroup,
) (RoleIDSet, error) {
	options, err := getEmojiOptionsByID(ctx, db, group.EmojiOptionIDs)
	if err != nil {
		return nil, err
	}
	roleIDs := make(RoleIDSet, 0, len(options))
	for _, o := range options {
		if !roleIDs.Contains(o.RoleID) {
			roleIDs = append(roleIDs, o.RoleID)
		}
	}
	return roleIDs, nil
}

// groupsContainingRole returns every reaction role group in the guild with
// an emoji option for the given role, each paired with its full resolved
// role set.
func groupsContainingRole(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	roleID string,
) ([]groupRoles, error) {
	var groups []ReactionRoleGroup
	if err := db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Find(&groups).Error; err != nil {
		return nil, err
	}

	var result []groupRoles
	for _, group := range groups {
		roleIDs, err := resolveGroupRoles(ctx, db, group)
		if err != nil {
			return nil, err
		}
		if !roleIDs.Contains(roleID) {
			continue
		}
		result = append(result, groupRoles{Group: group, RoleIDs: roleIDs})
	}
	return result, nil
}
