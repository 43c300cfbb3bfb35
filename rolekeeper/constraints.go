package rolekeeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// groupRoles pairs a reaction role group with the role IDs resolved from
// its emoji options.
type groupRoles struct {
	Group   ReactionRoleGroup
	RoleIDs RoleIDSet
}

// grantDecision is the outcome of evaluating a candidate grant against the
// groups containing the target role.
type grantDecision struct {
	// Revoke lists roles that must be removed as part of applying the
	// grant (unique-group substitution). Empty means the grant applies
	// as-is.
	Revoke RoleIDSet
}

// evaluateGrant decides whether granting target to a member currently
// holding held is allowed, given the groups that contain an option for
// target:
//
//   - a unique group requires every other held role from the group to be
//     revoked with the grant;
//   - a limit group rejects the grant with ErrGroupLimitExceeded once the
//     member holds MaxRoles from the group;
//   - a role in no group carries no constraint.
func evaluateGrant(
	held []string,
	target string,
	groups []groupRoles,
) (grantDecision, error) {
	var decision grantDecision

	for _, g := range groups {
		heldFromGroup := make(RoleIDSet, 0, len(g.RoleIDs))
		for _, roleID := range held {
			if roleID != target && g.RoleIDs.Contains(roleID) {
				heldFromGroup = append(heldFromGroup, roleID)
			}
		}

		switch g.Group.GroupType {
		case GroupTypeUnique:
			for _, roleID := range heldFromGroup {
				if !decision.Revoke.Contains(roleID) {
					decision.Revoke = append(decision.Revoke, roleID)
				}
			}
		case GroupTypeLimit:
			if len(heldFromGroup) >= g.Group.MaxRoles {
				return grantDecision{}, fmt.Errorf(
					"%w: group %q allows %d role(s), member holds %d",
					ErrGroupLimitExceeded,
					g.Group.GroupName,
					g.Group.MaxRoles,
					len(heldFromGroup),
				)
			}
		}
	}

	return decision, nil
}

// GroupEnforcer applies reaction-driven role grants and revocations,
// consulting the configured reaction role groups before mutating.
//
// The check-then-mutate sequence isn't locked: two concurrent grants into
// the same unique group can briefly leave both roles applied. This is a
// known, accepted race (low likelihood, corrected by the next substitution)
// rather than something mitigated with distributed locking.
type GroupEnforcer struct {
	db      *gorm.DB
	roles   roleMutator
	members memberRoleSource
	logger  *slog.Logger
}

func newGroupEnforcer(
	db *gorm.DB,
	roles roleMutator,
	members memberRoleSource,
	logger *slog.Logger,
) *GroupEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupEnforcer{
		db:      db,
		roles:   roles,
		members: members,
		logger:  logger.With(loggerNameKey, "group_enforcer"),
	}
}

// GrantRole grants roleID to the member, first revoking any unique-group
// peers, and rejecting the grant if a limit group is already full. A member
// already holding the role is a no-op.
func (g *GroupEnforcer) GrantRole(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
) error {
	held, err := g.members.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return err
	}
	for _, heldID := range held {
		if heldID == roleID {
			return nil
		}
	}

	groups, err := groupsContainingRole(ctx, g.db, guildID, roleID)
	if err != nil {
		return err
	}

	decision, err := evaluateGrant(held, roleID, groups)
	if err != nil {
		g.logger.InfoContext(
			ctx,
			"grant rejected",
			tint.Err(err),
			"role_id", roleID,
			"guild_id", guildID,
			columnUserID, userID,
		)
		return err
	}

	if len(decision.Revoke) > 0 {
		g.logger.InfoContext(
			ctx,
			"revoking unique group peers",
			"revoke", []string(decision.Revoke),
			"role_id", roleID,
			"guild_id", guildID,
			columnUserID, userID,
		)
	}
	return g.roles.MutateMemberRoles(
		ctx, guildID, userID, []string{roleID}, decision.Revoke,
	)
}

// RevokeRole removes roleID from the member if they hold it.
func (g *GroupEnforcer) RevokeRole(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
) error {
	held, err := g.members.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return err
	}
	holds := false
	for _, heldID := range held {
		if heldID == roleID {
			holds = true
			break
		}
	}
	if !holds {
		return nil
	}
	return g.roles.MutateMemberRoles(
		ctx, guildID, userID, nil, []string{roleID},
	)
}
