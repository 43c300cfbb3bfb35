package rolekeeper

import "errors"

var (
	// ErrDuplicateRule is returned when creating a delayed-role rule for a
	// (guild, role) pair that already has one.
	ErrDuplicateRule = errors.New("a delayed role rule already exists for this role")

	// ErrRuleNotFound is returned when removing, enabling or disabling a
	// delayed-role rule that doesn't exist.
	ErrRuleNotFound = errors.New("delayed role rule not found")

	// ErrDuplicateGrant is returned when creating a temporary role grant
	// while an active grant already exists for the same (guild, user, role).
	// To extend a grant, revoke it early and create a new one.
	ErrDuplicateGrant = errors.New("an active temporary grant already exists for this role")

	// ErrGrantNotFound is returned when revoking a temporary grant that
	// doesn't exist or is no longer active.
	ErrGrantNotFound = errors.New("active temporary grant not found")

	// ErrGroupNotFound is returned when linking an emoji option to a
	// reaction role group that doesn't exist.
	ErrGroupNotFound = errors.New("reaction role group not found")

	// ErrOptionNotFound is returned when a referenced reaction emoji option
	// doesn't exist.
	ErrOptionNotFound = errors.New("reaction emoji option not found")

	// ErrGroupLimitExceeded is returned when a grant would push a member
	// past a limit group's MaxRoles. The caller must not apply the mutation.
	ErrGroupLimitExceeded = errors.New("role group limit reached")

	// ErrRoleMutationFailed wraps platform failures (member left, role
	// deleted, bot role outranked). Transient: the scheduler retries these
	// up to Config.SweepMaxAttempts before cancelling the entry.
	ErrRoleMutationFailed = errors.New("role mutation failed")

	// ErrPersistenceUnavailable wraps database errors that abort a sweep
	// pass. The sweep is logged and retried on the next tick; no entry
	// state changes.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)
