// Package rolekeeper implements the role lifecycle engine for a Discord
// community bot: delayed role assignment, temporary role grants, restoration
// of a departed member's roles when they return, and mutual-exclusion/limit
// constraints across groups of reaction-assigned roles.
//
// Key components of the package include:
//
//   - RoleKeeper: The main struct that wires configuration, persistence,
//     the Discord session, and the background sweep together.
//   - RuleManager: Create/remove/enable delayed-role rules, temporary role
//     grants, reaction role groups and the role blacklist.
//   - Scheduler: A periodic sweep that assigns due delayed roles and expires
//     temporary grants, idempotent under retry and restart.
//   - ReassignmentTracker: Snapshots a leaving member's roles and restores
//     them (minus blacklisted roles) if they rejoin within the retention
//     window, resuming partial restorations without duplicating work.
//   - Discord: The gateway/session layer, which exposes role mutation and
//     member lookup to the rest of the package behind narrow interfaces.
//
// All scheduler and tracker state lives in the database (SQLite or
// PostgreSQL via GORM), so the process can be restarted or scaled out
// without losing scheduled work. The only in-memory state is the gateway
// layer's member-role cache, rebuilt from events after a restart.
package rolekeeper
