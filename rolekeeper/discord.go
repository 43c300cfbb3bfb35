package rolekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// roleMutator applies role changes to a guild member. Removals are applied
// before additions; implementations must treat removing an absent role and
// adding a held role as no-ops (the Discord API already does).
type roleMutator interface {
	MutateMemberRoles(
		ctx context.Context,
		guildID string,
		userID string,
		add []string,
		remove []string,
	) error
}

// memberRoleSource reports the roles a guild member currently holds.
type memberRoleSource interface {
	MemberRoles(
		ctx context.Context,
		guildID string,
		userID string,
	) ([]string, error)
}

// Discord handles the gateway connection and role mutations. Role add and
// remove calls are paced through a shared rate limiter, since Discord's
// member-role endpoints share a tight per-guild bucket.
type Discord struct {
	session           RoleSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	limiter           *rate.Limiter
	members           *memberRoleCache
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
	removeHandlerFns  []func()
	rk                *RoleKeeper
}

// newDiscord initializes a new Discord instance with the provided
// configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, errors.New("nil discord config")
	}
	perSecond := config.RoleMutationsPerSecond
	if perSecond <= 0 {
		perSecond = DefaultRoleMutationsPerSecond
	}
	return &Discord{
		config:           config,
		limiter:          rate.NewLimiter(rate.Limit(perSecond), 1),
		members:          newMemberRoleCache(),
		removeHandlerFns: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and
// configuration.
func (d *Discord) newSession() (RoleSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// guildAllowed reports whether events from the guild should be processed.
// An empty configured guild ID means every guild.
func (d *Discord) guildAllowed(guildID string) bool {
	return d.config.GuildID == "" || d.config.GuildID == guildID
}

// MutateMemberRoles implements [roleMutator]: removals first, then
// additions. If an addition fails after roles were removed, the removed
// roles are re-added so the member isn't left worse off than before the
// call.
func (d *Discord) MutateMemberRoles(
	ctx context.Context,
	guildID string,
	userID string,
	add []string,
	remove []string,
) error {
	removed := make([]string, 0, len(remove))
	for _, roleID := range remove {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := d.session.GuildMemberRoleRemove(
			guildID, userID, roleID,
		); err != nil {
			return fmt.Errorf(
				"%w: removing role %s from user %s: %s",
				ErrRoleMutationFailed, roleID, userID, err,
			)
		}
		removed = append(removed, roleID)
		d.members.removeRole(guildID, userID, roleID)
	}

	for _, roleID := range add {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := d.session.GuildMemberRoleAdd(
			guildID, userID, roleID,
		); err != nil {
			d.restoreRemovedRoles(ctx, guildID, userID, removed)
			return fmt.Errorf(
				"%w: adding role %s to user %s: %s",
				ErrRoleMutationFailed, roleID, userID, err,
			)
		}
		d.members.addRole(guildID, userID, roleID)
	}
	return nil
}

func (d *Discord) restoreRemovedRoles(
	ctx context.Context,
	guildID string,
	userID string,
	roleIDs []string,
) {
	for _, roleID := range roleIDs {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		if err := d.session.GuildMemberRoleAdd(
			guildID, userID, roleID,
		); err != nil {
			d.logger.ErrorContext(
				ctx,
				"failed to restore role after aborted mutation",
				tint.Err(err),
				"guild_id", guildID,
				columnUserID, userID,
				"role_id", roleID,
			)
			continue
		}
		d.members.addRole(guildID, userID, roleID)
	}
}

// MemberRoles implements [memberRoleSource] with a live REST lookup.
func (d *Discord) MemberRoles(
	ctx context.Context,
	guildID string,
	userID string,
) ([]string, error) {
	member, err := d.session.GuildMember(
		guildID, userID, discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf(
			"error fetching member %s in guild %s: %w", userID, guildID, err,
		)
	}
	d.members.setRoles(guildID, userID, member.Roles)
	return member.Roles, nil
}

// Notify sends an operator-facing message to a channel.
func (d *Discord) Notify(
	ctx context.Context,
	channelID string,
	message string,
) error {
	_, err := d.session.ChannelMessageSend(
		channelID, message, discordgo.WithContext(ctx),
	)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			columnUserID, s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		var userID string
		var username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			columnUserID, userID,
			"username", username,
		)

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if err := d.Notify(
				context.Background(),
				d.config.NotificationChannelID,
				d.config.StartupMessage,
			); err != nil {
				d.logger.Warn("error sending startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected from gateway")
	}
}

// handlerGuildMemberAdd schedules delayed-role queue entries for the new
// member and, if they're a returning member with a live snapshot, restores
// their previous roles.
func (d *Discord) handlerGuildMemberAdd() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.User == nil || m.User.Bot || !d.guildAllowed(m.GuildID) {
			return
		}
		ctx := WithLogger(context.Background(), d.logger)
		logger := d.logger.With(
			"guild_id", m.GuildID,
			columnUserID, m.User.ID,
		)

		d.members.setRoles(m.GuildID, m.User.ID, m.Roles)

		joinedAt := m.JoinedAt
		if joinedAt.IsZero() {
			joinedAt = time.Now()
		}
		if err := d.rk.scheduleMemberJoin(
			ctx, m.GuildID, m.User.ID, joinedAt,
		); err != nil {
			logger.Error(
				"error scheduling delayed roles for member", tint.Err(err),
			)
		}

		result, err := d.rk.tracker.HandleMemberJoin(ctx, m.GuildID, m.User.ID)
		if err != nil {
			logger.Error("error restoring roles for member", tint.Err(err))
			return
		}
		if len(result.Restored) > 0 || len(result.Failed) > 0 {
			logger.Info("processed rejoin", "result", result)
		}
	}
}

// handlerGuildMemberRemove snapshots the departing member's roles. The
// gateway's remove payload carries no role list, so the snapshot comes
// from the member-role cache; a member the bot never observed holding
// roles leaves no snapshot.
func (d *Discord) handlerGuildMemberRemove() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberRemove,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.User == nil || m.User.Bot || !d.guildAllowed(m.GuildID) {
			return
		}
		ctx := WithLogger(context.Background(), d.logger)

		roleIDs := m.Roles
		if len(roleIDs) == 0 {
			roleIDs = d.members.roles(m.GuildID, m.User.ID)
		}
		d.members.forget(m.GuildID, m.User.ID)

		if err := d.rk.tracker.HandleMemberLeave(
			ctx, m.GuildID, m.User.ID, roleIDs,
		); err != nil {
			d.logger.Error(
				"error recording role snapshot on leave",
				tint.Err(err),
				"guild_id", m.GuildID,
				columnUserID, m.User.ID,
			)
		}
	}
}

// handlerGuildMemberUpdate keeps the member-role cache current so leave
// snapshots reflect role changes made outside this bot.
func (d *Discord) handlerGuildMemberUpdate() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberUpdate,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if m.User == nil || !d.guildAllowed(m.GuildID) {
			return
		}
		d.members.setRoles(m.GuildID, m.User.ID, m.Roles)
	}
}

func (d *Discord) handlerMessageReactionAdd() func(
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	return func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if !d.guildAllowed(r.GuildID) || r.GuildID == "" {
			return
		}
		if s.State != nil && s.State.User != nil && r.UserID == s.State.User.ID {
			return
		}
		ctx := WithLogger(context.Background(), d.logger)

		option, err := getEmojiOption(
			ctx, d.rk.db, r.GuildID, r.MessageID, r.Emoji.APIName(),
		)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				d.logger.Error("error looking up emoji option", tint.Err(err))
			}
			return
		}

		err = d.rk.enforcer.GrantRole(ctx, r.GuildID, r.UserID, option.RoleID)
		switch {
		case err == nil:
		case errors.Is(err, ErrGroupLimitExceeded):
			d.logger.Info(
				"reaction grant rejected by group limit",
				columnUserID, r.UserID,
				"option", option,
			)
		default:
			d.logger.Error(
				"error applying reaction grant",
				tint.Err(err),
				columnUserID, r.UserID,
				"option", option,
			)
		}
	}
}

func (d *Discord) handlerMessageReactionRemove() func(
	s *discordgo.Session,
	r *discordgo.MessageReactionRemove,
) {
	return func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		if !d.guildAllowed(r.GuildID) || r.GuildID == "" {
			return
		}
		if s.State != nil && s.State.User != nil && r.UserID == s.State.User.ID {
			return
		}
		ctx := WithLogger(context.Background(), d.logger)

		option, err := getEmojiOption(
			ctx, d.rk.db, r.GuildID, r.MessageID, r.Emoji.APIName(),
		)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				d.logger.Error("error looking up emoji option", tint.Err(err))
			}
			return
		}

		if err = d.rk.enforcer.RevokeRole(
			ctx, r.GuildID, r.UserID, option.RoleID,
		); err != nil {
			d.logger.Error(
				"error revoking role on reaction removal",
				tint.Err(err),
				columnUserID, r.UserID,
				"option", option,
			)
		}
	}
}

// registerHandlers adds the gateway event handlers, returning functions to
// remove them again.
func (d *Discord) registerHandlers() {
	d.removeHandlerFns = append(
		d.removeHandlerFns,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerGuildMemberAdd()),
		d.session.AddHandler(d.handlerGuildMemberRemove()),
		d.session.AddHandler(d.handlerGuildMemberUpdate()),
		d.session.AddHandler(d.handlerMessageReactionAdd()),
		d.session.AddHandler(d.handlerMessageReactionRemove()),
	)
}

func (d *Discord) removeHandlers() {
	for _, removeFn := range d.removeHandlerFns {
		removeFn()
	}
	d.removeHandlerFns = []func(){}
}

// memberRoleCache is an in-memory view of member role lists, fed by
// gateway events and REST lookups. It exists because GUILD_MEMBER_REMOVE
// payloads don't include the member's roles, and leave snapshots need
// them.
type memberRoleCache struct {
	mu      sync.RWMutex
	entries map[string]RoleIDSet
}

func newMemberRoleCache() *memberRoleCache {
	return &memberRoleCache{entries: map[string]RoleIDSet{}}
}

func memberCacheKey(guildID string, userID string) string {
	return guildID + "/" + userID
}

func (c *memberRoleCache) setRoles(
	guildID string,
	userID string,
	roleIDs []string,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[memberCacheKey(guildID, userID)] = append(
		RoleIDSet{}, roleIDs...,
	)
}

func (c *memberRoleCache) roles(guildID string, userID string) RoleIDSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append(RoleIDSet{}, c.entries[memberCacheKey(guildID, userID)]...)
}

func (c *memberRoleCache) addRole(guildID string, userID string, roleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := memberCacheKey(guildID, userID)
	existing, ok := c.entries[key]
	if !ok {
		return
	}
	if !existing.Contains(roleID) {
		c.entries[key] = append(existing, roleID)
	}
}

func (c *memberRoleCache) removeRole(
	guildID string,
	userID string,
	roleID string,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := memberCacheKey(guildID, userID)
	if existing, ok := c.entries[key]; ok {
		c.entries[key] = existing.Without(roleID)
	}
}

func (c *memberRoleCache) forget(guildID string, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, memberCacheKey(guildID, userID))
}

// RoleSessionHandler defines the interface for handling Discord sessions.
// This basically defines the methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type RoleSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// GuildMemberRoleAdd grants a role to a guild member
	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberRoleRemove removes a role from a guild member
	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMember fetches a guild member
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements RoleSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
	if err != nil {
		d.logger.Error(
			"error adding member role",
			tint.Err(err),
			"guild_id", guildID,
			columnUserID, userID,
			"role_id", roleID,
		)
	} else {
		d.logger.Info(
			"added member role",
			"guild_id", guildID,
			columnUserID, userID,
			"role_id", roleID,
		)
	}
	return err
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
	if err != nil {
		d.logger.Error(
			"error removing member role",
			tint.Err(err),
			"guild_id", guildID,
			columnUserID, userID,
			"role_id", roleID,
		)
	} else {
		d.logger.Info(
			"removed member role",
			"guild_id", guildID,
			columnUserID, userID,
			"role_id", roleID,
		)
	}
	return err
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
