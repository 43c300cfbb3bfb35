package rolekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set via -ldflags at build time
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// snapshotPurgeInterval is how often expired reassignment snapshots are
// deleted. Expired snapshots are already ignored on rejoin, so this only
// needs to run occasionally.
const snapshotPurgeInterval = time.Hour

// RoleKeeper automates role lifecycles for a Discord guild: delayed role
// assignment after join, temporary role grants with expiry, role
// restoration for returning members, and constraint groups for
// reaction-driven roles.
//
// Create an instance with [New], then call [RoleKeeper.Run] to connect and
// start processing.
type RoleKeeper struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI

	discord   *Discord
	scheduler *Scheduler
	tracker   *ReassignmentTracker
	rules     *RuleManager
	enforcer  *GroupEnforcer

	dbNotifier DBNotifier

	// triggerSweepCh receives guild IDs from rules-changed notifications,
	// prompting the scheduler to sweep without waiting for its interval
	triggerSweepCh chan string

	// signalStop enables an explicit stop signal to be sent to the bot,
	// ending Run
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown has a value sent on it when a graceful shutdown
	// completes
	eventShutdown chan struct{}

	// runMu prevents concurrent runs
	runMu sync.Mutex

	startedAt time.Time
}

// New validates the config and assembles a RoleKeeper. The database
// connection and discord session are established later, by [RoleKeeper.Run].
func New(config *Config) (*RoleKeeper, error) {
	var errs []error

	if config == nil {
		return nil, errors.New("nil config")
	}
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.Discord == nil {
		return nil, errors.New("missing discord config")
	}
	if config.Discord.Token == "" {
		errs = append(errs, errors.New("missing discord token"))
	}
	if config.Discord.GatewayIntents&discordgo.IntentsGuildMembers == 0 {
		errs = append(
			errs,
			errors.New("gateway intents must include guild members"),
		)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	rk := &RoleKeeper{
		config:         config,
		signalReady:    make(chan struct{}, 1),
		eventShutdown:  make(chan struct{}, 1),
		triggerSweepCh: make(chan string, 1),
	}

	rk.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     rk.config.LogLevel,
			AddSource: true,
		},
	)
	rk.logger = slog.New(rk.logHandler)
	slog.SetDefault(rk.logger)

	rk.config.Discord.httpClient = rk.config.HTTPClient

	disc, err := newDiscord(rk.config.Discord)
	if err != nil {
		return nil, err
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     rk.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     rk.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	rk.discord = disc
	disc.rk = rk

	return rk, nil
}

// Rules returns the management API for rules, grants, groups, and the
// blacklist. Nil until [RoleKeeper.Run] has initialized the database.
func (rk *RoleKeeper) Rules() *RuleManager {
	return rk.rules
}

// Run connects to the database and the discord gateway, starts the
// scheduler, and blocks until ctx is cancelled or a stop signal arrives,
// then shuts down gracefully.
func (rk *RoleKeeper) Run(ctx context.Context) error {
	rk.runMu.Lock()
	defer rk.runMu.Unlock()

	rk.signalStop = make(chan struct{}, 1)
	rk.startedAt = time.Now()
	logger := rk.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(
		ctx, slog.LevelInfo, "starting",
		slog.String("version", Version),
		slog.Any("config", rk.config),
	)

	// runtime context - cancellation triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, rk.config.StartupTimeout)
	initErr := make(chan error, 1)
	go func() {
		initErr <- rk.initRun(startCtx)
	}()
	select {
	case <-startCtx.Done():
		startCancel()
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		startCancel()
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	go func() {
		select {
		case <-rk.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			//
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(
		func() error {
			if err := rk.scheduler.Run(egCtx); err != nil &&
				!errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	)

	eg.Go(
		func() error {
			ticker := time.NewTicker(snapshotPurgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-egCtx.Done():
					return nil
				case <-ticker.C:
					if _, err := rk.tracker.PurgeExpired(egCtx); err != nil {
						logger.ErrorContext(
							egCtx,
							"error purging expired snapshots",
							tint.Err(err),
						)
					}
				}
			}
		},
	)

	// postgres notifiers listen for cross-process notifications; the
	// sqlite notifier is in-process and has no channels to listen on
	for _, channel := range []string{
		rk.dbNotifier.RulesChannelName(),
		rk.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		eg.Go(
			func() error {
				if err := rk.dbNotifier.Listen(egCtx, channel); err != nil &&
					!errors.Is(err, context.Canceled) {
					logger.ErrorContext(
						egCtx,
						"notify listener failed",
						tint.Err(err),
						"channel", channel,
					)
				}
				return nil
			},
		)
	}

	if err := rk.discord.session.Open(); err != nil {
		cancel()
		_ = eg.Wait()
		return fmt.Errorf("error opening discord session: %w", err)
	}

	rk.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return rk.shutdown(eg)
}

// initRun sets up the database, the component graph, and the discord
// session (without opening the gateway connection yet).
func (rk *RoleKeeper) initRun(ctx context.Context) error {
	db, err := CreateDB(ctx, rk.config.DatabaseType, rk.config.Database)
	if err != nil {
		return fmt.Errorf("error creating database: %w", err)
	}
	rk.db = db
	rk.writeDB = NewDatabase(
		db, rk.logger, rk.config.DatabaseType == dbTypePostgres,
	)

	notifier, err := newDBNotifier(rk)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	rk.dbNotifier = notifier

	rk.enforcer = newGroupEnforcer(db, rk.discord, rk.discord, rk.logger)
	rk.tracker = newReassignmentTracker(
		db,
		rk.writeDB,
		rk.discord,
		rk.config.ReassignmentRetention,
		rk.logger,
	)
	rk.rules = newRuleManager(db, rk.writeDB, rk.discord, notifier, rk.logger)
	rk.scheduler = newScheduler(
		db,
		rk.writeDB,
		rk.discord,
		rk.triggerSweepCh,
		rk.config.SweepInterval,
		rk.config.SweepMaxAttempts,
		rk.logger,
	)

	session, err := rk.discord.newSession()
	if err != nil {
		return err
	}
	rk.discord.session = session
	rk.discord.registerHandlers()
	return nil
}

func (rk *RoleKeeper) shutdown(eg *errgroup.Group) error {
	logger := rk.logger
	logger.Info("shutting down", "timeout", rk.config.ShutdownTimeout)

	rk.discord.removeHandlers()
	if err := rk.discord.session.Close(); err != nil {
		logger.Error("error closing discord session", tint.Err(err))
	}

	done := make(chan error, 1)
	go func() {
		done <- eg.Wait()
	}()

	timer := time.NewTimer(rk.config.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
		logger.Info("shutdown complete")
	case <-timer.C:
		err = errors.New("shutdown timed out")
		logger.Error("timed out waiting for graceful shutdown")
	}

	select {
	case rk.eventShutdown <- struct{}{}:
	default:
	}
	return err
}

// Stop signals a running instance to shut down. With postgres, the signal
// is broadcast to every listening process.
func (rk *RoleKeeper) Stop(ctx context.Context) {
	if rk.dbNotifier != nil {
		if rk.dbNotifier.Stop(ctx) {
			return
		}
	}
	select {
	case rk.signalStop <- struct{}{}:
	default:
	}
}

// scheduleMemberJoin creates pending queue entries for each of the guild's
// enabled delayed-role rules. A member with an existing pending entry for
// a rule (left and rejoined before the due time) isn't scheduled twice;
// the original due time stands.
func (rk *RoleKeeper) scheduleMemberJoin(
	ctx context.Context,
	guildID string,
	userID string,
	joinedAt time.Time,
) error {
	rules, err := enabledDelayedRules(ctx, rk.db, guildID)
	if err != nil {
		return fmt.Errorf("error loading delayed role rules: %w", err)
	}

	var errs []error
	for _, rule := range rules {
		_, err = pendingEntryForMember(ctx, rk.db, rule.ID, userID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, gorm.ErrRecordNotFound):
			errs = append(errs, err)
			continue
		}

		entry := newQueueEntry(rule, userID, joinedAt)
		if _, createErr := rk.writeDB.Create(ctx, entry); createErr != nil {
			errs = append(errs, createErr)
			continue
		}
		rk.logger.InfoContext(
			ctx,
			"scheduled delayed role",
			"queue_entry", *entry,
			"rule", rule,
		)
	}
	return errors.Join(errs...)
}
