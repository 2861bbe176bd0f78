package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Bot owns every component: the gateway adapter, normalizer, dispatcher,
// state store, notification gateway, operator API and the periodic
// background loops. Construct with New, then call Run.
type Bot struct {
	config *Config
	logger *slog.Logger

	db      *gorm.DB
	writeDB *database

	discord        *Discord
	normalizer     *EventNormalizer
	registry       *ScopeRegistry
	router         *CommandRouter
	dispatcher     *Dispatcher
	store          *StateStore
	notifier       *NotificationGateway
	configNotifier *configNotifier
	api            *apiServer
	mail           *mailForwarder

	// intake carries raw gateway events to the normalize loop
	intake chan RawEvent

	metricIntakeDropped atomic.Int64
}

// New validates the configuration and assembles an unstarted Bot.
// Database and gateway connections are established by Run.
func New(config *Config) (*Bot, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(newTintHandler(config.LogLevel)).With(loggerNameKey, "bot")
	slog.SetDefault(logger)

	b := &Bot{
		config: config,
		logger: logger,
		intake: make(chan RawEvent, config.Dispatch.IntakeSize),
	}
	b.normalizer = NewEventNormalizer(config.Dispatch.DedupWindowSize, logger)
	b.registry = NewScopeRegistry(config.Dispatch.LaneSize, logger)
	b.router = NewCommandRouter(logger)
	b.dispatcher = NewDispatcher(
		b,
		b.registry,
		b.router,
		config.Dispatch.WorkerPoolSize,
		logger,
	)
	b.discord = newDiscord(b, config.Discord, logger)

	registerAlertCommands(b.router)
	registerConfigCommands(b.router)
	b.router.Register(EventKindMembership, "guild-remove", guildRemoveHandler)

	return b, nil
}

func guildRemoveHandler(ctx context.Context, b *Bot, cmd *Command) error {
	b.registry.Remove(cmd.Event.ScopeID)
	b.store.Invalidate(cmd.Event.ScopeID)
	if log, ok := ContextLogger(ctx); ok {
		log.InfoContext(ctx, "left guild, scope removed")
	}
	return nil
}

// init establishes the database and discord connections and wires the
// remaining components. Bounded by the startup timeout.
func (b *Bot) init(ctx context.Context) error {
	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db
	b.writeDB = newWriteDB(db, b.logger, b.config.DatabaseType == dbTypePostgres)

	b.store = NewStateStore(&gormKV{writeDB: b.writeDB}, b.config.Store, b.logger)
	b.notifier = NewNotificationGateway(b.writeDB, b.config.Notify, b.logger)

	if b.config.DatabaseType == dbTypePostgres {
		b.configNotifier, err = newConfigNotifier(
			ctx,
			b.config.Database,
			b.store,
			b.logger,
		)
		if err != nil {
			return fmt.Errorf("error initializing config notifier: %w", err)
		}
	}

	b.discord.session, err = b.discord.newSession(ctx)
	if err != nil {
		return err
	}
	b.notifier.RegisterSink(
		NotificationKindChannel,
		&discordChannelSink{session: b.discord.session},
	)
	b.notifier.RegisterSink(NotificationKindWebhook, newWebhookSink())

	if b.config.API.Enabled {
		b.api = newAPIServer(b, b.config.API, b.logger)
	}
	if b.config.Mail.Enabled {
		b.mail = newMailForwarder(
			newHTTPMailbox(b.config.Mail.URL),
			b.notifier,
			b.config.Mail,
			b.logger,
		)
	}
	return nil
}

// Run starts every component and blocks until ctx is canceled or a
// component fails. In-flight commands are allowed to finish within the
// shutdown timeout.
func (b *Bot) Run(ctx context.Context) error {
	startupCtx, cancelStartup := context.WithTimeout(ctx, b.config.StartupTimeout)
	err := b.init(startupCtx)
	cancelStartup()
	if err != nil {
		return err
	}

	b.discord.addHandlers()
	if err = b.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if _, err = b.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return b.normalizeLoop(groupCtx) })
	group.Go(func() error { return b.notifier.Run(groupCtx) })
	group.Go(func() error { return b.evictionLoop(groupCtx) })
	group.Go(func() error { return b.alertSweepLoop(groupCtx) })
	if b.api != nil {
		group.Go(func() error { return b.api.Serve(groupCtx) })
	}
	if b.mail != nil {
		group.Go(func() error { return b.mail.Run(groupCtx) })
	}
	if b.configNotifier != nil {
		group.Go(func() error { return b.configNotifier.Listen(groupCtx) })
	}

	b.logger.Info("bot started")
	err = group.Wait()
	b.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Bot) shutdown() {
	b.logger.Info("shutting down")
	b.discord.removeHandlers()
	if closeErr := b.discord.session.Close(); closeErr != nil {
		b.logger.Error("error closing discord session", tint.Err(closeErr))
	}
	if !b.dispatcher.Wait(b.config.ShutdownTimeout) {
		b.logger.Warn(
			"shutdown timeout elapsed with commands still running",
			"timeout", b.config.ShutdownTimeout,
		)
	}
	if b.configNotifier != nil {
		b.configNotifier.Close()
	}
	b.logger.Info("shutdown complete")
}

// normalizeLoop consumes raw gateway events, normalizes them and submits
// the result to the dispatcher. Duplicates and malformed payloads are
// counted and dropped here; they never reach a lane.
func (b *Bot) normalizeLoop(ctx context.Context) error {
	for {
		var raw RawEvent
		select {
		case <-ctx.Done():
			return nil
		case raw = <-b.intake:
		}

		ev, err := b.normalizer.Normalize(raw)
		if err != nil {
			switch {
			case errors.Is(err, ErrDuplicateDelivery):
				b.logger.DebugContext(
					ctx,
					"suppressed duplicate delivery",
					"delivery_id", raw.DeliveryID,
				)
			default:
				b.logger.WarnContext(
					ctx,
					"dropped malformed event",
					"delivery_id", raw.DeliveryID,
					tint.Err(err),
				)
			}
			continue
		}

		b.recordEvent(ctx, ev)

		if err = b.dispatcher.Submit(ctx, ev); err != nil {
			if errors.Is(err, ErrScopeBusy) && ev.Kind == EventKindInteraction {
				_ = ev.Respond(
					ctx,
					"I'm handling too many commands here right now, try again in a moment.",
					true,
				)
			}
		}
	}
}

// recordEvent appends to the event log, best effort.
func (b *Bot) recordEvent(ctx context.Context, ev *NormalizedEvent) {
	if ev.Kind == EventKindTick {
		return
	}
	if _, err := b.writeDB.Create(ctx, newEventLog(*ev)); err != nil {
		b.logger.WarnContext(ctx, "error recording event", tint.Err(err))
	}
}

// evictionLoop periodically removes idle scopes.
func (b *Bot) evictionLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.config.Dispatch.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.registry.EvictIdle(b.config.Dispatch.ScopeIdleTimeout)
		}
	}
}

// alertSweepLoop periodically submits a sweep tick for every scope that
// has alerts. The tick goes through the normal dispatch path, so sweeps
// never overlap a scope's command execution.
func (b *Bot) alertSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.config.Alert.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var scopeIDs []string
		err := b.db.WithContext(ctx).Model(&Alert{}).Distinct().Pluck(
			"scope_id", &scopeIDs,
		).Error
		if err != nil {
			b.logger.ErrorContext(ctx, "error listing alert scopes", tint.Err(err))
			continue
		}
		for _, scopeID := range scopeIDs {
			b.submitTick(ctx, scopeID, "alert-sweep")
		}
	}
}

// submitTick injects a synthetic tick event for a scope through the
// normal intake path.
func (b *Bot) submitTick(ctx context.Context, scopeID, command string) {
	envelope := fmt.Sprintf(
		`{"kind": "tick", "scope_id": %q, "command": %q}`,
		scopeID,
		command,
	)
	raw := RawEvent{
		DeliveryID: "tick:" + ulid.Make().String(),
		Source:     "scheduler",
		ReceivedAt: time.Now().UTC(),
		Payload:    []byte(envelope),
	}
	select {
	case b.intake <- raw:
	case <-ctx.Done():
	default:
		b.metricIntakeDropped.Add(1)
		b.logger.Warn("intake full, dropping tick", "scope_id", scopeID)
	}
}

// Config returns the bot's active configuration.
func (b *Bot) Config() *Config {
	return b.config
}

// Store returns the per-scope config store.
func (b *Bot) Store() *StateStore {
	return b.store
}
