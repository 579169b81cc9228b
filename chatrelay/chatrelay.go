package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

const completionSourceKey contextKey = "completion_source"

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ChatRelay owns the bot's in-memory state (conversation history, reply
// channel routes, and severity thresholds) and the components that act
// on it: the discord session, the completion relay, the nickname
// classifier, the audit database and the admin API.
type ChatRelay struct {
	config *Config
	logger *slog.Logger

	discord    *Discord
	relay      *Relay[ConversationKey]
	classifier *SeverityClassifier
	routes     *RoutingTable
	thresholds *SeverityThresholds
	writeDB    DBI
	api        *API
	metrics    *Metrics

	// eventWG tracks goroutines spawned for discord events and
	// background writes, so shutdown can wait for them
	eventWG sync.WaitGroup

	runMu       sync.Mutex
	signalStop  chan struct{}
	stopOnce    sync.Once
	signalReady chan struct{}
}

// New creates a ChatRelay from the given config. The config is
// validated, and one completion client is created per configured API key.
func New(config *Config) (*ChatRelay, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	pool, err := newCompletionClients(config.Completion, config.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("error creating completion clients: %w", err)
	}
	return newChatRelay(config, pool)
}

func newChatRelay(config *Config, pool []CompletionClient) (*ChatRelay, error) {
	var errs []error

	c := &ChatRelay{
		config:      config,
		routes:      NewRoutingTable(),
		thresholds:  NewSeverityThresholds(config.Classifier.DefaultThreshold),
		signalStop:  make(chan struct{}),
		signalReady: make(chan struct{}, 1),
	}

	c.logger = newComponentLogger(config.LogLevel, "chatrelay")
	slog.SetDefault(c.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	store := NewHistoryStore[ConversationKey](config.History.Size)
	c.metrics = newMetrics(func() float64 { return float64(store.Len()) })

	relay, err := NewRelay(
		store,
		pool,
		config.Completion,
		newComponentLogger(config.Completion.LogLevel, "relay"),
	)
	if err != nil {
		errs = append(errs, err)
	} else {
		relay.metrics = c.metrics
		relay.onComplete = c.recordCompletion
		c.relay = relay
	}

	if config.Classifier.Enabled {
		model := config.Classifier.Model
		if model == "" {
			model = config.Completion.Model
		}
		classifier, e := NewSeverityClassifier(
			pool,
			model,
			newComponentLogger(config.Completion.LogLevel, "classifier"),
		)
		errs = append(errs, e)
		c.classifier = classifier
	}

	config.Discord.httpClient = config.HTTPClient
	c.discord = newDiscord(config.Discord, newComponentLogger(config.Discord.LogLevel, "discord"))

	if config.API.Enabled {
		api, e := newAPI(c, config.API)
		errs = append(errs, e)
		c.api = api
	}

	return c, errors.Join(errs...)
}

// RegisterSlashCommands overwrites the bot's discord application commands
func (c *ChatRelay) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if c.discord.session == nil {
		session, err := c.discord.newSession()
		if err != nil {
			return nil, err
		}
		c.discord.session = session
	}
	return c.discord.registerCommands(options...)
}

// Stop signals Run to shut down. It's safe to call more than once.
func (c *ChatRelay) Stop() {
	c.stopOnce.Do(
		func() {
			close(c.signalStop)
		},
	)
}

// Run connects to the database and discord, registers slash commands,
// starts the admin API (if enabled) and blocks until ctx is canceled, Stop is called, or the API
// server fails.
func (c *ChatRelay) Run(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	logger := c.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()

	if err := c.initDB(startCtx); err != nil {
		return err
	}
	if err := c.initDiscordSession(ctx); err != nil {
		return err
	}
	if _, err := c.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.api != nil {
		g.Go(
			func() error {
				logger.InfoContext(gctx, "starting API server", "listen", c.config.API.Listen)
				if err := c.api.Serve(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("api server error: %w", err)
				}
				return nil
			},
		)
	}
	g.Go(
		func() error {
			select {
			case <-gctx.Done():
				logger.WarnContext(ctx, "context canceled, shutting down")
			case <-c.signalStop:
				logger.WarnContext(ctx, "got stop signal, shutting down")
			}
			return c.shutdown(context.WithoutCancel(ctx))
		},
	)

	select {
	case c.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")
	return g.Wait()
}

func (c *ChatRelay) initDB(ctx context.Context) error {
	if c.writeDB != nil {
		return nil
	}
	gormLogger := newGORMLogger(
		newLogHandler(defaultLogWriter, c.config.DatabaseLogLevel),
		c.config.DatabaseSlowThreshold,
	)
	db, err := createDB(ctx, c.config.DatabaseType, c.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	c.writeDB = NewDatabase(db, c.logger, c.config.DatabaseType != dbTypeSQLite)
	return nil
}

func (c *ChatRelay) initDiscordSession(ctx context.Context) error {
	if c.discord.session == nil {
		session, err := c.discord.newSession()
		if err != nil {
			return err
		}
		c.discord.session = session
	}
	c.addDiscordHandlers(ctx)
	if err := c.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// addDiscordHandlers registers the gateway event handlers. Each event
// is handled in its own goroutine.
func (c *ChatRelay) addDiscordHandlers(ctx context.Context) {
	session := c.discord.session
	c.discord.discordgoRemoveHandlerFuncs = append(
		c.discord.discordgoRemoveHandlerFuncs,
		session.AddHandler(c.discord.handlerReady()),
		session.AddHandler(c.discord.handlerConnect()),
		session.AddHandler(c.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				c.dispatch(
					ctx, func(ctx context.Context) {
						c.handleInteraction(ctx, newGatewayHandler(session, i, c.discord.logger))
					},
				)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				c.dispatch(
					ctx, func(ctx context.Context) {
						c.handleDiscordMessage(ctx, m)
					},
				)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, u *discordgo.GuildMemberUpdate) {
				c.dispatch(
					ctx, func(ctx context.Context) {
						c.handleGuildMemberUpdate(ctx, u)
					},
				)
			},
		),
	)
}

// dispatch runs f in a new goroutine, recovering any panic
func (c *ChatRelay) dispatch(ctx context.Context, f func(ctx context.Context)) {
	c.eventWG.Add(1)
	go func() {
		defer c.eventWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				c.handleRecover(ctx, rc)
			}
		}()
		f(ctx)
	}()
}

// background is like dispatch, but f's context isn't canceled when ctx is
func (c *ChatRelay) background(ctx context.Context, f func(ctx context.Context)) {
	c.dispatch(context.WithoutCancel(ctx), f)
}

func (c *ChatRelay) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()

	var errs []error

	for _, remove := range c.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	c.discord.discordgoRemoveHandlerFuncs = nil
	if err := c.discord.session.Close(); err != nil {
		c.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		errs = append(errs, err)
	}

	if c.api != nil {
		if err := c.api.httpServer.Shutdown(shutdownCtx); err != nil {
			c.logger.ErrorContext(ctx, "error shutting down API server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.eventWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.InfoContext(ctx, "event handlers finished")
	case <-shutdownCtx.Done():
		c.logger.WarnContext(ctx, "timed out waiting for event handlers")
		errs = append(errs, fmt.Errorf("event handlers did not stop in time: %w", shutdownCtx.Err()))
	}

	if c.writeDB != nil {
		if sqlDB, err := c.writeDB.DB().DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.logger.InfoContext(ctx, "shutdown complete")
	return errors.Join(errs...)
}

// recordCompletion is the relay's completion hook, writing a
// CompletionLog in the background
func (c *ChatRelay) recordCompletion(ctx context.Context, key ConversationKey, result CompletionResult) {
	if c.writeDB == nil {
		return
	}
	source, _ := ctx.Value(completionSourceKey).(string)
	record := newCompletionLog(string(key), source, result)
	c.background(ctx, func(ctx context.Context) {
		_, _ = c.writeDB.Create(ctx, record)
	})
}

func withCompletionSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, completionSourceKey, source)
}

// handlerLogger returns the context's logger, or fallback if there isn't one
func handlerLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// handleRecover logs a recovered panic from an event handler
func (*ChatRelay) handleRecover(ctx context.Context, rc any) {
	logger := handlerLogger(ctx, nil)
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// waitForReady blocks until Run signals it's ready, or timeout elapses
func (c *ChatRelay) waitForReady(timeout time.Duration) bool {
	select {
	case <-c.signalReady:
		return true
	case <-time.After(timeout):
		return false
	}
}
