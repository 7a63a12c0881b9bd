package chatbot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"RelayChat/internal/cache"
	"RelayChat/internal/completion"
	"RelayChat/internal/config"
	"RelayChat/internal/dispatcher"
	"RelayChat/internal/registry"
	"RelayChat/internal/session"
	"RelayChat/internal/telegram"
	"RelayChat/internal/telemetry"
	"RelayChat/internal/usage"
)

// ChatBot represents the main application
type ChatBot struct {
	config     config.Config
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	ledger     *usage.Ledger
	bot        *telegram.Bot
	core       *core
	logCloser  io.Closer
	shutdownFn func()
}

// core is everything between the transport and the completion API.
type core struct {
	registry   *registry.Registry
	store      *session.Store
	client     *completion.Client
	dispatcher *dispatcher.Dispatcher
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	logger, logCloser, err := telemetry.InitLogger(cfg.Log, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.Telemetry)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	ledger, err := usage.Open(cfg.Usage.DSN)
	if err != nil {
		shutdown()
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialize usage ledger: %w", err)
	}

	bot, err := telegram.NewBot(cfg.Telegram.Token, telegram.Options{
		PollTimeout:    cfg.Telegram.PollTimeout,
		RateLimit:      cfg.Telegram.SendRate,
		Burst:          cfg.Telegram.SendBurst,
		MaxAttempts:    cfg.Telegram.SendAttempts,
		RetryBaseDelay: cfg.Telegram.SendRetryDelay.Duration,
	}, logger)
	if err != nil {
		ledger.Close()
		shutdown()
		logCloser.Close()
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	c, err := wire(cfg, logger, tracer, meter, bot, bot.Username(), ledger)
	if err != nil {
		ledger.Close()
		shutdown()
		logCloser.Close()
		return nil, err
	}

	logger.Info("chatbot initialized",
		"bot", bot.Username(),
		"default_model", c.registry.Default().ID,
		"models", len(c.registry.List()),
		"max_messages", cfg.Session.MaxMessages,
		"max_tokens", cfg.Session.MaxTokens)

	return &ChatBot{
		config:     cfg,
		logger:     logger,
		tracer:     tracer,
		meter:      meter,
		ledger:     ledger,
		bot:        bot,
		core:       c,
		logCloser:  logCloser,
		shutdownFn: shutdown,
	}, nil
}

// wire builds the registry, store, completion client and dispatcher from cfg.
func wire(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter, sender dispatcher.Sender, botUsername string, ledger dispatcher.Ledger) (*core, error) {
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build model registry: %w", err)
	}

	store := session.NewStore(
		session.Policy{MaxMessages: cfg.Session.MaxMessages, MaxTokens: cfg.Session.MaxTokens},
		reg.Default().ID,
		session.WithIdleTTL(cfg.Session.IdleTTL.Duration),
	)

	opts := []completion.Option{
		completion.WithLogger(logger),
		completion.WithTracer(tracer),
		completion.WithMeter(meter),
	}
	if cfg.Cache.TTL.Duration > 0 {
		opts = append(opts, completion.WithCache(cache.New[completion.Result](cfg.Cache.TTL.Duration, cfg.Cache.MaxEntries)))
	}
	client := completion.New(completion.Config{
		APIKey:         cfg.Azure.APIKey,
		Timeout:        cfg.Completion.Timeout.Duration,
		MaxAttempts:    cfg.Completion.MaxAttempts,
		RetryBaseDelay: cfg.Completion.RetryBaseDelay.Duration,
		RetryMaxDelay:  cfg.Completion.RetryMaxDelay.Duration,
	}, opts...)

	d, err := dispatcher.New(dispatcher.Config{
		Generation: completion.Generation{
			TopP:             cfg.Completion.TopP,
			FrequencyPenalty: cfg.Completion.FrequencyPenalty,
			PresencePenalty:  cfg.Completion.PresencePenalty,
		},
		BotUsername: botUsername,
	}, dispatcher.Deps{
		Registry:  reg,
		Store:     store,
		Completer: client,
		Sender:    sender,
		Ledger:    ledger,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &core{registry: reg, store: store, client: client, dispatcher: d}, nil
}

// Run polls Telegram until ctx is cancelled, then waits for in-flight turns.
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.close()

	g, gctx := errgroup.WithContext(ctx)

	// turns already accepted finish even after shutdown starts; the completion timeout bounds them
	handleCtx := context.WithoutCancel(ctx)
	g.Go(func() error {
		return cb.bot.Poll(gctx, func(_ context.Context, ev dispatcher.Event) {
			cb.core.dispatcher.Submit(handleCtx, ev)
		})
	})

	if ttl := cb.config.Session.IdleTTL.Duration; ttl > 0 {
		g.Go(func() error {
			evictLoop(gctx, cb.logger, cb.core.store, evictInterval(ttl))
			return nil
		})
	}

	err := g.Wait()
	cb.logger.Info("shutting down, waiting for in-flight messages")
	cb.core.dispatcher.Wait()
	return err
}

func evictInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	return interval
}

func evictLoop(ctx context.Context, logger *slog.Logger, store *session.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.EvictIdle(); n > 0 {
				logger.Info("evicted idle sessions", "count", n, "remaining", store.Len())
			}
		}
	}
}

func (cb *ChatBot) close() {
	if err := cb.ledger.Close(); err != nil {
		cb.logger.Error("failed to close usage ledger", "error", err)
	}
	cb.shutdownFn()
	cb.logger.Info("goodbye")
	if err := cb.logCloser.Close(); err != nil {
		slog.Error("failed to close log file", "error", err)
	}
}
