// Package api hosts the TalkBridge HTTP surface and bootstraps the service.
//
// Run wires storage, the reasoning client, the safety pipeline, the session manager, the
// messaging router and delivery outbox, and the maintenance scheduler, then serves health,
// metrics, the Twilio webhook and the admin session endpoints until the process is signalled.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/actorlock"
	"github.com/BTreeMap/TalkBridge/internal/flow"
	"github.com/BTreeMap/TalkBridge/internal/genai"
	"github.com/BTreeMap/TalkBridge/internal/lockfile"
	"github.com/BTreeMap/TalkBridge/internal/memory"
	"github.com/BTreeMap/TalkBridge/internal/messaging"
	"github.com/BTreeMap/TalkBridge/internal/metrics"
	"github.com/BTreeMap/TalkBridge/internal/pipeline"
	"github.com/BTreeMap/TalkBridge/internal/reframe"
	"github.com/BTreeMap/TalkBridge/internal/risk"
	"github.com/BTreeMap/TalkBridge/internal/scheduler"
	"github.com/BTreeMap/TalkBridge/internal/sealer"
	"github.com/BTreeMap/TalkBridge/internal/session"
	"github.com/BTreeMap/TalkBridge/internal/statemachine"
	"github.com/BTreeMap/TalkBridge/internal/store"
	"github.com/BTreeMap/TalkBridge/internal/twiliowhatsapp"
	"github.com/BTreeMap/TalkBridge/internal/whatsapp"
	"github.com/philippgille/chromem-go"
)

// Messaging providers.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultOutboxPollInterval is how often the delivery outbox is polled without a wake-up.
	DefaultOutboxPollInterval = 5 * time.Second
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 15 * time.Second
)

// ErrSealKeyRequired is returned when no sealing secret is configured.
var ErrSealKeyRequired = errors.New("a seal key is required (TALKBRIDGE_SEAL_KEY)")

// Opts holds the service configuration.
type Opts struct {
	Addr               string
	StateDir           string
	Provider           string
	TwilioWebhookURL   string
	AdminToken         string
	SealKey            string
	PausedMaxAge       time.Duration
	SweepSpec          string
	ReframeTTL         time.Duration
	PatternMemoryDir   string
	OutboxPollInterval time.Duration
}

// Option configures Run.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the directory guarded by the instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithProvider selects the messaging provider, ProviderWhatsApp or ProviderTwilio.
func WithProvider(p string) Option {
	return func(o *Opts) { o.Provider = p }
}

// WithTwilioWebhookURL sets the public webhook URL used to validate Twilio signatures.
func WithTwilioWebhookURL(u string) Option {
	return func(o *Opts) { o.TwilioWebhookURL = u }
}

// WithAdminToken protects the admin endpoints with a bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithSealKey sets the secret used to seal stored content and derive pairing ids.
func WithSealKey(key string) Option {
	return func(o *Opts) { o.SealKey = key }
}

// WithPausedMaxAge sets how long a session may stay PAUSED.
func WithPausedMaxAge(d time.Duration) Option {
	return func(o *Opts) { o.PausedMaxAge = d }
}

// WithSweepSpec sets the cron expression of the expiry sweep.
func WithSweepSpec(spec string) Option {
	return func(o *Opts) { o.SweepSpec = spec }
}

// WithReframeTTL sets how long an unanswered draft is kept.
func WithReframeTTL(d time.Duration) Option {
	return func(o *Opts) { o.ReframeTTL = d }
}

// WithPatternMemoryDir persists the pattern memory index under dir.
func WithPatternMemoryDir(dir string) Option {
	return func(o *Opts) { o.PatternMemoryDir = dir }
}

func resolveOpts(opts []Option) Opts {
	cfg := Opts{
		Addr:               DefaultAddr,
		Provider:           ProviderWhatsApp,
		PausedMaxAge:       scheduler.DefaultPausedMaxAge,
		SweepSpec:          scheduler.DefaultSweepSpec,
		ReframeTTL:         reframe.DefaultTTL,
		OutboxPollInterval: DefaultOutboxPollInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// openStore returns the configured SQL store, or an in-memory store when no DSN is set.
func openStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("No database DSN configured, using in-memory store; sessions will not survive a restart")
		return store.NewInMemoryStore(), nil
	}
	return store.Open(cfg.DSN)
}

// embeddingFunc returns the OpenAI embedding function for pattern memory, or nil without a key.
func embeddingFunc(opts []genai.Option) chromem.EmbeddingFunc {
	var cfg genai.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil
	}
	return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, chromem.EmbeddingModelOpenAI3Small)
}

// Run starts TalkBridge and blocks until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := resolveOpts(apiOpts)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StateDir != "" {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}
	if cfg.SealKey == "" {
		return ErrSealKeyRequired
	}
	seal, err := sealer.New(cfg.SealKey)
	if err != nil {
		return fmt.Errorf("failed to initialize sealer: %w", err)
	}

	st, err := openStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	gen, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize reasoning client: %w", err)
	}

	m := metrics.New()
	machine := statemachine.New(st, statemachine.WithObserver(m))
	classifier := risk.NewClassifier(gen, st, m)

	vectors, err := memory.OpenDB(cfg.PatternMemoryDir)
	if err != nil {
		return err
	}
	patterns := memory.NewPatternMemory(vectors, embeddingFunc(genaiOpts), st, seal)
	summarizer := memory.NewSummarizer(gen, st, patterns, seal)

	tracker := reframe.NewTracker(reframe.WithTTL(cfg.ReframeTTL))
	defer tracker.Stop()
	states := flow.NewActorStates()
	cleaner := messaging.NewStateCleaner(tracker, states)

	pipe := pipeline.New(pipeline.Deps{
		Generator:    gen,
		Classifier:   classifier,
		Messages:     st,
		Patterns:     patterns,
		Transitioner: machine,
		Cleaner:      cleaner,
		Sealer:       seal,
		Observer:     m,
	})
	sessions := session.NewManager(st, machine, pipe, seal, session.WithCleaner(cleaner))

	svc, webhook, closeTransport, err := openMessaging(ctx, cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}
	defer closeTransport()

	deliverer := messaging.NewDeliverer(st, st, svc, seal, m)
	outbox := store.NewOutboxSender(st, deliverer.Send, cfg.OutboxPollInterval)
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Error("Run: outbox recovery failed", "error", err)
	}
	go outbox.Run(ctx)

	// Inbound messages and the expiry sweep serialize on the same participant keys.
	actors := actorlock.New()
	router := messaging.NewRouter(messaging.RouterDeps{
		Service:    svc,
		Sessions:   sessions,
		Pipeline:   pipe,
		Tracker:    tracker,
		Editor:     reframe.NewEditor(tracker, pipe, pipe),
		States:     states,
		Lock:       actors,
		Dedup:      st,
		Outbox:     st,
		Messages:   st,
		Sealer:     seal,
		Summarizer: summarizer,
		Notify:     outbox.Notify,
		Observer:   m,
	})
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	router.Start(ctx)

	sweep := scheduler.NewExpirySweep(machine, st, cfg.PausedMaxAge,
		scheduler.WithSummarizer(summarizer),
		scheduler.WithCleaner(cleaner),
		scheduler.WithNotifier(svc),
		scheduler.WithActorLock(actors))
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleSweep(ctx, cfg.SweepSpec, sweep); err != nil {
		return err
	}

	server := NewServer(ServerDeps{
		Sessions:     st,
		Transitioner: machine,
		Sweeper:      sweep,
		Cleaner:      cleaner,
		Metrics:      m.Handler(),
		Webhook:      webhook,
	}, cfg.AdminToken)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("TalkBridge API listening", "addr", cfg.Addr, "provider", cfg.Provider, "admin_auth", cfg.AdminToken != "")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: HTTP shutdown failed", "error", err)
	}
	router.Drain()
	pipe.Drain()
	if err := svc.Stop(); err != nil {
		slog.Error("Run: messaging stop failed", "error", err)
	}
	slog.Info("Run: shutdown complete")
	return nil
}

// openMessaging creates the configured transport. The returned handler is non-nil only for
// Twilio, whose inbound messages arrive over HTTP.
func openMessaging(ctx context.Context, cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, http.HandlerFunc, func(), error) {
	switch cfg.Provider {
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client, cfg.TwilioWebhookURL)
		return svc, svc.TwilioWebhookHandler, func() {}, nil
	case ProviderWhatsApp, "":
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown messaging provider %q", cfg.Provider)
	}
}
