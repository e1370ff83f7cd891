// Package app wires the storyloom subsystems into a running engine.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config, Run serves the ops endpoints until the context ends, ApplyConfig
// pushes hot-reloadable settings into the live subsystems and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSnapshotStore,
// WithDevice, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/storyloom/internal/artifact"
	"github.com/MrWong99/storyloom/internal/config"
	"github.com/MrWong99/storyloom/internal/director"
	"github.com/MrWong99/storyloom/internal/game"
	"github.com/MrWong99/storyloom/internal/health"
	"github.com/MrWong99/storyloom/internal/mediaqueue"
	"github.com/MrWong99/storyloom/internal/observe"
	"github.com/MrWong99/storyloom/internal/playback"
	"github.com/MrWong99/storyloom/internal/resilience"
	"github.com/MrWong99/storyloom/internal/snapshot"
	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/audio/clock"
	"github.com/MrWong99/storyloom/pkg/audio/pcm"
	"github.com/MrWong99/storyloom/pkg/provider/llm"
	"github.com/MrWong99/storyloom/pkg/provider/media"
)

// Named pairs a provider with the name it is logged and metered under.
type Named[T any] struct {
	Name     string
	Provider T
}

// Providers holds the ordered backend chain per slot. The first entry is the
// primary; the rest are fallbacks. An empty chain leaves the slot
// unconfigured. Populated by main.go via the config registry.
type Providers struct {
	Director []Named[llm.Provider]
	Image    []Named[media.ImageGenerator]
	Speech   []Named[media.SpeechGenerator]
	Video    []Named[media.VideoGenerator]
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics *observe.Metrics
	level   *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	llm       *resilience.LLMFallback
	director  director.Director
	guard     *resilience.MediaGuard
	artifacts artifact.Store
	snapshots snapshot.Store
	timeline  *timeline.Store
	queue     *mediaqueue.Queue
	open      playback.Opener
	player    *playback.Controller
	session   *game.Session
	health    *health.Handler
	server    *http.Server
	checks    []health.Option

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands New the level variable of the process logger so
// [App.ApplyConfig] can change verbosity live.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithSnapshotStore injects a snapshot store instead of creating one from config.
func WithSnapshotStore(s snapshot.Store) Option {
	return func(a *App) { a.snapshots = s }
}

// WithArtifactStore injects an artifact store instead of creating one from config.
func WithArtifactStore(s artifact.Store) Option {
	return func(a *App) { a.artifacts = s }
}

// WithDevice injects the audio device opener instead of the configured device.
func WithDevice(open playback.Opener) Option {
	return func(a *App) { a.open = open }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry).
//
// New performs all initialisation synchronously, including connecting to the
// snapshot backend and migrating its schema. It does not start a game; call
// Session().Start or Session().Load for that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Director ──────────────────────────────────────────────────────
	if err := a.initDirector(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init director: %w", err))
	}

	// ── 2. Media backends ────────────────────────────────────────────────
	a.initMedia()

	// ── 3. Artifact publishing ───────────────────────────────────────────
	if err := a.initArtifacts(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init artifacts: %w", err))
	}

	// ── 4. Snapshot store ────────────────────────────────────────────────
	if err := a.initSnapshots(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init snapshots: %w", err))
	}

	// ── 5. Timeline + media queue ────────────────────────────────────────
	a.initQueue()

	// ── 6. Playback ──────────────────────────────────────────────────────
	if err := a.initPlayback(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init playback: %w", err))
	}

	// ── 7. Game session ──────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init session: %w", err))
	}

	// ── 8. Ops endpoints ─────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// abort releases whatever New managed to open before failing.
func (a *App) abort(err error) error {
	a.runClosers()
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change", "backend", name, "from", from, "to", to)
			},
		},
	}
}

// initDirector builds the LLM chain and wraps it with the timeout guard.
func (a *App) initDirector() error {
	chain := a.providers.Director
	if len(chain) == 0 {
		return errors.New("no director provider configured")
	}
	a.llm = resilience.NewLLMFallback(chain[0].Provider, chain[0].Name, a.fallbackConfig())
	for _, p := range chain[1:] {
		a.llm.AddFallback(p.Name, p.Provider)
	}
	a.director = director.NewGuard(
		director.NewLLM(a.llm),
		director.WithTimeout(a.cfg.Timeouts.Director),
		director.WithGuardMetrics(a.metrics),
	)
	a.checks = append(a.checks, health.WithCheck("director", func(context.Context) error {
		if !a.llm.Available() {
			return fmt.Errorf("director backends unavailable: %w", resilience.ErrCircuitOpen)
		}
		return nil
	}))
	return nil
}

// initMedia registers every configured media backend on one guard.
func (a *App) initMedia() {
	g := resilience.NewMediaGuard(a.fallbackConfig(), resilience.MediaTimeouts{
		Image:  a.cfg.Timeouts.Image,
		Speech: a.cfg.Timeouts.Speech,
		Video:  a.cfg.Timeouts.Video,
	})
	for _, p := range a.providers.Image {
		g.AddImage(p.Name, p.Provider)
	}
	for _, p := range a.providers.Speech {
		g.AddSpeech(p.Name, p.Provider)
	}
	for _, p := range a.providers.Video {
		g.AddVideo(p.Name, p.Provider)
	}
	for kind, names := range g.Backends() {
		slog.Info("media backends", "modality", kind, "chain", names)
	}
	a.guard = g
	a.checks = append(a.checks, health.WithCheck("media", g.Check))
}

// initArtifacts creates the configured artifact store, if any.
func (a *App) initArtifacts(ctx context.Context) error {
	if a.artifacts != nil {
		return nil
	}
	ac := a.cfg.Artifacts
	switch ac.Backend {
	case "":
		return nil
	case config.BackendFile:
		s, err := artifact.NewFileStore(ac.Dir, ac.BaseURL)
		if err != nil {
			return err
		}
		a.artifacts = s
	case config.BackendMinio:
		s, err := artifact.NewMinioStore(artifact.MinioConfig{
			Endpoint:  ac.Endpoint,
			AccessKey: ac.AccessKey,
			SecretKey: ac.SecretKey,
			Bucket:    ac.Bucket,
			UseSSL:    ac.UseSSL,
			URLExpiry: ac.URLExpiry,
		})
		if err != nil {
			return err
		}
		if err := s.Ping(ctx); err != nil {
			slog.Warn("artifact bucket not reachable yet", "endpoint", ac.Endpoint, "err", err)
		}
		a.artifacts = s
		a.checks = append(a.checks, health.WithCheck("artifacts", s.Ping))
	default:
		return fmt.Errorf("unknown artifacts backend %q", ac.Backend)
	}
	slog.Info("artifact publishing enabled", "backend", ac.Backend)
	return nil
}

// initSnapshots connects the configured snapshot backend.
func (a *App) initSnapshots(ctx context.Context) error {
	if a.snapshots != nil {
		return nil
	}
	sc := a.cfg.Snapshot
	switch sc.Backend {
	case "", config.BackendMemory:
		a.snapshots = snapshot.NewMemoryStore()
	case config.BackendFile:
		s, err := snapshot.NewFileStore(sc.Path)
		if err != nil {
			return err
		}
		a.snapshots = s
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", sc.RedisAddr, err)
		}
		a.snapshots = snapshot.NewRedisStore(client, snapshot.WithTTL(sc.RedisTTL))
		a.checks = append(a.checks, health.WithCheck("snapshots", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, sc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := snapshot.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.snapshots = store
		a.checks = append(a.checks, health.WithCheck("snapshots", pool.Ping))
	default:
		return fmt.Errorf("unknown snapshot backend %q", sc.Backend)
	}
	slog.Info("snapshot store ready", "backend", sc.Backend, "session_key", sc.SessionKey)
	return nil
}

// initQueue creates the timeline and the media queue on top of it.
func (a *App) initQueue() {
	a.timeline = timeline.New()

	qc := a.cfg.Queue
	opts := []mediaqueue.Option{
		mediaqueue.WithMaxConcurrency(qc.MaxConcurrency),
		mediaqueue.WithMaxRetries(qc.MaxRetries),
		mediaqueue.WithBackoff(qc.RetryBackoff, qc.BackoffMax),
		mediaqueue.WithSafetyTick(qc.SafetyTick),
		mediaqueue.WithMetrics(a.metrics),
	}
	if a.artifacts != nil {
		opts = append(opts, mediaqueue.WithArtifacts(a.artifacts))
	}
	a.queue = mediaqueue.New(a.guard, a.timeline, opts...)
	a.closers = append(a.closers, a.queue.Close)
}

// initPlayback opens the audio device and the controller.
func (a *App) initPlayback() error {
	pc := a.cfg.Playback
	if a.open == nil {
		open, err := a.deviceOpener(pc)
		if err != nil {
			return err
		}
		a.open = open
	}
	player, err := playback.New(a.open, a.timeline,
		playback.WithVolume(pc.VolumeOrDefault()),
		playback.WithRate(pc.PlaybackRate),
		playback.WithAutoAdvance(pc.AutoAdvanceOrDefault()),
		playback.WithSettleDelay(pc.SettleDelay),
		playback.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.player = player
	a.closers = append(a.closers, player.Close)
	return nil
}

// deviceOpener returns the opener for the configured device. The PCM sink
// file stays open across device reopens.
func (a *App) deviceOpener(pc config.PlaybackConfig) (playback.Opener, error) {
	switch pc.Device {
	case "", config.DeviceClock:
		return func() (audio.Device, error) { return clock.New(), nil }, nil
	case config.DevicePCM:
		sink := func(audio.AudioFrame) {}
		if pc.PCMOutput != "" {
			f, err := os.OpenFile(pc.PCMOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open pcm output: %w", err)
			}
			a.closers = append(a.closers, f.Close)
			var mu sync.Mutex
			sink = func(fr audio.AudioFrame) {
				mu.Lock()
				defer mu.Unlock()
				if _, err := f.Write(fr.Data); err != nil {
					slog.Warn("pcm output write failed", "path", pc.PCMOutput, "err", err)
				}
			}
		}
		format := audio.Format{SampleRate: pc.PCMSampleRate, Channels: pc.PCMChannels}
		return func() (audio.Device, error) {
			return pcm.New(sink, pcm.WithFormat(format)), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown playback device %q", pc.Device)
	}
}

// initSession assembles the game session.
func (a *App) initSession() error {
	policy := game.DefaultMediaPolicy()
	if a.cfg.Media.Image != nil {
		policy.Image = *a.cfg.Media.Image
	}
	if a.cfg.Media.Audio != nil {
		policy.Audio = *a.cfg.Media.Audio
	}
	policy.VideoEvery = a.cfg.Media.VideoEvery

	ledger := a.cfg.Ledger.Initial()
	s, err := game.New(game.Config{
		Director:    a.director,
		Timeline:    a.timeline,
		Queue:       a.queue,
		Player:      a.player,
		Snapshots:   a.snapshots,
		SessionKey:  a.cfg.Snapshot.SessionKey,
		Media:       policy,
		Ledger:      &ledger,
		KeepLast:    a.cfg.Timeline.KeepLast,
		ResumeMedia: a.cfg.Snapshot.ResumeMedia,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}
	a.session = s
	return nil
}

// initServer builds the ops mux. The listener only starts in Run.
func (a *App) initServer() {
	opts := append([]health.Option{
		health.WithStats(func() any { return a.session.Stats() }),
	}, a.checks...)
	a.health = health.New(opts...)

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Handler returns the ops routes: /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return observe.Middleware(a.metrics,
		observe.WithSessionKey(a.cfg.Snapshot.SessionKey),
		observe.WithRoutes("/healthz", "/readyz", "/metrics"),
		observe.WithQuietRoutes("/healthz", "/readyz", "/metrics"),
		observe.WithFailureContext(a.failureContext),
	)(mux)
}

// failureContext describes the engine state attached to failed ops requests.
func (a *App) failureContext(context.Context) []attribute.KeyValue {
	c := a.queue.Counts()
	return []attribute.KeyValue{
		attribute.Int("queue.pending", c.Pending),
		attribute.Int("queue.in_progress", c.InProgress),
		attribute.Int("queue.failed", c.Failed),
		attribute.Int("timeline.turns", a.timeline.Len()),
		attribute.String("snapshot.backend", a.cfg.Snapshot.Backend),
		attribute.Bool("director.available", a.llm.Available()),
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the game session.
func (a *App) Session() *game.Session { return a.session }

// Player returns the playback controller.
func (a *App) Player() *playback.Controller { return a.player }

// Queue returns the media queue.
func (a *App) Queue() *mediaqueue.Queue { return a.queue }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the ops endpoints and blocks until ctx is cancelled or the
// listener fails. When ctx is done, Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			slog.Info("ops endpoints listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", a.server.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if a.server == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	slog.Info("app running",
		"director_backends", len(a.providers.Director),
		"media_backends", len(a.providers.Image)+len(a.providers.Speech)+len(a.providers.Video),
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig pushes the hot-reloadable differences between old and new into
// the running subsystems. Sections that need a restart are only logged.
func (a *App) ApplyConfig(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.QueueChanged {
		a.queue.SetLimits(d.NewMaxConcurrency, d.NewMaxRetries)
		slog.Info("media queue limits changed",
			"max_concurrency", d.NewMaxConcurrency,
			"max_retries", d.NewMaxRetries,
		)
	}
	if d.PlaybackChanged {
		a.player.SetVolume(d.NewVolume)
		a.player.SetRate(d.NewRate)
		a.player.SetAutoAdvance(d.NewAutoAdvance)
		slog.Info("playback settings changed",
			"volume", d.NewVolume,
			"rate", d.NewRate,
			"auto_advance", d.NewAutoAdvance,
		)
	}
	if d.KeepLastChanged {
		a.session.SetKeepLast(d.NewKeepLast)
		slog.Info("timeline bound changed", "keep_last", d.NewKeepLast)
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change needs a restart to take effect", "section", section)
	}
	a.cfg = new
	return d
}

// SlogLevel maps a config level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown saves the session if it has turns, then tears down all subsystems
// in init order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.session != nil && a.timeline.Len() > 0 {
			if err := a.session.Save(ctx); err != nil {
				slog.Warn("final save failed", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
