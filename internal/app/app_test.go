package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/storyloom/internal/app"
	"github.com/MrWong99/storyloom/internal/config"
	"github.com/MrWong99/storyloom/internal/observe"
	"github.com/MrWong99/storyloom/internal/snapshot"
	"github.com/MrWong99/storyloom/pkg/provider/llm"
	llmmock "github.com/MrWong99/storyloom/pkg/provider/llm/mock"
	"github.com/MrWong99/storyloom/pkg/provider/media"
	mediamock "github.com/MrWong99/storyloom/pkg/provider/media/mock"
)

const turnJSON = `{"narrative":"The cell door creaks open.","visualPrompt":"a rusted cell door","choices":["Step out","Stay"],"ledgerDelta":{"hopeLevel":5}}`

// testConfig returns a defaulted config with an in-memory snapshot backend
// and the clock device.
func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Director: config.ProviderEntry{Name: "openai"},
			Image:    config.ProviderEntry{Name: "openai"},
			Speech:   config.ProviderEntry{Name: "openai"},
		},
		Snapshot: config.SnapshotConfig{Backend: config.BackendMemory},
		Playback: config.PlaybackConfig{Device: config.DeviceClock, SettleDelay: time.Millisecond},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns a mock director and one mock media backend for
// image and speech.
func testProviders() *app.Providers {
	gen := &mediamock.Generator{}
	return &app.Providers{
		Director: []app.Named[llm.Provider]{{
			Name:     "mock",
			Provider: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: turnJSON}},
		}},
		Image:  []app.Named[media.ImageGenerator]{{Name: "mock", Provider: gen}},
		Speech: []app.Named[media.SpeechGenerator]{{Name: "mock", Provider: gen}},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	store := snapshot.NewMemoryStore()
	a := newApp(t, testConfig(), app.WithSnapshotStore(store))

	ctx := context.Background()
	turn, err := a.Session().Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if turn.Text != "The cell door creaks open." {
		t.Errorf("turn text = %q", turn.Text)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Queue().WaitIdle(waitCtx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if st := a.Session().Stats(); st.Timeline.ReadyMedia != 2 {
		t.Errorf("ready media = %d, want 2 (image + audio)", st.Timeline.ReadyMedia)
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := store.Load(ctx, config.DefaultSessionKey); err != nil {
		t.Errorf("shutdown did not save the session: %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config, *app.Providers)
		wantErr string
	}{
		{
			name:    "no director",
			mutate:  func(_ *config.Config, p *app.Providers) { p.Director = nil },
			wantErr: "no director provider",
		},
		{
			name:    "unknown snapshot backend",
			mutate:  func(c *config.Config, _ *app.Providers) { c.Snapshot.Backend = "tape" },
			wantErr: "unknown snapshot backend",
		},
		{
			name:    "unknown artifacts backend",
			mutate:  func(c *config.Config, _ *app.Providers) { c.Artifacts.Backend = "ftp" },
			wantErr: "unknown artifacts backend",
		},
		{
			name:    "unknown device",
			mutate:  func(c *config.Config, _ *app.Providers) { c.Playback.Device = "speaker" },
			wantErr: "unknown playback device",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, p := testConfig(), testProviders()
			tc.mutate(cfg, p)
			_, err := app.New(context.Background(), cfg, p, app.WithMetrics(testMetrics(t)))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("New() error = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestNew_FileBackends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig()
	cfg.Snapshot.Backend = config.BackendFile
	cfg.Snapshot.Path = dir + "/saves"
	cfg.Artifacts = config.ArtifactsConfig{Backend: config.BackendFile, Dir: dir + "/media", BaseURL: "http://cdn.test"}
	a := newApp(t, cfg)

	ctx := context.Background()
	if _, err := a.Session().Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Session().Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := a.Session().Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	var lv slog.LevelVar
	oldCfg := testConfig()
	a := newApp(t, oldCfg, app.WithLogLevel(&lv))

	newCfg := testConfig()
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Queue.MaxConcurrency = 1
	vol := 0.4
	newCfg.Playback.Volume = &vol
	newCfg.Playback.PlaybackRate = 1.5
	off := false
	newCfg.Playback.AutoAdvance = &off
	newCfg.Timeline.KeepLast = 5
	newCfg.Snapshot.SessionKey = "other"

	d := a.ApplyConfig(oldCfg, newCfg)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	st := a.Player().Status()
	if st.Volume != 0.4 || st.Rate != 1.5 || st.AutoAdvance {
		t.Errorf("player status = %+v", st)
	}
	if !d.KeepLastChanged || d.NewKeepLast != 5 {
		t.Errorf("keep_last diff = %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "snapshot" {
		t.Errorf("RestartRequired = %v, want [snapshot]", d.RestartRequired)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	h := a.Handler()

	for _, tc := range []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/healthz", wantCode: http.StatusOK, wantBody: `"status":"ok"`},
		{path: "/readyz", wantCode: http.StatusOK, wantBody: `"director":"ok"`},
		{path: "/readyz", wantCode: http.StatusOK, wantBody: `"totalTurns":0`},
		{path: "/metrics", wantCode: http.StatusOK},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))
		if rec.Code != tc.wantCode {
			t.Errorf("GET %s = %d, want %d", tc.path, rec.Code, tc.wantCode)
		}
		if tc.wantBody != "" && !strings.Contains(rec.Body.String(), tc.wantBody) {
			t.Errorf("GET %s body %q lacks %q", tc.path, rec.Body.String(), tc.wantBody)
		}
	}
}

func TestHandler_NotReadyLogsEngineState(t *testing.T) {
	var buf strings.Builder
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	providers := testProviders()
	providers.Director[0].Provider = &llmmock.Provider{CompleteErr: errors.New("quota exceeded")}
	cfg := testConfig()
	cfg.Snapshot.SessionKey = "campaign"
	a, err := app.New(context.Background(), cfg, providers, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	h := a.Handler()

	code := http.StatusOK
	for range 10 {
		if _, err := a.Session().Act(context.Background(), "knock"); err != nil {
			t.Fatalf("Act: %v", err)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
		if code = rec.Code; code == http.StatusServiceUnavailable {
			break
		}
	}
	if code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz = %d after repeated director failures, want 503", code)
	}

	got := buf.String()
	for _, want := range []string{"route=/readyz", "status=503", "session_key=campaign", "timeline.turns=", "director.available=false", "snapshot.backend=memory"} {
		if !strings.Contains(got, want) {
			t.Errorf("ops log lacks %q:\n%s", want, got)
		}
	}
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); err != context.Canceled {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
