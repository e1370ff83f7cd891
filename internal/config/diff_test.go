package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/storyloom/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{Director: config.ProviderEntry{Name: "openai"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if !d.IsEmpty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level should be live, got restart for %v", d.RestartRequired)
	}
}

func TestDiff_QueueLimits(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Queue.MaxConcurrency = 8

	d := config.Diff(old, new)
	if !d.QueueChanged || d.NewMaxConcurrency != 8 || d.NewMaxRetries != old.Queue.MaxRetries {
		t.Errorf("queue diff: %+v", d)
	}
}

func TestDiff_Playback(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	vol, auto := 0.25, false
	new.Playback.Volume = &vol
	new.Playback.AutoAdvance = &auto

	d := config.Diff(old, new)
	if !d.PlaybackChanged {
		t.Fatal("expected PlaybackChanged=true")
	}
	if d.NewVolume != 0.25 || d.NewRate != 1 || d.NewAutoAdvance {
		t.Errorf("playback diff: %+v", d)
	}

	// A pointer to the default value is not a change.
	one := 1.0
	same := baseConfig()
	same.Playback.Volume = &one
	if config.Diff(old, same).PlaybackChanged {
		t.Error("explicit default volume reported as change")
	}
}

func TestDiff_KeepLast(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Timeline.KeepLast = 20

	d := config.Diff(old, new)
	if !d.KeepLastChanged || d.NewKeepLast != 20 {
		t.Errorf("keep_last diff: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.Director.Model = "gpt-4o-mini"
	new.Snapshot.SessionKey = "other"
	new.Playback.Device = config.DevicePCM
	new.Timeouts.Video = 1

	d := config.Diff(old, new)
	want := []string{"providers", "timeouts", "playback.device", "snapshot"}
	for _, w := range want {
		if !slices.Contains(d.RestartRequired, w) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, w)
		}
	}
	if d.LogLevelChanged || d.QueueChanged || d.PlaybackChanged {
		t.Errorf("unexpected live changes: %+v", d)
	}
}

func TestDiff_FallbackChain(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.Fallbacks.Director = []config.ProviderEntry{{Name: "ollama"}}

	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("fallback change not detected: %+v", d)
	}
}
