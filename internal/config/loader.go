package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultMaxConcurrency = 3
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
	DefaultSafetyTick     = 5 * time.Second

	DefaultImageTimeout    = 90 * time.Second
	DefaultSpeechTimeout   = 45 * time.Second
	DefaultVideoTimeout    = 6 * time.Minute
	DefaultDirectorTimeout = 60 * time.Second

	DefaultSettleDelay   = 250 * time.Millisecond
	DefaultPCMSampleRate = 24000
	DefaultPCMChannels   = 1

	DefaultSessionKey   = "default"
	DefaultSnapshotPath = "saves"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"director": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"image":    {"openai"},
	"speech":   {"openai", "elevenlabs", "coqui"},
	"video":    {"videoworker"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}

	q := &cfg.Queue
	if q.MaxConcurrency == 0 {
		q.MaxConcurrency = DefaultMaxConcurrency
	}
	if q.MaxRetries == 0 {
		q.MaxRetries = DefaultMaxRetries
	}
	if q.RetryBackoff == 0 {
		q.RetryBackoff = DefaultRetryBackoff
	}
	if q.BackoffMax == 0 {
		q.BackoffMax = max(DefaultBackoffMax, q.RetryBackoff)
	}
	if q.SafetyTick == 0 {
		q.SafetyTick = DefaultSafetyTick
	}

	t := &cfg.Timeouts
	if t.Image == 0 {
		t.Image = DefaultImageTimeout
	}
	if t.Speech == 0 {
		t.Speech = DefaultSpeechTimeout
	}
	if t.Video == 0 {
		t.Video = DefaultVideoTimeout
	}
	if t.Director == 0 {
		t.Director = DefaultDirectorTimeout
	}

	p := &cfg.Playback
	if p.Device == "" {
		p.Device = DeviceClock
	}
	if p.PlaybackRate == 0 {
		p.PlaybackRate = 1
	}
	if p.SettleDelay == 0 {
		p.SettleDelay = DefaultSettleDelay
	}
	if p.PCMSampleRate == 0 {
		p.PCMSampleRate = DefaultPCMSampleRate
	}
	if p.PCMChannels == 0 {
		p.PCMChannels = DefaultPCMChannels
	}

	s := &cfg.Snapshot
	if s.Backend == "" {
		s.Backend = BackendFile
	}
	if s.SessionKey == "" {
		s.SessionKey = DefaultSessionKey
	}
	if s.Backend == BackendFile && s.Path == "" {
		s.Path = DefaultSnapshotPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Providers
	if cfg.Providers.Director.Name == "" {
		errs = append(errs, errors.New("providers.director.name is required"))
	}
	validateProviderName("director", cfg.Providers.Director.Name)
	validateProviderName("image", cfg.Providers.Image.Name)
	validateProviderName("speech", cfg.Providers.Speech.Name)
	validateProviderName("video", cfg.Providers.Video.Name)
	fallbacks := []struct {
		kind    string
		primary ProviderEntry
		entries []ProviderEntry
	}{
		{"director", cfg.Providers.Director, cfg.Providers.Fallbacks.Director},
		{"image", cfg.Providers.Image, cfg.Providers.Fallbacks.Image},
		{"speech", cfg.Providers.Speech, cfg.Providers.Fallbacks.Speech},
		{"video", cfg.Providers.Video, cfg.Providers.Fallbacks.Video},
	}
	for _, fb := range fallbacks {
		if len(fb.entries) > 0 && fb.primary.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks.%s is set but providers.%s is not configured", fb.kind, fb.kind))
		}
		for i, e := range fb.entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.fallbacks.%s[%d].name is required", fb.kind, i))
			}
			validateProviderName(fb.kind, e.Name)
		}
	}
	if cfg.Providers.Video.Name != "" && cfg.Providers.Image.Name == "" {
		errs = append(errs, errors.New("providers.video requires providers.image; clips are animated from the turn image"))
	}

	// Media
	if cfg.Media.VideoEvery < 0 {
		errs = append(errs, fmt.Errorf("media.video_every %d must not be negative", cfg.Media.VideoEvery))
	}
	if wantsMedia(cfg.Media.Image) && cfg.Providers.Image.Name == "" {
		slog.Warn("media.image is enabled but providers.image is not configured; image requests will fail")
	}
	if wantsMedia(cfg.Media.Audio) && cfg.Providers.Speech.Name == "" {
		slog.Warn("media.audio is enabled but providers.speech is not configured; narration requests will fail")
	}

	// Queue
	q := cfg.Queue
	if q.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("queue.max_concurrency %d must not be negative", q.MaxConcurrency))
	}
	if q.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries %d must not be negative", q.MaxRetries))
	}
	if q.RetryBackoff < 0 || q.BackoffMax < 0 || q.SafetyTick < 0 {
		errs = append(errs, errors.New("queue durations must not be negative"))
	}
	if q.BackoffMax > 0 && q.BackoffMax < q.RetryBackoff {
		errs = append(errs, fmt.Errorf("queue.backoff_max %v is below queue.retry_backoff %v", q.BackoffMax, q.RetryBackoff))
	}

	// Timeouts
	t := cfg.Timeouts
	if t.Image < 0 || t.Speech < 0 || t.Video < 0 || t.Director < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	// Playback
	p := cfg.Playback
	if p.Device != "" && !p.Device.IsValid() {
		errs = append(errs, fmt.Errorf("playback.device %q is invalid; valid values: clock, pcm", p.Device))
	}
	if v := p.VolumeOrDefault(); v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("playback.volume %.2f is out of range [0, 1]", v))
	}
	if p.PlaybackRate != 0 && (p.PlaybackRate < 0.25 || p.PlaybackRate > 4) {
		errs = append(errs, fmt.Errorf("playback.playback_rate %.2f is out of range [0.25, 4]", p.PlaybackRate))
	}
	if p.SettleDelay < 0 {
		errs = append(errs, errors.New("playback.settle_delay must not be negative"))
	}
	if p.PCMSampleRate < 0 || p.PCMChannels < 0 || p.PCMChannels > 2 {
		errs = append(errs, fmt.Errorf("playback pcm format %d Hz / %d channels is invalid", p.PCMSampleRate, p.PCMChannels))
	}

	// Snapshot
	s := cfg.Snapshot
	switch s.Backend {
	case "", BackendMemory:
	case BackendFile:
		if s.Path == "" {
			errs = append(errs, errors.New("snapshot.path is required for the file backend"))
		}
	case BackendRedis:
		if s.RedisAddr == "" {
			errs = append(errs, errors.New("snapshot.redis_addr is required for the redis backend"))
		}
	case BackendPostgres:
		if s.PostgresDSN == "" {
			errs = append(errs, errors.New("snapshot.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshot.backend %q is invalid; valid values: memory, file, redis, postgres", s.Backend))
	}

	// Artifacts
	a := cfg.Artifacts
	switch a.Backend {
	case "":
	case BackendFile:
		if a.Dir == "" {
			errs = append(errs, errors.New("artifacts.dir is required for the file backend"))
		}
	case BackendMinio:
		if a.Endpoint == "" {
			errs = append(errs, errors.New("artifacts.endpoint is required for the minio backend"))
		}
		if a.Bucket == "" {
			errs = append(errs, errors.New("artifacts.bucket is required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.backend %q is invalid; valid values: file, minio", a.Backend))
	}

	// Timeline
	if cfg.Timeline.KeepLast < 0 {
		errs = append(errs, fmt.Errorf("timeline.keep_last %d must not be negative", cfg.Timeline.KeepLast))
	}

	return errors.Join(errs...)
}

func wantsMedia(flag *bool) bool { return flag == nil || *flag }

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
