// Package config provides the configuration schema, loader, and provider registry
// for the storyloom engine.
package config

import (
	"time"

	"github.com/MrWong99/storyloom/pkg/state"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Device selects the audio output used by the playback controller.
type Device string

const (
	// DeviceClock plays clips against the wall clock without producing sound.
	DeviceClock Device = "clock"

	// DevicePCM renders mixed PCM frames to a file or discards them.
	DevicePCM Device = "pcm"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	return d == DeviceClock || d == DevicePCM
}

// Backend names for snapshot and artifact storage.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMinio    = "minio"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Queue     QueueConfig     `yaml:"queue"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Media     MediaConfig     `yaml:"media"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Timeline  TimelineConfig  `yaml:"timeline"`
}

// ServerConfig holds the ops listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics.
	// Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`
}

// ProvidersConfig selects the backends for the director and each media kind.
type ProvidersConfig struct {
	Director ProviderEntry `yaml:"director"`
	Image    ProviderEntry `yaml:"image"`
	Speech   ProviderEntry `yaml:"speech"`
	Video    ProviderEntry `yaml:"video"`

	// Fallbacks lists additional backends tried in order after the primary.
	Fallbacks FallbacksConfig `yaml:"fallbacks"`
}

// FallbacksConfig holds ordered fallback chains.
type FallbacksConfig struct {
	Director []ProviderEntry `yaml:"director"`
	Image    []ProviderEntry `yaml:"image"`
	Speech   []ProviderEntry `yaml:"speech"`
	Video    []ProviderEntry `yaml:"video"`
}

// ProviderEntry is the common configuration shape for any provider.
type ProviderEntry struct {
	// Name selects the implementation, e.g. "openai", "elevenlabs", "mock".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model where the provider offers several.
	Model string `yaml:"model"`

	// Options holds provider-specific settings, e.g. "voice_id" or "size".
	Options map[string]any `yaml:"options"`
}

// Option returns the string value of a provider option, or def.
func (e ProviderEntry) Option(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// QueueConfig tunes the media queue.
type QueueConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	SafetyTick     time.Duration `yaml:"safety_tick"`
}

// TimeoutsConfig bounds individual backend calls.
type TimeoutsConfig struct {
	Image    time.Duration `yaml:"image"`
	Speech   time.Duration `yaml:"speech"`
	Video    time.Duration `yaml:"video"`
	Director time.Duration `yaml:"director"`
}

// PlaybackConfig configures narration output.
type PlaybackConfig struct {
	Device       Device        `yaml:"device"`
	Volume       *float64      `yaml:"volume"`
	PlaybackRate float64       `yaml:"playback_rate"`
	AutoAdvance  *bool         `yaml:"auto_advance"`
	SettleDelay  time.Duration `yaml:"settle_delay"`

	// PCM device settings. PCMOutput is a file path; empty discards frames.
	PCMSampleRate int    `yaml:"pcm_sample_rate"`
	PCMChannels   int    `yaml:"pcm_channels"`
	PCMOutput     string `yaml:"pcm_output"`
}

// VolumeOrDefault returns the configured volume, or 1.
func (p PlaybackConfig) VolumeOrDefault() float64 {
	if p.Volume == nil {
		return 1
	}
	return *p.Volume
}

// AutoAdvanceOrDefault returns the configured auto-advance flag, or true.
func (p PlaybackConfig) AutoAdvanceOrDefault() bool {
	if p.AutoAdvance == nil {
		return true
	}
	return *p.AutoAdvance
}

// MediaConfig selects which modalities are requested per turn.
type MediaConfig struct {
	Image *bool `yaml:"image"`
	Audio *bool `yaml:"audio"`

	// VideoEvery requests a video clip for every n-th turn. Zero limits video
	// to cinematic turns.
	VideoEvery int `yaml:"video_every"`
}

// SnapshotConfig selects where saved games live.
type SnapshotConfig struct {
	Backend    string `yaml:"backend"`
	SessionKey string `yaml:"session_key"`

	// Path is the snapshot directory for the file backend.
	Path string `yaml:"path"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`

	PostgresDSN string `yaml:"postgres_dsn"`

	// ResumeMedia re-requests interrupted media after a restore.
	ResumeMedia bool `yaml:"resume_media"`
}

// ArtifactsConfig configures where generated media is published.
// An empty backend keeps payloads inline only.
type ArtifactsConfig struct {
	Backend string `yaml:"backend"`

	// Dir and BaseURL configure the file backend.
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`

	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	UseSSL    bool          `yaml:"use_ssl"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

// LedgerConfig overrides the starting ledger. Unset fields keep their defaults.
type LedgerConfig struct {
	TraumaLevel     *float64 `yaml:"trauma_level"`
	ComplianceScore *float64 `yaml:"compliance_score"`
	HopeLevel       *float64 `yaml:"hope_level"`
	FearLevel       *float64 `yaml:"fear_level"`
	FatigueLevel    *float64 `yaml:"fatigue_level"`
	SanityLevel     *float64 `yaml:"sanity_level"`
	TrustLevel      *float64 `yaml:"trust_level"`
}

// Initial returns the default ledger with the overrides merged in and clamped.
func (l LedgerConfig) Initial() state.Ledger {
	return state.MergeLedgerDelta(state.DefaultLedger(), state.LedgerDelta{
		TraumaLevel:     l.TraumaLevel,
		ComplianceScore: l.ComplianceScore,
		HopeLevel:       l.HopeLevel,
		FearLevel:       l.FearLevel,
		FatigueLevel:    l.FatigueLevel,
		SanityLevel:     l.SanityLevel,
		TrustLevel:      l.TrustLevel,
	})
}

// TimelineConfig bounds the timeline.
type TimelineConfig struct {
	// KeepLast prunes all but the newest n turns after each turn. Zero keeps
	// everything.
	KeepLast int `yaml:"keep_last"`
}
