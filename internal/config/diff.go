package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// QueueChanged is set when concurrency or retry limits changed.
	QueueChanged      bool
	NewMaxConcurrency int
	NewMaxRetries     int

	PlaybackChanged bool
	NewVolume       float64
	NewRate         float64
	NewAutoAdvance  bool

	KeepLastChanged bool
	NewKeepLast     int

	// RestartRequired lists sections that changed but cannot be applied live.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.QueueChanged && !d.PlaybackChanged &&
		!d.KeepLastChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Queue limits
	if old.Queue.MaxConcurrency != new.Queue.MaxConcurrency || old.Queue.MaxRetries != new.Queue.MaxRetries {
		d.QueueChanged = true
		d.NewMaxConcurrency = new.Queue.MaxConcurrency
		d.NewMaxRetries = new.Queue.MaxRetries
	}

	// Playback knobs
	op, np := old.Playback, new.Playback
	if op.VolumeOrDefault() != np.VolumeOrDefault() || op.PlaybackRate != np.PlaybackRate ||
		op.AutoAdvanceOrDefault() != np.AutoAdvanceOrDefault() {
		d.PlaybackChanged = true
		d.NewVolume = np.VolumeOrDefault()
		d.NewRate = np.PlaybackRate
		d.NewAutoAdvance = np.AutoAdvanceOrDefault()
	}

	if old.Timeline.KeepLast != new.Timeline.KeepLast {
		d.KeepLastChanged = true
		d.NewKeepLast = new.Timeline.KeepLast
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Timeouts != new.Timeouts {
		d.RestartRequired = append(d.RestartRequired, "timeouts")
	}
	if op.Device != np.Device || op.PCMOutput != np.PCMOutput ||
		op.PCMSampleRate != np.PCMSampleRate || op.PCMChannels != np.PCMChannels {
		d.RestartRequired = append(d.RestartRequired, "playback.device")
	}
	if old.Snapshot != new.Snapshot {
		d.RestartRequired = append(d.RestartRequired, "snapshot")
	}
	if old.Artifacts != new.Artifacts {
		d.RestartRequired = append(d.RestartRequired, "artifacts")
	}

	return d
}

// sameProviders compares provider selection. Options maps are ignored.
func sameProviders(a, b ProvidersConfig) bool {
	same := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL && x.Model == y.Model
	}
	chain := func(x, y []ProviderEntry) bool {
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !same(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return same(a.Director, b.Director) && same(a.Image, b.Image) &&
		same(a.Speech, b.Speech) && same(a.Video, b.Video) &&
		chain(a.Fallbacks.Director, b.Fallbacks.Director) &&
		chain(a.Fallbacks.Image, b.Fallbacks.Image) &&
		chain(a.Fallbacks.Speech, b.Fallbacks.Speech) &&
		chain(a.Fallbacks.Video, b.Fallbacks.Video)
}
