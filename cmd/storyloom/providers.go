package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/storyloom/internal/app"
	"github.com/MrWong99/storyloom/internal/config"
	"github.com/MrWong99/storyloom/pkg/provider/llm"
	"github.com/MrWong99/storyloom/pkg/provider/llm/anyllm"
	"github.com/MrWong99/storyloom/pkg/provider/media"
	"github.com/MrWong99/storyloom/pkg/provider/media/coqui"
	"github.com/MrWong99/storyloom/pkg/provider/media/elevenlabs"
	"github.com/MrWong99/storyloom/pkg/provider/media/openai"
	"github.com/MrWong99/storyloom/pkg/provider/media/videoworker"
)

// builtinProviders maps provider kinds to the implementations that ship with
// storyloom. Used for startup logging.
var builtinProviders = map[string][]string{
	"director": anyllm.SupportedProviders,
	"image":    {"openai"},
	"speech":   {"openai", "elevenlabs", "coqui"},
	"video":    {"videoworker"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Director ──────────────────────────────────────────────────────────────
	for _, providerName := range anyllm.SupportedProviders {
		reg.RegisterDirector(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; it uses BaseURL for the address, not an API key.
			if entry.APIKey != "" && providerName != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ── Image ─────────────────────────────────────────────────────────────────

	reg.RegisterImage("openai", func(entry config.ProviderEntry) (media.ImageGenerator, error) {
		opts := []openai.Option{openai.WithImageModel(entry.Model)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if size := entry.Option("size", ""); size != "" {
			opts = append(opts, openai.WithImageSize(size))
		}
		return openai.New(entry.APIKey, opts...)
	})

	// ── Speech ────────────────────────────────────────────────────────────────

	reg.RegisterSpeech("openai", func(entry config.ProviderEntry) (media.SpeechGenerator, error) {
		opts := []openai.Option{openai.WithSpeechModel(entry.Model)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.Option("voice", ""); voice != "" {
			opts = append(opts, openai.WithVoice(voice))
		}
		speed, err := optFloat(entry.Options, "speed")
		if err != nil {
			return nil, err
		}
		if speed > 0 {
			opts = append(opts, openai.WithSpeed(speed))
		}
		return openai.New(entry.APIKey, opts...)
	})

	reg.RegisterSpeech("elevenlabs", func(entry config.ProviderEntry) (media.SpeechGenerator, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.Option("output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, entry.Option("voice_id", ""), opts...)
	})

	reg.RegisterSpeech("coqui", func(entry config.ProviderEntry) (media.SpeechGenerator, error) {
		var opts []coqui.Option
		if lang := entry.Option("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if speaker := entry.Option("speaker", ""); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		if mode := entry.Option("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Video ─────────────────────────────────────────────────────────────────

	reg.RegisterVideo("videoworker", func(entry config.ProviderEntry) (media.VideoGenerator, error) {
		var opts []videoworker.Option
		if v := entry.Option("poll_interval", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("videoworker: poll_interval: %w", err)
			}
			opts = append(opts, videoworker.WithPollInterval(d))
		}
		if v := entry.Option("job_timeout", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("videoworker: job_timeout: %w", err)
			}
			opts = append(opts, videoworker.WithJobTimeout(d))
		}
		return videoworker.New(entry.BaseURL, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the primary and fallback providers named in
// cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p := cfg.Providers
	fb := p.Fallbacks
	ps := &app.Providers{}
	var err error

	if ps.Director, err = buildChain("director", p.Director, fb.Director, reg.CreateDirector); err != nil {
		return nil, err
	}
	if ps.Image, err = buildChain("image", p.Image, fb.Image, reg.CreateImage); err != nil {
		return nil, err
	}
	if ps.Speech, err = buildChain("speech", p.Speech, fb.Speech, reg.CreateSpeech); err != nil {
		return nil, err
	}
	if ps.Video, err = buildChain("video", p.Video, fb.Video, reg.CreateVideo); err != nil {
		return nil, err
	}
	return ps, nil
}

// buildChain creates the primary and its fallbacks in order. Entries whose
// name is not registered are skipped.
func buildChain[T any](kind string, primary config.ProviderEntry, fallbacks []config.ProviderEntry,
	create func(config.ProviderEntry) (T, error),
) ([]app.Named[T], error) {
	if primary.Name == "" {
		return nil, nil
	}
	var chain []app.Named[T]
	for _, entry := range append([]config.ProviderEntry{primary}, fallbacks...) {
		p, err := create(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not registered; skipping", "kind", kind, "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
		}
		chain = append(chain, app.Named[T]{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", kind, "name", entry.Name, "fallback", len(chain) > 1)
	}
	return chain, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFloat extracts a number from a provider Options map. YAML decodes
// numbers as int or float64; strings are parsed. A missing key yields 0.
func optFloat(opts map[string]any, key string) (float64, error) {
	switch v := opts[key].(type) {
	case nil:
		return 0, nil
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("option %s: unsupported type %T", key, v)
	}
}
