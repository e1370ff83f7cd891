package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/storyloom/pkg/provider/media"
)

// Default per-call timeouts applied by [MediaGuard].
const (
	DefaultImageTimeout  = 90 * time.Second
	DefaultSpeechTimeout = 45 * time.Second
	DefaultVideoTimeout  = 6 * time.Minute
)

// MediaTimeouts bounds each generator call. Zero values get defaults.
type MediaTimeouts struct {
	Image  time.Duration
	Speech time.Duration
	Video  time.Duration
}

func (t MediaTimeouts) withDefaults() MediaTimeouts {
	if t.Image <= 0 {
		t.Image = DefaultImageTimeout
	}
	if t.Speech <= 0 {
		t.Speech = DefaultSpeechTimeout
	}
	if t.Video <= 0 {
		t.Video = DefaultVideoTimeout
	}
	return t
}

// Compile-time interface assertion.
var _ media.Generator = (*MediaGuard)(nil)

// MediaGuard is a [media.Generator] that gives every modality its own chain
// of backends and a bounded call time. A hung service turns into an ordinary
// error after the timeout, which the media queue then retries.
//
// Backends are registered with the Add methods before first use. A modality
// without backends fails with [media.ErrUnsupported].
type MediaGuard struct {
	cfg      FallbackConfig
	timeouts MediaTimeouts

	images *FallbackGroup[media.ImageGenerator]
	speech *FallbackGroup[media.SpeechGenerator]
	video  *FallbackGroup[media.VideoGenerator]
}

// NewMediaGuard returns a guard without backends.
func NewMediaGuard(cfg FallbackConfig, timeouts MediaTimeouts) *MediaGuard {
	return &MediaGuard{cfg: cfg, timeouts: timeouts.withDefaults()}
}

// AddImage appends an image backend.
func (g *MediaGuard) AddImage(name string, gen media.ImageGenerator) {
	if g.images == nil {
		g.images = NewFallbackGroup(gen, "image/"+name, g.cfg)
		return
	}
	g.images.AddFallback("image/"+name, gen)
}

// AddSpeech appends a speech backend.
func (g *MediaGuard) AddSpeech(name string, gen media.SpeechGenerator) {
	if g.speech == nil {
		g.speech = NewFallbackGroup(gen, "speech/"+name, g.cfg)
		return
	}
	g.speech.AddFallback("speech/"+name, gen)
}

// AddVideo appends a video backend.
func (g *MediaGuard) AddVideo(name string, gen media.VideoGenerator) {
	if g.video == nil {
		g.video = NewFallbackGroup(gen, "video/"+name, g.cfg)
		return
	}
	g.video.AddFallback("video/"+name, gen)
}

// Backends returns the registered backend names per modality.
func (g *MediaGuard) Backends() map[string][]string {
	out := make(map[string][]string, 3)
	if g.images != nil {
		out["image"] = g.images.Names()
	}
	if g.speech != nil {
		out["speech"] = g.speech.Names()
	}
	if g.video != nil {
		out["video"] = g.video.Names()
	}
	return out
}

// Check reports an error when a registered modality has every breaker open.
// It serves as a readiness probe.
func (g *MediaGuard) Check(context.Context) error {
	switch {
	case g.images != nil && !g.images.Available():
		return fmt.Errorf("resilience: image backends unavailable: %w", ErrCircuitOpen)
	case g.speech != nil && !g.speech.Available():
		return fmt.Errorf("resilience: speech backends unavailable: %w", ErrCircuitOpen)
	case g.video != nil && !g.video.Available():
		return fmt.Errorf("resilience: video backends unavailable: %w", ErrCircuitOpen)
	}
	return nil
}

// GenerateImage implements [media.Generator].
func (g *MediaGuard) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if g.images == nil {
		return nil, media.ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Image)
	defer cancel()
	return ExecuteWithResult(ctx, g.images, func(gen media.ImageGenerator) ([]byte, error) {
		return gen.GenerateImage(ctx, prompt)
	})
}

// GenerateSpeech implements [media.Generator].
func (g *MediaGuard) GenerateSpeech(ctx context.Context, text string) (media.Speech, error) {
	if g.speech == nil {
		return media.Speech{}, media.ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Speech)
	defer cancel()
	return ExecuteWithResult(ctx, g.speech, func(gen media.SpeechGenerator) (media.Speech, error) {
		return gen.GenerateSpeech(ctx, text)
	})
}

// GenerateVideo implements [media.Generator].
func (g *MediaGuard) GenerateVideo(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	if g.video == nil {
		return nil, media.ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Video)
	defer cancel()
	return ExecuteWithResult(ctx, g.video, func(gen media.VideoGenerator) ([]byte, error) {
		return gen.GenerateVideo(ctx, image, prompt)
	})
}
