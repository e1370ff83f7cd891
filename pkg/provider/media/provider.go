// Package media defines the generator interfaces for turn media artifacts.
//
// A generator wraps an external service that turns a prompt into bytes: a
// still image, synthesised speech, or a short video animated from an image.
// Calls are slow (seconds to minutes) and may fail for transient or permanent
// reasons indistinguishably; callers own retry policy. Implementations must
// honour ctx cancellation so that a bounded timeout at the call site turns a
// hung request into an ordinary error.
//
// Implementations must be safe for concurrent use.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/storyloom/pkg/audio"
)

// ErrUnsupported is returned by a [Generator] built with [Compose] when the
// requested modality has no backend.
var ErrUnsupported = errors.New("media: modality not supported")

// ErrEmptyPayload is returned by backends whose service answered successfully
// but without any content.
var ErrEmptyPayload = errors.New("media: empty payload")

// ImageGenerator renders a still image from a visual prompt.
type ImageGenerator interface {
	// GenerateImage returns encoded image bytes (PNG or JPEG).
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// Speech is synthesised narration.
type Speech struct {
	// Audio holds interleaved little-endian int16 PCM.
	Audio []byte

	// Format describes Audio.
	Format audio.Format

	// Duration is the playback length at normal speed.
	Duration time.Duration
}

// Clip returns the speech as a playable [audio.Clip].
func (s Speech) Clip() audio.Clip {
	return audio.Clip{PCM: s.Audio, Format: s.Format, Length: s.Duration}
}

// SpeechGenerator synthesises narration from text.
type SpeechGenerator interface {
	GenerateSpeech(ctx context.Context, text string) (Speech, error)
}

// VideoGenerator animates a still image into a short clip.
type VideoGenerator interface {
	// GenerateVideo returns encoded video bytes (typically MP4). The call may
	// involve long server-side polling; it returns when the clip is final.
	GenerateVideo(ctx context.Context, image []byte, prompt string) ([]byte, error)
}

// Generator is the full media capability consumed by the media queue.
type Generator interface {
	ImageGenerator
	SpeechGenerator
	VideoGenerator
}

// Compose assembles a [Generator] from per-modality backends. Any argument may
// be nil, in which case that modality fails with [ErrUnsupported].
func Compose(img ImageGenerator, speech SpeechGenerator, video VideoGenerator) Generator {
	return composite{img: img, speech: speech, video: video}
}

type composite struct {
	img    ImageGenerator
	speech SpeechGenerator
	video  VideoGenerator
}

func (c composite) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if c.img == nil {
		return nil, ErrUnsupported
	}
	return c.img.GenerateImage(ctx, prompt)
}

func (c composite) GenerateSpeech(ctx context.Context, text string) (Speech, error) {
	if c.speech == nil {
		return Speech{}, ErrUnsupported
	}
	return c.speech.GenerateSpeech(ctx, text)
}

func (c composite) GenerateVideo(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	if c.video == nil {
		return nil, ErrUnsupported
	}
	return c.video.GenerateVideo(ctx, image, prompt)
}

// SpeechFromPCM builds a [Speech] from raw PCM, deriving the duration from the
// data length.
func SpeechFromPCM(pcm []byte, f audio.Format) Speech {
	return Speech{
		Audio:    pcm,
		Format:   f,
		Duration: audio.Clip{PCM: pcm, Format: f}.Duration(),
	}
}
