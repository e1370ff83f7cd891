// Package mock provides a test double for the media.Generator interface.
//
// Results are scripted per modality and consumed in call order; once a script
// is exhausted every further call succeeds with a small default payload. A
// non-nil Gate makes each call block until the test releases it, which lets
// tests observe jobs while they are in flight.
//
// Example:
//
//	g := &mock.Generator{
//	    ImageResults: []mock.Result{{Err: errors.New("boom")}},
//	}
//	_, err := g.GenerateImage(ctx, "a lighthouse") // boom
//	b, _ := g.GenerateImage(ctx, "a lighthouse")   // default payload
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/provider/media"
)

// Compile-time interface assertion.
var _ media.Generator = (*Generator)(nil)

// DefaultSpeechFormat is the format of the default speech payload.
var DefaultSpeechFormat = audio.Format{SampleRate: 8000, Channels: 1}

// DefaultSpeechDuration is the length of the default speech payload.
const DefaultSpeechDuration = 50 * time.Millisecond

// Result scripts the outcome of one call.
type Result struct {
	// Data is returned by GenerateImage and GenerateVideo.
	Data []byte

	// Speech is returned by GenerateSpeech.
	Speech media.Speech

	// Err, if non-nil, is returned instead of a payload.
	Err error

	// Delay is slept (honouring ctx) before returning.
	Delay time.Duration
}

// ImageCall records a single invocation of GenerateImage.
type ImageCall struct {
	Prompt string
}

// SpeechCall records a single invocation of GenerateSpeech.
type SpeechCall struct {
	Text string
}

// VideoCall records a single invocation of GenerateVideo.
type VideoCall struct {
	Image  []byte
	Prompt string
}

// Generator is a mock implementation of media.Generator.
type Generator struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ImageResults scripts GenerateImage outcomes in call order.
	ImageResults []Result

	// SpeechResults scripts GenerateSpeech outcomes in call order.
	SpeechResults []Result

	// VideoResults scripts GenerateVideo outcomes in call order.
	VideoResults []Result

	// Gate, if non-nil, must yield one value per call before the call
	// proceeds.
	Gate chan struct{}

	// --- Call records ---

	ImageCalls  []ImageCall
	SpeechCalls []SpeechCall
	VideoCalls  []VideoCall

	inFlight    int
	maxInFlight int
}

// GenerateImage implements media.Generator.
func (g *Generator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	g.mu.Lock()
	g.ImageCalls = append(g.ImageCalls, ImageCall{Prompt: prompt})
	r, scripted := pop(&g.ImageResults)
	g.mu.Unlock()

	if err := g.enter(ctx, r.Delay); err != nil {
		return nil, err
	}
	defer g.leave()
	if r.Err != nil {
		return nil, r.Err
	}
	if !scripted || r.Data == nil {
		return []byte("image:" + prompt), nil
	}
	return r.Data, nil
}

// GenerateSpeech implements media.Generator.
func (g *Generator) GenerateSpeech(ctx context.Context, text string) (media.Speech, error) {
	g.mu.Lock()
	g.SpeechCalls = append(g.SpeechCalls, SpeechCall{Text: text})
	r, scripted := pop(&g.SpeechResults)
	g.mu.Unlock()

	if err := g.enter(ctx, r.Delay); err != nil {
		return media.Speech{}, err
	}
	defer g.leave()
	if r.Err != nil {
		return media.Speech{}, r.Err
	}
	if !scripted || r.Speech.Audio == nil {
		return DefaultSpeech(), nil
	}
	return r.Speech, nil
}

// GenerateVideo implements media.Generator.
func (g *Generator) GenerateVideo(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	g.mu.Lock()
	g.VideoCalls = append(g.VideoCalls, VideoCall{Image: append([]byte(nil), image...), Prompt: prompt})
	r, scripted := pop(&g.VideoResults)
	g.mu.Unlock()

	if err := g.enter(ctx, r.Delay); err != nil {
		return nil, err
	}
	defer g.leave()
	if r.Err != nil {
		return nil, r.Err
	}
	if !scripted || r.Data == nil {
		return []byte("video:" + prompt), nil
	}
	return r.Data, nil
}

// MaxInFlight returns the highest number of calls ever running at once.
func (g *Generator) MaxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}

// InFlight returns the number of calls currently running.
func (g *Generator) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Calls returns the number of calls made so far for each modality.
func (g *Generator) Calls() (image, speech, video int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ImageCalls), len(g.SpeechCalls), len(g.VideoCalls)
}

// DefaultSpeech returns the payload used when no speech result is scripted.
func DefaultSpeech() media.Speech {
	n := int(int64(DefaultSpeechDuration) * int64(DefaultSpeechFormat.BytesPerSecond()) / int64(time.Second))
	return media.SpeechFromPCM(make([]byte, n), DefaultSpeechFormat)
}

func (g *Generator) enter(ctx context.Context, delay time.Duration) error {
	g.mu.Lock()
	g.inFlight++
	g.maxInFlight = max(g.maxInFlight, g.inFlight)
	gate := g.Gate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			g.leave()
			return ctx.Err()
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			g.leave()
			return ctx.Err()
		}
	}
	return nil
}

func (g *Generator) leave() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
}

func pop(rs *[]Result) (Result, bool) {
	if len(*rs) == 0 {
		return Result{}, false
	}
	r := (*rs)[0]
	*rs = (*rs)[1:]
	return r, true
}
