package audio

import "time"

// Params are the live playback parameters applied to a [Voice].
type Params struct {
	// Volume is a linear gain in [0, 1].
	Volume float64

	// Rate is the playback speed multiplier; 1 is normal speed.
	Rate float64
}

// Normalize clamps volume into [0, 1] and replaces a non-positive rate with 1.
func (p Params) Normalize() Params {
	if p.Volume < 0 || p.Volume != p.Volume {
		p.Volume = 0
	}
	if p.Volume > 1 {
		p.Volume = 1
	}
	if p.Rate <= 0 || p.Rate != p.Rate {
		p.Rate = 1
	}
	return p
}

// Device is an exclusive audio output. Callers are responsible for stopping
// the previous [Voice] before starting the next one; a device does not mix.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Start begins playing clip from offset with the given parameters. The
	// returned voice is already audible when Start returns.
	Start(clip Clip, offset time.Duration, p Params) (Voice, error)

	// Close stops every voice started on the device and releases it. Close is
	// idempotent.
	Close() error
}

// Voice is one playback of a clip.
//
// Implementations must be safe for concurrent use.
type Voice interface {
	// Position returns the current offset into the clip.
	Position() time.Duration

	// SetVolume changes the gain of the running voice.
	SetVolume(v float64)

	// SetRate changes the speed of the running voice.
	SetRate(r float64)

	// Stop halts the voice and releases its resources. It is idempotent and
	// returns only after the voice is silent.
	Stop()

	// Done is closed when the voice has ended, either naturally or by Stop.
	Done() <-chan struct{}

	// Completed reports whether the voice reached the end of its clip. It is
	// only meaningful after Done is closed.
	Completed() bool
}
