// Package clock provides a virtual [audio.Device] that produces no sound but
// keeps exact playback timing. It backs headless sessions and tests: voices
// advance with the wall clock, honour rate changes, and end when their clip
// would have finished playing.
package clock

import (
	"sync"
	"time"

	"github.com/MrWong99/storyloom/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ audio.Voice  = (*voice)(nil)
)

// Device is a virtual audio output. All methods are safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	voices map[*voice]struct{}
	starts int
	closed bool
}

// New returns an open [Device].
func New() *Device {
	return &Device{voices: make(map[*voice]struct{})}
}

// Start implements [audio.Device].
func (d *Device) Start(clip audio.Clip, offset time.Duration, p audio.Params) (audio.Voice, error) {
	p = p.Normalize()
	length := clip.Duration()
	if offset < 0 {
		offset = 0
	}
	if offset > length {
		offset = length
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, audio.ErrDeviceClosed
	}

	v := &voice{
		dev:    d,
		length: length,
		base:   offset,
		anchor: time.Now(),
		rate:   p.Rate,
		volume: p.Volume,
		done:   make(chan struct{}),
	}
	v.timer = time.AfterFunc(v.remainingLocked(), v.finish)
	d.voices[v] = struct{}{}
	d.starts++
	return v, nil
}

// Active returns the number of voices currently playing.
func (d *Device) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}

// Starts returns the total number of voices ever started.
func (d *Device) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	live := make([]*voice, 0, len(d.voices))
	for v := range d.voices {
		live = append(live, v)
	}
	d.mu.Unlock()

	for _, v := range live {
		v.Stop()
	}
	return nil
}

func (d *Device) release(v *voice) {
	d.mu.Lock()
	delete(d.voices, v)
	d.mu.Unlock()
}

type voice struct {
	dev    *Device
	length time.Duration

	mu        sync.Mutex
	base      time.Duration // position at anchor
	anchor    time.Time
	rate      float64
	volume    float64
	timer     *time.Timer
	ended     bool
	completed bool
	done      chan struct{}
}

// positionLocked must be called with v.mu held.
func (v *voice) positionLocked() time.Duration {
	if v.ended {
		return v.base
	}
	pos := v.base + time.Duration(float64(time.Since(v.anchor))*v.rate)
	if pos > v.length {
		pos = v.length
	}
	return pos
}

func (v *voice) remainingLocked() time.Duration {
	return time.Duration(float64(v.length-v.base) / v.rate)
}

func (v *voice) Position() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

func (v *voice) SetVolume(vol float64) {
	p := audio.Params{Volume: vol, Rate: 1}.Normalize()
	v.mu.Lock()
	v.volume = p.Volume
	v.mu.Unlock()
}

// Volume returns the current gain. Exposed for tests through [VolumeOf].
func (v *voice) Volume() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volume
}

func (v *voice) SetRate(r float64) {
	p := audio.Params{Volume: 1, Rate: r}.Normalize()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return
	}
	v.base = v.positionLocked()
	v.anchor = time.Now()
	v.rate = p.Rate
	v.timer.Reset(v.remainingLocked())
}

func (v *voice) Stop() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	v.base = v.positionLocked()
	v.ended = true
	v.timer.Stop()
	v.mu.Unlock()
	v.dev.release(v)
	close(v.done)
}

func (v *voice) finish() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	// A rate change may have pushed the end out; the reset timer will fire again.
	if v.positionLocked() < v.length && v.remainingAfterNow() > 0 {
		v.mu.Unlock()
		return
	}
	v.base = v.length
	v.ended = true
	v.completed = true
	v.mu.Unlock()
	v.dev.release(v)
	close(v.done)
}

// remainingAfterNow must be called with v.mu held.
func (v *voice) remainingAfterNow() time.Duration {
	return time.Duration(float64(v.length-v.positionLocked())/v.rate) - time.Millisecond
}

func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) Completed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.completed
}

// VolumeOf returns the gain of a voice started by a clock [Device], and false
// for any other voice.
func VolumeOf(v audio.Voice) (float64, bool) {
	cv, ok := v.(*voice)
	if !ok {
		return 0, false
	}
	return cv.Volume(), true
}

// RateOf returns the speed of a voice started by a clock [Device], and false
// for any other voice.
func RateOf(v audio.Voice) (float64, bool) {
	cv, ok := v.(*voice)
	if !ok {
		return 0, false
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.rate, true
}
