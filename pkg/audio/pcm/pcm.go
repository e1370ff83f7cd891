// Package pcm provides an [audio.Device] that streams paced 16-bit PCM frames
// to an output callback, in real time.
//
// Each voice runs its own dispatch goroutine. Clips are converted to the
// device format once at start; volume is applied per frame and playback rate
// is applied by resampling each frame, so a voice at rate 2 consumes its clip
// twice as fast while the output stays at the device's sample rate.
package pcm

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

const (
	// DefaultFrameDuration is the length of each emitted frame.
	DefaultFrameDuration = 20 * time.Millisecond
)

// DefaultFormat is the output format used when none is configured.
var DefaultFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Option configures a [Device] during construction.
type Option func(*Device)

// WithFormat sets the output format delivered to the callback.
func WithFormat(f audio.Format) Option {
	return func(d *Device) {
		if f.Valid() {
			d.format = f
		}
	}
}

// WithFrameDuration sets the pacing interval and frame length.
func WithFrameDuration(dur time.Duration) Option {
	return func(d *Device) {
		if dur > 0 {
			d.frameDur = dur
		}
	}
}

// Device streams audio to an output callback. All exported methods are safe
// for concurrent use.
type Device struct {
	output   func(audio.AudioFrame)
	format   audio.Format
	frameDur time.Duration

	mu     sync.Mutex
	voices map[*voice]struct{}
	closed bool
}

// New creates a [Device] delivering frames to output. output is called
// sequentially per voice and must not block for extended periods.
func New(output func(audio.AudioFrame), opts ...Option) *Device {
	d := &Device{
		output:   output,
		format:   DefaultFormat,
		frameDur: DefaultFrameDuration,
		voices:   make(map[*voice]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Format returns the output format of the device.
func (d *Device) Format() audio.Format { return d.format }

// Start implements [audio.Device].
func (d *Device) Start(clip audio.Clip, offset time.Duration, p audio.Params) (audio.Voice, error) {
	p = p.Normalize()
	conv := audio.FormatConverter{Target: d.format}
	pcm := conv.Convert(clip.PCM, clip.Format)

	bps := d.format.BytesPerSecond()
	pos := d.align(int(int64(offset) * int64(bps) / int64(time.Second)))
	if pos < 0 {
		pos = 0
	}
	if pos > len(pcm) {
		pos = len(pcm)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, audio.ErrDeviceClosed
	}

	v := &voice{
		dev:    d,
		pcm:    pcm,
		pos:    pos,
		volume: p.Volume,
		rate:   p.Rate,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.voices[v] = struct{}{}
	go v.dispatch()
	return v, nil
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

func (d *Device) align(n int) int {
	frame := d.format.Channels * 2
	return n - n%frame
}

func (d *Device) release(v *voice) {
	d.mu.Lock()
	delete(d.voices, v)
	d.mu.Unlock()
}

type voice struct {
	dev *Device
	pcm []byte

	mu        sync.Mutex
	pos       int // byte offset into pcm
	volume    float64
	rate      float64
	completed bool

	cancel   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// dispatch streams frames until the clip ends or the voice is stopped.
func (v *voice) dispatch() {
	defer close(v.done)
	defer v.dev.release(v)

	ticker := time.NewTicker(v.dev.frameDur)
	defer ticker.Stop()

	f := v.dev.format
	frameBytes := v.dev.align(int(int64(v.dev.frameDur) * int64(f.BytesPerSecond()) / int64(time.Second)))
	if frameBytes <= 0 {
		frameBytes = f.Channels * 2
	}

	for {
		v.mu.Lock()
		want := v.dev.align(int(float64(frameBytes) * v.rate))
		if want <= 0 {
			want = f.Channels * 2
		}
		end := min(v.pos+want, len(v.pcm))
		chunk := v.pcm[v.pos:end]
		ts := time.Duration(int64(v.pos) * int64(time.Second) / int64(f.BytesPerSecond()))
		v.pos = end
		gain, rate := v.volume, v.rate
		v.mu.Unlock()

		if len(chunk) == 0 {
			v.mu.Lock()
			v.completed = true
			v.mu.Unlock()
			return
		}

		out := audio.ApplyGain(chunk, gain)
		if rate != 1 {
			out = audio.Resample16(out, f.Channels, int(float64(f.SampleRate)*rate), f.SampleRate)
		}
		v.dev.output(audio.AudioFrame{Data: out, SampleRate: f.SampleRate, Channels: f.Channels, Timestamp: ts})

		select {
		case <-v.cancel:
			return
		case <-ticker.C:
		}
	}
}

func (v *voice) Position() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return time.Duration(int64(v.pos) * int64(time.Second) / int64(v.dev.format.BytesPerSecond()))
}

func (v *voice) SetVolume(vol float64) {
	p := audio.Params{Volume: vol, Rate: 1}.Normalize()
	v.mu.Lock()
	v.volume = p.Volume
	v.mu.Unlock()
}

func (v *voice) SetRate(r float64) {
	p := audio.Params{Volume: 1, Rate: r}.Normalize()
	v.mu.Lock()
	v.rate = p.Rate
	v.mu.Unlock()
}

func (v *voice) Stop() {
	v.stopOnce.Do(func() { close(v.cancel) })
	<-v.done
}

func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) Completed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.completed
}
