// Package audio defines the owned audio-output resource used by playback and
// the PCM helpers shared by speech providers.
//
// The two primary abstractions are:
//
//   - [Device]: an exclusive output handle. It is opened once per session and
//     closed on reset; it starts voices from decoded [Clip]s.
//   - [Voice]: one active playback of a clip on a device. A voice tracks its
//     own position, accepts live volume/rate changes, and reports whether it
//     ran to the end or was stopped.
//
// Implementations live in sub-packages: audio/clock (virtual timing, no sound
// hardware) and audio/pcm (paced PCM streaming to a sink).
package audio

import (
	"errors"
	"time"
)

// ErrDeviceClosed is returned by [Device.Start] after the device was closed.
var ErrDeviceClosed = errors.New("audio: device closed")

// Format describes the sample rate and channel count of 16-bit PCM audio.
type Format struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
}

// Valid reports whether f describes a playable format.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond returns the PCM data rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Clip is a fully decoded piece of audio ready to be played.
type Clip struct {
	// PCM holds interleaved little-endian int16 samples.
	PCM []byte

	// Format describes PCM.
	Format Format

	// Length overrides the duration derived from PCM. Used when the payload
	// is not raw PCM (for example when only the reported duration is known).
	Length time.Duration
}

// Duration returns the playback length of the clip at normal speed.
func (c Clip) Duration() time.Duration {
	if c.Length > 0 {
		return c.Length
	}
	bps := c.Format.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(len(c.PCM)) * int64(time.Second) / int64(bps))
}

// AudioFrame is one chunk of PCM written to an output sink.
type AudioFrame struct {
	// Data holds interleaved int16 samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the frame's offset from the start of the clip.
	Timestamp time.Duration
}
