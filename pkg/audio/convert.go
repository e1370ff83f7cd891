package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FormatConverter converts PCM chunks to a target format. It logs once on the
// first format mismatch and once on the first misaligned chunk.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns pcm (in format src) converted to c.Target. When the formats
// already match, pcm is returned unchanged. Resampling runs before channel
// conversion so that stereo→mono input is resampled at half the cost.
func (c *FormatConverter) Convert(pcm []byte, src Format) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM chunk, dropping", "bytes", len(pcm), "format", src.String())
		})
		return nil
	}
	if src == c.Target || !src.Valid() || !c.Target.Valid() {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting format", "from", src.String(), "to", c.Target.String())
	})

	if src.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	}
	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// String renders f as e.g. "24000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

func sample(pcm []byte, i int) int32 {
	return int32(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
}

func putSample(pcm []byte, i int, v int32) {
	if v > math.MaxInt16 {
		v = math.MaxInt16
	} else if v < math.MinInt16 {
		v = math.MinInt16
	}
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sample(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		putSample(out, i, (sample(pcm, 2*i)+sample(pcm, 2*i+1))/2)
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. Invalid rates and
// equal rates return pcm unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / 2 / channels
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int32(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// ApplyGain returns a copy of pcm with every sample scaled by gain and
// clamped to the int16 range. A gain of 1 returns pcm unchanged.
func ApplyGain(pcm []byte, gain float64) []byte {
	if gain == 1 {
		return pcm
	}
	out := make([]byte, len(pcm)&^1)
	for i := range len(out) / 2 {
		putSample(out, i, int32(math.Round(float64(sample(pcm, i))*gain)))
	}
	return out
}
