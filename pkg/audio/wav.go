package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of the canonical 44-byte PCM WAV header written by
// [EncodeWAV].
const wavHeaderSize = 44

// DecodeWAV parses a RIFF/WAVE container and returns the raw PCM it holds.
// Only 16-bit PCM is supported. The returned clip shares memory with wav.
func DecodeWAV(wav []byte) (Clip, error) {
	if len(wav) < 12 {
		return Clip{}, errors.New("audio: wav: too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return Clip{}, errors.New("audio: wav: missing RIFF/WAVE header")
	}

	var (
		f       Format
		sawFmt  bool
		bitsPer = 16
	)
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return Clip{}, errors.New("audio: wav: truncated fmt chunk")
			}
			f.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			bitsPer = int(binary.LittleEndian.Uint16(wav[body+14 : body+16]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return Clip{}, errors.New("audio: wav: data chunk before fmt chunk")
			}
			if bitsPer != 16 {
				return Clip{}, fmt.Errorf("audio: wav: unsupported bit depth %d", bitsPer)
			}
			end := body + size
			// Streaming encoders write a 0 or 0xFFFFFFFF size; take the rest.
			if size == 0 || end > len(wav) {
				end = len(wav)
			}
			pcm := wav[body:end]
			if len(pcm)%2 != 0 {
				pcm = pcm[:len(pcm)-1]
			}
			return Clip{PCM: pcm, Format: f}, nil
		}

		off = body + size
		if size%2 != 0 {
			off++
		}
	}
	return Clip{}, errors.New("audio: wav: missing data chunk")
}

// EncodeWAV wraps 16-bit PCM in a canonical RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(f.Channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}
