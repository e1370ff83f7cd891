package game

import (
	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/types"
)

// MediaPolicy decides which modalities a new turn asks for.
type MediaPolicy struct {
	// Image requests a still image for every turn.
	Image bool

	// Audio requests narration for every turn.
	Audio bool

	// VideoEvery requests a video for every Nth turn (1-based). Zero limits
	// video to turns the director marked cinematic.
	VideoEvery int
}

// DefaultMediaPolicy requests image and audio for every turn and video only
// for cinematic turns.
func DefaultMediaPolicy() MediaPolicy {
	return MediaPolicy{Image: true, Audio: true}
}

// Initial returns the modalities enqueued right after t is registered. Video
// is never among them: it waits for the image.
func (p MediaPolicy) Initial() []types.Modality {
	var ms []types.Modality
	if p.Image {
		ms = append(ms, types.ModalityImage)
	}
	if p.Audio {
		ms = append(ms, types.ModalityAudio)
	}
	return ms
}

// WantsVideo reports whether t should get a video once its image is ready.
func (p MediaPolicy) WantsVideo(t timeline.Turn) bool {
	if !p.Image {
		return false
	}
	if t.Cinematic {
		return true
	}
	return p.VideoEvery > 0 && (t.Index+1)%p.VideoEvery == 0
}
