package timeline

import (
	"time"

	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/state"
	"github.com/MrWong99/storyloom/pkg/types"
)

// Artifact is the media record of one modality on a [Turn].
//
// The payload fields (Data, URL, Format, Duration) are populated if and only
// if Status is [types.StatusReady]. Every mutation through [Store] preserves
// this coupling atomically.
type Artifact struct {
	// Status is the lifecycle state of the modality.
	Status types.MediaStatus `json:"status"`

	// Requested reports whether media for this modality was ever asked for.
	// Only requested modalities count towards turn completeness.
	Requested bool `json:"requested,omitempty"`

	// Data holds encoded image bytes or, for audio, interleaved int16 PCM.
	Data []byte `json:"data,omitempty"`

	// URL is where a published video can be fetched.
	URL string `json:"url,omitempty"`

	// Format describes Data for audio.
	Format audio.Format `json:"format,omitzero"`

	// Duration is the audio length at normal speed.
	Duration time.Duration `json:"duration,omitempty"`

	// LastError is the most recent failure message, set only in error state.
	LastError string `json:"lastError,omitempty"`

	// RetryCount is the retry count of the job that last settled this
	// artifact.
	RetryCount int `json:"retryCount"`
}

// HasPayload reports whether any payload field is set.
func (a Artifact) HasPayload() bool {
	return len(a.Data) > 0 || a.URL != "" || a.Duration > 0
}

// Clip returns the audio payload as a playable clip.
func (a Artifact) Clip() audio.Clip {
	return audio.Clip{PCM: a.Data, Format: a.Format, Length: a.Duration}
}

// clearPayload drops every payload field.
func (a *Artifact) clearPayload() {
	a.Data = nil
	a.URL = ""
	a.Format = audio.Format{}
	a.Duration = 0
}

// Payload is the result of a successful media job.
type Payload struct {
	Data     []byte
	URL      string
	Format   audio.Format
	Duration time.Duration
}

// Metadata is the coherence context captured when a turn is registered.
// It is never mutated afterwards.
type Metadata struct {
	LedgerSnapshot state.Ledger `json:"ledgerSnapshot"`
	Location       string       `json:"location,omitempty"`
	Characters     []string     `json:"characters,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
}

// Turn is one beat of the narrative plus its media.
type Turn struct {
	ID           string `json:"id"`
	Index        int    `json:"index"`
	Text         string `json:"text"`
	VisualPrompt string `json:"visualPrompt"`

	// Action is the player input that produced this turn; empty for the
	// opening turn.
	Action string `json:"action,omitempty"`

	// Choices are the options offered to the player after this turn.
	Choices []string `json:"choices,omitempty"`

	// Cinematic marks turns the director flagged for video.
	Cinematic bool `json:"cinematic,omitempty"`

	// --- Media ---
	Image Artifact `json:"image"`
	Audio Artifact `json:"audio"`
	Video Artifact `json:"video"`

	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
}

// Media returns a copy of the artifact record for modality m.
func (t *Turn) Media(m types.Modality) Artifact {
	if a := t.artifact(m); a != nil {
		return *a
	}
	return Artifact{}
}

func (t *Turn) artifact(m types.Modality) *Artifact {
	switch m {
	case types.ModalityImage:
		return &t.Image
	case types.ModalityAudio:
		return &t.Audio
	case types.ModalityVideo:
		return &t.Video
	default:
		return nil
	}
}

// Complete reports whether at least one modality was requested and every
// requested modality is ready.
func (t *Turn) Complete() bool {
	requested := 0
	for _, m := range types.Modalities {
		a := t.artifact(m)
		if !a.Requested {
			continue
		}
		requested++
		if a.Status != types.StatusReady {
			return false
		}
	}
	return requested > 0
}

// clone returns a copy safe to hand to callers. Payload byte slices are
// shared; they are never written after being attached.
func (t *Turn) clone() Turn {
	c := *t
	c.Choices = append([]string(nil), t.Choices...)
	c.Metadata.Characters = append([]string(nil), t.Metadata.Characters...)
	c.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	return c
}
