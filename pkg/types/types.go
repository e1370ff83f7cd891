// Package types defines the shared types used across all storyloom packages.
//
// These types form the lingua franca between the timeline, the media queue,
// playback, and the provider adapters. Each package defines its own domain
// types, but cross-cutting enums live here to avoid circular imports.
package types

import "fmt"

// Modality identifies one kind of generated media artifact attached to a turn.
type Modality int

const (
	// ModalityImage is a still portrait rendered from the turn's visual prompt.
	ModalityImage Modality = iota

	// ModalityAudio is narrated speech synthesised from the turn's text.
	ModalityAudio

	// ModalityVideo is a short clip animated from the turn's ready image.
	ModalityVideo
)

// Modalities lists every modality in canonical order.
var Modalities = [...]Modality{ModalityImage, ModalityAudio, ModalityVideo}

// String returns the lower-case name of the modality.
func (m Modality) String() string {
	switch m {
	case ModalityImage:
		return "image"
	case ModalityAudio:
		return "audio"
	case ModalityVideo:
		return "video"
	default:
		return fmt.Sprintf("modality(%d)", int(m))
	}
}

// IsValid reports whether m is one of the known modalities.
func (m Modality) IsValid() bool {
	return m >= ModalityImage && m <= ModalityVideo
}

// ParseModality converts a name produced by [Modality.String] back into a
// Modality.
func ParseModality(s string) (Modality, error) {
	switch s {
	case "image":
		return ModalityImage, nil
	case "audio":
		return ModalityAudio, nil
	case "video":
		return ModalityVideo, nil
	}
	return 0, fmt.Errorf("types: unknown modality %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (m Modality) MarshalText() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("types: invalid modality %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *Modality) UnmarshalText(b []byte) error {
	v, err := ParseModality(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MediaStatus is the lifecycle state of one modality of one turn.
//
//	idle → pending → in_progress → ready
//	                             → error → (retry) idle → pending …
type MediaStatus int

const (
	// StatusIdle means nothing has been requested, or a retry/regenerate has
	// cleared the previous attempt.
	StatusIdle MediaStatus = iota

	// StatusPending means a job is queued but not yet dispatched.
	StatusPending

	// StatusInProgress means a job has been handed to the generator.
	StatusInProgress

	// StatusReady means the payload is attached.
	StatusReady

	// StatusError means the last attempt failed; see the artifact's LastError.
	StatusError
)

// String returns the wire name of the status.
func (s MediaStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsValid reports whether s is a recognised status.
func (s MediaStatus) IsValid() bool {
	return s >= StatusIdle && s <= StatusError
}

// InFlight reports whether s belongs to a job that is queued or running.
func (s MediaStatus) InFlight() bool {
	return s == StatusPending || s == StatusInProgress
}

// MarshalText implements [encoding.TextMarshaler].
func (s MediaStatus) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("types: invalid media status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *MediaStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StatusIdle
	case "pending":
		*s = StatusPending
	case "in_progress":
		*s = StatusInProgress
	case "ready":
		*s = StatusReady
	case "error":
		*s = StatusError
	default:
		return fmt.Errorf("types: unknown media status %q", b)
	}
	return nil
}
