// Package snapshot persists a whole session as one versioned blob.
//
// A [Snapshot] holds the ledger, the relationship graph, and the timeline
// turns with their cursor. [Encode] and [Decode] convert it to and from a
// JSON document tagged with [Version]. Decoding rehydrates media state for a
// fresh session: jobs that were queued or running when the snapshot was taken
// are not resumed, so their modalities come back as idle.
//
// A [Store] keeps one blob per session key. Backends: [FileStore] (one file
// per key), [RedisStore] (one string value per key), [PostgresStore] (one row
// per key) and [MemoryStore].
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/state"
	"github.com/MrWong99/storyloom/pkg/types"
)

// Version is the blob format written by [Encode].
const Version = 1

// DefaultKey is the session key used when none is configured.
const DefaultKey = "storyloom:session"

var (
	// ErrNotFound is returned when no snapshot exists for a key.
	ErrNotFound = errors.New("snapshot: not found")

	// ErrCorrupt is returned for blobs that cannot be decoded or fail
	// validation.
	ErrCorrupt = errors.New("snapshot: corrupt")

	// ErrUnsupportedVersion is returned for blobs written by a newer format.
	ErrUnsupportedVersion = errors.New("snapshot: unsupported version")
)

// Snapshot is everything needed to resume a session.
type Snapshot struct {
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"savedAt"`
	Ledger   state.Ledger    `json:"ledger"`
	Graph    state.Graph     `json:"graph"`
	Timeline timeline.Export `json:"timeline"`
}

// Store keeps one snapshot blob per key.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save writes blob under key, replacing any previous blob.
	Save(ctx context.Context, key string, blob []byte) error

	// Load returns the blob stored under key, or [ErrNotFound].
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob under key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// Encode serialises s with the current [Version].
func Encode(s Snapshot) ([]byte, error) {
	s.Version = Version
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now().UTC()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return b, nil
}

// Decode parses and validates a blob and rehydrates its media state. Ledger
// values are clamped and dangling graph edges dropped.
func Decode(blob []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(blob)) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty blob", ErrCorrupt)
	}

	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(blob, &head); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	switch {
	case head.Version <= 0:
		return Snapshot{}, fmt.Errorf("%w: missing version", ErrCorrupt)
	case head.Version > Version:
		return Snapshot{}, fmt.Errorf("%w: %d (max %d)", ErrUnsupportedVersion, head.Version, Version)
	}

	var s Snapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	// Validate ordering and ids with a scratch store before handing it out.
	if err := timeline.New().Restore(s.Timeline); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	s.Ledger = s.Ledger.Clamp()
	s.Graph = state.ReconcileGraph(state.Graph{}, state.GraphDelta{
		NodesAdded: s.Graph.Nodes,
		EdgesAdded: s.Graph.Edges,
	})
	for i := range s.Timeline.Turns {
		rehydrate(&s.Timeline.Turns[i])
	}
	return s, nil
}

// rehydrate resets media that was queued or running to idle and restores the
// status/payload coupling on every artifact.
func rehydrate(t *timeline.Turn) {
	for _, a := range []*timeline.Artifact{&t.Image, &t.Audio, &t.Video} {
		switch a.Status {
		case types.StatusPending, types.StatusInProgress:
			a.Status = types.StatusIdle
		case types.StatusReady:
			if !a.HasPayload() {
				a.Status = types.StatusIdle
			}
		case types.StatusError:
		default:
			a.Status = types.StatusIdle
		}
		if a.Status != types.StatusReady {
			a.Data = nil
			a.URL = ""
			a.Duration = 0
			a.Format = audio.Format{}
		}
		if a.Status != types.StatusError {
			a.LastError = ""
		}
	}
}
