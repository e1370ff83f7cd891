// Package game drives one interactive-fiction session.
//
// A [Session] owns the protagonist's ledger and relationship graph and runs
// the turn loop: the player's action goes to the director, the returned
// deltas are merged into the state, the narrative is registered as a new
// turn on the timeline and its media is handed to the queue. Narration is
// cued on the playback controller and starts once the turn's audio is ready.
//
// Collaborator failures never leave the loop. A failed director call becomes
// a fallback turn, failed media stays on the turn as an error status, and a
// snapshot that cannot be read is reported while the running session stays
// as it was.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/storyloom/internal/director"
	"github.com/MrWong99/storyloom/internal/mediaqueue"
	"github.com/MrWong99/storyloom/internal/observe"
	"github.com/MrWong99/storyloom/internal/snapshot"
	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/state"
	"github.com/MrWong99/storyloom/pkg/types"
)

// DefaultOpening is the action sent to the director for the first turn.
const DefaultOpening = "Begin the story."

// DefaultHistory is the number of past turns sent with each director call.
const DefaultHistory = 8

var (
	// ErrNoSnapshots is returned by Save and Load on a session built without
	// a snapshot store.
	ErrNoSnapshots = errors.New("game: no snapshot store configured")

	// ErrNoChoice is returned by Choose for an index outside the current
	// turn's choices.
	ErrNoChoice = errors.New("game: no such choice")
)

// MediaQueue is the subset of [mediaqueue.Queue] used by a [Session].
type MediaQueue interface {
	Enqueue(turnID string, m types.Modality, prompt string) bool
	Retry(turnID string, m types.Modality) bool
	Regenerate(turnID string, modalities ...types.Modality) bool
	Forget(turnIDs ...string)
	Reset()
	Counts() mediaqueue.Counts
	OnSettled(fn mediaqueue.SettleFunc)
}

// Player is the subset of the playback controller used by a [Session].
type Player interface {
	Cue(turnID string)
	MarkMediaReady(turnID string)
	Reset() error
}

// Config holds all dependencies and settings for a [Session]. Director,
// Timeline and Queue are required.
type Config struct {
	Director director.Director
	Timeline *timeline.Store
	Queue    MediaQueue

	// Player narrates turns. Nil runs the session without audio output.
	Player Player

	// Snapshots persists the session under SessionKey. Nil disables Save
	// and Load.
	Snapshots  snapshot.Store
	SessionKey string

	// Media decides which modalities each turn requests.
	Media MediaPolicy

	// Ledger is the state of a fresh game. Nil uses [state.DefaultLedger].
	Ledger *state.Ledger

	// KeepLast prunes the timeline to the most recent turns after every
	// turn. Zero keeps everything.
	KeepLast int

	// ResumeMedia re-enqueues media that was requested but not ready when
	// a loaded snapshot was taken.
	ResumeMedia bool

	// History is the number of past turns shown to the director.
	History int

	// Opening is the action that produces the first turn.
	Opening string

	Metrics *observe.Metrics
}

// Stats is a summary of the session.
type Stats struct {
	Timeline timeline.Stats    `json:"timeline"`
	Queue    mediaqueue.Counts `json:"queue"`
	Ledger   state.Ledger      `json:"ledger"`
}

// Session is one running game. All exported methods are safe for concurrent
// use; turn-producing operations are serialised.
type Session struct {
	dir      director.Director
	tl       *timeline.Store
	queue    MediaQueue
	player   Player
	snaps    snapshot.Store
	key      string
	policy   MediaPolicy
	initial  state.Ledger
	keepLast atomic.Int64
	resume   bool
	history  int
	opening  string
	metrics  *observe.Metrics

	// opMu serialises Act, Load, Reset and Save.
	opMu sync.Mutex

	mu       sync.RWMutex
	ledger   state.Ledger
	graph    state.Graph
	location string
}

// New creates a session on an empty or restored timeline and subscribes to
// queue settlements.
func New(cfg Config) (*Session, error) {
	if cfg.Director == nil || cfg.Timeline == nil || cfg.Queue == nil {
		return nil, errors.New("game: director, timeline and queue are required")
	}
	s := &Session{
		dir:     cfg.Director,
		tl:      cfg.Timeline,
		queue:   cfg.Queue,
		player:  cfg.Player,
		snaps:   cfg.Snapshots,
		key:     cfg.SessionKey,
		policy:  cfg.Media,
		initial: state.DefaultLedger(),
		resume:  cfg.ResumeMedia,
		history: cfg.History,
		opening: cfg.Opening,
		metrics: cfg.Metrics,
	}
	if cfg.Ledger != nil {
		s.initial = cfg.Ledger.Clamp()
	}
	if s.key == "" {
		s.key = snapshot.DefaultKey
	}
	if s.history <= 0 {
		s.history = DefaultHistory
	}
	if s.opening == "" {
		s.opening = DefaultOpening
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.keepLast.Store(int64(cfg.KeepLast))
	s.ledger = s.initial
	s.queue.OnSettled(s.settled)
	return s, nil
}

// SetKeepLast changes the auto-prune bound for subsequent turns. Zero keeps
// everything.
func (s *Session) SetKeepLast(n int) { s.keepLast.Store(int64(max(n, 0))) }

// Timeline returns the session's timeline for navigation.
func (s *Session) Timeline() *timeline.Store { return s.tl }

// Ledger returns the current ledger.
func (s *Session) Ledger() state.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger
}

// Graph returns a copy of the relationship graph.
func (s *Session) Graph() state.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Clone()
}

// Location returns the most recent scene location.
func (s *Session) Location() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// Choices returns the options offered after the current turn.
func (s *Session) Choices() []string {
	t, ok := s.tl.Current()
	if !ok {
		return nil
	}
	return t.Choices
}

// Start produces the opening turn of an empty session. On a session that
// already has turns it returns the current turn.
func (s *Session) Start(ctx context.Context) (timeline.Turn, error) {
	if t, ok := s.tl.Current(); ok {
		return t, nil
	}
	return s.Act(ctx, s.opening)
}

// Choose plays the current turn's choice n (1-based).
func (s *Session) Choose(ctx context.Context, n int) (timeline.Turn, error) {
	choices := s.Choices()
	if n < 1 || n > len(choices) {
		return timeline.Turn{}, fmt.Errorf("%w: %d", ErrNoChoice, n)
	}
	return s.Act(ctx, choices[n-1])
}

// Act runs one turn: it asks the director for the continuation of action,
// merges the returned deltas, registers the new turn, requests its media and
// cues narration. A director failure yields a fallback turn; only a done ctx
// is returned as an error.
func (s *Session) Act(ctx context.Context, action string) (timeline.Turn, error) {
	action = strings.TrimSpace(action)
	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.key), "game.act")
	defer span.End()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	req := director.Request{
		History: s.tl.History(s.history),
		State: director.State{
			Ledger:       s.ledger,
			GraphSummary: s.graph.Summary(),
			Location:     s.location,
		},
		Action: action,
	}
	s.mu.RUnlock()

	resp, err := s.dir.NextTurn(ctx, req)
	if cerr := ctx.Err(); cerr != nil {
		observe.SpanError(span, cerr)
		return timeline.Turn{}, fmt.Errorf("game: act: %w", cerr)
	}
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		observe.Logger(ctx).Warn("director failed, using fallback turn", "err", err)
		resp = director.FallbackResponse()
	}

	s.mu.Lock()
	s.ledger = state.MergeLedgerDelta(s.ledger, resp.LedgerDelta)
	s.graph = state.ReconcileGraph(s.graph, resp.GraphDelta)
	if loc := strings.TrimSpace(resp.Location); loc != "" {
		s.location = loc
	}
	ledger := s.ledger
	location := s.location
	s.mu.Unlock()

	t := s.tl.Register(resp.Narrative, resp.VisualPrompt, timeline.TurnOptions{
		Ledger:     &ledger,
		Location:   location,
		Characters: resp.Characters,
		Tags:       resp.Tags,
		Action:     action,
		Choices:    resp.Choices,
		Cinematic:  resp.Cinematic,
	})
	ctx = observe.WithTurn(ctx, t.ID)
	s.metrics.TurnsRegistered.Add(ctx, 1)
	observe.Logger(ctx).Info("turn registered", "index", t.Index, "fallback", resp.Fallback)

	if keep := int(s.keepLast.Load()); keep > 0 {
		if dropped := s.tl.Prune(keep); len(dropped) > 0 {
			s.queue.Forget(dropped...)
			slog.Debug("game: pruned old turns", "dropped", len(dropped))
		}
	}

	for _, m := range s.policy.Initial() {
		s.queue.Enqueue(t.ID, m, mediaqueue.PromptFor(t, m))
	}
	if s.player != nil && s.policy.Audio {
		s.player.Cue(t.ID)
	}
	return t, nil
}

// settled reacts to finished media jobs: ready audio may start narration and
// a ready image may unlock the turn's video. A video that failed only for
// want of the image is re-enqueued by the queue itself.
func (s *Session) settled(ev mediaqueue.Event) {
	if ev.Status != types.StatusReady {
		return
	}
	switch ev.Modality {
	case types.ModalityAudio:
		if s.player != nil {
			s.player.MarkMediaReady(ev.TurnID)
		}
	case types.ModalityImage:
		t, ok := s.tl.Turn(ev.TurnID)
		if !ok {
			return
		}
		s.maybeEnqueueVideo(t)
	}
}

func (s *Session) maybeEnqueueVideo(t timeline.Turn) {
	if t.Image.Status != types.StatusReady || t.Video.Status == types.StatusReady {
		return
	}
	if !t.Video.Requested && !s.policy.WantsVideo(t) {
		return
	}
	if s.queue.Enqueue(t.ID, types.ModalityVideo, mediaqueue.PromptFor(t, types.ModalityVideo)) {
		slog.Debug("game: video requested", "turn_id", t.ID)
	}
}

// Regenerate discards and re-requests media of turnID. With no modalities
// every requested modality is regenerated.
func (s *Session) Regenerate(turnID string, modalities ...types.Modality) bool {
	return s.queue.Regenerate(turnID, modalities...)
}

// Retry re-enqueues a failed modality of turnID while its retry budget lasts.
func (s *Session) Retry(turnID string, m types.Modality) bool {
	return s.queue.Retry(turnID, m)
}

// Stats summarises the timeline, the queue and the ledger.
func (s *Session) Stats() Stats {
	return Stats{
		Timeline: s.tl.Stats(),
		Queue:    s.queue.Counts(),
		Ledger:   s.Ledger(),
	}
}

// Save writes the session to the snapshot store.
func (s *Session) Save(ctx context.Context) error {
	if s.snaps == nil {
		return ErrNoSnapshots
	}
	ctx = observe.WithSession(ctx, s.key)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	snap := snapshot.Snapshot{Ledger: s.ledger, Graph: s.graph.Clone(), Timeline: s.tl.Export()}
	s.mu.RUnlock()

	blob, err := snapshot.Encode(snap)
	if err == nil {
		err = s.snaps.Save(ctx, s.key, blob)
	}
	if err != nil {
		s.metrics.RecordSnapshotOp(ctx, "save", "error")
		return fmt.Errorf("game: save: %w", err)
	}
	s.metrics.RecordSnapshotOp(ctx, "save", "ok")
	observe.Logger(ctx).Info("session saved", "turns", len(snap.Timeline.Turns), "bytes", len(blob))
	return nil
}

// Load replaces the session with the stored snapshot. When the snapshot is
// missing or unreadable the error is returned and the session is untouched.
func (s *Session) Load(ctx context.Context) error {
	if s.snaps == nil {
		return ErrNoSnapshots
	}
	ctx = observe.WithSession(ctx, s.key)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	blob, err := s.snaps.Load(ctx, s.key)
	if err != nil {
		s.metrics.RecordSnapshotOp(ctx, "load", loadStatus(err))
		return fmt.Errorf("game: load: %w", err)
	}
	snap, err := snapshot.Decode(blob)
	if err != nil {
		s.metrics.RecordSnapshotOp(ctx, "load", loadStatus(err))
		return fmt.Errorf("game: load: %w", err)
	}

	s.queue.Reset()
	s.resetPlayer()
	if err := s.tl.Restore(snap.Timeline); err != nil {
		s.metrics.RecordSnapshotOp(ctx, "load", "corrupt")
		return fmt.Errorf("game: load: %w", err)
	}

	location := ""
	if n := len(snap.Timeline.Turns); n > 0 {
		location = snap.Timeline.Turns[n-1].Metadata.Location
	}
	s.mu.Lock()
	s.ledger = snap.Ledger
	s.graph = snap.Graph
	s.location = location
	s.mu.Unlock()

	resumed := 0
	if s.resume {
		resumed = s.resumeMedia()
	}
	s.metrics.RecordSnapshotOp(ctx, "load", "ok")
	observe.Logger(ctx).Info("session loaded", "turns", s.tl.Len(), "saved_at", snap.SavedAt, "resumed_media", resumed)
	return nil
}

func loadStatus(err error) string {
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return "not_found"
	case errors.Is(err, snapshot.ErrCorrupt), errors.Is(err, snapshot.ErrUnsupportedVersion):
		return "corrupt"
	default:
		return "error"
	}
}

// resumeMedia re-enqueues requested modalities that came back idle.
func (s *Session) resumeMedia() int {
	n := 0
	for _, t := range s.tl.Turns() {
		for _, m := range []types.Modality{types.ModalityImage, types.ModalityAudio} {
			a := t.Media(m)
			if a.Requested && a.Status == types.StatusIdle && s.queue.Enqueue(t.ID, m, mediaqueue.PromptFor(t, m)) {
				n++
			}
		}
		if t.Video.Requested && t.Video.Status == types.StatusIdle && t.Image.Status == types.StatusReady &&
			s.queue.Enqueue(t.ID, types.ModalityVideo, mediaqueue.PromptFor(t, types.ModalityVideo)) {
			n++
		}
	}
	return n
}

// Reset abandons all media work, closes and reopens the audio device and
// starts over with an empty timeline and the initial ledger.
func (s *Session) Reset() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.queue.Reset()
	s.resetPlayer()
	s.tl.Reset()

	s.mu.Lock()
	s.ledger = s.initial
	s.graph = state.Graph{}
	s.location = ""
	s.mu.Unlock()
	slog.Info("session reset")
}

func (s *Session) resetPlayer() {
	if s.player == nil {
		return
	}
	if err := s.player.Reset(); err != nil {
		slog.Error("game: reset playback", "err", err)
	}
}
