// Package timeline holds the ordered record of narrative turns and the
// "current turn" cursor.
//
// A [Store] is append-only with respect to turn content: once registered, a
// turn's ID, Index, Text and VisualPrompt never change, and indices are never
// reused, not even after [Store.Prune]. Per-modality media state is mutated
// only through the narrow Mark*/Complete/Fail methods used by the media queue,
// each of which updates status and payload together under the store lock.
//
// Operations naming an unknown turn are logged and ignored.
package timeline

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/storyloom/pkg/state"
	"github.com/MrWong99/storyloom/pkg/types"
)

// ErrUnknownTurn is returned by lookups that require an existing turn.
var ErrUnknownTurn = errors.New("timeline: unknown turn")

// CursorFunc is called after the cursor moved from prev to next and before
// the moving call returns. Either may be empty. Hooks run outside the store
// lock.
type CursorFunc func(prev, next string)

// MediaFunc is called after modality m of turn id left the ready status and
// its payload was dropped, before the mutating call returns. Hooks run
// outside the store lock.
type MediaFunc func(id string, m types.Modality)

// Option configures a [Store].
type Option func(*Store)

// WithLedger sets the source of the ledger snapshot captured in each
// registered turn's metadata.
func WithLedger(fn func() state.Ledger) Option {
	return func(s *Store) { s.ledger = fn }
}

// WithClock overrides time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the authoritative, concurrency-safe turn registry.
type Store struct {
	mu        sync.Mutex
	turns     []*Turn
	byID      map[string]*Turn
	current   string
	nextIndex int

	ledger func() state.Ledger
	now    func() time.Time

	hookMu     sync.RWMutex
	hooks      []CursorFunc
	mediaHooks []MediaFunc
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		byID:   make(map[string]*Turn),
		ledger: state.DefaultLedger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnCursorChange registers fn to be called on every cursor move. A
// subscriber that stops playback of the old turn has done so by the time
// SetCurrent, Next, Previous, Register or Prune return.
func (s *Store) OnCursorChange(fn CursorFunc) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) notify(prev, next string) {
	if prev == next {
		return
	}
	s.hookMu.RLock()
	hooks := append([]CursorFunc(nil), s.hooks...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(prev, next)
	}
}

// OnMediaReset registers fn to be called whenever a ready artifact is reset,
// failed or re-requested.
func (s *Store) OnMediaReset(fn MediaFunc) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.mediaHooks = append(s.mediaHooks, fn)
}

func (s *Store) notifyMedia(id string, m types.Modality) {
	s.hookMu.RLock()
	hooks := append([]MediaFunc(nil), s.mediaHooks...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(id, m)
	}
}

// TurnOptions carries optional registration data. A nil Ledger means the
// store's ledger source is snapshotted.
type TurnOptions struct {
	Ledger     *state.Ledger
	Location   string
	Characters []string
	Tags       []string
	Action     string
	Choices    []string
	Cinematic  bool
}

// Register appends a new turn, assigns it the next index and makes it current.
func (s *Store) Register(text, visualPrompt string, opts TurnOptions) Turn {
	var snap state.Ledger
	if opts.Ledger != nil {
		snap = *opts.Ledger
	} else {
		snap = s.ledger()
	}

	s.mu.Lock()
	t := &Turn{
		ID:           uuid.NewString(),
		Index:        s.nextIndex,
		Text:         text,
		VisualPrompt: visualPrompt,
		Action:       opts.Action,
		Choices:      append([]string(nil), opts.Choices...),
		Cinematic:    opts.Cinematic,
		Metadata: Metadata{
			LedgerSnapshot: snap,
			Location:       opts.Location,
			Characters:     append([]string(nil), opts.Characters...),
			Tags:           append([]string(nil), opts.Tags...),
		},
		CreatedAt: s.now(),
	}
	s.nextIndex++
	s.turns = append(s.turns, t)
	s.byID[t.ID] = t
	prev := s.current
	s.current = t.ID
	out := t.clone()
	s.mu.Unlock()

	s.notify(prev, out.ID)
	return out
}

// SetCurrent moves the cursor to id. Unknown ids are logged and ignored.
func (s *Store) SetCurrent(id string) bool {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		slog.Warn("timeline: set current to unknown turn", "turn_id", id)
		return false
	}
	prev := s.current
	s.current = id
	s.mu.Unlock()

	s.notify(prev, id)
	return true
}

// Next moves the cursor one turn forward. It is a no-op on the last turn.
func (s *Store) Next() bool { return s.step(1) }

// Previous moves the cursor one turn back. It is a no-op on the first turn.
func (s *Store) Previous() bool { return s.step(-1) }

func (s *Store) step(delta int) bool {
	s.mu.Lock()
	pos := s.position(s.current)
	target := pos + delta
	if pos < 0 || target < 0 || target >= len(s.turns) {
		s.mu.Unlock()
		return false
	}
	prev := s.current
	s.current = s.turns[target].ID
	next := s.current
	s.mu.Unlock()

	s.notify(prev, next)
	return true
}

// position returns the slice position of id, or -1. Caller holds mu.
func (s *Store) position(id string) int {
	t, ok := s.byID[id]
	if !ok || len(s.turns) == 0 {
		return -1
	}
	// Indices are dense from the first retained turn.
	return t.Index - s.turns[0].Index
}

// CurrentID returns the cursor's turn id, or "" for an empty timeline.
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Current returns a copy of the cursor's turn.
func (s *Store) Current() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[s.current]
	if !ok {
		return Turn{}, false
	}
	return t.clone(), true
}

// Turn returns a copy of the turn with the given id.
func (s *Store) Turn(id string) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return Turn{}, false
	}
	return t.clone(), true
}

// TurnAt returns a copy of the turn with the given index.
func (s *Store) TurnAt(index int) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	pos := index - s.turns[0].Index
	if pos < 0 || pos >= len(s.turns) {
		return Turn{}, false
	}
	return s.turns[pos].clone(), true
}

// After returns the id of the turn following id, if any.
func (s *Store) After(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.position(id)
	if pos < 0 || pos+1 >= len(s.turns) {
		return "", false
	}
	return s.turns[pos+1].ID, true
}

// Contains reports whether id is a retained turn.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of retained turns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Turns returns copies of all retained turns in index order.
func (s *Store) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.clone()
	}
	return out
}

// History returns the narrative text of the last n turns, oldest first.
// n <= 0 returns all of them.
func (s *Store) History(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if n > 0 && len(s.turns) > n {
		start = len(s.turns) - n
	}
	out := make([]string, 0, len(s.turns)-start)
	for _, t := range s.turns[start:] {
		out = append(out, t.Text)
	}
	return out
}

// Stats summarises the timeline.
type Stats struct {
	TotalTurns     int     `json:"totalTurns"`
	CompleteTurns  int     `json:"completeTurns"`
	ReadyMedia     int     `json:"readyMedia"`
	PendingMedia   int     `json:"pendingMedia"`
	InProgress     int     `json:"inProgressMedia"`
	FailedMedia    int     `json:"failedMedia"`
	CompletionRate float64 `json:"completionRate"`
}

// Stats derives counts over the retained turns. CompletionRate is the share
// of complete turns in percent, 0 for an empty timeline.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{TotalTurns: len(s.turns)}
	for _, t := range s.turns {
		if t.Complete() {
			st.CompleteTurns++
		}
		for _, m := range types.Modalities {
			switch t.artifact(m).Status {
			case types.StatusReady:
				st.ReadyMedia++
			case types.StatusPending:
				st.PendingMedia++
			case types.StatusInProgress:
				st.InProgress++
			case types.StatusError:
				st.FailedMedia++
			}
		}
	}
	if st.TotalTurns > 0 {
		st.CompletionRate = float64(st.CompleteTurns) / float64(st.TotalTurns) * 100
	}
	return st
}

// Prune drops all but the most recent keepLast turns and returns the ids of
// the dropped turns. Retained turns keep their index. If the cursor pointed
// at a dropped turn it moves to the oldest retained one.
func (s *Store) Prune(keepLast int) []string {
	if keepLast < 0 {
		keepLast = 0
	}
	s.mu.Lock()
	if len(s.turns) <= keepLast {
		s.mu.Unlock()
		return nil
	}
	cut := len(s.turns) - keepLast
	dropped := make([]string, 0, cut)
	for _, t := range s.turns[:cut] {
		delete(s.byID, t.ID)
		dropped = append(dropped, t.ID)
	}
	s.turns = append([]*Turn(nil), s.turns[cut:]...)

	prev := s.current
	if _, ok := s.byID[s.current]; !ok {
		s.current = ""
		if len(s.turns) > 0 {
			s.current = s.turns[0].ID
		}
	}
	next := s.current
	s.mu.Unlock()

	slog.Debug("timeline: pruned turns", "dropped", len(dropped), "kept", keepLast)
	s.notify(prev, next)
	return dropped
}

// --- Media mutators ---

// withArtifact runs fn on the artifact for (id, m) under the lock. It returns
// false without calling fn when the turn is unknown.
func (s *Store) withArtifact(id string, m types.Modality, fn func(a *Artifact) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	a := t.artifact(m)
	if a == nil {
		return false
	}
	return fn(a)
}

// clearArtifact is withArtifact for mutators that drop the payload. Media
// hooks fire when a ready artifact was cleared.
func (s *Store) clearArtifact(id string, m types.Modality, fn func(a *Artifact) bool) bool {
	wasReady := false
	ok := s.withArtifact(id, m, func(a *Artifact) bool {
		wasReady = a.Status == types.StatusReady
		return fn(a)
	})
	if ok && wasReady {
		s.notifyMedia(id, m)
	}
	return ok
}

// MarkPending requests modality m for turn id. A ready artifact is left
// untouched unless force is set, in which case its payload is dropped.
// It reports whether the request was accepted.
func (s *Store) MarkPending(id string, m types.Modality, force bool) bool {
	return s.clearArtifact(id, m, func(a *Artifact) bool {
		if a.Status == types.StatusReady && !force {
			return false
		}
		a.clearPayload()
		a.Status = types.StatusPending
		a.Requested = true
		a.LastError = ""
		return true
	})
}

// MarkIdle resets modality m of turn id to idle, dropping payload and error.
func (s *Store) MarkIdle(id string, m types.Modality) bool {
	return s.clearArtifact(id, m, func(a *Artifact) bool {
		a.clearPayload()
		a.Status = types.StatusIdle
		a.LastError = ""
		return true
	})
}

// MarkInProgress flags modality m of turn id as being generated.
func (s *Store) MarkInProgress(id string, m types.Modality) bool {
	return s.clearArtifact(id, m, func(a *Artifact) bool {
		a.clearPayload()
		a.Status = types.StatusInProgress
		a.Requested = true
		a.LastError = ""
		return true
	})
}

// Complete attaches p to modality m of turn id and marks it ready.
func (s *Store) Complete(id string, m types.Modality, p Payload, retryCount int) bool {
	return s.withArtifact(id, m, func(a *Artifact) bool {
		a.Data = p.Data
		a.URL = p.URL
		a.Format = p.Format
		a.Duration = p.Duration
		a.Status = types.StatusReady
		a.LastError = ""
		a.RetryCount = retryCount
		return true
	})
}

// Fail marks modality m of turn id as failed with msg.
func (s *Store) Fail(id string, m types.Modality, msg string, retryCount int) bool {
	return s.clearArtifact(id, m, func(a *Artifact) bool {
		a.clearPayload()
		a.Status = types.StatusError
		a.LastError = msg
		a.RetryCount = retryCount
		return true
	})
}

// Media returns the artifact of modality m for turn id.
func (s *Store) Media(id string, m types.Modality) (Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return Artifact{}, false
	}
	return t.Media(m), true
}

// --- Export / restore ---

// Export is a detached copy of the whole timeline.
type Export struct {
	Turns     []Turn `json:"turns"`
	Current   string `json:"current"`
	NextIndex int    `json:"nextIndex"`
}

// Export returns a copy of all retained turns, the cursor and the next index.
func (s *Store) Export() Export {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Export{Current: s.current, NextIndex: s.nextIndex, Turns: make([]Turn, len(s.turns))}
	for i, t := range s.turns {
		e.Turns[i] = t.clone()
	}
	return e
}

// Restore replaces the store contents with e. Turns must be in strictly
// increasing index order with unique ids; the next index never falls below
// one past the last turn. An unknown cursor falls back to the last turn.
func (s *Store) Restore(e Export) error {
	turns := make([]*Turn, 0, len(e.Turns))
	byID := make(map[string]*Turn, len(e.Turns))
	nextIndex := e.NextIndex
	for i := range e.Turns {
		t := e.Turns[i].clone()
		if t.ID == "" {
			return errors.New("timeline: restore: turn without id")
		}
		if _, dup := byID[t.ID]; dup {
			return errors.New("timeline: restore: duplicate turn id " + t.ID)
		}
		if i > 0 && t.Index != turns[i-1].Index+1 {
			return errors.New("timeline: restore: turn indices are not contiguous")
		}
		turns = append(turns, &t)
		byID[t.ID] = &t
		if t.Index >= nextIndex {
			nextIndex = t.Index + 1
		}
	}
	current := e.Current
	if _, ok := byID[current]; !ok {
		current = ""
		if n := len(turns); n > 0 {
			current = turns[n-1].ID
		}
	}

	s.mu.Lock()
	prev := s.current
	s.turns = turns
	s.byID = byID
	s.current = current
	s.nextIndex = nextIndex
	s.mu.Unlock()

	s.notify(prev, current)
	return nil
}

// Reset empties the store. Indices restart at zero.
func (s *Store) Reset() {
	s.mu.Lock()
	prev := s.current
	s.turns = nil
	s.byID = make(map[string]*Turn)
	s.current = ""
	s.nextIndex = 0
	s.mu.Unlock()

	s.notify(prev, "")
}
