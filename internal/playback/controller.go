// Package playback owns the single audible audio slot of a session.
//
// A [Controller] plays the audio artifact of one turn at a time on an owned
// [audio.Device]. Starting a new voice always stops and releases the previous
// one first, so at most one voice is ever audible. The controller follows the
// timeline cursor: moving the cursor to any turn other than the one being
// played stops playback, and with auto-advance enabled the end of the current
// turn's narration moves the cursor on and narrates the next turn as soon as
// its audio is ready.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/storyloom/internal/observe"
	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/types"
)

// DefaultSettleDelay is the pause between the end of one turn's audio and the
// automatic start of the next.
const DefaultSettleDelay = 250 * time.Millisecond

var (
	// ErrAudioNotReady is returned by [Controller.Play] when the turn has no
	// ready audio artifact.
	ErrAudioNotReady = errors.New("playback: audio not ready")

	// ErrClosed is returned after [Controller.Close].
	ErrClosed = errors.New("playback: controller closed")
)

// State is the playback slot state.
type State int

const (
	// Stopped means nothing is audible and there is no resumable position.
	Stopped State = iota

	// Playing means a voice is audible.
	Playing

	// Paused means nothing is audible but Resume continues from the saved
	// offset.
	Paused
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Timeline is the subset of the timeline the controller reads and moves.
type Timeline interface {
	Media(id string, m types.Modality) (timeline.Artifact, bool)
	CurrentID() string
	After(id string) (string, bool)
	SetCurrent(id string) bool
	OnCursorChange(fn timeline.CursorFunc)
	OnMediaReset(fn timeline.MediaFunc)
}

// Opener opens a fresh audio device. It is called once by [New] and again on
// every [Controller.Reset].
type Opener func() (audio.Device, error)

// Status is a point-in-time view of the controller.
type Status struct {
	TurnID         string        `json:"turnId,omitempty"`
	State          State         `json:"state"`
	Position       time.Duration `json:"position"`
	Volume         float64       `json:"volume"`
	Rate           float64       `json:"playbackRate"`
	AutoAdvance    bool          `json:"autoAdvance"`
	HasUserGesture bool          `json:"hasUserGesture"`
}

// IsPlaying reports whether a voice is audible.
func (s Status) IsPlaying() bool { return s.State == Playing }

// EndFunc is called after a turn's audio played to its natural end.
type EndFunc func(turnID string)

// Option configures a [Controller].
type Option func(*Controller)

// WithVolume sets the initial volume.
func WithVolume(v float64) Option {
	return func(c *Controller) { c.params.Volume = v }
}

// WithRate sets the initial playback rate.
func WithRate(r float64) Option {
	return func(c *Controller) { c.params.Rate = r }
}

// WithAutoAdvance sets whether natural completion advances the cursor.
func WithAutoAdvance(on bool) Option {
	return func(c *Controller) { c.autoAdvance = on }
}

// WithSettleDelay sets the pause before auto-advanced playback begins.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.settleDelay = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is the single-voice playback state machine. All methods are
// safe for concurrent use.
type Controller struct {
	tl      Timeline
	open    Opener
	metrics *observe.Metrics

	mu          sync.Mutex
	dev         audio.Device
	state       State
	turnID      string
	voice       audio.Voice
	gen         uint64 // identity of the active voice
	offset      time.Duration
	params      audio.Params
	autoAdvance bool
	gesture     bool
	settleDelay time.Duration

	// awaiting is the turn whose audio auto-advance is waiting for.
	awaiting   string
	advance    *time.Timer
	advanceSeq uint64

	listenerMu sync.RWMutex
	listeners  []EndFunc

	closed bool
}

// New opens a device and returns a stopped controller bound to tl.
func New(open Opener, tl Timeline, opts ...Option) (*Controller, error) {
	c := &Controller{
		tl:          tl,
		open:        open,
		params:      audio.Params{Volume: 1, Rate: 1},
		autoAdvance: true,
		settleDelay: DefaultSettleDelay,
	}
	for _, o := range opts {
		o(c)
	}
	c.params = c.params.Normalize()
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	dev, err := open()
	if err != nil {
		return nil, fmt.Errorf("playback: open device: %w", err)
	}
	c.dev = dev
	tl.OnCursorChange(c.cursorChanged)
	tl.OnMediaReset(c.mediaReset)
	return c, nil
}

// OnEnd registers fn for natural completions.
func (c *Controller) OnEnd(fn EndFunc) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Play starts the audio of turnID from the beginning, or from the paused
// offset when turnID is the paused turn. Any other voice is stopped first.
// Play counts as a user gesture.
func (c *Controller) Play(turnID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.gesture = true
	var offset time.Duration
	if c.state == Paused && c.turnID == turnID {
		offset = c.offset
	}
	return c.startLocked(turnID, offset, "user")
}

// startLocked replaces the active voice with one for turnID starting at
// offset. The controller is left untouched when the audio is not ready.
// Caller holds mu.
func (c *Controller) startLocked(turnID string, offset time.Duration, trigger string) error {
	art, ok := c.tl.Media(turnID, types.ModalityAudio)
	if !ok {
		return fmt.Errorf("playback: %w: %s", timeline.ErrUnknownTurn, turnID)
	}
	if art.Status != types.StatusReady || !art.HasPayload() {
		return fmt.Errorf("playback: turn %s: %w", turnID, ErrAudioNotReady)
	}

	c.stopLocked()
	c.cancelAdvanceLocked()

	v, err := c.dev.Start(art.Clip(), offset, c.params)
	if err != nil {
		return fmt.Errorf("playback: start turn %s: %w", turnID, err)
	}
	c.gen++
	c.voice = v
	c.state = Playing
	c.turnID = turnID
	c.offset = 0
	go c.watch(v, c.gen)

	c.metrics.RecordPlaybackStart(context.Background(), trigger)
	slog.Debug("playback: started", "turn_id", turnID, "offset", offset, "trigger", trigger)
	return nil
}

// stopLocked silences the active voice, if any, and forgets the paused
// offset. Caller holds mu.
func (c *Controller) stopLocked() {
	if c.voice != nil {
		v := c.voice
		c.voice = nil
		c.gen++
		v.Stop()
	}
	c.state = Stopped
	c.turnID = ""
	c.offset = 0
}

func (c *Controller) cancelAdvanceLocked() {
	if c.advance != nil {
		c.advance.Stop()
		c.advance = nil
	}
	c.advanceSeq++
	c.awaiting = ""
}

// Pause silences the voice and keeps its position. It returns false when
// nothing is playing.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Playing || c.voice == nil {
		return false
	}
	pos := c.voice.Position()
	turnID := c.turnID
	c.stopLocked()
	c.state = Paused
	c.turnID = turnID
	c.offset = pos
	return true
}

// Resume continues the paused turn from its saved offset. It is a no-op,
// returning nil, when nothing is paused.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != Paused {
		return nil
	}
	c.gesture = true
	return c.startLocked(c.turnID, c.offset, "user")
}

// Stop silences playback and discards any paused position.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.cancelAdvanceLocked()
}

// Seek moves the playing or paused position of the active turn. Offsets are
// clamped to the clip. It returns false when no turn is active.
func (c *Controller) Seek(pos time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Paused:
		c.offset = max(pos, 0)
		return true
	case Playing:
		turnID := c.turnID
		if err := c.startLocked(turnID, max(pos, 0), "seek"); err != nil {
			slog.Warn("playback: seek failed", "turn_id", turnID, "err", err)
			return false
		}
		return true
	}
	return false
}

// SetVolume applies v to the active voice and to every later voice.
func (c *Controller) SetVolume(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.Volume = v
	c.params = c.params.Normalize()
	if c.voice != nil {
		c.voice.SetVolume(c.params.Volume)
	}
}

// SetRate applies r to the active voice and to every later voice.
func (c *Controller) SetRate(r float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.Rate = r
	c.params = c.params.Normalize()
	if c.voice != nil {
		c.voice.SetRate(c.params.Rate)
	}
}

// SetAutoAdvance toggles auto-advance. Disabling it cancels any scheduled or
// awaited automatic start.
func (c *Controller) SetAutoAdvance(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAdvance = on
	if !on {
		c.cancelAdvanceLocked()
	}
}

// Cue arms automatic narration of turnID: it starts after the settle delay if
// the audio is ready, or on the matching [Controller.MarkMediaReady]
// otherwise. Cue does nothing without auto-advance or a prior user gesture.
func (c *Controller) Cue(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.autoAdvance || !c.gesture || c.state == Playing {
		return
	}
	c.armLocked(turnID)
}

// armLocked schedules or awaits the automatic start of turnID. Caller holds mu.
func (c *Controller) armLocked(turnID string) {
	c.cancelAdvanceLocked()
	art, ok := c.tl.Media(turnID, types.ModalityAudio)
	if !ok {
		return
	}
	if art.Status != types.StatusReady {
		c.awaiting = turnID
		slog.Debug("playback: waiting for audio", "turn_id", turnID)
		return
	}
	seq := c.advanceSeq
	c.advance = time.AfterFunc(c.settleDelay, func() { c.autoStart(turnID, seq) })
}

// MarkMediaReady tells the controller that turnID's audio became ready. If
// auto-advance is waiting for exactly that turn and it is still current,
// playback starts after the settle delay.
func (c *Controller) MarkMediaReady(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.autoAdvance || c.awaiting != turnID {
		return
	}
	if c.tl.CurrentID() != turnID {
		c.awaiting = ""
		return
	}
	c.armLocked(turnID)
}

func (c *Controller) autoStart(turnID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advance == nil || c.advanceSeq != seq {
		return
	}
	c.advance = nil
	if c.closed || !c.autoAdvance || !c.gesture || c.state == Playing {
		return
	}
	if c.tl.CurrentID() != turnID {
		return
	}
	if err := c.startLocked(turnID, 0, "auto"); err != nil {
		slog.Warn("playback: auto-advance failed", "turn_id", turnID, "err", err)
	}
}

// watch waits for v to end and handles natural completion.
func (c *Controller) watch(v audio.Voice, gen uint64) {
	<-v.Done()
	if !v.Completed() {
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	finished := c.turnID
	c.voice = nil
	c.state = Stopped
	c.turnID = ""
	c.offset = 0
	auto := c.autoAdvance && !c.closed
	c.mu.Unlock()

	slog.Debug("playback: finished", "turn_id", finished)
	c.listenerMu.RLock()
	ls := append([]EndFunc(nil), c.listeners...)
	c.listenerMu.RUnlock()
	for _, fn := range ls {
		fn(finished)
	}

	if !auto || c.tl.CurrentID() != finished {
		return
	}
	next, ok := c.tl.After(finished)
	if !ok {
		return
	}
	// The cursor hook takes mu, so the cursor moves before re-locking.
	if !c.tl.SetCurrent(next) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.autoAdvance || c.state == Playing || c.tl.CurrentID() != next {
		return
	}
	c.armLocked(next)
}

// cursorChanged stops playback of any turn other than the new cursor turn.
// It runs inside the call that moved the cursor, so the old voice is silent
// once that call returns.
func (c *Controller) cursorChanged(prev, next string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awaiting != "" && c.awaiting != next {
		c.cancelAdvanceLocked()
	}
	if c.state != Stopped && c.turnID != next {
		slog.Debug("playback: cursor moved away, stopping", "turn_id", c.turnID, "cursor", next)
		c.stopLocked()
	}
}

// mediaReset stops playing or paused audio of turnID once that audio is no
// longer ready. An awaited auto-start stays armed for the regenerated clip.
func (c *Controller) mediaReset(turnID string, m types.Modality) {
	if m != types.ModalityAudio {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped || c.turnID != turnID {
		return
	}
	slog.Debug("playback: audio reset, stopping", "turn_id", turnID, "state", c.state.String())
	c.stopLocked()
}

// Status returns the current playback state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		TurnID:         c.turnID,
		State:          c.state,
		Volume:         c.params.Volume,
		Rate:           c.params.Rate,
		AutoAdvance:    c.autoAdvance,
		HasUserGesture: c.gesture,
	}
	switch {
	case c.state == Playing && c.voice != nil:
		st.Position = c.voice.Position()
	case c.state == Paused:
		st.Position = c.offset
	}
	return st
}

// Reset stops playback, closes the device and opens a fresh one. Volume,
// rate, auto-advance and the user gesture are kept.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.stopLocked()
	c.cancelAdvanceLocked()
	if err := c.dev.Close(); err != nil {
		slog.Warn("playback: close device", "err", err)
	}
	dev, err := c.open()
	if err != nil {
		c.closed = true
		return fmt.Errorf("playback: reopen device: %w", err)
	}
	c.dev = dev
	return nil
}

// Close stops playback and releases the device. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopLocked()
	c.cancelAdvanceLocked()
	return c.dev.Close()
}
