// Package mediaqueue turns "turn X needs modality Y" requests into finished
// artifacts on the timeline without exceeding a global concurrency budget.
//
// Every outstanding unit of work is an [Item] that lives in exactly one of
// three disjoint collections: pending (waiting for a slot), in progress
// (dispatched to the generator) and failed (parked after an error). At most
// one item per (turn, modality) [Key] exists across pending and in progress.
//
// A single dispatcher goroutine moves pending items into free slots. It is
// woken by enqueues and job settlements; a slow safety tick is the only
// periodic work. Failed jobs are retried automatically with exponential
// backoff while their retry count is below the configured maximum, after
// which they stay parked until [Queue.Regenerate] revives them.
//
// Results are matched to bookkeeping by item identity: a job whose item was
// superseded by Regenerate or dropped by Reset or Forget settles as a no-op,
// and a job whose turn was pruned from the timeline writes nothing. Dropping
// an in-flight item cancels its generator call; the call keeps its slot until
// it returns, so the concurrency bound covers every outstanding external call.
package mediaqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/storyloom/internal/artifact"
	"github.com/MrWong99/storyloom/internal/observe"
	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/provider/media"
	"github.com/MrWong99/storyloom/pkg/types"
)

// Defaults applied by [New].
const (
	DefaultMaxConcurrency = 3
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
	DefaultSafetyTick     = 5 * time.Second
)

// ErrImageNotReady is the failure recorded for a video job dispatched before
// its turn's image is ready.
var ErrImageNotReady = errors.New("mediaqueue: video requires a ready image")

// Store is the subset of the timeline the queue mutates.
type Store interface {
	Contains(id string) bool
	Turn(id string) (timeline.Turn, bool)
	Media(id string, m types.Modality) (timeline.Artifact, bool)
	MarkPending(id string, m types.Modality, force bool) bool
	MarkIdle(id string, m types.Modality) bool
	MarkInProgress(id string, m types.Modality) bool
	Complete(id string, m types.Modality, p timeline.Payload, retryCount int) bool
	Fail(id string, m types.Modality, msg string, retryCount int) bool
}

// Key identifies the single job slot of one modality of one turn.
type Key struct {
	TurnID   string
	Modality types.Modality
}

func (k Key) String() string { return k.TurnID + "/" + k.Modality.String() }

// Item is one outstanding unit of work.
type Item struct {
	Key
	Prompt     string
	RetryCount int
	EnqueuedAt time.Time
	LastError  string

	err       error
	cancel    context.CancelFunc
	abandoned bool
}

// Event describes a settled job.
type Event struct {
	Key
	// Status is StatusReady or StatusError.
	Status     types.MediaStatus
	RetryCount int
	Err        error

	// Parked is set on failures that will not be retried automatically.
	Parked bool
}

// SettleFunc receives settlement events. It runs outside the queue lock and
// may call back into the queue.
type SettleFunc func(Event)

// Counts reports the size of each collection.
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Failed     int `json:"failed"`
}

// Option configures a [Queue].
type Option func(*Queue)

// WithMaxConcurrency sets the global bound on jobs in progress.
func WithMaxConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxConcurrency = n
		}
	}
}

// WithMaxRetries sets how many times a failed job is re-enqueued. Zero
// disables automatic retry.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithBackoff sets the initial retry delay and its cap. The delay doubles per
// retry. A zero initial delay retries immediately.
func WithBackoff(initial, max time.Duration) Option {
	return func(q *Queue) {
		q.backoff = initial
		if max > 0 {
			q.backoffMax = max
		}
	}
}

// WithSafetyTick sets the dispatcher's periodic re-check interval.
func WithSafetyTick(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.safetyTick = d
		}
	}
}

// WithArtifacts publishes video bytes to s; the turn then receives the URL
// instead of the bytes.
func WithArtifacts(s artifact.Store) Option {
	return func(q *Queue) { q.artifacts = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is the bounded-concurrency media job scheduler.
type Queue struct {
	gen       media.Generator
	store     Store
	artifacts artifact.Store
	metrics   *observe.Metrics

	mu             sync.Mutex
	maxConcurrency int
	maxRetries     int
	backoff        time.Duration
	backoffMax     time.Duration
	safetyTick     time.Duration

	// --- Collections ---
	pending    []*Item
	inProgress map[Key]*Item
	failed     map[Key]*Item
	retries    map[Key]*time.Timer

	// draining counts cancelled jobs whose generator call has not returned.
	draining int

	idleWaiters []chan struct{}

	listenerMu sync.RWMutex
	listeners  []SettleFunc

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	jobs   sync.WaitGroup
	closed bool
}

// New creates a queue and starts its dispatcher. Call [Queue.Close] to stop it.
func New(gen media.Generator, store Store, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		gen:            gen,
		store:          store,
		maxConcurrency: DefaultMaxConcurrency,
		maxRetries:     DefaultMaxRetries,
		backoff:        DefaultRetryBackoff,
		backoffMax:     DefaultBackoffMax,
		safetyTick:     DefaultSafetyTick,
		inProgress:     make(map[Key]*Item),
		failed:         make(map[Key]*Item),
		retries:        make(map[Key]*time.Timer),
		ctx:            ctx,
		cancel:         cancel,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	go q.run()
	return q
}

// OnSettled registers fn for every job settlement.
func (q *Queue) OnSettled(fn SettleFunc) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Enqueue requests modality m for turn turnID. It is a no-op, returning
// false, when the turn is unknown, an item for the key already exists in any
// collection, or the modality is already ready.
func (q *Queue) Enqueue(turnID string, m types.Modality, prompt string) bool {
	return q.enqueue(turnID, m, prompt, false)
}

// ForceEnqueue is like Enqueue but replaces a ready artifact, dropping its
// payload. It is still a no-op while an item for the key exists.
func (q *Queue) ForceEnqueue(turnID string, m types.Modality, prompt string) bool {
	return q.enqueue(turnID, m, prompt, true)
}

func (q *Queue) enqueue(turnID string, m types.Modality, prompt string, force bool) bool {
	if !m.IsValid() {
		slog.Warn("mediaqueue: enqueue with invalid modality", "turn_id", turnID, "modality", int(m))
		return false
	}
	key := Key{TurnID: turnID, Modality: m}

	q.mu.Lock()
	ok := q.enqueueLocked(key, prompt, force)
	q.mu.Unlock()
	if ok {
		q.kick()
	}
	return ok
}

// enqueueLocked appends a fresh item. Caller holds mu.
func (q *Queue) enqueueLocked(key Key, prompt string, force bool) bool {
	if q.closed {
		return false
	}
	if q.hasLocked(key) {
		return false
	}
	if !q.store.MarkPending(key.TurnID, key.Modality, force) {
		if !q.store.Contains(key.TurnID) {
			slog.Warn("mediaqueue: enqueue for unknown turn", "turn_id", key.TurnID, "modality", key.Modality.String())
		}
		return false
	}
	q.pushLocked(&Item{Key: key, Prompt: prompt, EnqueuedAt: time.Now()})
	return true
}

func (q *Queue) hasLocked(key Key) bool {
	if _, ok := q.inProgress[key]; ok {
		return true
	}
	if _, ok := q.failed[key]; ok {
		return true
	}
	for _, it := range q.pending {
		if it.Key == key {
			return true
		}
	}
	return false
}

func (q *Queue) pushLocked(it *Item) {
	q.pending = append(q.pending, it)
	q.metrics.QueuePending.Add(q.ctx, 1)
}

// Retry moves a parked item back to pending if its retry budget allows.
// The turn's modality returns to idle while the item waits.
func (q *Queue) Retry(turnID string, m types.Modality) bool {
	return q.retry(Key{TurnID: turnID, Modality: m}, nil)
}

// retry re-enqueues the failed item for key. When expect is non-nil the retry
// only proceeds if that exact item is still parked.
func (q *Queue) retry(key Key, expect *Item) bool {
	q.mu.Lock()
	ok := q.retryLocked(key, expect)
	q.signalIdleLocked()
	q.mu.Unlock()

	if ok {
		q.metrics.RecordMediaRetry(q.ctx, key.Modality.String())
		q.kick()
	}
	return ok
}

func (q *Queue) retryLocked(key Key, expect *Item) bool {
	it, ok := q.failed[key]
	if !ok || (expect != nil && it != expect) || q.closed {
		return false
	}
	if it.RetryCount >= q.maxRetries {
		slog.Debug("mediaqueue: retry budget exhausted", "turn_id", key.TurnID, "modality", key.Modality.String(), "retries", it.RetryCount)
		return false
	}
	q.stopRetryLocked(key)
	delete(q.failed, key)
	if !q.store.MarkIdle(key.TurnID, key.Modality) {
		return false
	}
	q.pushLocked(&Item{
		Key:        key,
		Prompt:     it.Prompt,
		RetryCount: it.RetryCount + 1,
		EnqueuedAt: time.Now(),
		LastError:  it.LastError,
	})
	return true
}

// Regenerate discards every queued, in-flight and parked job for the given
// modalities of turnID, resets them to idle and enqueues fresh jobs. With no
// modalities all three are reset; fresh jobs are then enqueued for image and
// audio if they were ever requested, while video stays idle until its image
// is ready again. In-flight results for the replaced jobs are discarded when
// they arrive.
func (q *Queue) Regenerate(turnID string, modalities ...types.Modality) bool {
	t, ok := q.store.Turn(turnID)
	if !ok {
		slog.Warn("mediaqueue: regenerate unknown turn", "turn_id", turnID)
		return false
	}
	all := len(modalities) == 0
	if all {
		modalities = types.Modalities[:]
	}

	q.mu.Lock()
	enqueued := false
	for _, m := range modalities {
		if !m.IsValid() {
			continue
		}
		key := Key{TurnID: turnID, Modality: m}
		q.dropLocked(key)
		q.store.MarkIdle(turnID, m)
		if all && (m == types.ModalityVideo || !t.Media(m).Requested) {
			continue
		}
		if q.enqueueLocked(key, PromptFor(t, m), true) {
			enqueued = true
		}
	}
	q.signalIdleLocked()
	q.mu.Unlock()

	if enqueued {
		q.kick()
	}
	return enqueued
}

// dropLocked removes all bookkeeping for key. Caller holds mu.
func (q *Queue) dropLocked(key Key) {
	q.stopRetryLocked(key)
	delete(q.failed, key)
	if it, ok := q.inProgress[key]; ok {
		q.abandonLocked(it)
	}
	kept := q.pending[:0]
	for _, it := range q.pending {
		if it.Key == key {
			q.metrics.QueuePending.Add(q.ctx, -1)
			continue
		}
		kept = append(kept, it)
	}
	clear(q.pending[len(kept):])
	q.pending = kept
}

// abandonLocked removes the in-flight it and cancels its generator call.
// Caller holds mu.
func (q *Queue) abandonLocked(it *Item) {
	delete(q.inProgress, it.Key)
	q.metrics.MediaInFlight.Add(q.ctx, -1)
	it.abandoned = true
	q.draining++
	if it.cancel != nil {
		it.cancel()
	}
}

func (q *Queue) stopRetryLocked(key Key) {
	if t, ok := q.retries[key]; ok {
		t.Stop()
		delete(q.retries, key)
	}
}

// Reset abandons all work. In-flight generator calls are cancelled and their
// results discarded. Turn statuses are not touched.
func (q *Queue) Reset() {
	q.mu.Lock()
	for key := range q.retries {
		q.stopRetryLocked(key)
	}
	for _, it := range q.inProgress {
		q.abandonLocked(it)
	}
	q.metrics.QueuePending.Add(q.ctx, -int64(len(q.pending)))
	q.pending = nil
	q.failed = make(map[Key]*Item)
	q.signalIdleLocked()
	q.mu.Unlock()
}

// Forget drops every item of the given turns, including parked failures.
// In-flight calls are cancelled. Used for turns pruned from the timeline.
func (q *Queue) Forget(turnIDs ...string) {
	if len(turnIDs) == 0 {
		return
	}
	q.mu.Lock()
	for _, id := range turnIDs {
		for _, m := range types.Modalities {
			q.dropLocked(Key{TurnID: id, Modality: m})
		}
	}
	q.signalIdleLocked()
	q.mu.Unlock()
	q.kick()
}

// SetLimits updates the concurrency bound and retry budget at runtime.
// Non-positive concurrency and negative retries are ignored.
func (q *Queue) SetLimits(maxConcurrency, maxRetries int) {
	q.mu.Lock()
	if maxConcurrency > 0 {
		q.maxConcurrency = maxConcurrency
	}
	if maxRetries >= 0 {
		q.maxRetries = maxRetries
	}
	q.mu.Unlock()
	q.kick()
}

// Counts returns the current collection sizes.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{Pending: len(q.pending), InProgress: len(q.inProgress), Failed: len(q.failed)}
}

// Item returns a copy of the item for key, wherever it lives.
func (q *Queue) Item(turnID string, m types.Modality) (Item, bool) {
	key := Key{TurnID: turnID, Modality: m}
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.inProgress[key]; ok {
		return *it, true
	}
	if it, ok := q.failed[key]; ok {
		return *it, true
	}
	for _, it := range q.pending {
		if it.Key == key {
			return *it, true
		}
	}
	return Item{}, false
}

// WaitIdle blocks until nothing is pending, in progress or scheduled for
// automatic retry, or ctx is done. Parked failures do not count as work.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	if q.idleLocked() {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.idleWaiters = append(q.idleWaiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) idleLocked() bool {
	return len(q.pending) == 0 && len(q.inProgress) == 0 && len(q.retries) == 0
}

func (q *Queue) signalIdleLocked() {
	if !q.idleLocked() || len(q.idleWaiters) == 0 {
		return
	}
	for _, ch := range q.idleWaiters {
		close(ch)
	}
	q.idleWaiters = nil
}

// Close stops the dispatcher, cancels in-flight generator calls and waits for
// them to return. Subsequent enqueues are rejected.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for key := range q.retries {
		q.stopRetryLocked(key)
	}
	q.mu.Unlock()

	close(q.done)
	q.cancel()
	q.jobs.Wait()
	return nil
}

// kick wakes the dispatcher without blocking.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	ticker := time.NewTicker(q.safetyTick)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.dispatch()
	}
}

// dispatch fills free slots with the oldest pending items.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.inProgress)+q.draining < q.maxConcurrency && len(q.pending) > 0 {
		it := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.metrics.QueuePending.Add(q.ctx, -1)

		if !q.store.MarkInProgress(it.TurnID, it.Modality) {
			slog.Debug("mediaqueue: dropping job for pruned turn", "turn_id", it.TurnID, "modality", it.Modality.String())
			continue
		}
		ctx, cancel := context.WithCancel(q.ctx)
		it.cancel = cancel
		q.inProgress[it.Key] = it
		q.metrics.MediaInFlight.Add(q.ctx, 1)
		q.jobs.Add(1)
		go q.execute(ctx, it)
	}
	q.signalIdleLocked()
}

func (q *Queue) execute(ctx context.Context, it *Item) {
	defer q.jobs.Done()
	defer it.cancel()

	ctx, span := observe.StartSpan(observe.WithTurn(ctx, it.TurnID), "mediaqueue.generate", trace.WithAttributes(
		attribute.String("modality", it.Modality.String()),
		attribute.Int("retry_count", it.RetryCount),
	))
	defer span.End()

	start := time.Now()
	p, err := q.generate(ctx, it)
	observe.SpanError(span, err)
	q.settle(it, p, err, time.Since(start))
}

func (q *Queue) generate(ctx context.Context, it *Item) (timeline.Payload, error) {
	switch it.Modality {
	case types.ModalityImage:
		data, err := q.gen.GenerateImage(ctx, it.Prompt)
		if err != nil {
			return timeline.Payload{}, err
		}
		if len(data) == 0 {
			return timeline.Payload{}, media.ErrEmptyPayload
		}
		return timeline.Payload{Data: data}, nil

	case types.ModalityAudio:
		sp, err := q.gen.GenerateSpeech(ctx, it.Prompt)
		if err != nil {
			return timeline.Payload{}, err
		}
		if len(sp.Audio) == 0 || !sp.Format.Valid() {
			return timeline.Payload{}, media.ErrEmptyPayload
		}
		d := sp.Duration
		if d <= 0 {
			d = sp.Clip().Duration()
		}
		return timeline.Payload{Data: sp.Audio, Format: sp.Format, Duration: d}, nil

	case types.ModalityVideo:
		img, ok := q.store.Media(it.TurnID, types.ModalityImage)
		if !ok || img.Status != types.StatusReady || len(img.Data) == 0 {
			return timeline.Payload{}, ErrImageNotReady
		}
		data, err := q.gen.GenerateVideo(ctx, img.Data, it.Prompt)
		if err != nil {
			return timeline.Payload{}, err
		}
		if len(data) == 0 {
			return timeline.Payload{}, media.ErrEmptyPayload
		}
		if q.artifacts == nil {
			return timeline.Payload{Data: data}, nil
		}
		url, err := q.artifacts.Put(ctx, artifact.ObjectName(it.TurnID, "video", ".mp4"), data)
		if err != nil {
			return timeline.Payload{}, fmt.Errorf("publish video: %w", err)
		}
		return timeline.Payload{URL: url}, nil
	}
	return timeline.Payload{}, fmt.Errorf("mediaqueue: unknown modality %d", int(it.Modality))
}

// settle records the outcome of it. Results for superseded or abandoned items
// are discarded.
func (q *Queue) settle(it *Item, p timeline.Payload, err error, took time.Duration) {
	ev := Event{Key: it.Key, RetryCount: it.RetryCount, Err: err}
	status := "ok"

	q.mu.Lock()
	if it.abandoned {
		it.abandoned = false
		q.draining--
	}
	if cur, ok := q.inProgress[it.Key]; !ok || cur != it {
		q.mu.Unlock()
		slog.Debug("mediaqueue: discarding superseded result", "turn_id", it.TurnID, "modality", it.Modality.String())
		q.kick()
		return
	}
	delete(q.inProgress, it.Key)
	q.metrics.MediaInFlight.Add(q.ctx, -1)

	switch {
	case err == nil:
		ev.Status = types.StatusReady
		if !q.store.Complete(it.TurnID, it.Modality, p, it.RetryCount) {
			slog.Debug("mediaqueue: turn gone before completion", "turn_id", it.TurnID, "modality", it.Modality.String())
			q.signalIdleLocked()
			q.mu.Unlock()
			q.kick()
			return
		}
		if it.Modality == types.ModalityImage {
			q.reviveVideoLocked(it.TurnID)
		}
	default:
		status = "error"
		ev.Status = types.StatusError
		it.err = err
		it.LastError = err.Error()
		if !q.store.Fail(it.TurnID, it.Modality, it.LastError, it.RetryCount) {
			q.signalIdleLocked()
			q.mu.Unlock()
			q.kick()
			return
		}
		q.failed[it.Key] = it
		if it.RetryCount < q.maxRetries && !q.closed {
			q.scheduleRetryLocked(it)
		} else {
			ev.Parked = true
		}
		slog.Warn("media job failed",
			"turn_id", it.TurnID,
			"modality", it.Modality.String(),
			"retry_count", it.RetryCount,
			"parked", ev.Parked,
			"err", err,
		)
	}
	q.signalIdleLocked()
	q.mu.Unlock()

	q.metrics.RecordMediaJob(q.ctx, it.Modality.String(), status, took)
	q.emit(ev)
	q.kick()
}

// reviveVideoLocked re-enqueues the video of turnID when it failed only
// because the image was not ready yet. The earlier attempts never reached a
// generator, so the fresh item starts with an empty retry count. Caller
// holds mu.
func (q *Queue) reviveVideoLocked(turnID string) {
	key := Key{TurnID: turnID, Modality: types.ModalityVideo}
	it, ok := q.failed[key]
	if !ok || q.closed || !errors.Is(it.err, ErrImageNotReady) {
		return
	}
	q.stopRetryLocked(key)
	delete(q.failed, key)
	if !q.store.MarkPending(turnID, types.ModalityVideo, false) {
		return
	}
	q.pushLocked(&Item{Key: key, Prompt: it.Prompt, EnqueuedAt: time.Now()})
	slog.Debug("mediaqueue: image ready, video re-enqueued", "turn_id", turnID)
}

func (q *Queue) scheduleRetryLocked(it *Item) {
	q.retries[it.Key] = time.AfterFunc(q.backoffFor(it.RetryCount), func() {
		q.mu.Lock()
		// A stopped timer may still fire; the item identity decides.
		if q.failed[it.Key] != it {
			q.mu.Unlock()
			return
		}
		delete(q.retries, it.Key)
		ok := q.retryLocked(it.Key, it)
		q.signalIdleLocked()
		q.mu.Unlock()

		if ok {
			q.metrics.RecordMediaRetry(q.ctx, it.Modality.String())
			q.kick()
		}
	})
}

// backoffFor returns the delay before retry number n+1.
func (q *Queue) backoffFor(n int) time.Duration {
	d := q.backoff
	for range n {
		if d >= q.backoffMax {
			break
		}
		d *= 2
	}
	return min(d, q.backoffMax)
}

func (q *Queue) emit(ev Event) {
	q.listenerMu.RLock()
	ls := append([]SettleFunc(nil), q.listeners...)
	q.listenerMu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// PromptFor returns the generation prompt of modality m for turn t: the
// narrative text for audio, the visual prompt otherwise.
func PromptFor(t timeline.Turn, m types.Modality) string {
	if m == types.ModalityAudio {
		return t.Text
	}
	if t.VisualPrompt == "" {
		return t.Text
	}
	return t.VisualPrompt
}
