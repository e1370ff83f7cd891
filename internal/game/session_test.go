package game_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/storyloom/internal/director"
	dirmock "github.com/MrWong99/storyloom/internal/director/mock"
	"github.com/MrWong99/storyloom/internal/game"
	"github.com/MrWong99/storyloom/internal/mediaqueue"
	"github.com/MrWong99/storyloom/internal/observe"
	"github.com/MrWong99/storyloom/internal/snapshot"
	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/provider/media/mock"
	"github.com/MrWong99/storyloom/pkg/state"
	"github.com/MrWong99/storyloom/pkg/types"
)

// fakePlayer records playback requests.
type fakePlayer struct {
	mu     sync.Mutex
	cued   []string
	ready  []string
	resets int
}

func (p *fakePlayer) Cue(turnID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cued = append(p.cued, turnID)
}

func (p *fakePlayer) MarkMediaReady(turnID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = append(p.ready, turnID)
}

func (p *fakePlayer) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *fakePlayer) snapshot() (cued, ready []string, resets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.cued), slices.Clone(p.ready), p.resets
}

type fixture struct {
	sess   *game.Session
	tl     *timeline.Store
	queue  *mediaqueue.Queue
	gen    *mock.Generator
	dir    *dirmock.Director
	player *fakePlayer
	snaps  *snapshot.MemoryStore
}

func newFixture(t *testing.T, edit func(*game.Config)) *fixture {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := &fixture{
		tl:     timeline.New(),
		gen:    &mock.Generator{},
		dir:    &dirmock.Director{NextResponse: reply("The story goes on.")},
		player: &fakePlayer{},
		snaps:  snapshot.NewMemoryStore(),
	}
	f.queue = mediaqueue.New(f.gen, f.tl,
		mediaqueue.WithMetrics(met),
		mediaqueue.WithBackoff(0, time.Millisecond),
		mediaqueue.WithSafetyTick(20*time.Millisecond),
	)
	t.Cleanup(func() { _ = f.queue.Close() })

	cfg := game.Config{
		Director:  f.dir,
		Timeline:  f.tl,
		Queue:     f.queue,
		Player:    f.player,
		Snapshots: f.snaps,
		Media:     game.DefaultMediaPolicy(),
		Metrics:   met,
	}
	if edit != nil {
		edit(&cfg)
	}
	f.sess, err = game.New(cfg)
	if err != nil {
		t.Fatalf("game.New: %v", err)
	}
	return f
}

func reply(narrative string, choices ...string) director.Response {
	if len(choices) == 0 {
		choices = []string{"continue"}
	}
	return director.Response{Narrative: narrative, VisualPrompt: "scene: " + narrative, Choices: choices}
}

func (f *fixture) act(t *testing.T, action string) timeline.Turn {
	t.Helper()
	tr, err := f.sess.Act(context.Background(), action)
	if err != nil {
		t.Fatalf("Act(%q): %v", action, err)
	}
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) mediaReady(id string, m types.Modality) func() bool {
	return func() bool {
		a, ok := f.tl.Media(id, m)
		return ok && a.Status == types.StatusReady
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := game.New(game.Config{}); err == nil {
		t.Error("New with no collaborators succeeded")
	}
}

func TestAct_MergesDeltasAndDropsDanglingEdge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	intro := reply("A warden named A.")
	intro.GraphDelta.NodesAdded = []state.Node{{ID: "A", Label: "Warden"}}
	next := reply("A claims something.")
	next.LedgerDelta.ComplianceScore = state.Float(15)
	next.GraphDelta.EdgesAdded = []state.Edge{{Source: "A", Target: "Z", Relation: "owns", Weight: 5}}
	f.dir.Replies = []dirmock.Reply{{Response: intro}, {Response: next}}

	f.act(t, "")
	before := f.sess.Ledger()
	tr := f.act(t, "obey")

	l := f.sess.Ledger()
	if l.ComplianceScore != min(before.ComplianceScore+15, state.LedgerMax) {
		t.Errorf("complianceScore = %v, want %v", l.ComplianceScore, before.ComplianceScore+15)
	}
	if l.HopeLevel != before.HopeLevel {
		t.Errorf("hopeLevel changed to %v", l.HopeLevel)
	}
	g := f.sess.Graph()
	if g.HasEdge("A", "Z") {
		t.Error("edge A->Z to unknown node was stored")
	}
	if _, ok := g.Node("A"); !ok {
		t.Error("node A missing")
	}
	if tr.Metadata.LedgerSnapshot != l {
		t.Errorf("turn ledger snapshot = %+v, want %+v", tr.Metadata.LedgerSnapshot, l)
	}
	if tr.Action != "obey" || tr.Index != 1 {
		t.Errorf("turn = action %q index %d", tr.Action, tr.Index)
	}
}

func TestAct_SendsStateToDirector(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	first := reply("Rain on the harbour.")
	first.Location = "harbour"
	first.GraphDelta.NodesAdded = []state.Node{{ID: "m", Label: "Mara"}}
	f.dir.Replies = []dirmock.Reply{{Response: first}}

	f.act(t, "")
	f.act(t, "wave at Mara")

	calls := f.dir.Calls()
	if len(calls) != 2 {
		t.Fatalf("director calls = %d, want 2", len(calls))
	}
	req := calls[1]
	if req.Action != "wave at Mara" || req.State.Location != "harbour" {
		t.Errorf("request = %+v", req)
	}
	if len(req.History) != 1 || req.History[0] != "Rain on the harbour." {
		t.Errorf("history = %v", req.History)
	}
	if req.State.GraphSummary == "" {
		t.Error("graph summary is empty")
	}
	if f.sess.Location() != "harbour" {
		t.Errorf("location = %q", f.sess.Location())
	}
}

func TestAct_DirectorFailureYieldsFallbackTurn(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		reply dirmock.Reply
	}{
		{"error", dirmock.Reply{Err: errors.New("llm unavailable")}},
		{"empty narrative", dirmock.Reply{Response: director.Response{Choices: []string{"x"}}}},
		{"no choices", dirmock.Reply{Response: director.Response{Narrative: "text"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			f.dir.Replies = []dirmock.Reply{tc.reply}
			before := f.sess.Ledger()

			tr := f.act(t, "anything")
			if tr.Text != director.FallbackNarrative {
				t.Errorf("text = %q, want fallback", tr.Text)
			}
			if len(tr.Choices) == 0 {
				t.Error("fallback turn has no choices")
			}
			if f.sess.Ledger() != before {
				t.Error("fallback turn changed the ledger")
			}
		})
	}
}

func TestAct_CancelledContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.dir.Block = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.sess.Act(ctx, "wait"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Act err = %v, want deadline exceeded", err)
	}
	if f.tl.Len() != 0 {
		t.Errorf("timeline has %d turns after cancelled act", f.tl.Len())
	}
}

func TestAct_RequestsMediaAndCuesNarration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	tr := f.act(t, "look")

	waitFor(t, "image ready", f.mediaReady(tr.ID, types.ModalityImage))
	waitFor(t, "audio ready", f.mediaReady(tr.ID, types.ModalityAudio))

	cued, _, _ := f.player.snapshot()
	if !slices.Equal(cued, []string{tr.ID}) {
		t.Errorf("cued = %v, want [%s]", cued, tr.ID)
	}
	waitFor(t, "audio ready notice", func() bool {
		_, ready, _ := f.player.snapshot()
		return slices.Contains(ready, tr.ID)
	})
	if v, _ := f.tl.Media(tr.ID, types.ModalityVideo); v.Requested {
		t.Error("video requested for an ordinary turn")
	}
	if st := f.sess.Stats(); st.Timeline.CompletionRate != 100 {
		t.Errorf("completionRate = %v, want 100", st.Timeline.CompletionRate)
	}
}

func TestAct_VideoPolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *game.Config) { c.Media.VideoEvery = 2 })
	cinematic := reply("The tower falls.")
	cinematic.Cinematic = true
	f.dir.Replies = []dirmock.Reply{{Response: cinematic}}

	t0 := f.act(t, "")
	t1 := f.act(t, "a")
	t2 := f.act(t, "b")

	waitFor(t, "video of cinematic turn", f.mediaReady(t0.ID, types.ModalityVideo))
	waitFor(t, "video of second turn", f.mediaReady(t1.ID, types.ModalityVideo))
	waitFor(t, "image of third turn", f.mediaReady(t2.ID, types.ModalityImage))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.queue.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if v, _ := f.tl.Media(t2.ID, types.ModalityVideo); v.Requested {
		t.Errorf("third turn video = %+v, want not requested", v)
	}

	_, _, video := f.gen.Calls()
	if video != 2 {
		t.Errorf("video calls = %d, want 2", video)
	}
}

func TestMediaPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		policy game.MediaPolicy
		turn   timeline.Turn
		want   bool
	}{
		{"default ordinary", game.DefaultMediaPolicy(), timeline.Turn{Index: 3}, false},
		{"default cinematic", game.DefaultMediaPolicy(), timeline.Turn{Cinematic: true}, true},
		{"every third hit", game.MediaPolicy{Image: true, VideoEvery: 3}, timeline.Turn{Index: 5}, true},
		{"every third miss", game.MediaPolicy{Image: true, VideoEvery: 3}, timeline.Turn{Index: 4}, false},
		{"no image", game.MediaPolicy{Audio: true, VideoEvery: 1}, timeline.Turn{Cinematic: true}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.WantsVideo(tc.turn); got != tc.want {
				t.Errorf("WantsVideo = %v, want %v", got, tc.want)
			}
		})
	}
	if got := (game.MediaPolicy{Audio: true}).Initial(); !slices.Equal(got, []types.Modality{types.ModalityAudio}) {
		t.Errorf("Initial = %v", got)
	}
}

func TestAct_KeepLastPrunes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *game.Config) {
		c.KeepLast = 2
		c.Media = game.MediaPolicy{}
	})
	for _, a := range []string{"a", "b", "c", "d"} {
		f.act(t, a)
	}
	turns := f.tl.Turns()
	if len(turns) != 2 || turns[0].Index != 2 || turns[1].Index != 3 {
		t.Fatalf("turns after prune = %d (first index %d)", len(turns), turns[0].Index)
	}
	if cur, _ := f.tl.Current(); cur.Index != 3 {
		t.Errorf("cursor index = %d, want 3", cur.Index)
	}
}

func TestAct_KeepLastForgetsFailedMedia(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *game.Config) {
		c.KeepLast = 1
		c.Media = game.MediaPolicy{Image: true}
	})
	fails := make([]mock.Result, mediaqueue.DefaultMaxRetries+1)
	for i := range fails {
		fails[i] = mock.Result{Err: errors.New("no gpu")}
	}
	f.gen.ImageResults = fails

	first := f.act(t, "a")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.queue.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if st := f.sess.Stats(); st.Queue.Failed != 1 {
		t.Fatalf("queue = %+v, want one parked failure", st.Queue)
	}

	second := f.act(t, "b")
	if f.tl.Contains(first.ID) {
		t.Fatal("first turn not pruned")
	}
	if st := f.sess.Stats(); st.Queue.Failed != 0 {
		t.Errorf("queue = %+v, want the pruned failure forgotten", st.Queue)
	}
	waitFor(t, "image of retained turn", f.mediaReady(second.ID, types.ModalityImage))
}

func TestStartAndChoose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *game.Config) { c.Opening = "wake up" })
	f.dir.Replies = []dirmock.Reply{{Response: reply("You wake.", "stand", "sleep")}}

	first, err := f.sess.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Action != "wake up" {
		t.Errorf("opening action = %q", first.Action)
	}
	again, _ := f.sess.Start(context.Background())
	if again.ID != first.ID {
		t.Error("Start on a running session produced a new turn")
	}
	if got := f.sess.Choices(); !slices.Equal(got, []string{"stand", "sleep"}) {
		t.Errorf("Choices = %v", got)
	}

	if _, err := f.sess.Choose(context.Background(), 3); !errors.Is(err, game.ErrNoChoice) {
		t.Errorf("Choose(3) err = %v, want ErrNoChoice", err)
	}
	tr, err := f.sess.Choose(context.Background(), 2)
	if err != nil {
		t.Fatalf("Choose(2): %v", err)
	}
	if tr.Action != "sleep" {
		t.Errorf("action = %q, want sleep", tr.Action)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	r := reply("Fear creeps in.")
	r.LedgerDelta.FearLevel = state.Float(70)
	f.dir.Replies = []dirmock.Reply{{Response: r}}

	first := f.act(t, "")
	waitFor(t, "audio ready", f.mediaReady(first.ID, types.ModalityAudio))
	waitFor(t, "image ready", f.mediaReady(first.ID, types.ModalityImage))
	ctx := context.Background()
	if err := f.sess.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	saved := f.sess.Ledger()

	f.dir.NextResponse.LedgerDelta.FearLevel = state.Float(5)
	f.act(t, "calm down")

	if err := f.sess.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.tl.Len() != 1 || f.tl.CurrentID() != first.ID {
		t.Errorf("timeline after load: len %d current %q", f.tl.Len(), f.tl.CurrentID())
	}
	if f.sess.Ledger() != saved {
		t.Errorf("ledger = %+v, want %+v", f.sess.Ledger(), saved)
	}
	if a, _ := f.tl.Media(first.ID, types.ModalityAudio); a.Status != types.StatusReady || !a.HasPayload() {
		t.Errorf("restored audio = %v", a.Status)
	}
	if _, _, resets := f.player.snapshot(); resets != 1 {
		t.Errorf("player resets = %d, want 1", resets)
	}
}

func TestLoad_FailureLeavesSessionUntouched(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		blob []byte
		want error
	}{
		{"missing", nil, snapshot.ErrNotFound},
		{"corrupt", []byte("{\"version\":1,\"timeline\":"), snapshot.ErrCorrupt},
		{"future", []byte(`{"version":99}`), snapshot.ErrUnsupportedVersion},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, func(c *game.Config) { c.Media = game.MediaPolicy{} })
			r := reply("Still here.")
			r.LedgerDelta.TrustLevel = state.Float(90)
			f.dir.Replies = []dirmock.Reply{{Response: r}}
			tr := f.act(t, "")
			if tc.blob != nil {
				_ = f.snaps.Save(context.Background(), snapshot.DefaultKey, tc.blob)
			}
			before := f.sess.Ledger()

			err := f.sess.Load(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("Load err = %v, want %v", err, tc.want)
			}
			if f.tl.Len() != 1 || f.tl.CurrentID() != tr.ID {
				t.Error("timeline changed by failed load")
			}
			if f.sess.Ledger() != before {
				t.Error("ledger changed by failed load")
			}
			if _, _, resets := f.player.snapshot(); resets != 0 {
				t.Error("player reset by failed load")
			}
		})
	}
}

func TestLoad_ResumesInterruptedMedia(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *game.Config) { c.ResumeMedia = true })

	// A snapshot taken while the image job was still running.
	src := timeline.New()
	tr := src.Register("interrupted", "a broken bridge", timeline.TurnOptions{})
	src.MarkPending(tr.ID, types.ModalityImage, false)
	src.MarkInProgress(tr.ID, types.ModalityImage)
	blob, err := snapshot.Encode(snapshot.Snapshot{Ledger: state.DefaultLedger(), Timeline: src.Export()})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_ = f.snaps.Save(context.Background(), snapshot.DefaultKey, blob)

	if err := f.sess.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitFor(t, "resumed image", f.mediaReady(tr.ID, types.ModalityImage))
	if a, _ := f.tl.Media(tr.ID, types.ModalityAudio); a.Requested {
		t.Error("audio was never requested but got resumed")
	}
}

func TestSaveLoad_WithoutStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *game.Config) { c.Snapshots = nil })
	if err := f.sess.Save(context.Background()); !errors.Is(err, game.ErrNoSnapshots) {
		t.Errorf("Save err = %v", err)
	}
	if err := f.sess.Load(context.Background()); !errors.Is(err, game.ErrNoSnapshots) {
		t.Errorf("Load err = %v", err)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	start := state.DefaultLedger()
	start.TrustLevel = 10
	f := newFixture(t, func(c *game.Config) {
		c.Ledger = &start
		c.Media = game.MediaPolicy{}
	})
	r := reply("Bonds form.")
	r.LedgerDelta.TrustLevel = state.Float(80)
	r.GraphDelta.NodesAdded = []state.Node{{ID: "x", Label: "X"}}
	f.dir.Replies = []dirmock.Reply{{Response: r}}
	f.act(t, "")

	f.sess.Reset()
	if f.tl.Len() != 0 {
		t.Errorf("timeline len = %d after reset", f.tl.Len())
	}
	if f.sess.Ledger() != start {
		t.Errorf("ledger = %+v, want initial %+v", f.sess.Ledger(), start)
	}
	if len(f.sess.Graph().Nodes) != 0 {
		t.Error("graph survived reset")
	}
	if _, _, resets := f.player.snapshot(); resets != 1 {
		t.Errorf("player resets = %d, want 1", resets)
	}
	if tr := f.act(t, "again"); tr.Index != 0 {
		t.Errorf("first index after reset = %d, want 0", tr.Index)
	}
}

func TestRegenerateAndRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *game.Config) { c.Media = game.MediaPolicy{Image: true} })
	f.gen.ImageResults = []mock.Result{{Err: errors.New("a")}, {Err: errors.New("b")}, {Err: errors.New("c")}, {Err: errors.New("d")}}
	tr := f.act(t, "")

	waitFor(t, "image parked", func() bool {
		it, ok := f.queue.Item(tr.ID, types.ModalityImage)
		return ok && it.RetryCount == mediaqueue.DefaultMaxRetries && f.queue.Counts().Failed == 1
	})
	if f.sess.Retry(tr.ID, types.ModalityImage) {
		t.Error("Retry beyond the budget accepted")
	}
	if !f.sess.Regenerate(tr.ID) {
		t.Fatal("Regenerate rejected")
	}
	waitFor(t, "regenerated image", f.mediaReady(tr.ID, types.ModalityImage))
}

func TestSnapshotMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := newFixture(t, func(c *game.Config) {
		c.Metrics = met
		c.Media = game.MediaPolicy{}
	})

	ctx := context.Background()
	_ = f.sess.Load(ctx) // not found
	f.act(t, "")
	_ = f.sess.Save(ctx)
	_ = f.sess.Load(ctx)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "storyloom.snapshot.ops":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					op, _ := dp.Attributes.Value("op")
					status, _ := dp.Attributes.Value("status")
					got[op.AsString()+"/"+status.AsString()] += dp.Value
				}
			case "storyloom.turns.registered":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					got["turns"] += dp.Value
				}
			}
		}
	}
	want := map[string]int64{"load/not_found": 1, "save/ok": 1, "load/ok": 1, "turns": 1}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d (all %v)", k, got[k], v, got)
		}
	}
}
