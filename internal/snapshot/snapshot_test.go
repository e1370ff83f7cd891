package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/state"
	"github.com/MrWong99/storyloom/pkg/types"
)

// sampleSnapshot builds a two-turn session with media in every state.
func sampleSnapshot(t *testing.T) Snapshot {
	t.Helper()
	tl := timeline.New()
	a := tl.Register("first", "a cell", timeline.TurnOptions{})
	b := tl.Register("second", "a corridor", timeline.TurnOptions{Choices: []string{"run"}})

	tl.MarkPending(a.ID, types.ModalityImage, false)
	tl.Complete(a.ID, types.ModalityImage, timeline.Payload{Data: []byte("png")}, 1)
	tl.MarkPending(a.ID, types.ModalityAudio, false)
	tl.Complete(a.ID, types.ModalityAudio, timeline.Payload{
		Data:     make([]byte, 1600),
		Format:   audio.Format{SampleRate: 8000, Channels: 1},
		Duration: 100 * time.Millisecond,
	}, 0)
	tl.MarkPending(a.ID, types.ModalityVideo, false)
	tl.Fail(a.ID, types.ModalityVideo, "render farm down", 3)

	tl.MarkPending(b.ID, types.ModalityImage, false)
	tl.MarkInProgress(b.ID, types.ModalityImage)
	tl.MarkPending(b.ID, types.ModalityAudio, false)
	tl.SetCurrent(a.ID)

	g := state.ReconcileGraph(state.Graph{}, state.GraphDelta{
		NodesAdded: []state.Node{{ID: "A", Label: "Warden"}, {ID: "B", Label: "Prisoner"}},
		EdgesAdded: []state.Edge{{Source: "A", Target: "B", Relation: "guards", Weight: 3}},
	})
	l := state.DefaultLedger()
	l.FearLevel = 40
	return Snapshot{Ledger: l, Graph: g, Timeline: tl.Export()}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()
	in := sampleSnapshot(t)
	blob, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if out.Version != Version || out.SavedAt.IsZero() {
		t.Errorf("header = v%d at %v", out.Version, out.SavedAt)
	}
	if out.Ledger != in.Ledger {
		t.Errorf("ledger = %+v, want %+v", out.Ledger, in.Ledger)
	}
	if len(out.Graph.Edges) != 1 || len(out.Graph.Nodes) != 2 {
		t.Errorf("graph = %+v", out.Graph)
	}
	if out.Timeline.Current != in.Timeline.Current || out.Timeline.NextIndex != 2 {
		t.Errorf("timeline cursor = %q next = %d", out.Timeline.Current, out.Timeline.NextIndex)
	}

	a := out.Timeline.Turns[0]
	if a.Image.Status != types.StatusReady || string(a.Image.Data) != "png" || a.Image.RetryCount != 1 {
		t.Errorf("image = %+v", a.Image)
	}
	if a.Audio.Status != types.StatusReady || a.Audio.Duration != 100*time.Millisecond || !a.Audio.Format.Valid() {
		t.Errorf("audio = %+v", a.Audio)
	}
	if a.Video.Status != types.StatusError || a.Video.LastError != "render farm down" {
		t.Errorf("video = %+v", a.Video)
	}
}

func TestDecode_RehydratesInFlightAsIdle(t *testing.T) {
	t.Parallel()
	blob, err := Encode(sampleSnapshot(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b := out.Timeline.Turns[1]
	for _, m := range []types.Modality{types.ModalityImage, types.ModalityAudio} {
		art := b.Media(m)
		if art.Status != types.StatusIdle || art.HasPayload() {
			t.Errorf("%s = %+v, want idle without payload", m, art)
		}
		if !art.Requested {
			t.Errorf("%s lost its requested flag", m)
		}
	}
}

func TestDecode_RepairsInconsistentArtifacts(t *testing.T) {
	t.Parallel()
	s := sampleSnapshot(t)
	s.Timeline.Turns[0].Image.Data = nil // ready without payload
	s.Timeline.Turns[1].Video.URL = "http://stale"
	s.Ledger.TraumaLevel = 999
	s.Graph.Edges = append(s.Graph.Edges, state.Edge{Source: "A", Target: "Z", Relation: "owns"})

	blob, _ := Encode(s)
	out, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img := out.Timeline.Turns[0].Image; img.Status != types.StatusIdle {
		t.Errorf("ready image without payload = %v, want idle", img.Status)
	}
	if v := out.Timeline.Turns[1].Video; v.HasPayload() {
		t.Errorf("idle video kept payload: %+v", v)
	}
	if out.Ledger.TraumaLevel != 100 {
		t.Errorf("trauma = %v, want clamped to 100", out.Ledger.TraumaLevel)
	}
	if out.Graph.HasEdge("A", "Z") {
		t.Error("dangling edge survived decode")
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	good, _ := Encode(sampleSnapshot(t))

	var doc map[string]any
	_ = json.Unmarshal(good, &doc)
	doc["version"] = Version + 1
	future, _ := json.Marshal(doc)
	delete(doc, "version")
	unversioned, _ := json.Marshal(doc)

	s := sampleSnapshot(t)
	s.Timeline.Turns[1].ID = s.Timeline.Turns[0].ID
	dup, _ := Encode(s)

	tests := []struct {
		name string
		blob []byte
		want error
	}{
		{"empty", nil, ErrCorrupt},
		{"whitespace", []byte("  \n"), ErrCorrupt},
		{"garbage", []byte("not json at all"), ErrCorrupt},
		{"truncated", good[:len(good)/2], ErrCorrupt},
		{"missing version", unversioned, ErrCorrupt},
		{"future version", future, ErrUnsupportedVersion},
		{"duplicate turn ids", dup, ErrCorrupt},
		{"unknown status", []byte(`{"version":1,"timeline":{"turns":[{"id":"x","index":0,"image":{"status":"melted"}}]}}`), ErrCorrupt},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.blob); !errors.Is(err, tc.want) {
				t.Errorf("Decode err = %v, want %v", err, tc.want)
			}
		})
	}
}

// --- Store backends ---

// fakeRedis implements RedisClient over a map.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  time.Duration
	err  error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	b, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(b), nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = append([]byte(nil), value.([]byte)...)
	f.ttl = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// fakeDB implements DB over a map keyed by session key.
type fakeDB struct {
	mu    sync.Mutex
	rows  map[string][]byte
	execs []string
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[args[0].(string)]
	return &mockRow{scanFunc: func(dest ...any) error {
		if !ok {
			return pgx.ErrNoRows
		}
		*dest[0].(*[]byte) = append([]byte(nil), b...)
		return nil
	}}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	switch {
	case strings.Contains(sql, "INSERT INTO session_snapshots"):
		f.rows[args[0].(string)] = append([]byte(nil), args[1].([]byte)...)
	case strings.Contains(sql, "DELETE FROM session_snapshots"):
		delete(f.rows, args[0].(string))
	}
	return pgconn.CommandTag{}, nil
}

func TestStores_SaveLoadDelete(t *testing.T) {
	t.Parallel()
	files, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	stores := []struct {
		name  string
		store Store
	}{
		{"memory", NewMemoryStore()},
		{"file", files},
		{"redis", NewRedisStore(&fakeRedis{data: map[string][]byte{}})},
		{"postgres", NewPostgresStore(&fakeDB{rows: map[string][]byte{}})},
	}

	blob, err := Encode(sampleSnapshot(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ctx := context.Background()

	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tc.store.Load(ctx, DefaultKey); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load before save err = %v, want ErrNotFound", err)
			}
			if err := tc.store.Save(ctx, DefaultKey, []byte(`{"version":1}`)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := tc.store.Save(ctx, DefaultKey, blob); err != nil {
				t.Fatalf("overwrite Save: %v", err)
			}
			got, err := tc.store.Load(ctx, DefaultKey)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if _, err := Decode(got); err != nil {
				t.Fatalf("Decode loaded blob: %v", err)
			}
			if string(got) != string(blob) {
				t.Error("loaded blob differs from saved blob")
			}

			if err := tc.store.Delete(ctx, DefaultKey); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := tc.store.Delete(ctx, DefaultKey); err != nil {
				t.Errorf("Delete of missing key: %v", err)
			}
			if _, err := tc.store.Load(ctx, DefaultKey); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load after delete err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRedisStore_TTLAndErrors(t *testing.T) {
	t.Parallel()
	fr := &fakeRedis{data: map[string][]byte{}}
	s := NewRedisStore(fr, WithTTL(time.Hour))
	if err := s.Save(context.Background(), "k", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if fr.ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", fr.ttl)
	}

	fr.err = errors.New("connection refused")
	_, err := s.Load(context.Background(), "k")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Load err = %v, want transport error", err)
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	db := &fakeDB{rows: map[string][]byte{}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS session_snapshots") {
		t.Errorf("execs = %v", db.execs)
	}
}

func TestFileStore_KeysStayInsideDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	p, err := s.path("../../etc/passwd")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if !strings.HasPrefix(p, dir) {
		t.Errorf("path %q escapes %q", p, dir)
	}
	if _, err := s.path(" "); err == nil {
		t.Error("empty key accepted")
	}
}
