package main

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/storyloom/internal/app"
	"github.com/MrWong99/storyloom/internal/config"
	"github.com/MrWong99/storyloom/internal/observe"
	"github.com/MrWong99/storyloom/pkg/provider/llm"
	llmmock "github.com/MrWong99/storyloom/pkg/provider/llm/mock"
	"github.com/MrWong99/storyloom/pkg/provider/media"
	mediamock "github.com/MrWong99/storyloom/pkg/provider/media/mock"
	"github.com/MrWong99/storyloom/pkg/types"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "", want: command{}},
		{line: "   ", want: command{}},
		{line: "2", want: command{name: "choose", n: 2, hasN: true}},
		{line: "open the door", want: command{name: "act", text: "open the door"}},
		{line: ":play", want: command{name: "play"}},
		{line: ":play 3", want: command{name: "play", n: 3, hasN: true}},
		{line: ":play x", wantErr: true},
		{line: ":PAUSE", want: command{name: "pause"}},
		{line: ":pause now", wantErr: true},
		{line: ":regen", want: command{name: "regen"}},
		{line: ":regen 1 image video", want: command{
			name: "regen", n: 1, hasN: true,
			modalities: []types.Modality{types.ModalityImage, types.ModalityVideo},
		}},
		{line: ":regen audio", want: command{name: "regen", modalities: []types.Modality{types.ModalityAudio}}},
		{line: ":regen 1 smell", wantErr: true},
		{line: ":retry 0 audio", want: command{name: "retry", n: 0, hasN: true, modalities: []types.Modality{types.ModalityAudio}}},
		{line: ":retry audio", wantErr: true},
		{line: ":seek 1.5", want: command{name: "seek", seek: 1500 * time.Millisecond}},
		{line: ":seek -1", wantErr: true},
		{line: ":auto on", want: command{name: "auto", on: true}},
		{line: ":auto off", want: command{name: "auto"}},
		{line: ":auto maybe", wantErr: true},
		{line: ":volume 0.5", want: command{name: "volume", volume: 0.5}},
		{line: ":volume 2", wantErr: true},
		{line: ":", wantErr: true},
		{line: ":dance", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			got, err := parseCommand(tc.line)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseCommand(%q) = %+v, want error", tc.line, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand(%q): %v", tc.line, err)
			}
			if got.name != tc.want.name || got.text != tc.want.text || got.n != tc.want.n ||
				got.hasN != tc.want.hasN || got.seek != tc.want.seek || got.volume != tc.want.volume ||
				got.on != tc.want.on || !slices.Equal(got.modalities, tc.want.modalities) {
				t.Errorf("parseCommand(%q) = %+v, want %+v", tc.line, got, tc.want)
			}
		})
	}
}

func TestParseCommand_UsageErrors(t *testing.T) {
	t.Parallel()

	_, err := parseCommand(":seek soon")
	if !errors.Is(err, errUsage) {
		t.Errorf("err = %v, want errUsage", err)
	}
}

const replTurn = `{"narrative":"Rain drums on the roof.","choices":["Listen","Sleep"]}`

func newTestREPL(t *testing.T, out *bytes.Buffer) (*repl, *app.App) {
	t.Helper()
	cfg := &config.Config{
		Providers: config.ProvidersConfig{Director: config.ProviderEntry{Name: "openai"}},
		Snapshot:  config.SnapshotConfig{Backend: config.BackendMemory},
	}
	config.ApplyDefaults(cfg)
	gen := &mediamock.Generator{}
	providers := &app.Providers{
		Director: []app.Named[llm.Provider]{{
			Name:     "mock",
			Provider: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: replTurn}},
		}},
		Image:  []app.Named[media.ImageGenerator]{{Name: "mock", Provider: gen}},
		Speech: []app.Named[media.SpeechGenerator]{{Name: "mock", Provider: gen}},
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a, err := app.New(context.Background(), cfg, providers, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return newREPL(a.Session(), a.Player(), out), a
}

func TestREPL_Run(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r, a := newTestREPL(t, &out)

	in := strings.NewReader("1\n:dance\n:save\n:stats\n:quit\n:help\n")
	if err := r.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"[turn 0] Rain drums on the roof.",
		"[turn 1] Rain drums on the roof.",
		"  1) Listen",
		"error: unknown command :dance",
		"saved",
		`"totalTurns": 2`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "commands:") {
		t.Error("commands after :quit were executed")
	}
	if n := a.Session().Timeline().Len(); n != 2 {
		t.Errorf("timeline has %d turns, want 2", n)
	}
}

func TestREPL_Exec(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r, a := newTestREPL(t, &out)
	ctx := context.Background()
	if _, err := a.Session().Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Queue().WaitIdle(waitCtx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	run := func(line string) error {
		t.Helper()
		c, err := parseCommand(line)
		if err != nil {
			t.Fatalf("parseCommand(%q): %v", line, err)
		}
		_, err = r.exec(ctx, c)
		return err
	}

	if err := run(":play"); err != nil {
		t.Fatalf(":play: %v", err)
	}
	if !a.Player().Status().HasUserGesture {
		t.Error(":play did not register a user gesture")
	}
	if err := run(":volume 0.25"); err != nil {
		t.Fatalf(":volume: %v", err)
	}
	if err := run(":auto off"); err != nil {
		t.Fatalf(":auto: %v", err)
	}
	st := a.Player().Status()
	if st.Volume != 0.25 || st.AutoAdvance {
		t.Errorf("player status = %+v", st)
	}

	if err := run(":play 7"); err == nil {
		t.Error(":play 7 succeeded on a one-turn timeline")
	}
	if err := run(":next"); err == nil {
		t.Error(":next succeeded at the last turn")
	}
	if err := run("5"); err == nil {
		t.Error("choice 5 succeeded with two choices")
	}
	if err := run(":regen image"); err != nil {
		t.Errorf(":regen image: %v", err)
	}
	if err := run(":reset"); err != nil {
		t.Fatalf(":reset: %v", err)
	}
	if n := a.Session().Timeline().Len(); n != 1 {
		t.Errorf("after reset timeline has %d turns, want 1", n)
	}
}
