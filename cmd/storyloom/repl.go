package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/storyloom/internal/game"
	"github.com/MrWong99/storyloom/internal/playback"
	"github.com/MrWong99/storyloom/internal/timeline"
	"github.com/MrWong99/storyloom/pkg/types"
)

const replHelp = `commands:
  N                 pick choice N of the current turn
  <text>            free-form action
  :show             print the current turn again
  :play [N]         play narration of turn N (default: current)
  :pause  :resume  :stop
  :seek SECONDS     move within the active narration
  :next  :prev      move the cursor
  :regen [N] [image|audio|video ...]
                    regenerate media of turn N (default: current)
  :retry N MODALITY retry failed media
  :auto on|off      toggle auto-advance
  :volume V         set volume in [0, 1]
  :save  :load  :reset
  :stats            print session statistics
  :help  :quit`

// command is one parsed console line.
type command struct {
	name       string
	text       string
	n          int
	hasN       bool
	modalities []types.Modality
	seek       time.Duration
	volume     float64
	on         bool
}

var errUsage = errors.New("usage")

// parseCommand parses one console line. An empty line yields a command with
// an empty name.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}
	if !strings.HasPrefix(line, ":") {
		if n, err := strconv.Atoi(line); err == nil {
			return command{name: "choose", n: n, hasN: true}, nil
		}
		return command{name: "act", text: line}, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, fmt.Errorf("%w: empty command", errUsage)
	}
	c := command{name: strings.ToLower(fields[0])}
	args := fields[1:]

	switch c.name {
	case "show", "pause", "resume", "stop", "next", "prev", "save", "load", "reset", "stats", "help", "quit":
		if len(args) > 0 {
			return command{}, fmt.Errorf("%w: :%s takes no arguments", errUsage, c.name)
		}
	case "play":
		if len(args) > 1 {
			return command{}, fmt.Errorf("%w: :play [N]", errUsage)
		}
		if len(args) == 1 {
			if err := c.setN(args[0]); err != nil {
				return command{}, err
			}
		}
	case "regen":
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				c.n, c.hasN = n, true
				args = args[1:]
			}
		}
		for _, a := range args {
			m, err := types.ParseModality(a)
			if err != nil {
				return command{}, err
			}
			c.modalities = append(c.modalities, m)
		}
	case "retry":
		if len(args) != 2 {
			return command{}, fmt.Errorf("%w: :retry N MODALITY", errUsage)
		}
		if err := c.setN(args[0]); err != nil {
			return command{}, err
		}
		m, err := types.ParseModality(args[1])
		if err != nil {
			return command{}, err
		}
		c.modalities = []types.Modality{m}
	case "seek":
		if len(args) != 1 {
			return command{}, fmt.Errorf("%w: :seek SECONDS", errUsage)
		}
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil || secs < 0 {
			return command{}, fmt.Errorf("%w: :seek wants a non-negative number of seconds", errUsage)
		}
		c.seek = time.Duration(secs * float64(time.Second))
	case "auto":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return command{}, fmt.Errorf("%w: :auto on|off", errUsage)
		}
		c.on = args[0] == "on"
	case "volume":
		if len(args) != 1 {
			return command{}, fmt.Errorf("%w: :volume V", errUsage)
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil || v < 0 || v > 1 {
			return command{}, fmt.Errorf("%w: :volume wants a number in [0, 1]", errUsage)
		}
		c.volume = v
	default:
		return command{}, fmt.Errorf("unknown command :%s (try :help)", c.name)
	}
	return c, nil
}

func (c *command) setN(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%w: %q is not a turn number", errUsage, s)
	}
	c.n, c.hasN = n, true
	return nil
}

// repl is the player console.
type repl struct {
	session *game.Session
	player  *playback.Controller
	out     io.Writer
}

func newREPL(s *game.Session, p *playback.Controller, out io.Writer) *repl {
	return &repl{session: s, player: p, out: out}
}

// Run starts or continues the story and reads commands from in until :quit,
// end of input or ctx is done.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	t, err := r.session.Start(ctx)
	if err != nil {
		return err
	}
	r.printTurn(t)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		fmt.Fprint(r.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			line = l
		}

		c, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			continue
		}
		quit, err := r.exec(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// exec runs one command. It reports whether the console should exit.
func (r *repl) exec(ctx context.Context, c command) (bool, error) {
	tl := r.session.Timeline()
	switch c.name {
	case "":
	case "choose":
		t, err := r.session.Choose(ctx, c.n)
		if err != nil {
			return false, err
		}
		r.printTurn(t)
	case "act":
		t, err := r.session.Act(ctx, c.text)
		if err != nil {
			return false, err
		}
		r.printTurn(t)
	case "show":
		t, ok := tl.Current()
		if !ok {
			return false, errors.New("no turn yet")
		}
		r.printTurn(t)
	case "play":
		t, err := r.turn(c)
		if err != nil {
			return false, err
		}
		if err := r.player.Play(t.ID); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "playing turn %d\n", t.Index)
	case "pause":
		if !r.player.Pause() {
			return false, errors.New("nothing is playing")
		}
	case "resume":
		return false, r.player.Resume()
	case "stop":
		r.player.Stop()
	case "seek":
		if !r.player.Seek(c.seek) {
			return false, errors.New("no active narration")
		}
	case "next", "prev":
		moved := tl.Next
		if c.name == "prev" {
			moved = tl.Previous
		}
		if !moved() {
			return false, errors.New("no turn in that direction")
		}
		if t, ok := tl.Current(); ok {
			r.printTurn(t)
		}
	case "regen":
		t, err := r.turn(c)
		if err != nil {
			return false, err
		}
		if !r.session.Regenerate(t.ID, c.modalities...) {
			return false, errors.New("nothing to regenerate")
		}
		fmt.Fprintf(r.out, "regenerating media of turn %d\n", t.Index)
	case "retry":
		t, err := r.turn(c)
		if err != nil {
			return false, err
		}
		if !r.session.Retry(t.ID, c.modalities[0]) {
			return false, fmt.Errorf("%s of turn %d cannot be retried", c.modalities[0], t.Index)
		}
		fmt.Fprintf(r.out, "retrying %s of turn %d\n", c.modalities[0], t.Index)
	case "auto":
		r.player.SetAutoAdvance(c.on)
	case "volume":
		r.player.SetVolume(c.volume)
	case "save":
		if err := r.session.Save(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "saved")
	case "load":
		if err := r.session.Load(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "loaded")
		if t, ok := tl.Current(); ok {
			r.printTurn(t)
		}
	case "reset":
		r.session.Reset()
		t, err := r.session.Start(ctx)
		if err != nil {
			return false, err
		}
		r.printTurn(t)
	case "stats":
		out, err := json.MarshalIndent(struct {
			Session  game.Stats      `json:"session"`
			Playback playback.Status `json:"playback"`
		}{r.session.Stats(), r.player.Status()}, "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, string(out))
	case "help":
		fmt.Fprintln(r.out, replHelp)
	case "quit":
		return true, nil
	}
	return false, nil
}

// turn resolves the turn a command refers to.
func (r *repl) turn(c command) (timeline.Turn, error) {
	tl := r.session.Timeline()
	if !c.hasN {
		t, ok := tl.Current()
		if !ok {
			return timeline.Turn{}, errors.New("no turn yet")
		}
		return t, nil
	}
	t, ok := tl.TurnAt(c.n)
	if !ok {
		return timeline.Turn{}, fmt.Errorf("no turn %d", c.n)
	}
	return t, nil
}

func (r *repl) printTurn(t timeline.Turn) {
	fmt.Fprintf(r.out, "\n[turn %d] %s\n", t.Index, t.Text)
	for i, c := range t.Choices {
		fmt.Fprintf(r.out, "  %d) %s\n", i+1, c)
	}
	var media []string
	for _, m := range []types.Modality{types.ModalityImage, types.ModalityAudio, types.ModalityVideo} {
		if a := t.Media(m); a.Requested {
			media = append(media, m.String()+": "+a.Status.String())
		}
	}
	if len(media) > 0 {
		fmt.Fprintf(r.out, "  (%s)\n", strings.Join(media, ", "))
	}
}
