// Package director produces the next narrative turn from the player's action.
//
// A [Director] receives recent narrative history, the current ledger and
// relationship-graph summary, and the player's action, and returns narrative
// text, a visual prompt, ledger/graph deltas and the next choices.
//
// [LLMDirector] implements the protocol over any [llm.Provider] by asking for
// a single JSON object. [Guard] wraps any Director and never fails: errors,
// timeouts and malformed replies are replaced by [FallbackResponse] so the
// player always has at least one choice.
package director

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/storyloom/pkg/state"
)

// ErrMalformedResponse is returned when a reply cannot be decoded into a
// usable turn.
var ErrMalformedResponse = errors.New("director: malformed response")

// State is the simulation state shown to the director.
type State struct {
	Ledger       state.Ledger
	GraphSummary string
	Location     string
}

// Request is the input of one director call.
type Request struct {
	// History is the narrative text of recent turns, oldest first.
	History []string

	State State

	// Action is what the player chose or typed.
	Action string
}

// Response is the next turn as decided by the director.
type Response struct {
	Narrative    string            `json:"narrative"`
	VisualPrompt string            `json:"visualPrompt"`
	LedgerDelta  state.LedgerDelta `json:"ledgerDelta"`
	GraphDelta   state.GraphDelta  `json:"graphDelta"`
	Choices      []string          `json:"choices"`

	Location   string   `json:"location,omitempty"`
	Characters []string `json:"characters,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// Cinematic asks for a video of this turn.
	Cinematic bool `json:"cinematic,omitempty"`

	// Fallback is set on substituted turns.
	Fallback bool `json:"-"`
}

// Validate reports whether r carries the minimum a turn needs.
func (r Response) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Narrative) == "" {
		errs = append(errs, errors.New("narrative is empty"))
	}
	if len(r.nonEmptyChoices()) == 0 {
		errs = append(errs, errors.New("no choices"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrMalformedResponse}, errs...)...)
	}
	return nil
}

func (r Response) nonEmptyChoices() []string {
	out := make([]string, 0, len(r.Choices))
	for _, c := range r.Choices {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Director is the narrative collaborator.
//
// Implementations must be safe for concurrent use.
type Director interface {
	NextTurn(ctx context.Context, req Request) (Response, error)
}

// Fallback text used by [FallbackResponse].
const (
	FallbackNarrative    = "The world holds its breath. Nothing answers, yet the path ahead remains open."
	FallbackVisualPrompt = "a dim, quiet corridor fading into shadow"
)

// FallbackChoices are offered with every fallback turn.
var FallbackChoices = []string{"Look around", "Wait and listen", "Press onward"}

// FallbackResponse returns the fixed turn substituted for a failed director
// call. Its ledger and graph deltas are empty.
func FallbackResponse() Response {
	return Response{
		Narrative:    FallbackNarrative,
		VisualPrompt: FallbackVisualPrompt,
		Choices:      append([]string(nil), FallbackChoices...),
		Fallback:     true,
	}
}
