package director

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/storyloom/internal/observe"
	"github.com/MrWong99/storyloom/pkg/provider/llm"
)

// DefaultSystemPrompt describes the JSON reply contract to the model.
const DefaultSystemPrompt = `You are the director of an interactive story. Continue the story from the player's action.
Reply with exactly one JSON object and nothing else, using these fields:
  "narrative":    the prose of the next beat (required)
  "visualPrompt": a short description of the scene for an illustrator
  "ledgerDelta":  changed ledger values, any of traumaLevel, complianceScore, hopeLevel, fearLevel, fatigueLevel, sanityLevel, trustLevel (0-100)
  "graphDelta":   {"nodes_added":[{"id","label","group","weight"}], "nodes_removed":[ids], "edges_added":[{"source","target","relation","weight"}], "edges_removed":[{"source","target"}]}
  "choices":      two to four short options for the player (required)
  "location":     where the scene takes place
  "characters":   names of characters present
  "cinematic":    true only for a pivotal moment worth animating`

// DefaultHistory is how many recent turns are sent to the model.
const DefaultHistory = 8

// Compile-time interface assertion.
var _ Director = (*LLMDirector)(nil)

// LLMOption configures an [LLMDirector].
type LLMOption func(*LLMDirector)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(p string) LLMOption {
	return func(d *LLMDirector) { d.systemPrompt = p }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMOption {
	return func(d *LLMDirector) { d.temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) LLMOption {
	return func(d *LLMDirector) { d.maxTokens = n }
}

// WithHistory sets how many recent turns are included in the prompt.
func WithHistory(n int) LLMOption {
	return func(d *LLMDirector) {
		if n > 0 {
			d.history = n
		}
	}
}

// LLMDirector asks an LLM for the next turn as a JSON object.
type LLMDirector struct {
	llm          llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
	history      int
}

// NewLLM returns a director backed by p.
func NewLLM(p llm.Provider, opts ...LLMOption) *LLMDirector {
	d := &LLMDirector{
		llm:          p,
		systemPrompt: DefaultSystemPrompt,
		temperature:  0.9,
		history:      DefaultHistory,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NextTurn implements [Director].
func (d *LLMDirector) NextTurn(ctx context.Context, req Request) (Response, error) {
	ctx, span := observe.StartSpan(ctx, "director.next_turn", trace.WithAttributes(
		attribute.Int("history", len(req.History)),
	))
	defer span.End()

	resp, err := d.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: d.systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: d.prompt(req)}},
		Temperature:  d.temperature,
		MaxTokens:    d.maxTokens,
	})
	if err != nil {
		observe.SpanError(span, err)
		return Response{}, fmt.Errorf("director: complete: %w", err)
	}
	if resp == nil {
		return Response{}, fmt.Errorf("%w: empty completion", ErrMalformedResponse)
	}
	span.SetAttributes(attribute.Int("tokens.total", resp.Usage.TotalTokens))

	out, err := ParseResponse(resp.Content)
	if err != nil {
		observe.SpanError(span, err)
		return Response{}, err
	}
	return out, nil
}

// prompt renders the user message for req.
func (d *LLMDirector) prompt(req Request) string {
	var b strings.Builder
	history := req.History
	if len(history) > d.history {
		history = history[len(history)-d.history:]
	}
	if len(history) > 0 {
		b.WriteString("Story so far:\n")
		for i, h := range history {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h)
		}
		b.WriteString("\n")
	}

	b.WriteString("Ledger:")
	values := req.State.Ledger.Values()
	for _, k := range ledgerKeys {
		fmt.Fprintf(&b, " %s=%.0f", k, values[k])
	}
	b.WriteString("\n")
	if req.State.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", req.State.Location)
	}
	if req.State.GraphSummary != "" {
		b.WriteString(req.State.GraphSummary)
	}
	fmt.Fprintf(&b, "\nPlayer action: %s\n", req.Action)
	return b.String()
}

var ledgerKeys = []string{
	"traumaLevel", "complianceScore", "hopeLevel", "fearLevel",
	"fatigueLevel", "sanityLevel", "trustLevel",
}

// ParseResponse decodes a model reply. Markdown code fences and prose around
// the outermost JSON object are ignored. Blank choices are dropped.
func ParseResponse(content string) (Response, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return Response{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}

	var out Response
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	out.Narrative = strings.TrimSpace(out.Narrative)
	out.Choices = out.nonEmptyChoices()
	if err := out.Validate(); err != nil {
		return Response{}, err
	}
	if out.VisualPrompt == "" {
		out.VisualPrompt = out.Narrative
	}
	return out, nil
}
