package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/storyloom/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	tests := []struct {
		role, content string
	}{
		{llm.RoleSystem, "You are the narrator."},
		{llm.RoleUser, "I open the door."},
		{llm.RoleAssistant, `{"narrative":"It creaks."}`},
	}
	for _, tc := range tests {
		got := convertMessage(llm.Message{Role: tc.role, Content: tc.content})
		if got.Role != tc.role {
			t.Errorf("role = %q, want %q", got.Role, tc.role)
		}
		if got.ContentString() != tc.content {
			t.Errorf("content = %q, want %q", got.ContentString(), tc.content)
		}
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature:  0.7,
		MaxTokens:    512,
	})
	if params.Model != "gpt-4o" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("messages = %+v, want system prompt first", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("expected nil temperature and max tokens, got %v %v", params.Temperature, params.MaxTokens)
	}
	if len(params.Messages) != 1 {
		t.Errorf("expected no system message, got %d messages", len(params.Messages))
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Model() != "gpt-4o" {
		t.Errorf("model = %q", p.Model())
	}
}

func TestNew_Ollama_NoAPIKey(t *testing.T) {
	if _, err := New("ollama", "llama3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
