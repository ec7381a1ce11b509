package llm

import "testing"

func TestNewProviderSelection(t *testing.T) {
	cases := []struct {
		provider string
		wantType string
	}{
		{"openai", "*llm.OpenAIProvider"},
		{"OpenAI", "*llm.OpenAIProvider"},
		{"anthropic", "*llm.AnthropicProvider"},
		{"ollama", "*llm.OllamaProvider"},
	}
	for _, tc := range cases {
		p, err := NewProvider(Config{Provider: tc.provider, Model: "m"})
		if err != nil {
			t.Fatalf("NewProvider(%q): %v", tc.provider, err)
		}
		if got := typeName(p); got != tc.wantType {
			t.Errorf("NewProvider(%q) = %s, want %s", tc.provider, got, tc.wantType)
		}
	}
}

func TestNewProviderUnknown(t *testing.T) {
	if _, err := NewProvider(Config{Provider: "bard"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *OpenAIProvider:
		return "*llm.OpenAIProvider"
	case *AnthropicProvider:
		return "*llm.AnthropicProvider"
	case *OllamaProvider:
		return "*llm.OllamaProvider"
	default:
		return "unknown"
	}
}
