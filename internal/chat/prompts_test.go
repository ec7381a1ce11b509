package chat

import (
	"strings"
	"testing"

	"docent/internal/knowledge"
	"docent/pkg/llm"
)

func TestBuildSystemPromptWithSnippets(t *testing.T) {
	snippets := []knowledge.Snippet{
		{Title: "Opening hours", Content: "We are open 9-5 on weekdays."},
		{Title: "Pricing", Content: "Standard sessions cost 40 euro."},
	}

	prompt := buildSystemPrompt("Atelier Rosa", snippets)

	if !strings.Contains(prompt, "Atelier Rosa") {
		t.Fatal("expected tenant name in system prompt")
	}
	if !strings.Contains(prompt, "Opening hours\nWe are open 9-5 on weekdays.") {
		t.Fatal("expected title\\ncontent formatting for snippets")
	}
	if !strings.Contains(prompt, contextHeader) || !strings.Contains(prompt, contextFooter) {
		t.Fatal("expected context delimiters around snippets")
	}
	if strings.Contains(prompt, noContextNotice) {
		t.Fatal("no-context notice must not appear when snippets exist")
	}
}

func TestBuildSystemPromptWithoutSnippets(t *testing.T) {
	prompt := buildSystemPrompt("", nil)

	if !strings.Contains(prompt, "this business") {
		t.Fatal("expected fallback name when tenant name is empty")
	}
	if !strings.Contains(prompt, noContextNotice) {
		t.Fatal("expected no-context notice")
	}
	if strings.Contains(prompt, contextHeader) {
		t.Fatal("context delimiters must not appear without snippets")
	}
}

func TestBuildPromptMessagesShape(t *testing.T) {
	history := []Message{
		{Sender: SenderUser, Text: "hello"},
		{Sender: SenderAssistant, Text: "hi there"},
	}

	messages := buildPromptMessages("system content", promptHistory(history), "what are your hours?")

	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[0].Role != llm.RoleSystem {
		t.Fatalf("first message must be system, got %q", messages[0].Role)
	}
	last := messages[len(messages)-1]
	if last.Role != llm.RoleUser || last.Content != "what are your hours?" {
		t.Fatalf("last message must be the current user message, got %+v", last)
	}
	if messages[1].Role != llm.RoleUser || messages[2].Role != llm.RoleAssistant {
		t.Fatalf("history roles not mapped in order: %+v", messages[1:3])
	}
}

func TestPromptHistoryCapsAtLimit(t *testing.T) {
	var history []Message
	for i := 0; i < 12; i++ {
		sender := SenderUser
		if i%2 == 1 {
			sender = SenderAssistant
		}
		history = append(history, Message{Sender: sender, Text: strings.Repeat("m", i+1)})
	}

	replay := promptHistory(history)

	if len(replay) != historyPromptLimit {
		t.Fatalf("expected %d replayed turns, got %d", historyPromptLimit, len(replay))
	}
	// The most recent turns survive, in stored order.
	if replay[len(replay)-1].Text != history[len(history)-1].Text {
		t.Fatal("expected the newest turn to be kept")
	}
	if replay[0].Text != history[len(history)-historyPromptLimit].Text {
		t.Fatal("expected the oldest surviving turn to line up with the tail window")
	}
}

func TestPromptHistorySkipsLegacySenders(t *testing.T) {
	history := []Message{
		{Sender: SenderUser, Text: "hello"},
		{Sender: "system", Text: "legacy row"},
		{Sender: SenderAssistant, Text: "hi"},
	}

	replay := promptHistory(history)

	if len(replay) != 2 {
		t.Fatalf("expected legacy sender to be skipped, got %d entries", len(replay))
	}
	for _, msg := range replay {
		if msg.Sender != SenderUser && msg.Sender != SenderAssistant {
			t.Fatalf("unexpected sender %q in replay", msg.Sender)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 2},                     // ceil(1 * 1.3)
		{"one two three four five", 7}, // ceil(5 * 1.3)
		{"a b c d e f g h i j", 13},    // ceil(10 * 1.3)
	}
	for _, tc := range cases {
		if got := estimateTokens(tc.text); got != tc.want {
			t.Fatalf("estimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestTokenUsageTotals(t *testing.T) {
	u := TokenUsage{Rewrite: 1, System: 2, History: 3, Message: 4, Output: 5}
	if u.Input() != 10 {
		t.Fatalf("Input() = %d, want 10", u.Input())
	}
	if u.Total() != 15 {
		t.Fatalf("Total() = %d, want 15", u.Total())
	}
}
