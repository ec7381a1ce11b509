package chat

import (
	"strings"

	"docent/internal/knowledge"
	"docent/pkg/llm"
)

// historyPromptLimit caps how many stored turns are replayed into the
// prompt. Older turns are dropped, order is preserved.
const historyPromptLimit = 8

const personaPrompt = `You are a friendly assistant answering visitor questions on behalf of %NAME%.

Keep answers short, casual, and conversational. Do not use bullet points or headings. You may make reasonable inferences from the provided information, but never invent facts, prices, opening hours, or addresses that are not in it. If you don't know, say so plainly and suggest the visitor get in touch.`

const contextHeader = `--- Relevant information ---`
const contextFooter = `--- End of information ---
Use the information above to answer. If the answer is not in it, say you don't know.`

const noContextNotice = `No relevant information was found for this question. Answer from the conversation alone, and be upfront when you cannot help.`

// buildSystemPrompt assembles the single system message: persona
// (personalized with the tenant's display name when present) followed by
// the retrieved context section.
func buildSystemPrompt(tenantName string, snippets []knowledge.Snippet) string {
	name := strings.TrimSpace(tenantName)
	if name == "" {
		name = "this business"
	}
	var b strings.Builder
	b.WriteString(strings.Replace(personaPrompt, "%NAME%", name, 1))
	b.WriteString("\n\n")

	if len(snippets) == 0 {
		b.WriteString(noContextNotice)
		return b.String()
	}

	b.WriteString(contextHeader)
	b.WriteString("\n")
	for i, snippet := range snippets {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(snippet.Title)
		b.WriteString("\n")
		b.WriteString(snippet.Content)
		b.WriteString("\n")
	}
	b.WriteString(contextFooter)
	return b.String()
}

// promptHistory selects the history entries that will be replayed into the
// prompt: senders other than user/assistant are skipped, then the tail of at
// most historyPromptLimit entries is kept in stored order.
func promptHistory(history []Message) []Message {
	var replay []Message
	for _, msg := range history {
		switch msg.Sender {
		case SenderUser, SenderAssistant:
			replay = append(replay, msg)
		}
	}
	if len(replay) > historyPromptLimit {
		replay = replay[len(replay)-historyPromptLimit:]
	}
	return replay
}

// buildPromptMessages returns the ordered sequence passed to the completion
// service: exactly one system message first, the replayed history turns in
// between, and the current user message last.
func buildPromptMessages(systemContent string, replay []Message, userMessage string) []llm.Message {
	messages := make([]llm.Message, 0, len(replay)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemContent})
	for _, msg := range replay {
		role := llm.RoleUser
		if msg.Sender == SenderAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: msg.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
	return messages
}
