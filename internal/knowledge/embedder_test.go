package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeEmbedClient struct {
	calls [][]string
	err   error
}

func (f *fakeEmbedClient) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, inputs)
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = []float32{float32(len(inputs[i])), 1}
	}
	return vectors, nil
}

func TestEmbedItemChunksAndEmbeds(t *testing.T) {
	client := &fakeEmbedClient{}
	embedder, err := NewEmbedder(client, WithTokenLimit(50), WithTokenOverlap(5))
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	para := strings.Repeat("answer customers politely and accurately every time ", 10)
	content := para + "\n\n" + strings.Repeat("shipping takes three to five business days worldwide ", 10)

	snippets, err := embedder.EmbedItem(context.Background(), "kb-1", "Support guide", content)
	if err != nil {
		t.Fatalf("embed item: %v", err)
	}
	if len(snippets) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(snippets))
	}
	for i, snippet := range snippets {
		if snippet.KnowledgeBaseID != "kb-1" || snippet.Title != "Support guide" {
			t.Fatalf("snippet %d missing identity: %+v", i, snippet)
		}
		if snippet.Index != i {
			t.Fatalf("expected index %d, got %d", i, snippet.Index)
		}
		if len(snippet.Embedding) == 0 {
			t.Fatalf("snippet %d missing embedding", i)
		}
	}
}

func TestEmbedItemFiltersShortContent(t *testing.T) {
	client := &fakeEmbedClient{}
	embedder, err := NewEmbedder(client)
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	_, err = embedder.EmbedItem(context.Background(), "kb-1", "Tiny", "hello")
	if !errors.Is(err, ErrNoChunks) {
		t.Fatalf("expected ErrNoChunks, got %v", err)
	}
}

func TestEmbedItemDeduplicatesChunks(t *testing.T) {
	client := &fakeEmbedClient{}
	embedder, err := NewEmbedder(client, WithTokenLimit(100), WithTokenOverlap(0))
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	para := strings.Repeat("identical paragraph words repeated for dedup check ", 8)
	content := para + "\n\n---\n\n" + para

	snippets, err := embedder.EmbedItem(context.Background(), "kb-1", "Dup", content)
	if err != nil {
		t.Fatalf("embed item: %v", err)
	}
	if len(snippets) != 1 {
		t.Fatalf("expected duplicate chunk collapsed, got %d chunks", len(snippets))
	}
}

func TestEmbedQueryPropagatesError(t *testing.T) {
	client := &fakeEmbedClient{err: errors.New("upstream down")}
	embedder, err := NewEmbedder(client)
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	if _, err := embedder.EmbedQuery(context.Background(), "where is my order"); err == nil {
		t.Fatal("expected error from embed client")
	}
}

func TestEstimateBPETokens(t *testing.T) {
	if got := estimateBPETokens(""); got != 0 {
		t.Fatalf("empty text: expected 0, got %d", got)
	}
	// 10 words * 1.3 = 13
	text := strings.Repeat("word ", 10)
	if got := estimateBPETokens(text); got != 13 {
		t.Fatalf("expected 13, got %d", got)
	}
}
