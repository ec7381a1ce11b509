package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"docent/internal/knowledge"
	"docent/internal/metering"
)

// QueryEmbedder turns a query string into a dense vector using the same
// model that populated the index.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// SnippetSearcher is the tenant-scoped vector search surface the retriever
// depends on.
type SnippetSearcher interface {
	Search(ctx context.Context, knowledgeBaseID string, embedding []float32, limit int) ([]knowledge.Snippet, error)
	CountItems(ctx context.Context, knowledgeBaseID string) (int, error)
}

// Retriever executes a search plan against a knowledge base and returns a
// deduplicated, score-ranked snippet list.
type Retriever struct {
	Embedder QueryEmbedder
	Searcher SnippetSearcher
}

// Retrieve runs every query in the plan. The members of a dual search run
// concurrently but both must succeed before the merge; a partial pair is
// never accepted. Single-query plans return the search result as-is.
func (r *Retriever) Retrieve(ctx context.Context, knowledgeBaseID string, plan searchPlan) ([]knowledge.Snippet, error) {
	started := time.Now()

	results := make([][]knowledge.Snippet, len(plan.queries))
	errs := make([]error, len(plan.queries))

	var wg sync.WaitGroup
	for i, query := range plan.queries {
		wg.Add(1)
		go func(i int, query string) {
			defer wg.Done()
			results[i], errs[i] = r.searchOne(ctx, knowledgeBaseID, query, plan.limit)
		}(i, query)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			searchDuration.Observe(time.Since(started).Seconds())
			return nil, err
		}
	}
	searchQueriesTotal.WithLabelValues(plan.branch).Add(float64(len(plan.queries)))
	searchDuration.Observe(time.Since(started).Seconds())

	if len(results) == 1 {
		searchResultsCount.Observe(float64(len(results[0])))
		return results[0], nil
	}

	merged := mergeSnippets(results, finalSnippetCount)
	searchResultsCount.Observe(float64(len(merged)))
	return merged, nil
}

func (r *Retriever) searchOne(ctx context.Context, knowledgeBaseID, query string, limit int) ([]knowledge.Snippet, error) {
	embedding, err := r.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	metering.RecordEmbedding(ctx)
	snippets, err := r.Searcher.Search(ctx, knowledgeBaseID, embedding, limit)
	if err != nil {
		return nil, err
	}
	metering.RecordSearchQuery(ctx)
	return snippets, nil
}

// mergeSnippets combines result sets keyed by title, keeping the
// highest-scoring occurrence of each title (first-seen payload on ties),
// then orders by score descending and truncates to max.
func mergeSnippets(sets [][]knowledge.Snippet, max int) []knowledge.Snippet {
	best := make(map[string]knowledge.Snippet)
	order := make([]string, 0)

	for _, set := range sets {
		for _, snippet := range set {
			current, seen := best[snippet.Title]
			if !seen {
				best[snippet.Title] = snippet
				order = append(order, snippet.Title)
				continue
			}
			if snippet.Score > current.Score {
				best[snippet.Title] = snippet
			}
		}
	}

	merged := make([]knowledge.Snippet, 0, len(order))
	for _, title := range order {
		merged = append(merged, best[title])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	if len(merged) > max {
		merged = merged[:max]
	}
	return merged
}
