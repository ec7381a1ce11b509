package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Provenance values for knowledge items.
const (
	ProvenanceManual   = "manual"
	ProvenanceImported = "imported"
)

// Snippet is one retrievable unit of knowledge: a titled chunk of text
// with its embedding and, after a search, a relevance score.
type Snippet struct {
	ID              string
	KnowledgeBaseID string
	Title           string
	Content         string
	Index           int
	Provenance      string
	Embedding       []float32
	Metadata        map[string]any
	Score           float64
	CreatedAt       time.Time
}

// CollectionInfo describes a trained vector collection.
type CollectionInfo struct {
	KnowledgeBaseID string
	ItemCount       int
	Dimensions      int
	TrainedAt       time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Search performs a cosine-similarity search over the knowledge base.
// Returns ErrNotTrained when the knowledge base has no trained collection
// and ErrUnavailable when the store cannot be reached. Only items covered
// by the latest training run match; rows upserted after trained_at stay
// invisible until the next training.
func (s *Store) Search(ctx context.Context, knowledgeBaseID string, embedding []float32, limit int) ([]Snippet, error) {
	if knowledgeBaseID == "" {
		return nil, errors.New("knowledge base id is required")
	}
	if len(embedding) == 0 {
		return nil, errors.New("embedding is required")
	}
	if limit <= 0 {
		limit = 5
	}

	trained, err := s.isTrained(ctx, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	if !trained {
		return nil, ErrNotTrained
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ki.id,
			ki.knowledge_base_id,
			ki.title,
			ki.content,
			ki.chunk_index,
			ki.provenance,
			ki.metadata,
			ki.created_at,
			1 - (ki.embedding <=> $2) AS score
		FROM docent.knowledge_items ki
		JOIN docent.vector_collections vc
		  ON vc.knowledge_base_id = ki.knowledge_base_id
		WHERE ki.knowledge_base_id = $1
		  AND ki.embedding IS NOT NULL
		  AND ki.created_at <= vc.trained_at
		ORDER BY ki.embedding <=> $2
		LIMIT $3
	`, knowledgeBaseID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", classifyStoreError(err))
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var snippet Snippet
		var metadataBytes []byte
		if err := rows.Scan(
			&snippet.ID,
			&snippet.KnowledgeBaseID,
			&snippet.Title,
			&snippet.Content,
			&snippet.Index,
			&snippet.Provenance,
			&metadataBytes,
			&snippet.CreatedAt,
			&snippet.Score,
		); err != nil {
			return nil, fmt.Errorf("scan knowledge snippet: %w", err)
		}
		if len(metadataBytes) > 0 {
			if err := json.Unmarshal(metadataBytes, &snippet.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		snippets = append(snippets, snippet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge snippets: %w", classifyStoreError(err))
	}

	return snippets, nil
}

// CountItems returns the number of items in the knowledge base. The count
// does not require a trained collection; untrained items still count.
func (s *Store) CountItems(ctx context.Context, knowledgeBaseID string) (int, error) {
	if knowledgeBaseID == "" {
		return 0, errors.New("knowledge base id is required")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM docent.knowledge_items
		WHERE knowledge_base_id = $1
	`, knowledgeBaseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count knowledge items: %w", classifyStoreError(err))
	}
	return count, nil
}

func (s *Store) isTrained(ctx context.Context, knowledgeBaseID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM docent.vector_collections
			WHERE knowledge_base_id = $1
		)
	`, knowledgeBaseID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check collection: %w", classifyStoreError(err))
	}
	return exists, nil
}

// GetCollection returns registry info for a trained knowledge base, or
// ErrNotTrained when no collection exists.
func (s *Store) GetCollection(ctx context.Context, knowledgeBaseID string) (CollectionInfo, error) {
	var info CollectionInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT knowledge_base_id, item_count, dimensions, trained_at
		FROM docent.vector_collections
		WHERE knowledge_base_id = $1
	`, knowledgeBaseID).Scan(&info.KnowledgeBaseID, &info.ItemCount, &info.Dimensions, &info.TrainedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionInfo{}, ErrNotTrained
	}
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("get collection: %w", classifyStoreError(err))
	}
	return info, nil
}

// UpsertItems replaces the stored items for each (knowledge base, title)
// pair in a single transaction.
func (s *Store) UpsertItems(ctx context.Context, snippets []Snippet) error {
	if len(snippets) == 0 {
		return nil
	}

	byTitle := make(map[string]string)
	for _, snippet := range snippets {
		if snippet.KnowledgeBaseID == "" {
			return errors.New("knowledge base id is required for snippet")
		}
		if snippet.Title == "" {
			return errors.New("title is required for snippet")
		}
		byTitle[snippet.Title] = snippet.KnowledgeBaseID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classifyStoreError(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for title, kbID := range byTitle {
		if _, execErr := tx.ExecContext(ctx, `
			DELETE FROM docent.knowledge_items
			WHERE knowledge_base_id = $1 AND title = $2
		`, kbID, title); execErr != nil {
			return fmt.Errorf("delete existing items: %w", execErr)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO docent.knowledge_items (
			knowledge_base_id,
			title,
			content,
			chunk_index,
			provenance,
			embedding,
			metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, snippet := range snippets {
		metadataBytes, err := json.Marshal(snippet.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		var embedding any
		if len(snippet.Embedding) > 0 {
			embedding = pgvector.NewVector(snippet.Embedding)
		}
		provenance := snippet.Provenance
		if provenance == "" {
			provenance = ProvenanceManual
		}
		if _, err := stmt.ExecContext(
			ctx,
			snippet.KnowledgeBaseID,
			snippet.Title,
			snippet.Content,
			snippet.Index,
			provenance,
			embedding,
			metadataBytes,
		); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classifyStoreError(err))
	}

	return nil
}

// RegisterCollection records that a knowledge base has been trained.
// Search refuses to run for knowledge bases without a registry row.
func (s *Store) RegisterCollection(ctx context.Context, knowledgeBaseID string, itemCount, dimensions int) error {
	if knowledgeBaseID == "" {
		return errors.New("knowledge base id is required")
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO docent.vector_collections (knowledge_base_id, item_count, dimensions, trained_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (knowledge_base_id)
		DO UPDATE SET item_count = $2, dimensions = $3, trained_at = NOW()
	`, knowledgeBaseID, itemCount, dimensions); err != nil {
		return fmt.Errorf("register collection: %w", classifyStoreError(err))
	}
	return nil
}

// DropCollection removes the trained collection registration and the stored
// embeddings for a knowledge base.
func (s *Store) DropCollection(ctx context.Context, knowledgeBaseID string) error {
	if knowledgeBaseID == "" {
		return errors.New("knowledge base id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classifyStoreError(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM docent.vector_collections WHERE knowledge_base_id = $1
	`, knowledgeBaseID); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE docent.knowledge_items SET embedding = NULL WHERE knowledge_base_id = $1
	`, knowledgeBaseID); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classifyStoreError(err))
	}
	return nil
}

// ListItems returns the items of a knowledge base ordered by title and
// chunk index, without embeddings.
func (s *Store) ListItems(ctx context.Context, knowledgeBaseID string) ([]Snippet, error) {
	if knowledgeBaseID == "" {
		return nil, errors.New("knowledge base id is required")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, knowledge_base_id, title, content, chunk_index, provenance, metadata, created_at
		FROM docent.knowledge_items
		WHERE knowledge_base_id = $1
		ORDER BY title, chunk_index
	`, knowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", classifyStoreError(err))
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var snippet Snippet
		var metadataBytes []byte
		if err := rows.Scan(
			&snippet.ID,
			&snippet.KnowledgeBaseID,
			&snippet.Title,
			&snippet.Content,
			&snippet.Index,
			&snippet.Provenance,
			&metadataBytes,
			&snippet.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if len(metadataBytes) > 0 {
			if err := json.Unmarshal(metadataBytes, &snippet.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		snippets = append(snippets, snippet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", classifyStoreError(err))
	}
	return snippets, nil
}

// DeleteByTitle removes all chunks of one titled item.
func (s *Store) DeleteByTitle(ctx context.Context, knowledgeBaseID, title string) error {
	if knowledgeBaseID == "" {
		return errors.New("knowledge base id is required")
	}
	if title == "" {
		return errors.New("title is required")
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM docent.knowledge_items
		WHERE knowledge_base_id = $1 AND title = $2
	`, knowledgeBaseID, title); err != nil {
		return fmt.Errorf("delete by title: %w", classifyStoreError(err))
	}
	return nil
}
