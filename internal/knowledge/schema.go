package knowledge

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the docent schema and its tables when missing. It is
// idempotent and safe to run on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE SCHEMA IF NOT EXISTS docent`,
		`CREATE TABLE IF NOT EXISTS docent.conversations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id TEXT NOT NULL,
			knowledge_base_id TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'auto',
			category TEXT NOT NULL DEFAULT 'visitor',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_tenant_idx
			ON docent.conversations (tenant_id, knowledge_base_id)`,
		`CREATE TABLE IF NOT EXISTS docent.messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id UUID NOT NULL REFERENCES docent.conversations(id),
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx
			ON docent.messages (conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS docent.knowledge_items (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			knowledge_base_id TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INT NOT NULL DEFAULT 0,
			provenance TEXT NOT NULL DEFAULT 'manual',
			embedding vector(1536),
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS knowledge_items_kb_idx
			ON docent.knowledge_items (knowledge_base_id, title)`,
		`CREATE INDEX IF NOT EXISTS knowledge_items_embedding_idx
			ON docent.knowledge_items USING hnsw (embedding vector_cosine_ops)
			WITH (m = 24, ef_construction = 256)`,
		`CREATE TABLE IF NOT EXISTS docent.vector_collections (
			knowledge_base_id TEXT PRIMARY KEY,
			item_count INT NOT NULL DEFAULT 0,
			dimensions INT NOT NULL,
			trained_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS docent.usage_events (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_count INT NOT NULL DEFAULT 0,
			tokens_prompt INT NOT NULL DEFAULT 0,
			tokens_response INT NOT NULL DEFAULT 0,
			model TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS docent.tenant_usage (
			tenant_id TEXT NOT NULL,
			period TEXT NOT NULL,
			ai_messages_used INT NOT NULL DEFAULT 0,
			training_runs INT NOT NULL DEFAULT 0,
			message_limit INT NOT NULL DEFAULT 0,
			credit_balance INT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, period)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// EnsureEmbeddingDimensions checks whether the embedding vector column
// matches the configured dimension count. When they differ it truncates
// stale vectors, alters the column type, and rebuilds the HNSW index.
// Embeddings from a different model cannot be meaningfully searched, so the
// truncation is deliberate. Returns true when a migration was performed.
func EnsureEmbeddingDimensions(ctx context.Context, db *sql.DB, target int) (bool, error) {
	if target <= 0 {
		return false, fmt.Errorf("invalid embedding dimensions: %d", target)
	}

	// pgvector stores the dimension count in atttypmod for vector(N) columns.
	var current int
	err := db.QueryRowContext(ctx, `
		SELECT atttypmod
		FROM pg_attribute
		WHERE attrelid = 'docent.knowledge_items'::regclass
		  AND attname = 'embedding'
	`).Scan(&current)
	if err != nil {
		return false, fmt.Errorf("query current embedding dimensions: %w", err)
	}

	if current == target {
		return false, nil
	}

	stmts := []string{
		`DROP INDEX IF EXISTS docent.knowledge_items_embedding_idx`,
		`UPDATE docent.knowledge_items SET embedding = NULL`,
		`DELETE FROM docent.vector_collections`,
		fmt.Sprintf(`ALTER TABLE docent.knowledge_items ALTER COLUMN embedding TYPE vector(%d)`, target),
		`CREATE INDEX knowledge_items_embedding_idx ON docent.knowledge_items USING hnsw (embedding vector_cosine_ops) WITH (m = 24, ef_construction = 256)`,
	}
	for _, stmt := range stmts {
		if _, execErr := db.ExecContext(ctx, stmt); execErr != nil {
			return false, fmt.Errorf("migrate embedding dimensions (%d -> %d): %w", current, target, execErr)
		}
	}

	return true, nil
}
