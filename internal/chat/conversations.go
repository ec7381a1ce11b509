package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docent/internal/docent"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Conversation modes. A paused conversation suppresses automatic responses
// so a human operator can take over.
const (
	ModeAuto   = "auto"
	ModePaused = "paused"
)

// Conversation categories distinguish operator test chats from real
// visitor traffic.
const (
	CategoryVisitor  = "visitor"
	CategoryOperator = "operator"
)

// Message senders. A legacy third value exists in old rows; it is
// tolerated on read and never written.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

type Conversation struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Mode            string    `json:"mode"`
	Category        string    `json:"category"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type ConversationSummary struct {
	ID              string       `json:"id"`
	KnowledgeBaseID string       `json:"knowledge_base_id"`
	Mode            string       `json:"mode"`
	Category        string       `json:"category"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	LastMessageAt   sql.NullTime `json:"last_message_at"`
	MessageCount    int          `json:"message_count"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) CreateConversation(ctx context.Context, knowledgeBaseID, category string) (Conversation, error) {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return Conversation{}, fmt.Errorf("tenant ID is required")
	}
	if category == "" {
		category = CategoryVisitor
	}

	var convo Conversation
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO docent.conversations (tenant_id, knowledge_base_id, mode, category)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, tenant_id, knowledge_base_id, mode, category, created_at, updated_at`,
		tenantID,
		knowledgeBaseID,
		ModeAuto,
		category,
	).Scan(
		&convo.ID,
		&convo.TenantID,
		&convo.KnowledgeBaseID,
		&convo.Mode,
		&convo.Category,
		&convo.CreatedAt,
		&convo.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return convo, nil
}

func (s *ConversationStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return Conversation{}, fmt.Errorf("tenant ID is required")
	}

	var convo Conversation
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, tenant_id, knowledge_base_id, mode, category, created_at, updated_at
		 FROM docent.conversations
		 WHERE id = $1 AND tenant_id = $2`,
		conversationID,
		tenantID,
	).Scan(
		&convo.ID,
		&convo.TenantID,
		&convo.KnowledgeBaseID,
		&convo.Mode,
		&convo.Category,
		&convo.CreatedAt,
		&convo.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return convo, nil
}

// Mode returns the conversation's current mode. The pipeline reads this once
// per invocation; a paused conversation never reaches generation.
func (s *ConversationStore) Mode(ctx context.Context, conversationID string) (string, error) {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return "", fmt.Errorf("tenant ID is required")
	}

	var mode string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT mode FROM docent.conversations WHERE id = $1 AND tenant_id = $2`,
		conversationID,
		tenantID,
	).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get conversation mode: %w", err)
	}
	return mode, nil
}

func (s *ConversationStore) SetMode(ctx context.Context, conversationID, mode string) error {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	if mode != ModeAuto && mode != ModePaused {
		return fmt.Errorf("invalid mode %q", mode)
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE docent.conversations
		 SET mode = $1, updated_at = NOW()
		 WHERE id = $2 AND tenant_id = $3`,
		mode,
		conversationID,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("set conversation mode: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *ConversationStore) ListConversations(ctx context.Context, knowledgeBaseID string, limit, offset int) ([]ConversationSummary, error) {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT
			c.id,
			c.knowledge_base_id,
			c.mode,
			c.category,
			c.created_at,
			c.updated_at,
			MAX(m.created_at) AS last_message_at,
			COUNT(m.id) AS message_count
		FROM docent.conversations c
		LEFT JOIN docent.messages m ON m.conversation_id = c.id
		WHERE c.tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if knowledgeBaseID != "" {
		query += fmt.Sprintf(" AND c.knowledge_base_id = $%d", argIdx)
		args = append(args, knowledgeBaseID)
		argIdx++
	}

	query += fmt.Sprintf(` GROUP BY c.id, c.knowledge_base_id, c.mode, c.category, c.created_at, c.updated_at
		ORDER BY COALESCE(MAX(m.created_at), c.created_at) DESC
		LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		var summary ConversationSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.KnowledgeBaseID,
			&summary.Mode,
			&summary.Category,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&summary.LastMessageAt,
			&summary.MessageCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations rows: %w", err)
	}

	return summaries, nil
}

func (s *ConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM docent.messages
		 WHERE conversation_id = $1
		   AND conversation_id IN (
		     SELECT id FROM docent.conversations WHERE tenant_id = $2)`,
		conversationID,
		tenantID,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	result, err := tx.ExecContext(
		ctx,
		`DELETE FROM docent.conversations WHERE id = $1 AND tenant_id = $2`,
		conversationID,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConversationNotFound
	}

	return tx.Commit()
}

// AppendMessage inserts one message row. The insert is tenant-guarded through
// the parent conversation so a forged conversation ID from another tenant
// cannot be written to.
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID, sender, text string) error {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}

	var messageID string
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO docent.messages (conversation_id, sender, text)
		 SELECT c.id, $2, $3
		 FROM docent.conversations c
		 WHERE c.id = $1 AND c.tenant_id = $4
		 RETURNING id`,
		conversationID,
		sender,
		text,
		tenantID,
	).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE docent.conversations SET updated_at = NOW() WHERE id = $1 AND tenant_id = $2`,
		conversationID,
		tenantID,
	); err != nil {
		return fmt.Errorf("update conversation timestamp: %w", err)
	}

	return nil
}

// RecentMessages returns up to limit most recent messages for a conversation,
// ordered oldest-to-newest. The inner query selects newest-first so the LIMIT
// grabs the tail of the log; the outer query restores chronological order.
func (s *ConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT * FROM (
			SELECT m.id, m.conversation_id, m.sender, m.text, m.created_at
			FROM docent.messages m
			JOIN docent.conversations c ON m.conversation_id = c.id
			WHERE m.conversation_id = $1 AND c.tenant_id = $2
			ORDER BY m.created_at DESC
			LIMIT $3
		) recent ORDER BY created_at ASC`,
		conversationID,
		tenantID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Messages returns the full ordered message log for a conversation.
func (s *ConversationStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT m.id, m.conversation_id, m.sender, m.text, m.created_at
		 FROM docent.messages m
		 JOIN docent.conversations c ON m.conversation_id = c.id
		 WHERE m.conversation_id = $1 AND c.tenant_id = $2
		 ORDER BY m.created_at ASC`,
		conversationID,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.Sender,
			&message.Text,
			&message.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages rows: %w", err)
	}
	return messages, nil
}
