package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"docent/internal/docent"
)

func conversationTestContext() context.Context {
	return docent.WithTenantID(context.Background(), "tenant-1")
}

func TestCreateConversation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO docent\.conversations`).
		WithArgs("tenant-1", "kb-1", ModeAuto, CategoryVisitor).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "knowledge_base_id", "mode", "category", "created_at", "updated_at"}).
			AddRow("conv-1", "tenant-1", "kb-1", ModeAuto, CategoryVisitor, now, now))

	store := NewConversationStore(db)
	convo, err := store.CreateConversation(conversationTestContext(), "kb-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if convo.ID != "conv-1" || convo.Mode != ModeAuto || convo.Category != CategoryVisitor {
		t.Fatalf("unexpected conversation %+v", convo)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateConversationRequiresTenant(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewConversationStore(db)
	if _, err := store.CreateConversation(context.Background(), "kb-1", ""); err == nil {
		t.Fatal("expected error without tenant in context")
	}
}

func TestModeNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT mode FROM docent\.conversations`).
		WithArgs("missing", "tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"mode"}))

	store := NewConversationStore(db)
	if _, err := store.Mode(conversationTestContext(), "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSetModeValidatesInput(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewConversationStore(db)
	if err := store.SetMode(conversationTestContext(), "conv-1", "manual"); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestSetModeNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE docent\.conversations`).
		WithArgs(ModePaused, "missing", "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewConversationStore(db)
	if err := store.SetMode(conversationTestContext(), "missing", ModePaused); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestAppendMessageGuardsTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// No row returned means the conversation does not belong to the tenant.
	mock.ExpectQuery(`INSERT INTO docent\.messages`).
		WithArgs("conv-1", SenderUser, "hello", "tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewConversationStore(db)
	if err := store.AppendMessage(conversationTestContext(), "conv-1", SenderUser, "hello"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestAppendMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO docent\.messages`).
		WithArgs("conv-1", SenderAssistant, "hi there", "tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("msg-1"))
	mock.ExpectExec(`UPDATE docent\.conversations SET updated_at`).
		WithArgs("conv-1", "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewConversationStore(db)
	if err := store.AppendMessage(conversationTestContext(), "conv-1", SenderAssistant, "hi there"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	base := time.Now().Add(-time.Hour)
	// The subquery reverses a newest-first LIMIT window back to
	// chronological order; the store returns oldest-first.
	mock.ExpectQuery(`SELECT \* FROM \(`).
		WithArgs("conv-1", "tenant-1", historyFetchLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "sender", "text", "created_at"}).
			AddRow("m1", "conv-1", SenderUser, "first", base).
			AddRow("m2", "conv-1", SenderAssistant, "second", base.Add(time.Minute)).
			AddRow("m3", "conv-1", SenderUser, "third", base.Add(2*time.Minute)))

	store := NewConversationStore(db)
	messages, err := store.RecentMessages(conversationTestContext(), "conv-1", historyFetchLimit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Text != "first" || messages[2].Text != "third" {
		t.Fatalf("messages out of order: %+v", messages)
	}
}

func TestDeleteConversationNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM docent\.messages`).
		WithArgs("missing", "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM docent\.conversations`).
		WithArgs("missing", "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	store := NewConversationStore(db)
	if err := store.DeleteConversation(conversationTestContext(), "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}
