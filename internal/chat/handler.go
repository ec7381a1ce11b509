package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"docent/internal/docent"
	"docent/internal/knowledge"
	"docent/pkg/logging"

	"github.com/gin-gonic/gin"
)

const maxMessageRunes = 10000

type ChatHandler struct {
	Conversations *ConversationStore
	Pipeline      *Pipeline
	Logger        logging.Logger

	// conversationLocks serializes concurrent requests to the same
	// conversation. For horizontal scaling, replace with
	// pg_advisory_xact_lock.
	conversationLocks sync.Map
}

type ChatRequest struct {
	ConversationID  string `json:"conversation_id,omitempty"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	TenantName      string `json:"tenant_name,omitempty"`
	Message         string `json:"message"`
}

func NewChatHandler(conversations *ConversationStore, pipeline *Pipeline, logger logging.Logger) *ChatHandler {
	return &ChatHandler{
		Conversations: conversations,
		Pipeline:      pipeline,
		Logger:        logger,
	}
}

func RegisterRoutes(router gin.IRoutes, handler *ChatHandler) {
	router.POST("/chat", handler.HandleChat)
	router.POST("/conversations", handler.HandleCreateConversation)
	router.GET("/conversations", handler.HandleListConversations)
	router.GET("/conversations/:id", handler.HandleGetConversation)
	router.GET("/conversations/:id/messages", handler.HandleGetMessages)
	router.PATCH("/conversations/:id/mode", handler.HandleSetMode)
	router.DELETE("/conversations/:id", handler.HandleDeleteConversation)
}

func (h *ChatHandler) HandleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if len([]rune(req.Message)) > maxMessageRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too long"})
		return
	}
	if req.KnowledgeBaseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "knowledge_base_id is required"})
		return
	}

	ctx := c.Request.Context()
	tenantID := docent.GetTenantID(ctx)
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant_id missing"})
		return
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		convo, err := h.Conversations.CreateConversation(ctx, req.KnowledgeBaseID, CategoryVisitor)
		if err != nil {
			h.Logger.WithError(err).Error("Failed to create conversation")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
			return
		}
		conversationID = convo.ID
	} else if _, err := h.Conversations.GetConversation(ctx, conversationID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	lockVal, _ := h.conversationLocks.LoadOrStore(conversationID, &sync.Mutex{})
	convMu, ok := lockVal.(*sync.Mutex)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal lock error"})
		return
	}
	convMu.Lock()
	defer func() {
		convMu.Unlock()
		// Best-effort cleanup: a LoadOrStore landing between the Unlock and
		// the Delete can leave two requests holding different mutexes for
		// one conversation. Accepted; the worst case is a pair of replies
		// racing on the same thread.
		if convMu.TryLock() {
			h.conversationLocks.Delete(conversationID)
			convMu.Unlock()
		}
	}()

	// The inbound user message is persisted before the pipeline runs; the
	// pipeline only ever appends the assistant's reply.
	if err := h.Conversations.AppendMessage(ctx, conversationID, SenderUser, req.Message); err != nil {
		h.Logger.WithError(err).Error("Failed to persist user message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist message"})
		return
	}

	streamer, err := newSSEStreamer(c, conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unavailable"})
		return
	}

	conversationsActive.Inc()
	_, err = h.Pipeline.Process(ctx, Request{
		ConversationID:  conversationID,
		KnowledgeBaseID: req.KnowledgeBaseID,
		TenantID:        tenantID,
		TenantName:      req.TenantName,
		Message:         req.Message,
	}, streamer)
	conversationsActive.Dec()
	if err != nil {
		// Pipeline errors occur strictly before the first fragment, so
		// the response is still unwritten and can carry a status code.
		h.respondPipelineError(c, conversationID, err)
		return
	}

	_ = streamer.SendDone()
}

func (h *ChatHandler) respondPipelineError(c *gin.Context, conversationID string, err error) {
	var quotaErr *QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":           "quota exceeded",
			"reason":          quotaErr.Reason,
			"conversation_id": conversationID,
		})
	case errors.Is(err, ErrConversationPaused):
		c.JSON(http.StatusConflict, gin.H{
			"error":           "conversation is paused",
			"conversation_id": conversationID,
		})
	case errors.Is(err, knowledge.ErrNotTrained):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "bot not trained yet"})
	case errors.Is(err, knowledge.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
	case errors.Is(err, ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	default:
		h.Logger.WithError(err).Error("Chat pipeline failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate response"})
	}
}

func (h *ChatHandler) HandleCreateConversation(c *gin.Context) {
	tenantID := docent.GetTenantID(c.Request.Context())
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant_id missing"})
		return
	}

	var req struct {
		KnowledgeBaseID string `json:"knowledge_base_id"`
		Category        string `json:"category,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.KnowledgeBaseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "knowledge_base_id is required"})
		return
	}
	if req.Category != "" && req.Category != CategoryVisitor && req.Category != CategoryOperator {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category"})
		return
	}

	convo, err := h.Conversations.CreateConversation(c.Request.Context(), req.KnowledgeBaseID, req.Category)
	if err != nil {
		h.Logger.WithError(err).Error("Failed to create conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusCreated, convo)
}

func (h *ChatHandler) HandleListConversations(c *gin.Context) {
	tenantID := docent.GetTenantID(c.Request.Context())
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant_id missing"})
		return
	}

	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if limit > 200 {
		limit = 200
	}

	summaries, err := h.Conversations.ListConversations(c.Request.Context(), c.Query("knowledge_base_id"), limit, offset)
	if err != nil {
		h.Logger.WithError(err).Error("Failed to list conversations")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	if summaries == nil {
		summaries = []ConversationSummary{}
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *ChatHandler) HandleGetConversation(c *gin.Context) {
	convo, err := h.Conversations.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	c.JSON(http.StatusOK, convo)
}

func (h *ChatHandler) HandleGetMessages(c *gin.Context) {
	messages, err := h.Conversations.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if messages == nil {
		messages = []Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// HandleSetMode toggles automatic responses for a conversation. Pausing
// hands the thread to a human operator; the pipeline refuses paused
// conversations.
func (h *ChatHandler) HandleSetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.Mode != ModeAuto && req.Mode != ModePaused {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be auto or paused"})
		return
	}

	if err := h.Conversations.SetMode(c.Request.Context(), c.Param("id"), req.Mode); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update mode"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

func (h *ChatHandler) HandleDeleteConversation(c *gin.Context) {
	if err := h.Conversations.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

type sseToken struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type sseDone struct {
	Type string `json:"type"`
}

// sseStreamer frames pipeline fragments as server-sent events. Headers and
// the 200 status are written lazily on the first fragment, so pipeline
// failures that occur before any output can still map to an error status.
type sseStreamer struct {
	c              *gin.Context
	flusher        http.Flusher
	conversationID string
	started        bool
}

func newSSEStreamer(c *gin.Context, conversationID string) (*sseStreamer, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseStreamer{c: c, flusher: flusher, conversationID: conversationID}, nil
}

func (s *sseStreamer) start() {
	if s.started {
		return
	}
	s.started = true
	s.c.Header("Content-Type", "text/event-stream")
	s.c.Header("Cache-Control", "no-cache")
	s.c.Header("Connection", "keep-alive")
	s.c.Header("X-Accel-Buffering", "no")
	s.c.Header("X-Conversation-ID", s.conversationID)
	s.c.Status(http.StatusOK)
}

func (s *sseStreamer) SendFragment(text string) error {
	s.start()
	return s.send(sseToken{Type: "token", Content: text})
}

func (s *sseStreamer) SendDone() error {
	s.start()
	if err := s.send(sseDone{Type: "done"}); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStreamer) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
