package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docent/internal/docent"
	"docent/pkg/logging"
)

// UsageRecorder counts billable training activity per tenant.
type UsageRecorder interface {
	RecordTrainingRun(ctx context.Context, tenantID string) error
}

// Admin manages knowledge base content: adding and removing items and
// training the vector collection that chat retrieval searches against.
type Admin struct {
	store    *Store
	embedder *Embedder
	usage    UsageRecorder
	logger   logging.Logger
}

func NewAdmin(store *Store, embedder *Embedder, usage UsageRecorder, logger logging.Logger) *Admin {
	return &Admin{
		store:    store,
		embedder: embedder,
		usage:    usage,
		logger:   logger,
	}
}

// AddItem chunks and embeds one titled item and stores it. The new rows
// stay out of chat retrieval until the next Train, so partial uploads are
// never retrieval-visible.
func (a *Admin) AddItem(ctx context.Context, knowledgeBaseID, title, content, provenance string) (int, error) {
	switch provenance {
	case "":
		provenance = ProvenanceManual
	case ProvenanceManual, ProvenanceImported:
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidProvenance, provenance)
	}
	snippets, err := a.embedder.EmbedItem(ctx, knowledgeBaseID, title, content)
	if err != nil {
		return 0, err
	}
	for i := range snippets {
		snippets[i].Provenance = provenance
	}
	if err := a.store.UpsertItems(ctx, snippets); err != nil {
		return 0, err
	}
	return len(snippets), nil
}

// RemoveItem deletes all chunks of a titled item.
func (a *Admin) RemoveItem(ctx context.Context, knowledgeBaseID, title string) error {
	return a.store.DeleteByTitle(ctx, knowledgeBaseID, title)
}

// Train registers the knowledge base's vector collection, making it
// searchable. Fails when the knowledge base has no items.
func (a *Admin) Train(ctx context.Context, knowledgeBaseID string) (CollectionInfo, error) {
	count, err := a.store.CountItems(ctx, knowledgeBaseID)
	if err != nil {
		trainRunsTotal.WithLabelValues("error").Inc()
		return CollectionInfo{}, err
	}
	if count == 0 {
		trainRunsTotal.WithLabelValues("empty").Inc()
		return CollectionInfo{}, fmt.Errorf("knowledge base %s has no items", knowledgeBaseID)
	}

	items, err := a.store.ListItems(ctx, knowledgeBaseID)
	if err != nil {
		trainRunsTotal.WithLabelValues("error").Inc()
		return CollectionInfo{}, err
	}

	dims := 0
	if len(items) > 0 {
		vec, err := a.embedder.EmbedQuery(ctx, items[0].Content)
		if err != nil {
			trainRunsTotal.WithLabelValues("error").Inc()
			return CollectionInfo{}, fmt.Errorf("probe dimensions: %w", err)
		}
		dims = len(vec)
	}

	if err := a.store.RegisterCollection(ctx, knowledgeBaseID, count, dims); err != nil {
		trainRunsTotal.WithLabelValues("error").Inc()
		return CollectionInfo{}, err
	}
	trainRunsTotal.WithLabelValues("success").Inc()

	if a.usage != nil {
		if tenantID := docent.GetTenantID(ctx); tenantID != "" {
			if err := a.usage.RecordTrainingRun(ctx, tenantID); err != nil && a.logger != nil {
				a.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to record training run usage")
			}
		}
	}

	if a.logger != nil {
		a.logger.WithFields(logging.Fields{
			"knowledge_base_id": knowledgeBaseID,
			"item_count":        count,
			"dimensions":        dims,
		}).Info("Knowledge base trained")
	}

	return CollectionInfo{KnowledgeBaseID: knowledgeBaseID, ItemCount: count, Dimensions: dims}, nil
}

// Untrain drops the vector collection, returning the knowledge base to the
// untrained state.
func (a *Admin) Untrain(ctx context.Context, knowledgeBaseID string) error {
	return a.store.DropCollection(ctx, knowledgeBaseID)
}

type addItemRequest struct {
	Title      string `json:"title" binding:"required"`
	Content    string `json:"content" binding:"required"`
	Provenance string `json:"provenance"`
}

// RegisterRoutes attaches the knowledge admin endpoints to the router group.
func (a *Admin) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/knowledge-bases/:kb_id/items", a.handleListItems)
	group.POST("/knowledge-bases/:kb_id/items", a.handleAddItem)
	group.DELETE("/knowledge-bases/:kb_id/items/:title", a.handleRemoveItem)
	group.POST("/knowledge-bases/:kb_id/train", a.handleTrain)
	group.DELETE("/knowledge-bases/:kb_id/train", a.handleUntrain)
	group.GET("/knowledge-bases/:kb_id/status", a.handleStatus)
}

func (a *Admin) handleListItems(c *gin.Context) {
	items, err := a.store.ListItems(c.Request.Context(), c.Param("kb_id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	type itemView struct {
		ID         string    `json:"id"`
		Title      string    `json:"title"`
		Content    string    `json:"content"`
		Index      int       `json:"chunk_index"`
		Provenance string    `json:"provenance"`
		CreatedAt  time.Time `json:"created_at"`
	}
	views := make([]itemView, 0, len(items))
	for _, item := range items {
		views = append(views, itemView{
			ID:         item.ID,
			Title:      item.Title,
			Content:    item.Content,
			Index:      item.Index,
			Provenance: item.Provenance,
			CreatedAt:  item.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": views})
}

func (a *Admin) handleAddItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chunks, err := a.AddItem(c.Request.Context(), c.Param("kb_id"), req.Title, req.Content, req.Provenance)
	if err != nil {
		if errors.Is(err, ErrNoChunks) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "content produced no usable chunks"})
			return
		}
		if errors.Is(err, ErrInvalidProvenance) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"title": req.Title, "chunks": chunks})
}

func (a *Admin) handleRemoveItem(c *gin.Context) {
	if err := a.RemoveItem(c.Request.Context(), c.Param("kb_id"), c.Param("title")); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Admin) handleTrain(c *gin.Context) {
	info, err := a.Train(c.Request.Context(), c.Param("kb_id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"knowledge_base_id": info.KnowledgeBaseID,
		"item_count":        info.ItemCount,
		"dimensions":        info.Dimensions,
	})
}

func (a *Admin) handleUntrain(c *gin.Context) {
	if err := a.Untrain(c.Request.Context(), c.Param("kb_id")); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Admin) handleStatus(c *gin.Context) {
	info, err := a.store.GetCollection(c.Request.Context(), c.Param("kb_id"))
	if errors.Is(err, ErrNotTrained) {
		c.JSON(http.StatusOK, gin.H{"trained": false})
		return
	}
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trained":    true,
		"item_count": info.ItemCount,
		"dimensions": info.Dimensions,
		"trained_at": info.TrainedAt,
	})
}

func (a *Admin) respondError(c *gin.Context, err error) {
	if a.logger != nil {
		a.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Knowledge admin request failed")
	}
	if errors.Is(err, ErrUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge service unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
