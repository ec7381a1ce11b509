package metering

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"docent/pkg/logging"
)

type contextKey struct{}

// Context carries the tenant identity and tracker through a request so
// downstream components can record usage without plumbing extra params.
type Context struct {
	TenantID string
	UserID   string
	Tracker  *UsageTracker
}

func WithContext(ctx context.Context, meterCtx *Context) context.Context {
	if meterCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, meterCtx)
}

func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	value := ctx.Value(contextKey{})
	if meterCtx, ok := value.(*Context); ok && meterCtx != nil {
		return meterCtx, true
	}
	return nil, false
}

// RecordLLMUsage records token usage for the tenant bound to ctx.
func RecordLLMUsage(ctx context.Context, promptTokens, responseTokens int) {
	meterCtx, ok := FromContext(ctx)
	if !ok || meterCtx.Tracker == nil || meterCtx.TenantID == "" {
		return
	}
	meterCtx.Tracker.RecordLLMCall(meterCtx.TenantID, promptTokens, responseTokens)
}

// RecordSearchQuery records a knowledge base search for the tenant bound to ctx.
func RecordSearchQuery(ctx context.Context) {
	meterCtx, ok := FromContext(ctx)
	if !ok || meterCtx.Tracker == nil || meterCtx.TenantID == "" {
		return
	}
	meterCtx.Tracker.RecordSearchQuery(meterCtx.TenantID)
}

// RecordEmbedding records an embedding call for the tenant bound to ctx.
func RecordEmbedding(ctx context.Context) {
	meterCtx, ok := FromContext(ctx)
	if !ok || meterCtx.Tracker == nil || meterCtx.TenantID == "" {
		return
	}
	meterCtx.Tracker.RecordEmbedding(meterCtx.TenantID)
}

type UsageTrackerConfig struct {
	DB            *sql.DB
	Publisher     *Publisher
	Logger        logging.Logger
	Model         string
	FlushInterval time.Duration
}

// UsageTracker accumulates per-tenant usage in memory and flushes it to
// the database and the billing topic on an interval. Failed flushes are
// requeued so counts are not lost between intervals.
type UsageTracker struct {
	db            *sql.DB
	publisher     *Publisher
	logger        logging.Logger
	model         string
	flushInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
	mu            sync.Mutex
	lastFlush     time.Time
	usageByTenant map[string]*tenantUsage
	pendingMu     sync.Mutex
	pending       []UsageReport
}

type tenantUsage struct {
	llmCalls       int
	promptTokens   int
	responseTokens int
	searches       int
	embeddings     int
}

// UsageReport is the per-tenant flush summary handed to the publisher.
type UsageReport struct {
	TenantID       string    `json:"tenant_id"`
	Model          string    `json:"model,omitempty"`
	LLMCalls       int       `json:"llm_calls"`
	PromptTokens   int       `json:"prompt_tokens"`
	ResponseTokens int       `json:"response_tokens"`
	Searches       int       `json:"searches"`
	Embeddings     int       `json:"embeddings"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}

func NewUsageTracker(cfg UsageTrackerConfig) *UsageTracker {
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	return &UsageTracker{
		db:            cfg.DB,
		publisher:     cfg.Publisher,
		logger:        cfg.Logger,
		model:         cfg.Model,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		lastFlush:     time.Now(),
		usageByTenant: make(map[string]*tenantUsage),
	}
}

func (t *UsageTracker) Start() {
	if t == nil {
		return
	}
	go t.loop()
}

func (t *UsageTracker) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

func (t *UsageTracker) RecordLLMCall(tenantID string, promptTokens, responseTokens int) {
	if t == nil || tenantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.ensureTenant(tenantID)
	usage.llmCalls++
	usage.promptTokens += promptTokens
	usage.responseTokens += responseTokens
}

func (t *UsageTracker) RecordSearchQuery(tenantID string) {
	if t == nil || tenantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.ensureTenant(tenantID)
	usage.searches++
}

func (t *UsageTracker) RecordEmbedding(tenantID string) {
	if t == nil || tenantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.ensureTenant(tenantID)
	usage.embeddings++
}

func (t *UsageTracker) loop() {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Flush(context.Background())
		case <-t.stopCh:
			t.Flush(context.Background())
			return
		}
	}
}

func (t *UsageTracker) Flush(ctx context.Context) {
	if t == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	t.retryPendingReports(ctx)

	t.mu.Lock()
	if len(t.usageByTenant) == 0 {
		t.lastFlush = now
		t.mu.Unlock()
		return
	}
	snapshot := t.usageByTenant
	t.usageByTenant = make(map[string]*tenantUsage)
	windowStart := t.lastFlush
	t.lastFlush = now
	t.mu.Unlock()

	for tenantID, usage := range snapshot {
		t.flushTenant(ctx, tenantID, usage, windowStart, now)
	}
}

func (t *UsageTracker) flushTenant(ctx context.Context, tenantID string, usage *tenantUsage, windowStart, windowEnd time.Time) {
	if tenantID == "" || usage == nil {
		return
	}

	if usage.llmCalls == 0 && usage.searches == 0 && usage.embeddings == 0 {
		return
	}

	if err := t.persistUsage(ctx, tenantID, usage); err != nil {
		t.requeueUsage(tenantID, usage)
		return
	}

	if t.publisher != nil {
		report := UsageReport{
			TenantID:       tenantID,
			Model:          t.model,
			LLMCalls:       usage.llmCalls,
			PromptTokens:   usage.promptTokens,
			ResponseTokens: usage.responseTokens,
			Searches:       usage.searches,
			Embeddings:     usage.embeddings,
			WindowStart:    windowStart,
			WindowEnd:      windowEnd,
		}
		if err := t.publisher.PublishUsageReport(report); err != nil {
			t.enqueueReport(report)
			if t.logger != nil {
				t.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to publish usage report")
			}
		}
	}
}

func (t *UsageTracker) persistUsage(ctx context.Context, tenantID string, usage *tenantUsage) error {
	if t.db == nil {
		return nil
	}
	var errs []error
	if usage.llmCalls > 0 {
		if err := t.insertUsageRow(ctx, tenantID, "llm_call", usage.llmCalls, usage.promptTokens, usage.responseTokens, t.model); err != nil {
			errs = append(errs, err)
		}
	}
	if usage.searches > 0 {
		if err := t.insertUsageRow(ctx, tenantID, "search_query", usage.searches, 0, 0, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if usage.embeddings > 0 {
		if err := t.insertUsageRow(ctx, tenantID, "embedding", usage.embeddings, 0, 0, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("persist usage failed with %d error(s)", len(errs))
	}
	return nil
}

func (t *UsageTracker) insertUsageRow(ctx context.Context, tenantID, eventType string, count, promptTokens, responseTokens int, model string) error {
	if count <= 0 {
		return nil
	}
	var modelValue sql.NullString
	if model != "" {
		modelValue = sql.NullString{String: model, Valid: true}
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO docent.usage_events (
			tenant_id,
			event_type,
			event_count,
			tokens_prompt,
			tokens_response,
			model,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, tenantID, eventType, count, promptTokens, responseTokens, modelValue)
	if err != nil && t.logger != nil {
		t.logger.WithError(err).WithFields(logging.Fields{
			"tenant_id":  tenantID,
			"event_type": eventType,
		}).Warn("Failed to persist usage event")
	}
	return err
}

func (t *UsageTracker) ensureTenant(tenantID string) *tenantUsage {
	usage, ok := t.usageByTenant[tenantID]
	if !ok {
		usage = &tenantUsage{}
		t.usageByTenant[tenantID] = usage
	}
	return usage
}

func (t *UsageTracker) requeueUsage(tenantID string, usage *tenantUsage) {
	if t == nil || tenantID == "" || usage == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.ensureTenant(tenantID)
	current.llmCalls += usage.llmCalls
	current.promptTokens += usage.promptTokens
	current.responseTokens += usage.responseTokens
	current.searches += usage.searches
	current.embeddings += usage.embeddings
}

func (t *UsageTracker) enqueueReport(report UsageReport) {
	if t == nil {
		return
	}
	t.pendingMu.Lock()
	t.pending = append(t.pending, report)
	t.pendingMu.Unlock()
}

func (t *UsageTracker) retryPendingReports(ctx context.Context) {
	if t == nil || t.publisher == nil {
		return
	}
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	if len(pending) == 0 {
		return
	}
	var remaining []UsageReport
	for _, report := range pending {
		if err := t.publisher.PublishUsageReport(report); err != nil {
			remaining = append(remaining, report)
			if t.logger != nil {
				t.logger.WithError(err).WithField("tenant_id", report.TenantID).Warn("Failed to retry usage report")
			}
		}
	}
	if len(remaining) > 0 {
		t.pendingMu.Lock()
		t.pending = append(t.pending, remaining...)
		t.pendingMu.Unlock()
	}
}
