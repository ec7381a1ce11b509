package main

import (
	"context"
	"time"

	"docent/internal/chat"
	docentconfig "docent/internal/config"
	"docent/internal/docent"
	"docent/internal/knowledge"
	"docent/internal/metering"
	"docent/internal/quota"
	"docent/pkg/auth"
	"docent/pkg/config"
	"docent/pkg/database"
	"docent/pkg/llm"
	"docent/pkg/logging"
	"docent/pkg/middleware"
	"docent/pkg/monitoring"
	"docent/pkg/server"
	"docent/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("docent")

	config.LoadEnv(logger)

	logger.Info("Starting Docent (retrieval-augmented chat API)")

	cfg := docentconfig.LoadConfig()

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer func() { _ = db.Close() }()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelSchema()
	if err := knowledge.EnsureSchema(schemaCtx, db); err != nil {
		logger.WithError(err).Fatal("Failed to ensure database schema")
	}

	healthChecker := monitoring.NewHealthChecker("docent", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("docent", version.Version, version.GitCommit)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	var usagePublisher *metering.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := metering.NewPublisher(metering.PublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.BillingKafkaTopic,
			Source:  "docent",
			Logger:  logger,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to create billing Kafka publisher - usage events disabled")
		} else {
			usagePublisher = publisher
			defer func() { _ = usagePublisher.Close() }()
			healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(usagePublisher.KafkaClient()))
		}
	} else {
		logger.Warn("KAFKA_BROKERS not set - billing usage events disabled")
	}

	usageTracker := metering.NewUsageTracker(metering.UsageTrackerConfig{
		DB:            db,
		Publisher:     usagePublisher,
		Logger:        logger,
		Model:         cfg.LLMModel,
		FlushInterval: cfg.UsageFlushInterval,
	})
	usageTracker.Start()
	defer usageTracker.Stop()

	rateLimiter := metering.NewRateLimiter(cfg.ChatRateLimitHour, cfg.RateLimitOverrides)
	rateLimiter.StartCleanup(context.Background())

	llmProvider, err := llm.NewProvider(llm.Config{
		Provider:  cfg.LLMProvider,
		Model:     cfg.LLMModel,
		APIKey:    cfg.LLMAPIKey,
		APIURL:    cfg.LLMAPIURL,
		MaxTokens: cfg.LLMMaxTokens,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize LLM provider")
	}

	// The rewriter can run on a smaller, cheaper model than the one
	// answering visitors.
	utilityProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.UtilityLLMProvider,
		Model:    cfg.UtilityLLMModel,
		APIKey:   cfg.UtilityLLMAPIKey,
		APIURL:   cfg.UtilityLLMAPIURL,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize utility LLM - query rewriting disabled")
		utilityProvider = nil
	}

	embeddingClient, err := llm.NewEmbeddingClient(llm.Config{
		Provider: cfg.EmbeddingProvider,
		Model:    cfg.EmbeddingModel,
		APIKey:   cfg.EmbeddingAPIKey,
		APIURL:   cfg.EmbeddingAPIURL,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize embedding client")
	}
	embedder, err := knowledge.NewEmbedder(embeddingClient)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize knowledge embedder")
	}

	dimensions := cfg.EmbeddingDimensions
	if dimensions == 0 {
		dimensions, err = llm.ProbeEmbeddingDimensions(schemaCtx, embeddingClient)
		if err != nil {
			logger.WithError(err).Warn("Could not probe embedding dimensions - skipping vector column check")
		}
	}
	if dimensions > 0 {
		migrated, err := knowledge.EnsureEmbeddingDimensions(schemaCtx, db, dimensions)
		if err != nil {
			logger.WithError(err).Fatal("Failed to verify embedding dimensions")
		}
		if migrated {
			logger.WithFields(logging.Fields{
				"dimensions": dimensions,
			}).Warn("Embedding column migrated - all knowledge bases need retraining")
		}
	}

	knowledgeStore := knowledge.NewStore(db)
	conversationStore := chat.NewConversationStore(db)
	quotaService := quota.NewService(db, logger)

	pipeline := &chat.Pipeline{
		Store: conversationStore,
		Quota: quotaService,
		Retriever: &chat.Retriever{
			Embedder: embedder,
			Searcher: knowledgeStore,
		},
		Rewriter: chat.NewQueryRewriter(utilityProvider),
		LLM:      llmProvider,
		Logger:   logger,
	}
	chatHandler := chat.NewChatHandler(conversationStore, pipeline, logger)
	knowledgeAdmin := knowledge.NewAdmin(knowledgeStore, embedder, quotaService, logger)

	router := server.SetupServiceRouter(logger, "docent", healthChecker, metricsCollector)
	jwtSecret := []byte(cfg.JWTSecret)

	apiGroup := router.Group("/api/docent")
	apiGroup.Use(auth.JWTAuthMiddleware(jwtSecret))
	apiGroup.Use(docent.ContextMiddleware())
	apiGroup.Use(metering.AccessMiddleware(metering.AccessMiddlewareConfig{
		RateLimiter: rateLimiter,
		Tracker:     usageTracker,
		Logger:      logger,
	}))
	chat.RegisterRoutes(apiGroup, chatHandler)

	adminOpts := []auth.JWTOption{}
	if cfg.AdminAPIKey != "" {
		adminOpts = append(adminOpts, auth.WithAPIKeys(map[string]auth.APIKeyIdentity{
			cfg.AdminAPIKey: {Role: "admin"},
		}))
	}
	adminGroup := router.Group("/api/docent/admin")
	adminGroup.Use(auth.JWTAuthMiddleware(jwtSecret, adminOpts...))
	adminGroup.Use(docent.ContextMiddleware())
	// Training runs embed the whole knowledge base; give them room but not forever.
	adminGroup.Use(middleware.TimeoutMiddleware(5 * time.Minute))
	knowledgeAdmin.RegisterRoutes(adminGroup)

	serverConfig := server.DefaultConfig("docent", cfg.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
