package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/directory"
	"messaging-service/internal/handlers"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
	"messaging-service/internal/permissions"
	"messaging-service/internal/presence"
	"messaging-service/internal/repositories"
	"messaging-service/internal/store"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "messaging-service", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer shutdownTracing(ctx)

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	publisher := observability.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)

	audit := telemetry.NewAuditEmitter(publisher, observability.RoutingKeyAudit, "messaging-service", cfg.Environment)

	dirClient := directory.NewClient(cfg.DirectoryBaseURL)
	engine := permissions.NewEngine(dirClient)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	presenceRepo := repositories.NewPresenceRepo(database)

	messageStore := store.New(conversationRepo, messageRepo, engine, dirClient,
		store.WithRetries(cfg.StoreMaxRetries),
		store.WithHistoryPageSize(cfg.HistoryPageSize),
		store.WithEditGrace(cfg.EditGraceWindow),
	)

	tracker := presence.NewTracker(presenceRepo)
	registry := ws.NewRegistry(tracker, cfg.MaxConnectionsPerUser)
	dispatcher := ws.NewDispatcher(registry, messageStore)
	tracker.OnChange = dispatcher.BroadcastPresence
	go dispatcher.Run(ctx)

	wsHandler := ws.NewHandler(ws.Deps{
		Registry:   registry,
		Tracker:    tracker,
		Store:      messageStore,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Audit:      audit,
	}, ws.Settings{
		AuthGrace:           cfg.AuthGrace,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatTimeout:    cfg.HeartbeatTimeout(),
		MalformedFrameLimit: cfg.MalformedFrameLimit,
		SendQueueSize:       cfg.SendQueueSize,
	})

	messageHandler := handlers.NewMessageHandler(messageStore, tracker)
	healthHandler := handlers.NewHealthHandler(database)

	router := gin.Default()
	router.Use(otelgin.Middleware("messaging-service"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.POST("/messages/send", authMiddleware, messageHandler.SendMessage)
	router.GET("/messages/history/:conversation_id", authMiddleware, messageHandler.GetHistory)
	router.POST("/messages/mark-read/:message_id", authMiddleware, messageHandler.MarkRead)
	router.GET("/messages/conversations", authMiddleware, messageHandler.ListConversations)
	router.POST("/messages/conversations", authMiddleware, messageHandler.CreateConversation)
	router.POST("/messages/conversations/:conversation_id/mute", authMiddleware, messageHandler.SetMuted)
	router.POST("/messages/conversations/:conversation_id/archive", authMiddleware, messageHandler.SetArchived)
	router.GET("/messages/online-users", authMiddleware, messageHandler.OnlineUsers)

	router.GET("/ws", wsHandler.Handle)
	router.GET("/ws/conversation/:conversation_id", wsHandler.HandleConversation)

	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
