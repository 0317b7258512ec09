package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estimatex/api/internal/cache"
	"github.com/estimatex/api/internal/config"
	"github.com/estimatex/api/internal/database"
	"github.com/estimatex/api/internal/handler"
	"github.com/estimatex/api/internal/middleware"
	"github.com/estimatex/api/internal/presence"
	"github.com/estimatex/api/internal/realtime"
	"github.com/estimatex/api/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize Redis cache
	redisCache, err := cache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		// Continue without Redis cache (fail-open)
	}

	// Core components: one service, one presence registry, one gateway per
	// process; everything is injected rather than package-global.
	sessions := session.NewService(db, redisCache)
	registry := presence.NewRegistry()
	gateway := realtime.NewGateway(sessions, registry)
	sessionHandler := handler.NewSessionHandler(sessions)

	// Setup router
	r := gin.Default()
	r.Use(middleware.MetricsMiddleware())

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", cfg.CORSOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, x-facilitator-secret")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Realtime gateway
	r.GET("/ws", gateway.Handle)

	// HTTP facade
	r.POST("/sessions", sessionHandler.Create)
	r.GET("/sessions/:code", sessionHandler.Get)
	r.POST("/sessions/:code/join", sessionHandler.Join)
	r.POST("/sessions/:code/vote", sessionHandler.Vote)
	r.GET("/sessions/:code/votes", sessionHandler.Votes)
	r.POST("/sessions/:code/reveal", sessionHandler.Reveal)
	r.POST("/sessions/:code/clear", sessionHandler.Clear)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	go func() {
		log.Printf("API server starting on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting requests, then drop live sockets.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Warning: server shutdown: %v", err)
	}
	gateway.Close()
	if redisCache != nil {
		redisCache.Close()
	}
	log.Println("Server stopped")
}
