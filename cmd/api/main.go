// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/vidshrink/internal/auth"
	"github.com/yourusername/vidshrink/internal/config"
	"github.com/yourusername/vidshrink/internal/history"
	"github.com/yourusername/vidshrink/internal/pipeline"
)

const (
	serviceName    = "vidshrink-api"
	serviceVersion = "0.1.0"

	httpShutdownTimeout = 15 * time.Second
	jobDrainTimeout     = 60 * time.Second
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	logger := log.Default()

	svc, err := setupServices(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up services: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	if len(origins) == 1 && strings.TrimSpace(origins[0]) == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, svc)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutdown signal received, draining jobs")

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), jobDrainTimeout)
	defer cancelDrain()
	svc.shutdown(drainCtx)
	log.Printf("Shutdown complete")
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  serviceName,
			"version":  serviceVersion,
			"ffmpeg":   svc.ffmpegPath != "",
			"inFlight": svc.orch.InFlight(),
			"queue":    svc.jobs != nil,
		})
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *services) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth(svc))

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	api.Use(authManager.RequireToken())
	{
		api.POST("/jobs", authManager.LimitSubmit(), pipeline.SubmitHandler(svc.orch, svc.handlerOpts))
		api.GET("/jobs/:id", pipeline.JobHandler(svc.orch, svc.handlerOpts))
		api.GET("/jobs/:id/events", pipeline.EventsHandler(svc.events))
		if svc.history != nil {
			api.GET("/history", history.Handler(svc.history))
		}
	}
}
