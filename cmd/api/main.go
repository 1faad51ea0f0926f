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
	"go.uber.org/zap"

	"github.com/yourusername/csv-importer/internal/config"
	"github.com/yourusername/csv-importer/internal/csvimport"
	"github.com/yourusername/csv-importer/internal/jobs"
	"github.com/yourusername/csv-importer/internal/logger"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	app, err := setupJobs(cfg, zl)
	if err != nil {
		zl.Fatal("Failed to set up import jobs", zap.Error(err))
	}
	defer app.Close()

	if cfg.RunWorkers {
		if err := app.queue.StartWorkers(app.manager); err != nil {
			zl.Fatal("Failed to start workers", zap.Error(err))
		}
		zl.Info("import workers started", zap.Int("concurrency", cfg.QueueConcurrency))
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, app)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zl.Info("Starting API server", zap.String("addr", srv.Addr), zap.String("mode", cfg.GinMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	zl.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("Server shutdown failed", zap.Error(err))
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(store *jobs.RedisStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		code := http.StatusOK
		if err := store.Ping(c.Request.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": "csv-importer-api",
			"version": "0.1.0",
		})
	}
}

// setupRoutes は API グループとインポート周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *application) {
	router.GET("/health", handleHealth(app.store))
	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(app.metrics.Handler()))
	}

	api := router.Group("/api")
	{
		imports := api.Group("/imports")
		imports.PUT("/:id/file", csvimport.UploadHandler(app.importer, app.manager))
		jobs.NewHandler(app.manager, app.logger).Register(imports)
	}
}
