package main

import (
	"database/sql"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/csv-importer/internal/config"
	"github.com/yourusername/csv-importer/internal/csvimport"
	"github.com/yourusername/csv-importer/internal/jobs"
	"github.com/yourusername/csv-importer/internal/metrics"
)

// application は API プロセスで共有する依存をまとめます。
type application struct {
	rdb      *redis.Client
	db       *sql.DB
	store    *jobs.RedisStore
	queue    *jobs.Queue
	manager  *jobs.Manager
	importer *csvimport.Service
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func setupJobs(cfg *config.Config, logger *zap.Logger) (*application, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)
	store := jobs.NewRedisStore(redisClient, cfg.KeyRetention())

	collector := metrics.NewRuntimeCollector()

	db, err := csvimport.OpenDB(cfg)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}
	importer, err := csvimport.NewService(cfg, csvimport.NewSQLSink(db, cfg.DBDriver), logger.Named("csvimport"))
	if err != nil {
		_ = db.Close()
		_ = redisClient.Close()
		return nil, err
	}

	queue, err := jobs.NewQueue(cfg.RedisURL, cfg.QueueConcurrency, logger.Named("queue"))
	if err != nil {
		_ = db.Close()
		_ = redisClient.Close()
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, store, importer, queue, collector, logger.Named("jobs"))
	if err != nil {
		_ = queue.Shutdown()
		_ = db.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to create job manager: %w", err)
	}

	return &application{
		rdb:      redisClient,
		db:       db,
		store:    store,
		queue:    queue,
		manager:  manager,
		importer: importer,
		metrics:  collector,
		logger:   logger,
	}, nil
}

// Close はキュー・DB・Redis の接続を閉じます。
func (a *application) Close() {
	if err := a.queue.Shutdown(); err != nil {
		a.logger.Warn("failed to close queue", zap.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("failed to close redis", zap.Error(err))
	}
}
