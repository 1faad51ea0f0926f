// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 共有ストア/キュー設定
	RedisURL         string // 共有ストアとAsynqで使うRedis接続URL
	QueueConcurrency int    // ワーカーの同時実行数
	RunWorkers       bool   // APIプロセス内でもワーカーを起動するか
	KeyRetentionMins int    // シグナル・Snapshotキーの保持期間（分）

	// 実行制御
	LockTTL         time.Duration // ロックキーのリース期間（0 なら保持期間に従う）
	PollInterval    time.Duration // Waiter のポーリング間隔
	PollMaxAttempts int           // Waiter の試行回数の上限（ヒューズ）
	FinalizeTimeout time.Duration // FinalStage で確定操作を待つ最大時間
	AutoFinalize    bool          // 確定操作を待たずに完了させるか
	FinishedMessage string        // 完了時に表示するメッセージ

	// インポート設定
	WorkspaceDir  string // アップロードされたCSVの保存先
	MaxFileSize   int64  // CSVファイルの最大サイズ（バイト）
	ProgressEvery int    // 何行ごとに進捗を公開するか
	DBDriver      string // 取り込み先DBのドライバー (sqlite3, postgres, mysql)
	DBDSN         string // 取り込み先DBの接続文字列

	// ログ/監視設定
	LogLevel       string // debug, info, warn, error
	LogFormat      string // json, console
	MetricsEnabled bool   // /metrics を公開するか
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 共有ストア/キュー設定
		RedisURL:         getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueConcurrency: getEnvAsInt("QUEUE_CONCURRENCY", 2),
		RunWorkers:       getEnvAsBool("RUN_WORKERS", true),
		KeyRetentionMins: getEnvAsInt("KEY_RETENTION_MINUTES", 24*60),

		// 実行制御
		LockTTL:         time.Duration(getEnvAsInt("LOCK_TTL_SECONDS", 30*60)) * time.Second,
		PollInterval:    time.Duration(getEnvAsInt("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		PollMaxAttempts: getEnvAsInt("POLL_MAX_ATTEMPTS", 30),
		FinalizeTimeout: time.Duration(getEnvAsInt("FINALIZE_TIMEOUT_SECONDS", 15*60)) * time.Second,
		AutoFinalize:    getEnvAsBool("AUTO_FINALIZE", false),
		FinishedMessage: getEnv("FINISHED_MESSAGE", "Almost done, please click to the `finish` button to proceed"),

		// インポート設定
		WorkspaceDir:  getEnv("WORKSPACE_DIR", filepath.Join(os.TempDir(), "csv-importer")),
		MaxFileSize:   getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		ProgressEvery: getEnvAsInt("PROGRESS_EVERY", 100),
		DBDriver:      getEnv("DB_DRIVER", "sqlite3"),
		DBDSN:         getEnv("DB_DSN", "file:imports.db?_busy_timeout=5000"),

		// ログ/監視設定
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "console"),
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.PollMaxAttempts < 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must not be negative")
	}
	if c.LockTTL < 0 {
		return fmt.Errorf("LOCK_TTL_SECONDS must not be negative")
	}
	// 確定待ちの間にリースが切れないようにする
	if c.LockTTL > 0 && c.FinalizeTimeout >= c.LockTTL {
		return fmt.Errorf("FINALIZE_TIMEOUT_SECONDS (%s) must be shorter than LOCK_TTL_SECONDS (%s)", c.FinalizeTimeout, c.LockTTL)
	}
	if c.ProgressEvery <= 0 {
		return fmt.Errorf("PROGRESS_EVERY must be positive")
	}
	switch c.DBDriver {
	case "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("DB_DRIVER must be one of sqlite3, postgres, mysql: %q", c.DBDriver)
	}

	// 本番環境では接続先を明示させる
	if c.GinMode == "release" {
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required in release mode")
		}
		if c.WorkspaceDir == "" {
			return fmt.Errorf("WORKSPACE_DIR is required in release mode")
		}
	}

	return nil
}

// KeyRetention はキーの保持期間を返します。
func (c *Config) KeyRetention() time.Duration {
	if c.KeyRetentionMins <= 0 {
		return 0
	}
	return time.Duration(c.KeyRetentionMins) * time.Minute
}

// FinalizeAttempts は FinalizeTimeout をポーリング回数に換算します。
func (c *Config) FinalizeAttempts() int {
	if c.PollInterval <= 0 || c.FinalizeTimeout <= 0 {
		return c.PollMaxAttempts
	}
	return int(c.FinalizeTimeout / c.PollInterval)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
