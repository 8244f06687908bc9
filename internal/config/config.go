// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// キューの実装
const (
	QueueBackendMemory = "memory"
	QueueBackendAsynq  = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port            string        `env:"PORT" envDefault:"8080"`
	GinMode         string        `env:"GIN_MODE" envDefault:"debug"`
	SessionSecret   string        `env:"SESSION_SECRET"` // セッション署名用の秘密鍵
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// CORS許可オリジン（カンマ区切り）
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:5173"`

	// ファイル制限
	MaxFileSize int64 `env:"MAX_FILE_SIZE" envDefault:"104857600"` // 100MB
	MaxPages    int   `env:"MAX_PAGES" envDefault:"200"`
	MaxFiles    int   `env:"MAX_FILES" envDefault:"20"`

	// 作業ディレクトリ。空なら一時ディレクトリ配下を使う
	WorkDir string `env:"WORK_DIR"`

	// ジョブ設定
	JobExpireMinutes int           `env:"JOB_EXPIRE_MINUTES" envDefault:"10"` // 終了後のジョブ保持時間（分）
	JobSweepInterval time.Duration `env:"JOB_SWEEP_INTERVAL" envDefault:"1m"`
	JobStallTimeout  time.Duration `env:"JOB_STALL_TIMEOUT" envDefault:"0s"` // 0 なら停止検知しない
	MaxJobs          int           `env:"MAX_JOBS" envDefault:"0"`           // 0 なら上限なし
	JobConcurrency   int           `env:"JOB_CONCURRENCY" envDefault:"2"`
	ReapOnDownload   bool          `env:"REAP_ON_DOWNLOAD" envDefault:"false"`

	// キュー設定
	QueueBackend  string `env:"QUEUE_BACKEND" envDefault:"memory"`
	QueueRedisURL string `env:"QUEUE_REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	// asynq がワーカー枠を保持する期間。操作の実行時間は制限しない
	QueueTaskTimeout time.Duration `env:"QUEUE_TASK_TIMEOUT" envDefault:"24h"`
	// ジョブ状態のミラー先。空ならミラーしない
	StatusRedisURL string `env:"STATUS_REDIS_URL"`

	// PDF処理設定
	GhostscriptPath string `env:"GHOSTSCRIPT_PATH" envDefault:"gs"`
	FlattenDPI      int    `env:"FLATTEN_DPI" envDefault:"300"`

	// ログ設定
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

func (c *Config) normalize() {
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "pdf-manager")
	}
	if c.JobConcurrency < 1 {
		c.JobConcurrency = 1
	}
}

// JobRetention は終了したジョブを保持する時間です。
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// AllowedOrigins は CORS 許可オリジンを分割して返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	var errs []error
	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendAsynq:
		if c.QueueRedisURL == "" {
			errs = append(errs, errors.New("QUEUE_REDIS_URL is required when QUEUE_BACKEND=asynq"))
		}
		if c.QueueTaskTimeout <= 0 {
			errs = append(errs, errors.New("QUEUE_TASK_TIMEOUT must be positive when QUEUE_BACKEND=asynq"))
		}
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND must be %q or %q (received: %q)", QueueBackendMemory, QueueBackendAsynq, c.QueueBackend))
	}
	if c.JobExpireMinutes <= 0 {
		errs = append(errs, errors.New("JOB_EXPIRE_MINUTES must be positive"))
	}
	if c.JobSweepInterval <= 0 {
		errs = append(errs, errors.New("JOB_SWEEP_INTERVAL must be positive"))
	}
	if c.MaxJobs < 0 {
		errs = append(errs, errors.New("MAX_JOBS must not be negative"))
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			errs = append(errs, errors.New("SESSION_SECRET is required in release mode"))
		}
		if c.GhostscriptPath == "" {
			errs = append(errs, errors.New("GHOSTSCRIPT_PATH is required in release mode"))
		}
	}

	return errors.Join(errs...)
}
