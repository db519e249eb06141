// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/yourusername/vidshrink/internal/transcode"
)

// Config はアプリケーションの設定を保持する構造体です。
// Load 後は変更せず、各コンポーネントへ参照で渡します。
type Config struct {
	// サーバー設定
	Port               string // APIサーバーのポート番号
	GinMode            string // Ginの実行モード (debug, release, test)
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	APITokenHash        string // ゲートウェイ用Bearerトークンのbcryptハッシュ
	SubmitRatePerMinute int    // IPごとのジョブ投入レート上限（0で無効）

	// 転送設定
	ConnPoolSize   int           // 同時接続数の上限
	ConnectTimeout time.Duration // 接続タイムアウト
	ReadTimeout    time.Duration // レスポンスヘッダー待ちのタイムアウト
	WriteTimeout   time.Duration // 送信が停止した場合のタイムアウト
	IdleTimeout    time.Duration // 受信が停止した場合のタイムアウト
	PoolTimeout    time.Duration // 接続枠の空き待ちタイムアウト
	ChunkSize      int           // 転送チャンクサイズ（バイト）
	MaxFileSize    int64         // 受信ファイルの最大サイズ（バイト）
	MaxUploadSize  int64         // 送信ファイルの最大サイズ（バイト）

	// 変換設定
	FFmpegPath       string
	Profile          transcode.Profile
	TranscodeTimeout time.Duration
	JobTimeout       time.Duration

	// ジョブ設定
	MaxConcurrentJobs int    // 同時に実行できるジョブ数（スロット数）
	DownloadDir       string // 受信した元動画の置き場
	CompressedDir     string // 圧縮後動画の置き場
	JobExpireMinutes  int    // 完了ジョブ情報の保持期間（分）

	// 掃除設定
	SweepIntervalMinutes int
	SweepMaxAgeHours     int

	// キュー/履歴設定
	QueueRedisURL string // 空の場合はプロセス内で直接実行
	QueueMaxRetry int
	HistoryDBPath string // 空の場合は履歴を保存しない
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	readTimeout := getEnvAsSeconds("READ_TIMEOUT", 20*time.Second)

	config := &Config{
		Port:               getEnv("PORT", "8080"),
		GinMode:            getEnv("GIN_MODE", "debug"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		APITokenHash:        getEnv("API_TOKEN_HASH", ""),
		SubmitRatePerMinute: getEnvAsInt("SUBMIT_RATE_PER_MINUTE", 30),

		ConnPoolSize:   getEnvAsInt("CONN_POOL_SIZE", 8),
		ConnectTimeout: getEnvAsSeconds("CONNECT_TIMEOUT", 20*time.Second),
		ReadTimeout:    readTimeout,
		WriteTimeout:   getEnvAsSeconds("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:    getEnvAsSeconds("IDLE_TIMEOUT", readTimeout),
		PoolTimeout:    getEnvAsSeconds("POOL_TIMEOUT", 20*time.Second),
		ChunkSize:      getEnvAsInt("TRANSFER_CHUNK_SIZE", 8192),
		MaxFileSize:    getEnvAsInt64("MAX_FILE_SIZE", 104857600),  // 100MB
		MaxUploadSize:  getEnvAsInt64("MAX_UPLOAD_SIZE", 52428800), // 50MB

		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
		Profile: transcode.Profile{
			VideoCodec:   getEnv("FFMPEG_VCODEC", "libx264"),
			AudioCodec:   getEnv("FFMPEG_ACODEC", "aac"),
			VideoBitrate: getEnv("FFMPEG_BITRATE", "1000k"),
			AudioBitrate: getEnv("FFMPEG_AUDIO_BITRATE", "128k"),
			MaxRate:      getEnv("FFMPEG_MAXRATE", "1500k"),
			BufSize:      getEnv("FFMPEG_BUFSIZE", "2000k"),
			CRF:          getEnvAsInt("FFMPEG_CRF", 28),
			Preset:       getEnv("FFMPEG_PRESET", "slower"),
			Threads:      getEnvAsInt("FFMPEG_THREADS", 0),
			FastStart:    getEnv("FFMPEG_FASTSTART", "true") == "true",
		},
		TranscodeTimeout: getEnvAsSeconds("TRANSCODE_TIMEOUT", 20*time.Minute),
		JobTimeout:       getEnvAsSeconds("JOB_TIMEOUT", 30*time.Minute),

		MaxConcurrentJobs: getEnvAsInt("MAX_CONCURRENT_JOBS", 2),
		DownloadDir:       getEnv("DOWNLOAD_DIR", "downloads"),
		CompressedDir:     getEnv("COMPRESSED_DIR", "compressed"),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 10),

		SweepIntervalMinutes: getEnvAsInt("SWEEP_INTERVAL_MINUTES", 30),
		SweepMaxAgeHours:     getEnvAsInt("SWEEP_MAX_AGE_HOURS", 6),

		QueueRedisURL: getEnv("QUEUE_REDIS_URL", ""),
		QueueMaxRetry: getEnvAsInt("QUEUE_MAX_RETRY", 1),
		HistoryDBPath: getEnv("HISTORY_DB_PATH", filepath.Join("data", "history.db")),
	}

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
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be positive (got %d)", c.MaxConcurrentJobs)
	}
	if c.ConnPoolSize <= 0 {
		return fmt.Errorf("CONN_POOL_SIZE must be positive (got %d)", c.ConnPoolSize)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("TRANSFER_CHUNK_SIZE must be positive (got %d)", c.ChunkSize)
	}
	if c.DownloadDir == "" || c.CompressedDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR and COMPRESSED_DIR are required")
	}
	if filepath.Clean(c.DownloadDir) == filepath.Clean(c.CompressedDir) {
		return fmt.Errorf("DOWNLOAD_DIR and COMPRESSED_DIR must differ")
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("FFMPEG_PATH is required")
	}
	if c.TranscodeTimeout <= 0 || c.JobTimeout <= 0 {
		return fmt.Errorf("TRANSCODE_TIMEOUT and JOB_TIMEOUT must be positive")
	}
	if c.MaxFileSize <= 0 || c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE and MAX_UPLOAD_SIZE must be positive")
	}
	if err := c.Profile.Validate(); err != nil {
		return fmt.Errorf("invalid transcode profile: %w", err)
	}

	// 本番環境ではゲートウェイ認証を必須にする
	if c.GinMode == "release" && c.APITokenHash == "" {
		return fmt.Errorf("API_TOKEN_HASH is required in release mode")
	}

	return nil
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

// getEnvAsSeconds は秒数（小数可）の環境変数を time.Duration として取得します。
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	seconds, err := strconv.ParseFloat(valueStr, 64)
	if err != nil || seconds < 0 {
		return defaultValue
	}
	return time.Duration(seconds * float64(time.Second))
}
