package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/code-100-precent/lingecho-gateway/pkg/cache"
	"github.com/code-100-precent/lingecho-gateway/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config main configuration structure
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Stream    StreamConfig     `mapstructure:"stream"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Provider  ProviderConfig   `mapstructure:"provider"`
	Vendor    VendorConfig     `mapstructure:"vendor"`
	Audit     AuditConfig      `mapstructure:"audit"`
	Recording RecordingConfig  `mapstructure:"recording"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Log       logger.LogConfig `mapstructure:"log"`
	Cache     cache.Config     `mapstructure:"cache"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Name             string `env:"SERVER_NAME"`
	Addr             string `env:"ADDR"`
	Mode             string `env:"MODE"`
	UpgradeRateLimit string `env:"UPGRADE_RATE_LIMIT"`
}

// StreamConfig telephony media stream configuration
type StreamConfig struct {
	Path                 string        `env:"STREAM_PATH"`
	IdleTimeout          time.Duration `env:"STREAM_IDLE_TIMEOUT"`
	StartGraceWindow     time.Duration `env:"START_GRACE_WINDOW"`
	EarlyMediaMaxFrames  int           `env:"EARLY_MEDIA_MAX_FRAMES"`
	BackpressureMaxBytes int           `env:"BACKPRESSURE_MAX_BYTES"`
	MaxInboundFrameBytes int           `env:"MAX_INBOUND_FRAME_BYTES"`
	MaxMessageBytes      int64         `env:"MAX_MESSAGE_BYTES"`
}

// AuthConfig upgrade authentication configuration
type AuthConfig struct {
	StaticToken   string        `env:"STREAM_STATIC_TOKEN"`
	SigningSecret string        `env:"STREAM_SIGNING_SECRET"`
	Audience      string        `env:"STREAM_TOKEN_AUDIENCE"`
	Skew          time.Duration `env:"STREAM_TOKEN_SKEW"`
	SingleUse     bool          `env:"STREAM_TOKEN_SINGLE_USE"`
}

// ProviderConfig telephony provider request signing
type ProviderConfig struct {
	AuthToken         string `env:"PROVIDER_AUTH_TOKEN"`
	PublicBaseURL     string `env:"PUBLIC_BASE_URL"`
	SignatureRequired bool   `env:"PROVIDER_SIGNATURE_REQUIRED"`
}

// VendorConfig conversational AI backend configuration
type VendorConfig struct {
	WSURL             string        `env:"VENDOR_WS_URL"`
	SignedURLEndpoint string        `env:"VENDOR_SIGNED_URL_ENDPOINT"`
	APIKey            string        `env:"VENDOR_API_KEY"`
	AgentID           string        `env:"VENDOR_AGENT_ID"`
	Greeting          bool          `env:"VENDOR_GREETING"`
	CommitInterval    time.Duration `env:"VENDOR_COMMIT_INTERVAL"`
	BackoffBase       time.Duration `env:"VENDOR_BACKOFF_BASE"`
	BackoffMax        time.Duration `env:"VENDOR_BACKOFF_MAX"`
}

// AuditConfig audit webhook configuration
type AuditConfig struct {
	WebhookURL     string        `env:"AUDIT_WEBHOOK_URL"`
	WebhookKey     string        `env:"AUDIT_WEBHOOK_KEY"`
	WebhookTimeout time.Duration `env:"AUDIT_WEBHOOK_TIMEOUT"`
}

// RecordingConfig call recording configuration
type RecordingConfig struct {
	Enabled       bool          `env:"RECORDING_ENABLED"`
	ChunkInterval time.Duration `env:"RECORDING_CHUNK_INTERVAL"`
}

// StorageConfig object storage configuration
type StorageConfig struct {
	Driver    string `env:"STORAGE_DRIVER"`
	Endpoint  string `env:"STORAGE_ENDPOINT"`
	Region    string `env:"STORAGE_REGION"`
	Bucket    string `env:"STORAGE_BUCKET"`
	AccessKey string `env:"STORAGE_ACCESS_KEY"`
	SecretKey string `env:"STORAGE_SECRET_KEY"`
	PathStyle bool   `env:"STORAGE_PATH_STYLE"`

	LingStorage LingStorageConfig `mapstructure:"lingstorage"`
}

// LingStorageConfig LingStorage service configuration
type LingStorageConfig struct {
	BaseURL   string `env:"LINGSTORAGE_BASE_URL"`
	APIKey    string `env:"LINGSTORAGE_API_KEY"`
	APISecret string `env:"LINGSTORAGE_API_SECRET"`
}

var GlobalConfig *Config

// LoadEnv loads .env.<env> (when env is set) and then .env. Variables that are
// already present in the process environment are never overridden.
func LoadEnv(env string) error {
	files := []string{".env"}
	if env != "" {
		files = append([]string{".env." + env}, files...)
	}
	var loaded int
	var lastErr error
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			lastErr = err
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
		loaded++
	}
	if loaded == 0 {
		return lastErr
	}
	return nil
}

func Load() error {
	// 1. Load .env file based on environment (missing files fall back to defaults)
	env := os.Getenv("APP_ENV")
	if err := LoadEnv(env); err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	// 2. Load global configuration
	GlobalConfig = FromEnv()
	return nil
}

// FromEnv builds a Config from the current process environment.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Name:             getStringOrDefault("SERVER_NAME", "lingecho-gateway"),
			Addr:             listenAddr(),
			Mode:             getStringOrDefault("MODE", "development"),
			UpgradeRateLimit: upgradeRateLimit(),
		},
		Stream: StreamConfig{
			Path:                 getStringOrDefault("STREAM_PATH", "/stream"),
			IdleTimeout:          getDurationOrDefault("STREAM_IDLE_TIMEOUT", 30*time.Second),
			StartGraceWindow:     getDurationOrDefault("START_GRACE_WINDOW", 3*time.Second),
			EarlyMediaMaxFrames:  getIntOrDefault("EARLY_MEDIA_MAX_FRAMES", 250),
			BackpressureMaxBytes: getIntOrDefault("BACKPRESSURE_MAX_BYTES", 256*1024),
			MaxInboundFrameBytes: getIntOrDefault("MAX_INBOUND_FRAME_BYTES", 16*1024),
			MaxMessageBytes:      int64(getIntOrDefault("MAX_MESSAGE_BYTES", 64*1024)),
		},
		Auth: AuthConfig{
			StaticToken:   os.Getenv("STREAM_STATIC_TOKEN"),
			SigningSecret: os.Getenv("STREAM_SIGNING_SECRET"),
			Audience:      os.Getenv("STREAM_TOKEN_AUDIENCE"),
			Skew:          getDurationOrDefault("STREAM_TOKEN_SKEW", 30*time.Second),
			SingleUse:     getBoolOrDefault("STREAM_TOKEN_SINGLE_USE", false),
		},
		Provider: ProviderConfig{
			AuthToken:         os.Getenv("PROVIDER_AUTH_TOKEN"),
			PublicBaseURL:     os.Getenv("PUBLIC_BASE_URL"),
			SignatureRequired: getBoolOrDefault("PROVIDER_SIGNATURE_REQUIRED", false),
		},
		Vendor: VendorConfig{
			WSURL:             os.Getenv("VENDOR_WS_URL"),
			SignedURLEndpoint: os.Getenv("VENDOR_SIGNED_URL_ENDPOINT"),
			APIKey:            os.Getenv("VENDOR_API_KEY"),
			AgentID:           os.Getenv("VENDOR_AGENT_ID"),
			Greeting:          getBoolOrDefault("VENDOR_GREETING", true),
			CommitInterval:    getDurationOrDefault("VENDOR_COMMIT_INTERVAL", 500*time.Millisecond),
			BackoffBase:       getDurationOrDefault("VENDOR_BACKOFF_BASE", 250*time.Millisecond),
			BackoffMax:        getDurationOrDefault("VENDOR_BACKOFF_MAX", 5*time.Second),
		},
		Audit: AuditConfig{
			WebhookURL:     os.Getenv("AUDIT_WEBHOOK_URL"),
			WebhookKey:     os.Getenv("AUDIT_WEBHOOK_KEY"),
			WebhookTimeout: getDurationOrDefault("AUDIT_WEBHOOK_TIMEOUT", 3*time.Second),
		},
		Recording: RecordingConfig{
			Enabled:       getBoolOrDefault("RECORDING_ENABLED", false),
			ChunkInterval: getDurationOrDefault("RECORDING_CHUNK_INTERVAL", 10*time.Second),
		},
		Storage: StorageConfig{
			Driver:    strings.ToLower(getStringOrDefault("STORAGE_DRIVER", "s3")),
			Endpoint:  os.Getenv("STORAGE_ENDPOINT"),
			Region:    getStringOrDefault("STORAGE_REGION", "us-east-1"),
			Bucket:    os.Getenv("STORAGE_BUCKET"),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey: os.Getenv("STORAGE_SECRET_KEY"),
			PathStyle: getBoolOrDefault("STORAGE_PATH_STYLE", false),
			LingStorage: LingStorageConfig{
				BaseURL:   getStringOrDefault("LINGSTORAGE_BASE_URL", "https://api.lingstorage.com"),
				APIKey:    os.Getenv("LINGSTORAGE_API_KEY"),
				APISecret: os.Getenv("LINGSTORAGE_API_SECRET"),
			},
		},
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/gateway.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", false),
		},
		Cache: loadCacheConfig(),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if !strings.HasPrefix(c.Stream.Path, "/") || strings.Trim(c.Stream.Path, "/") == "" {
		return fmt.Errorf("stream path %q must start with / and name a route", c.Stream.Path)
	}
	if c.Stream.IdleTimeout <= 0 || c.Stream.StartGraceWindow <= 0 {
		return errors.New("stream idle timeout and start grace window must be positive")
	}
	if c.Stream.EarlyMediaMaxFrames <= 0 || c.Stream.BackpressureMaxBytes <= 0 ||
		c.Stream.MaxInboundFrameBytes <= 0 || c.Stream.MaxMessageBytes <= 0 {
		return errors.New("stream size limits must be positive")
	}
	if c.Vendor.WSURL == "" && c.Vendor.SignedURLEndpoint == "" {
		return errors.New("vendor websocket URL or signed URL endpoint is required")
	}
	if c.Vendor.CommitInterval <= 0 || c.Vendor.BackoffBase <= 0 || c.Vendor.BackoffMax < c.Vendor.BackoffBase {
		return errors.New("vendor commit interval and backoff must be positive, max >= base")
	}
	if c.Recording.Enabled {
		if c.Recording.ChunkInterval <= 0 {
			return errors.New("recording chunk interval must be positive")
		}
		if c.Storage.Driver == "s3" && c.Storage.Bucket == "" {
			return errors.New("storage bucket is required when recording to s3")
		}
	}
	return nil
}

// listenAddr honours PORT (as set by most PaaS runtimes) over ADDR.
func listenAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return getStringOrDefault("ADDR", ":8080")
}

// upgradeRateLimit defaults to 60 upgrades per minute per IP; an explicitly
// empty UPGRADE_RATE_LIMIT disables limiting.
func upgradeRateLimit() string {
	if v, ok := os.LookupEnv("UPGRADE_RATE_LIMIT"); ok {
		return v
	}
	return "60-M"
}

// getStringOrDefault gets environment variable value, returns default if empty
func getStringOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault gets boolean environment variable value, returns default if empty or invalid
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// getIntOrDefault gets integer environment variable value, returns default if empty or invalid
func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := cast.ToIntE(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getDurationOrDefault accepts Go durations ("30s") or bare milliseconds ("500")
func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if ms, err := cast.ToInt64E(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return parseDuration(value, defaultValue)
}

// parseDuration parses duration string with default fallback
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := cast.ToDurationE(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// loadCacheConfig loads cache configuration with all default values
func loadCacheConfig() cache.Config {
	return cache.Config{
		Type: getStringOrDefault("CACHE_TYPE", cache.KindLocal),
		Redis: cache.RedisConfig{
			Addr:         getStringOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           getIntOrDefault("REDIS_DB", 0),
			PoolSize:     getIntOrDefault("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntOrDefault("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  parseDuration(os.Getenv("REDIS_DIAL_TIMEOUT"), 5*time.Second),
			ReadTimeout:  parseDuration(os.Getenv("REDIS_READ_TIMEOUT"), 3*time.Second),
			WriteTimeout: parseDuration(os.Getenv("REDIS_WRITE_TIMEOUT"), 3*time.Second),
			IdleTimeout:  parseDuration(os.Getenv("REDIS_IDLE_TIMEOUT"), 5*time.Minute),
		},
		Local: cache.LocalConfig{
			MaxSize:           getIntOrDefault("LOCAL_CACHE_MAX_SIZE", 10000),
			DefaultExpiration: parseDuration(os.Getenv("LOCAL_CACHE_DEFAULT_EXPIRATION"), time.Hour),
			CleanupInterval:   parseDuration(os.Getenv("LOCAL_CACHE_CLEANUP_INTERVAL"), 10*time.Minute),
		},
	}
}
