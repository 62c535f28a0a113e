package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/code-100-precent/lingecho-gateway/pkg/config"
	"github.com/code-100-precent/lingecho-gateway/pkg/logger"
	"go.uber.org/zap"
)

// LogConfigInfo prints the effective configuration with secrets masked.
func LogConfigInfo(cfg *config.Config) {
	logger.Info("system config load finished")
	logger.Info("server config",
		zap.String("server_name", cfg.Server.Name),
		zap.String("addr", cfg.Server.Addr),
		zap.String("mode", cfg.Server.Mode),
		zap.String("upgrade_rate_limit", cfg.Server.UpgradeRateLimit),
	)

	logger.Info("stream config",
		zap.String("path", cfg.Stream.Path),
		zap.Duration("idle_timeout", cfg.Stream.IdleTimeout),
		zap.Duration("start_grace_window", cfg.Stream.StartGraceWindow),
		zap.Int("early_media_max_frames", cfg.Stream.EarlyMediaMaxFrames),
		zap.Int("backpressure_max_bytes", cfg.Stream.BackpressureMaxBytes),
		zap.Int("max_inbound_frame_bytes", cfg.Stream.MaxInboundFrameBytes),
		zap.Int64("max_message_bytes", cfg.Stream.MaxMessageBytes),
	)

	logger.Info("auth config",
		zap.String("static_token", mask(cfg.Auth.StaticToken)),
		zap.String("signing_secret", mask(cfg.Auth.SigningSecret)),
		zap.String("audience", cfg.Auth.Audience),
		zap.Duration("skew", cfg.Auth.Skew),
		zap.Bool("single_use", cfg.Auth.SingleUse),
		zap.String("provider_auth_token", mask(cfg.Provider.AuthToken)),
		zap.String("public_base_url", cfg.Provider.PublicBaseURL),
		zap.Bool("provider_signature_required", cfg.Provider.SignatureRequired),
	)

	logger.Info("vendor config",
		zap.String("ws_url", cfg.Vendor.WSURL),
		zap.String("signed_url_endpoint", cfg.Vendor.SignedURLEndpoint),
		zap.String("api_key", mask(cfg.Vendor.APIKey)),
		zap.String("agent_id", cfg.Vendor.AgentID),
		zap.Bool("greeting", cfg.Vendor.Greeting),
		zap.Duration("commit_interval", cfg.Vendor.CommitInterval),
		zap.Duration("backoff_base", cfg.Vendor.BackoffBase),
		zap.Duration("backoff_max", cfg.Vendor.BackoffMax),
	)

	logger.Info("recording config",
		zap.Bool("enabled", cfg.Recording.Enabled),
		zap.Duration("chunk_interval", cfg.Recording.ChunkInterval),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("storage_bucket", cfg.Storage.Bucket),
		zap.String("storage_endpoint", cfg.Storage.Endpoint),
	)

	logger.Info("log config",
		zap.String("log_level", cfg.Log.Level),
		zap.String("log_filename", cfg.Log.Filename),
		zap.Int("log_max_size", cfg.Log.MaxSize),
		zap.Int("log_max_age", cfg.Log.MaxAge),
		zap.Int("log_max_backups", cfg.Log.MaxBackups),
		zap.String("cache_type", cfg.Cache.Type),
		zap.String("audit_webhook", cfg.Audit.WebhookURL),
	)
}

// mask keeps the first and last two characters of a secret.
func mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 6:
		return "***"
	default:
		return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
	}
}

// PrintBannerFromFile Read file and print
func PrintBannerFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")

	colors := []string{
		"\x1b[38;5;165m",
		"\x1b[38;5;189m",
		"\x1b[38;5;207m",
		"\x1b[38;5;219m",
		"\x1b[38;5;225m",
		"\x1b[38;5;231m",
	}

	for i, line := range lines {
		color := colors[i%len(colors)]
		fmt.Println(color + line + "\x1b[0m")
	}
	return nil
}
