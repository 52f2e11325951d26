// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if strings.ToLower(cfg.Format) == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "scrapelane")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("SCRAPELANE_LOG_LEVEL", "info"),
		Format: getenv("SCRAPELANE_LOG_FORMAT", "json"),
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func Component(name string) zap.Field { return zap.String("component", name) }
func Lane(id string) zap.Field        { return zap.String("lane", id) }
func ScrapeID(id string) zap.Field    { return zap.String("scrape_id", id) }
func SessionID(id string) zap.Field   { return zap.String("session_id", id) }
func UserID(id string) zap.Field      { return zap.String("user_id", id) }
func ProfileID(id string) zap.Field   { return zap.String("profile_id", id) }
func Mode(mode string) zap.Field      { return zap.String("mode", mode) }
func Addr(addr string) zap.Field      { return zap.String("addr", addr) }

// Key logs a redacted credential so tokens never reach the logs.
func Key(token string) zap.Field { return zap.String("key", Redact(token)) }

// Redact keeps just enough of a secret to tell keys apart in logs.
func Redact(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:4] + "…" + token[len(token)-2:]
}
