// Package logging builds the process-wide zap logger
package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel       = "THP_LOG_LEVEL"
	EnvLogDevelopment = "THP_LOG_DEVELOPMENT"
	EnvLogTimestamp   = "THP_LOG_TIMESTAMP"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger configuration
type Config struct {
	Level       zapcore.Level
	Disabled    bool
	Development bool
	Timestamp   bool
}

var (
	configureOnce sync.Once
	logger        = zap.NewNop()
)

func ConfigureRuntime(level string) *zap.Logger {
	return Configure(ProfileRuntime, level)
}

func ConfigureTests() *zap.Logger {
	return Configure(ProfileTest, "")
}

// Configure builds the global logger once. The level argument, when set,
// takes precedence over the environment.
func Configure(profile Profile, level string) *zap.Logger {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		if lvl, disabled, ok := parseLevel(level); ok {
			cfg.Level, cfg.Disabled = lvl, disabled
		}
		l, err := Build(cfg)
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
		zap.ReplaceGlobals(l)
	})
	return logger
}

// L returns the configured logger, a no-op logger before Configure
func L() *zap.Logger {
	return logger
}

// Build creates a console logger from cfg
func Build(cfg Config) (*zap.Logger, error) {
	if cfg.Disabled {
		return zap.NewNop(), nil
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Encoding = "console"
	zc.Level = zap.NewAtomicLevelAt(cfg.Level)
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !cfg.Timestamp {
		zc.EncoderConfig.TimeKey = ""
	}
	zc.Sampling = nil
	return zc.Build()
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zapcore.DebugLevel, Development: true}
	default:
		return Config{Level: zapcore.InfoLevel, Timestamp: true}
	}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, disabled, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level, cfg.Disabled = lvl, disabled
	}
	if v, ok := parseBool(os.Getenv(EnvLogDevelopment)); ok {
		cfg.Development = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
}

// parseLevel returns the level, whether logging is off, and whether raw was
// recognised
func parseLevel(raw string) (zapcore.Level, bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zapcore.InfoLevel, false, false
	case "debug", "trace":
		return zapcore.DebugLevel, false, true
	case "info":
		return zapcore.InfoLevel, false, true
	case "warn", "warning":
		return zapcore.WarnLevel, false, true
	case "error":
		return zapcore.ErrorLevel, false, true
	case "disabled", "off", "none":
		return zapcore.InfoLevel, true, true
	default:
		return zapcore.InfoLevel, false, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
