package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrInvalidConfig is wrapped by New for unusable logger settings.
var ErrInvalidConfig = errors.New("invalid logger config")

// Environment selects the baseline logger profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

func (e Environment) verbose() bool {
	return e == EnvironmentDevelopment || e == EnvironmentLocal
}

// Config holds the logger initialization inputs. An empty Level means debug
// in development and local, info elsewhere.
type Config struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
}

// New builds a JSON logger for cfg.Environment. Every record is also handed
// to the OpenTelemetry logs bridge under OTelLibraryName.
func New(cfg Config) (*Logger, error) {
	switch cfg.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
	default:
		return nil, fmt.Errorf("%w: unknown environment %q", ErrInvalidConfig, cfg.Environment)
	}

	library := strings.TrimSpace(cfg.OTelLibraryName)
	if library == "" {
		return nil, fmt.Errorf("%w: otel library name is required", ErrInvalidConfig)
	}

	level := zapcore.InfoLevel
	if cfg.Environment.verbose() {
		level = zapcore.DebugLevel
	}

	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, err := zapcore.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		level = parsed
	}

	base := zap.NewProductionConfig()
	if cfg.Environment.verbose() {
		base = zap.NewDevelopmentConfig()
	}

	atomicLevel := zap.NewAtomicLevelAt(level)

	base.Level = atomicLevel
	base.Encoding = "json"
	base.DisableStacktrace = true
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := base.Build(
		// Skip the Logger.Log frame so callers show up in "caller".
		zap.AddCallerSkip(1),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(library))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{logger: built, atomicLevel: atomicLevel}, nil
}
