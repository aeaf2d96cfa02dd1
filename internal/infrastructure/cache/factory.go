package cache

import (
	"fmt"

	"github.com/erp/fiscal/internal/infrastructure/config"
	"go.uber.org/zap"
)

// GuardFactory creates the submission guard from configuration
type GuardFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// GuardFactoryOption is a functional option for configuring the factory
type GuardFactoryOption func(*GuardFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) GuardFactoryOption {
	return func(f *GuardFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to the in-process guard
// when Redis is unavailable. Default is true.
func WithInMemoryFallback(allow bool) GuardFactoryOption {
	return func(f *GuardFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewGuardFactory creates a new factory
func NewGuardFactory(cfg config.RedisConfig, opts ...GuardFactoryOption) *GuardFactory {
	f := &GuardFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateGuard returns a Redis guard when Redis is enabled and reachable,
// otherwise the in-process guard if fallback is allowed
func (f *GuardFactory) CreateGuard() (SubmissionGuard, error) {
	if !f.redisConfig.Enabled {
		f.logger.Info("Redis disabled, using in-memory submission guard")
		return NewInMemorySubmissionGuard(), nil
	}

	guard, err := NewRedisSubmissionGuard(RedisConfig{
		Addr:     f.redisConfig.Addr(),
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})
	if err == nil {
		f.logger.Info("Using Redis submission guard", zap.String("addr", f.redisConfig.Addr()))
		return guard, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("redis required for submission guard but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory submission guard. "+
		"Concurrent worker processes may transmit the same document twice.",
		zap.Error(err),
	)
	return NewInMemorySubmissionGuard(), nil
}
