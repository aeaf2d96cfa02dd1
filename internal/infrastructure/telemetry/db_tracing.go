package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultSlowQueryThreshold marks queries slower than this on their span.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

type contextKey string

const queryStartTimeKey contextKey = "otel_query_start_time"

// RegisterDBTracing installs the otelgorm plugin on db plus a callback that
// flags slow and failed statements. Query variables never reach the spans
// since statements carry taxpayer identifiers.
func RegisterDBTracing(db *gorm.DB, enabled bool, slowQuery time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !enabled {
		logger.Debug("Database tracing disabled, skipping otelgorm registration")
		return nil
	}
	if slowQuery <= 0 {
		slowQuery = DefaultSlowQueryThreshold
	}

	if err := db.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName("postgresql"),
		otelgorm.WithoutQueryVariables(),
	)); err != nil {
		return err
	}

	cb := &slowQueryCallback{threshold: slowQuery}
	if err := cb.register(db); err != nil {
		return err
	}

	logger.Info("Database tracing enabled", zap.Duration("slow_query_threshold", slowQuery))
	return nil
}

type slowQueryCallback struct {
	threshold time.Duration
}

func (c *slowQueryCallback) register(db *gorm.DB) error {
	cb := db.Callback()
	steps := []struct {
		name   string
		before func(string) error
		after  func(string) error
	}{
		{"create",
			func(n string) error { return cb.Create().Before("gorm:create").Register(n, c.before) },
			func(n string) error { return cb.Create().After("gorm:create").Register(n, c.after) }},
		{"query",
			func(n string) error { return cb.Query().Before("gorm:query").Register(n, c.before) },
			func(n string) error { return cb.Query().After("gorm:query").Register(n, c.after) }},
		{"update",
			func(n string) error { return cb.Update().Before("gorm:update").Register(n, c.before) },
			func(n string) error { return cb.Update().After("gorm:update").Register(n, c.after) }},
		{"delete",
			func(n string) error { return cb.Delete().Before("gorm:delete").Register(n, c.before) },
			func(n string) error { return cb.Delete().After("gorm:delete").Register(n, c.after) }},
		{"row",
			func(n string) error { return cb.Row().Before("gorm:row").Register(n, c.before) },
			func(n string) error { return cb.Row().After("gorm:row").Register(n, c.after) }},
		{"raw",
			func(n string) error { return cb.Raw().Before("gorm:raw").Register(n, c.before) },
			func(n string) error { return cb.Raw().After("gorm:raw").Register(n, c.after) }},
	}
	for _, s := range steps {
		if err := s.before("otel_timing:before_" + s.name); err != nil {
			return err
		}
		if err := s.after("otel_timing:after_" + s.name); err != nil {
			return err
		}
	}
	return nil
}

func (c *slowQueryCallback) before(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartTimeKey, time.Now())
	}
}

func (c *slowQueryCallback) after(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	if db.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error)
	}

	if start, ok := ctx.Value(queryStartTimeKey).(time.Time); ok {
		elapsed := time.Since(start)
		if elapsed > c.threshold {
			span.SetAttributes(
				attribute.Bool("db.slow_query", true),
				attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
			)
			span.AddEvent("slow_query_warning", trace.WithAttributes(
				attribute.Int64("duration_ms", elapsed.Milliseconds()),
				attribute.Int64("threshold_ms", c.threshold.Milliseconds()),
			))
		}
	}
}
