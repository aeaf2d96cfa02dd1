package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sequenceRow struct {
	ID     uint `gorm:"primaryKey"`
	Next   int
	Issuer string
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&sequenceRow{}))
	return db
}

func setupRecorder(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

func TestRegisterDBTracing_Disabled(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, RegisterDBTracing(db, false, 0, nil))
	_, ok := db.Plugins["otelgorm"]
	assert.False(t, ok)
}

func TestRegisterDBTracing_Enabled(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, RegisterDBTracing(db, true, 0, zap.NewNop()))
	_, ok := db.Plugins["otelgorm"]
	assert.True(t, ok)

	require.NoError(t, db.Create(&sequenceRow{Next: 1, Issuer: "12345678000195"}).Error)
	var row sequenceRow
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, 1, row.Next)
}

func TestSlowQueryCallback_MarksSpan(t *testing.T) {
	db := setupTestDB(t)
	cb := &slowQueryCallback{threshold: time.Nanosecond}
	require.NoError(t, cb.register(db))

	tp, recorder := setupRecorder(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "advance-sequence")
	require.NoError(t, db.WithContext(ctx).Create(&sequenceRow{Next: 42}).Error)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0].Attributes())
	assert.True(t, attrs["db.slow_query"].AsBool())
	assert.Equal(t, "sequence_rows", attrs["db.sql.table"].AsString())
	assert.Equal(t, int64(1), attrs["db.rows_affected"].AsInt64())

	var events []string
	for _, e := range spans[0].Events() {
		events = append(events, e.Name)
	}
	assert.Contains(t, events, "slow_query_warning")
}

func TestSlowQueryCallback_RecordsErrors(t *testing.T) {
	db := setupTestDB(t)
	cb := &slowQueryCallback{threshold: time.Hour}
	require.NoError(t, cb.register(db))

	tp, recorder := setupRecorder(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "broken-query")
	err := db.WithContext(ctx).Exec("SELECT * FROM missing_table").Error
	require.Error(t, err)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	_, slow := attrMap(spans[0].Attributes())["db.slow_query"]
	assert.False(t, slow)
}

func TestSlowQueryCallback_NotFoundIsNotAnError(t *testing.T) {
	db := setupTestDB(t)
	cb := &slowQueryCallback{threshold: time.Hour}
	require.NoError(t, cb.register(db))

	tp, recorder := setupRecorder(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "lookup")
	var row sequenceRow
	err := db.WithContext(ctx).First(&row, 999).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}
