package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when a nil meter is passed to NewFiscalMetrics.
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// Job outcomes recorded by the worker
const (
	JobOutcomeCompleted   = "completed"
	JobOutcomeRetried     = "retried"
	JobOutcomeRescheduled = "rescheduled"
	JobOutcomeFailed      = "failed"
)

var jobDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// FiscalMetrics records job and authority outcomes. A nil *FiscalMetrics
// records nothing.
type FiscalMetrics struct {
	jobTotal          *Counter
	jobDuration       *Histogram
	submissionTotal   *Counter
	cancellationTotal *Counter
}

// NewFiscalMetrics creates the fiscal instruments on meter.
func NewFiscalMetrics(meter metric.Meter) (*FiscalMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	m := &FiscalMetrics{}
	var err error

	m.jobTotal, err = NewCounter(meter,
		"fiscal_job_total",
		"Background jobs processed by outcome",
		"{jobs}",
	)
	if err != nil {
		return nil, err
	}

	m.jobDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "fiscal_job_duration_seconds",
		Description: "Background job execution time",
		Unit:        "s",
		Boundaries:  jobDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	m.submissionTotal, err = NewCounter(meter,
		"fiscal_authority_submission_total",
		"Documents submitted to the tax authority by outcome",
		"{documents}",
	)
	if err != nil {
		return nil, err
	}

	m.cancellationTotal, err = NewCounter(meter,
		"fiscal_cancellation_total",
		"Cancellation events by outcome",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordJob records one finished job execution.
func (m *FiscalMetrics) RecordJob(ctx context.Context, jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("job_type", jobType),
		attribute.String("outcome", outcome),
	}
	m.jobTotal.Inc(ctx, attrs...)
	m.jobDuration.RecordDuration(ctx, d, attrs...)
}

// RecordSubmission records the authority's classification of a document.
func (m *FiscalMetrics) RecordSubmission(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.submissionTotal.Inc(ctx, attribute.String("outcome", outcome))
}

// RecordCancellation records the result of a cancellation event.
func (m *FiscalMetrics) RecordCancellation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.cancellationTotal.Inc(ctx, attribute.String("outcome", outcome))
}
