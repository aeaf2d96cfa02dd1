package fiscal

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/logger"
	"github.com/erp/fiscal/internal/infrastructure/nfexml"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/erp/fiscal/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrCancellationInProgress is returned when an earlier cancellation of the
// same emission has not reached a final outcome
var ErrCancellationInProgress = shared.NewDomainError("NFE_CANCELLATION_IN_PROGRESS",
	"A cancellation for this emission is already in progress")

// Cancellation outcomes recorded in metrics
const (
	cancellationRegistered = "registered"
	cancellationDuplicate  = "duplicate"
	cancellationShortcut   = "already_cancelled"
	cancellationSuperseded = "superseded"
	cancellationRejected   = "rejected"
)

// CancellationService requests and transmits cancellation events
type CancellationService struct {
	deps    Dependencies
	cfg     Config
	clock   shared.Clock
	metrics *telemetry.FiscalMetrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewCancellationService creates a CancellationService
func NewCancellationService(deps Dependencies, cfg Config, opts ...Option) *CancellationService {
	o := buildOptions(opts)
	return &CancellationService{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		clock:   o.clock,
		metrics: o.metrics,
		tracer:  otel.Tracer(tracerName),
		logger:  o.logger,
	}
}

// Request validates the emission and the reason, records a pending event and
// queues its transmission. Every precondition is checked here, before any
// network call.
func (s *CancellationService) Request(ctx context.Context, req CancelRequest) (_ *CancellationResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "fiscal.RequestCancellation", trace.WithAttributes(
		attribute.String("emission.id", req.EmissionID.String()),
	))
	defer func() { endSpan(span, err) }()

	e, err := s.deps.Emissions.FindByID(ctx, req.EmissionID)
	if err != nil {
		return nil, err
	}
	if err := e.EnsureCancellable(); err != nil {
		return nil, err
	}
	if _, err := fiscal.NormalizeReason(req.Reason); err != nil {
		return nil, err
	}

	previous, err := s.deps.Cancellations.ListByEmission(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cancellations: %w", err)
	}
	for _, p := range previous {
		switch p.Status {
		case fiscal.CancellationStatusPending, fiscal.CancellationStatusProcessing:
			return nil, ErrCancellationInProgress
		case fiscal.CancellationStatusAuthorized:
			return nil, fiscal.ErrAlreadyCancelled
		}
	}

	sequence, err := s.deps.Cancellations.NextSequence(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate event sequence: %w", err)
	}
	now := s.clock.Now()
	c, err := fiscal.NewCancellation(e.ID, sequence, req.Reason, now)
	if err != nil {
		return nil, err
	}

	job, err := s.deps.Payloads.NewJob(queue.JobTypeCancel, CancelPayload{CancellationID: c.ID}, now)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Cancellations.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create cancellation: %w", err)
	}
	if err := s.deps.Jobs.Enqueue(ctx, job); err != nil {
		// a failed record does not block a later request
		if markErr := c.MarkFailed(fmt.Sprintf("failed to queue transmission: %v", err), s.clock.Now()); markErr == nil {
			if updateErr := s.deps.Cancellations.Update(ctx, c); updateErr != nil {
				logger.WithLogger(ctx, s.logger).Error("Failed to record unqueued cancellation",
					zap.String("cancellation_id", c.ID.String()),
					zap.NamedError("cause", err),
					zap.Error(updateErr),
				)
			}
		}
		return nil, fmt.Errorf("failed to queue cancellation: %w", err)
	}

	logger.WithLogger(ctx, s.logger).Info("Cancellation requested",
		zap.String("cancellation_id", c.ID.String()),
		zap.String("access_key", e.AccessKey),
		zap.Int("sequence", c.Sequence),
		zap.String("job_id", job.ID.String()),
	)

	resp := ToCancellationResponse(c)
	resp.JobID = &job.ID
	return &resp, nil
}

// HandleJob runs a queue.JobTypeCancel job. While retries remain the event
// stays pending or processing, which blocks new requests; when the job
// gives up the event is marked failed so a new request can be made.
func (s *CancellationService) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload CancelPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	ctx = logger.WithJobID(ctx, job.ID.String())

	err := s.Process(ctx, payload.CancellationID)
	if err == nil || fiscal.IsRejection(err) {
		return err
	}
	var later *queue.RetryLaterError
	if errors.As(err, &later) {
		return err
	}
	if !queue.IsPermanent(err) && job.Attempts+1 < s.cfg.MaxAttempts {
		return err
	}

	c, findErr := s.deps.Cancellations.FindByID(ctx, payload.CancellationID)
	if findErr != nil || c.Status.IsTerminal() {
		return err
	}
	if c.Status == fiscal.CancellationStatusFailed {
		c.LastError = err.Error()
	} else if markErr := c.MarkFailed(err.Error(), s.clock.Now()); markErr != nil {
		return err
	}
	if updateErr := s.deps.Cancellations.Update(ctx, c); updateErr != nil {
		logger.WithLogger(ctx, s.logger).Error("Failed to record cancellation failure", zap.Error(updateErr))
	}
	return err
}

// Process transmits a pending or failed cancellation event. The emission is
// read again once the event guard is held: if another event cancelled it in
// the meantime this one is rejected as superseded without calling the
// authority.
func (s *CancellationService) Process(ctx context.Context, cancellationID uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "fiscal.ProcessCancellation", trace.WithAttributes(
		attribute.String("cancellation.id", cancellationID.String()),
	))
	defer func() { endSpan(span, err) }()

	c, err := s.deps.Cancellations.FindByID(ctx, cancellationID)
	if err != nil {
		return fmt.Errorf("failed to load cancellation %s: %w", cancellationID, err)
	}
	log := logger.WithLogger(ctx, s.logger).With(zap.String("cancellation_id", c.ID.String()))
	if c.Status.IsTerminal() {
		log.Info("Cancellation already settled", zap.String("status", c.Status.String()))
		return nil
	}

	e, err := s.deps.Emissions.FindByID(ctx, c.EmissionID)
	if err != nil {
		return fmt.Errorf("failed to load emission %s: %w", c.EmissionID, err)
	}
	log = log.With(zap.String("access_key", e.AccessKey))
	span.SetAttributes(attribute.String("nfe.access_key", e.AccessKey))

	if e.Status == fiscal.EmissionStatusCancelled {
		return s.settleOnCancelledEmission(ctx, c, log)
	}
	if err := e.EnsureCancellable(); err != nil {
		if rejectErr := c.Reject("", err.Error(), s.clock.Now()); rejectErr == nil {
			if updateErr := s.deps.Cancellations.Update(ctx, c); updateErr != nil {
				log.Error("Failed to record refused cancellation", zap.Error(updateErr))
			}
		}
		return queue.Permanent(err)
	}

	release, err := acquireGuard(ctx, s.deps.Guard, "nfe-event:"+e.AccessKey, s.cfg.GuardTTL, s.logger)
	if err != nil {
		return err
	}
	defer release()

	// another event may have been registered while the guard was held elsewhere
	if e, err = s.deps.Emissions.FindByID(ctx, c.EmissionID); err != nil {
		return fmt.Errorf("failed to load emission %s: %w", c.EmissionID, err)
	}
	if e.Status == fiscal.EmissionStatusCancelled {
		return s.settleOnCancelledEmission(ctx, c, log)
	}

	src, err := s.deps.Sources.LoadEmissionSource(ctx, e.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load emission source: %w", err)
	}
	cred, err := s.deps.Credentials.Load(ctx, src.Company.Credential)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	unsigned, err := s.deps.Serializer.SerializeCancellation(nfexml.CancellationEvent{
		AccessKey:   e.AccessKey,
		Environment: e.Environment,
		IssuerTaxID: src.Company.TaxID,
		Protocol:    e.ProtocolNumber,
		Sequence:    c.Sequence,
		Reason:      c.Reason,
		At:          now,
	})
	if err != nil {
		return err
	}
	signed, err := s.deps.Signer.Sign(unsigned, cred)
	if err != nil {
		return queue.Permanent(fmt.Errorf("failed to sign cancellation event: %w", err))
	}

	// a released stale job finds the event still in processing
	if c.Status != fiscal.CancellationStatusProcessing {
		if err := c.MarkProcessing(now); err != nil {
			return err
		}
		if err := s.deps.Cancellations.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to save cancellation: %w", err)
		}
	}

	log.Info("Transmitting cancellation event", zap.Int("sequence", c.Sequence))
	result, err := s.deps.Authority.SubmitCancellation(ctx, cred.TLSCertificate(), signed)
	if err != nil {
		// the event may have reached the authority; it stays processing until
		// a retry gets an answer or the job gives up
		if markErr := c.RecordAttemptError(err.Error(), s.clock.Now()); markErr == nil {
			if updateErr := s.deps.Cancellations.Update(ctx, c); updateErr != nil {
				log.Error("Failed to record cancellation attempt", zap.Error(updateErr))
			}
		}
		return err
	}

	if !result.Registered {
		if err := c.Reject(result.StatusCode, result.Reason, s.clock.Now()); err != nil {
			return err
		}
		if err := s.deps.Cancellations.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to save cancellation: %w", err)
		}
		s.metrics.RecordCancellation(ctx, cancellationRejected)
		log.Warn("Cancellation refused by authority",
			zap.String("status_code", result.StatusCode),
			zap.String("reason", result.Reason),
		)
		return &fiscal.RejectionError{Code: result.StatusCode, Reason: result.Reason}
	}

	return s.register(ctx, c, e, signed, result)
}

// settleOnCancelledEmission closes an event whose emission is already
// cancelled. When a sibling event holds the registration this one is
// rejected as superseded; otherwise it is recorded as authorized.
func (s *CancellationService) settleOnCancelledEmission(ctx context.Context, c *fiscal.Cancellation, log *logger.ContextLogger) error {
	siblings, err := s.deps.Cancellations.ListByEmission(ctx, c.EmissionID)
	if err != nil {
		return fmt.Errorf("failed to list cancellations: %w", err)
	}
	now := s.clock.Now()
	for _, other := range siblings {
		if other.ID == c.ID || other.Status != fiscal.CancellationStatusAuthorized {
			continue
		}
		if err := c.Reject("", fmt.Sprintf("superseded by cancellation event %d", other.Sequence), now); err != nil {
			return err
		}
		if err := s.deps.Cancellations.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to save cancellation: %w", err)
		}
		s.metrics.RecordCancellation(ctx, cancellationSuperseded)
		log.Info("Emission cancelled by another event, nothing to transmit",
			zap.Int("registered_sequence", other.Sequence),
		)
		return nil
	}

	if err := c.Authorize(c.EventProtocol, c.StatusCode, "emission already cancelled", c.ResponsePath, now); err != nil {
		return err
	}
	if err := s.deps.Cancellations.Update(ctx, c); err != nil {
		return fmt.Errorf("failed to save cancellation: %w", err)
	}
	s.metrics.RecordCancellation(ctx, cancellationShortcut)
	log.Info("Emission already cancelled, nothing to transmit")
	return nil
}

// register records a registered (or duplicate) event on both records
func (s *CancellationService) register(ctx context.Context, c *fiscal.Cancellation, e *fiscal.Emission, signed []byte, result *sefaz.EventResult) error {
	log := logger.WithLogger(ctx, s.logger).With(
		zap.String("cancellation_id", c.ID.String()),
		zap.String("access_key", e.AccessKey),
	)

	responsePath := ""
	if proof, err := sefaz.BuildEventProof(signed, result.ResponseXML); err != nil {
		log.Error("Failed to build event proof", zap.Error(err))
	} else {
		p := artifactPath(e, fmt.Sprintf("events/%s-%02d.xml", fiscal.EventTypeCancellation, c.Sequence))
		if err := s.deps.Artifacts.Put(ctx, p, proof, contentTypeXML); err != nil {
			log.Error("Failed to store event proof", zap.Error(err))
		} else {
			responsePath = p
		}
	}

	at := result.RegisteredAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	if err := c.Authorize(result.Protocol, result.StatusCode, result.Reason, responsePath, at); err != nil {
		return err
	}
	if err := s.deps.Cancellations.Update(ctx, c); err != nil {
		return fmt.Errorf("failed to save cancellation: %w", err)
	}

	if err := e.Cancel(at); err != nil {
		return err
	}
	if err := s.deps.Emissions.Update(ctx, e); err != nil {
		return fmt.Errorf("failed to save cancelled emission: %w", err)
	}
	if _, err := s.deps.Status.Sync(ctx, e.OrderID, e.Status); err != nil {
		log.Warn("Failed to sync order fiscal status", zap.Error(err))
	}

	outcome := cancellationRegistered
	if result.Duplicate {
		outcome = cancellationDuplicate
	}
	s.metrics.RecordCancellation(ctx, outcome)
	log.Info("Cancellation registered",
		zap.String("event_protocol", c.EventProtocol),
		zap.Bool("duplicate", result.Duplicate),
	)
	return nil
}

// Get returns a cancellation by ID
func (s *CancellationService) Get(ctx context.Context, id uuid.UUID) (*CancellationResponse, error) {
	c, err := s.deps.Cancellations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := ToCancellationResponse(c)
	return &resp, nil
}

// ListByEmission returns the cancellations of an emission, newest first
func (s *CancellationService) ListByEmission(ctx context.Context, emissionID uuid.UUID) ([]CancellationResponse, error) {
	if _, err := s.deps.Emissions.FindByID(ctx, emissionID); err != nil {
		return nil, err
	}
	list, err := s.deps.Cancellations.ListByEmission(ctx, emissionID)
	if err != nil {
		return nil, err
	}
	return ToCancellationResponses(list), nil
}
