package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/cache"
	"github.com/erp/fiscal/internal/infrastructure/logger"
	"github.com/erp/fiscal/internal/infrastructure/nfexml"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/erp/fiscal/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// numberingAttempts bounds how often Emit moves past a number another
// process took between Peek and Create
const numberingAttempts = 3

// Dependencies are the collaborators shared by the fiscal services
type Dependencies struct {
	Emissions     fiscal.EmissionRepository
	Cancellations fiscal.CancellationRepository
	Sources       fiscal.SourceRepository
	Counter       fiscal.SequenceCounter
	Assembler     *fiscal.Assembler
	Serializer    DocumentSerializer
	Signer        DocumentSigner
	Credentials   CredentialLoader
	Authority     AuthorityClient
	Artifacts     ArtifactStore
	Guard         SubmissionGuard
	Jobs          JobQueue
	Payloads      *PayloadValidator
	Status        *StatusSynchronizer
}

// Config holds service settings
type Config struct {
	DefaultSeries int
	Environment   fiscal.Environment
	GuardTTL      time.Duration
	// MaxAttempts is the job ceiling; the last failed attempt moves an
	// untransmitted record to error
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.DefaultSeries < 1 {
		c.DefaultSeries = 1
	}
	if !c.Environment.IsValid() {
		c.Environment = fiscal.EnvironmentHomologation
	}
	if c.GuardTTL <= 0 {
		c.GuardTTL = cache.DefaultGuardTTL
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = queue.DefaultMaxAttempts
	}
	return c
}

// Option is a functional option shared by the fiscal services
type Option func(*options)

type options struct {
	logger  *zap.Logger
	clock   shared.Clock
	metrics *telemetry.FiscalMetrics
}

// WithLogger sets a custom logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source
func WithClock(clock shared.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithMetrics records authority outcomes
func WithMetrics(m *telemetry.FiscalMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// EmissionService runs the emission pipeline. Emit does the local part
// (numbering, assembly, signing) inside the request; Submit is the
// authority leg and runs from the job queue.
type EmissionService struct {
	deps    Dependencies
	cfg     Config
	clock   shared.Clock
	metrics *telemetry.FiscalMetrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewEmissionService creates an EmissionService
func NewEmissionService(deps Dependencies, cfg Config, opts ...Option) *EmissionService {
	o := buildOptions(opts)
	return &EmissionService{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		clock:   o.clock,
		metrics: o.metrics,
		tracer:  otel.Tracer(tracerName),
		logger:  o.logger,
	}
}

// Emit creates, numbers and signs a document for the order. Unless the
// request is offline, a job is queued to transmit it; the returned record is
// then in signed status with JobID set on the response.
func (s *EmissionService) Emit(ctx context.Context, req EmitRequest) (_ *EmissionResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "fiscal.Emit", trace.WithAttributes(
		attribute.String("order.id", req.OrderID.String()),
		attribute.Bool("emission.offline", req.Offline),
	))
	defer func() { endSpan(span, err) }()

	if req.OrderID == uuid.Nil {
		return nil, fiscal.NewValidationError("order_id", "is required")
	}
	if err := s.ensureNoActiveEmission(ctx, req.OrderID); err != nil {
		return nil, err
	}

	src, err := s.deps.Sources.LoadEmissionSource(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load emission source: %w", err)
	}

	emission, transmissible, err := s.reserve(ctx, src, req.Offline)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("nfe.access_key", emission.AccessKey))
	log := logger.WithLogger(ctx, s.logger).With(
		zap.String("emission_id", emission.ID.String()),
		zap.String("access_key", emission.AccessKey),
	)
	if _, err := s.deps.Status.Sync(ctx, emission.OrderID, emission.Status); err != nil {
		log.Warn("Failed to sync order fiscal status", zap.Error(err))
	}

	signed, err := s.sign(ctx, src.Company.Credential, transmissible)
	if err != nil {
		return nil, s.fail(ctx, emission, err)
	}

	signedPath := artifactPath(emission, "signed.xml")
	if err := s.deps.Artifacts.Put(ctx, signedPath, signed, contentTypeXML); err != nil {
		return nil, s.fail(ctx, emission, fiscal.NewInfrastructureError("artifacts.put", err))
	}
	if err := emission.MarkSigned(artifactPath(emission, "raw.xml"), signedPath, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.deps.Emissions.Update(ctx, emission); err != nil {
		return nil, fmt.Errorf("failed to save signed emission: %w", err)
	}
	log.Info("Emission signed", zap.Int64("number", emission.Number), zap.Int("series", emission.Series))

	resp := ToEmissionResponse(emission)
	if req.Offline {
		return &resp, nil
	}

	job, err := s.deps.Payloads.NewJob(queue.JobTypeEmit, EmitPayload{EmissionID: emission.ID}, s.clock.Now())
	if err == nil {
		err = s.deps.Jobs.Enqueue(ctx, job)
	}
	if err != nil {
		return nil, s.fail(ctx, emission, fmt.Errorf("failed to queue transmission: %w", err))
	}
	log.Info("Emission queued for transmission", zap.String("job_id", job.ID.String()))

	resp.JobID = &job.ID
	return &resp, nil
}

func (s *EmissionService) ensureNoActiveEmission(ctx context.Context, orderID uuid.UUID) error {
	current, err := s.deps.Emissions.FindCurrentByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up current emission: %w", err)
	}
	switch current.Status {
	case fiscal.EmissionStatusAuthorized:
		return fiscal.ErrAlreadyAuthorized
	case fiscal.EmissionStatusCancelled:
		return fiscal.ErrAlreadyCancelled
	case fiscal.EmissionStatusDraft, fiscal.EmissionStatusSigned, fiscal.EmissionStatusProcessing:
		return fiscal.ErrEmissionInProgress
	}
	return nil
}

// reserve assembles the draft and persists the draft record under the next
// free number, advancing the counter right after the insert. Nothing is
// consumed when the draft fails validation.
func (s *EmissionService) reserve(ctx context.Context, src *fiscal.EmissionSource, offline bool) (*fiscal.Emission, []byte, error) {
	scope := fiscal.NumberingScope{
		CompanyID:   src.Company.ID,
		Model:       fiscal.ModelNFe,
		Series:      src.Company.Series,
		Environment: src.Company.Environment,
	}
	if scope.Series < 1 {
		scope.Series = s.cfg.DefaultSeries
	}
	if !scope.Environment.IsValid() {
		scope.Environment = s.cfg.Environment
	}

	for attempt := 1; ; attempt++ {
		number, err := s.deps.Counter.Peek(ctx, scope)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read document counter: %w", err)
		}
		random, err := fiscal.NewRandomCode(number)
		if err != nil {
			return nil, nil, err
		}
		issuedAt := s.clock.Now()

		draft, err := s.deps.Assembler.Assemble(src, fiscal.AssembleParams{
			Series:      scope.Series,
			Number:      number,
			RandomCode:  random,
			Environment: scope.Environment,
			IssuedAt:    issuedAt,
		})
		if err != nil {
			return nil, nil, err
		}
		final, err := s.deps.Serializer.Serialize(draft, nfexml.ModeFinal)
		if err != nil {
			return nil, nil, err
		}
		transmissible, err := s.deps.Serializer.Serialize(draft, nfexml.ModeTransmissible)
		if err != nil {
			return nil, nil, err
		}

		emission, err := fiscal.NewEmission(fiscal.EmissionParams{
			CompanyID:   src.Company.ID,
			OrderID:     src.Order.ID,
			AccessKey:   draft.AccessKey,
			Series:      scope.Series,
			Number:      number,
			Environment: scope.Environment,
			IssuedAt:    issuedAt,
			Offline:     offline,
		})
		if err != nil {
			return nil, nil, err
		}
		emission.SetMetadata(map[string]any{
			"destination_scope": draft.Ide.DestinationScope,
			"process_version":   draft.Ide.ProcessVersion,
			"item_count":        len(draft.Items),
		})

		err = s.deps.Emissions.Create(ctx, emission)
		if errors.Is(err, fiscal.ErrDuplicateNumber) && attempt < numberingAttempts {
			s.logger.Warn("Document number taken, moving past it",
				zap.String("company_id", scope.CompanyID.String()),
				zap.Int("series", scope.Series),
				zap.Int64("number", number),
			)
			if err := s.deps.Counter.Advance(ctx, scope, number); err != nil {
				return nil, nil, fmt.Errorf("failed to advance document counter: %w", err)
			}
			continue
		}
		if errors.Is(err, fiscal.ErrEmissionInProgress) {
			return nil, nil, err
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create emission: %w", err)
		}

		if err := s.deps.Counter.Advance(ctx, scope, number); err != nil {
			return nil, nil, s.fail(ctx, emission, fmt.Errorf("failed to advance document counter: %w", err))
		}
		if err := s.deps.Artifacts.Put(ctx, artifactPath(emission, "raw.xml"), final, contentTypeXML); err != nil {
			return nil, nil, s.fail(ctx, emission, fiscal.NewInfrastructureError("artifacts.put", err))
		}
		return emission, transmissible, nil
	}
}

func (s *EmissionService) sign(ctx context.Context, ref fiscal.CredentialRef, raw []byte) ([]byte, error) {
	cred, err := s.deps.Credentials.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	signed, err := s.deps.Signer.Sign(raw, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to sign document: %w", err)
	}
	return signed, nil
}

// fail moves the record to error with cause as its reason and returns cause
func (s *EmissionService) fail(ctx context.Context, e *fiscal.Emission, cause error) error {
	code, reason := "", cause.Error()
	var rejection *fiscal.RejectionError
	if errors.As(cause, &rejection) {
		code, reason = rejection.Code, rejection.Reason
	}
	if err := e.Fail(code, reason, s.clock.Now()); err != nil {
		return cause
	}
	if err := s.deps.Emissions.Update(ctx, e); err != nil {
		logger.WithLogger(ctx, s.logger).Error("Failed to record emission failure",
			zap.String("emission_id", e.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return cause
	}
	if _, err := s.deps.Status.Sync(ctx, e.OrderID, e.Status); err != nil {
		logger.WithLogger(ctx, s.logger).Warn("Failed to sync order fiscal status", zap.Error(err))
	}
	return cause
}

// HandleJob runs a queue.JobTypeEmit job. Permanent failures and the last
// allowed attempt move a record that was never transmitted to error; a
// processing record keeps its status and only the job fails.
func (s *EmissionService) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload EmitPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	ctx = logger.WithJobID(ctx, job.ID.String())

	err := s.Submit(ctx, payload.EmissionID)
	if err == nil {
		return nil
	}

	var later *queue.RetryLaterError
	lastAttempt := job.Attempts+1 >= s.cfg.MaxAttempts
	if errors.As(err, &later) || fiscal.IsRejection(err) || (!queue.IsPermanent(err) && !lastAttempt) {
		return err
	}
	e, findErr := s.deps.Emissions.FindByID(ctx, payload.EmissionID)
	if findErr != nil {
		return err
	}
	if e.Status == fiscal.EmissionStatusProcessing {
		// the document may have reached the authority; only a receipt or
		// status query can settle it
		logger.WithLogger(ctx, s.logger).Warn("Giving up transmission, emission stays in processing",
			zap.String("emission_id", e.ID.String()),
			zap.String("access_key", e.AccessKey),
			zap.Error(err),
		)
		return err
	}
	_ = s.fail(ctx, e, err)
	return err
}

// Submit transmits a signed emission and applies the authority's answer.
// Rejections and denials are recorded and returned as
// *fiscal.RejectionError. A processing emission that already has a receipt
// is resolved through the receipt instead of being sent again.
func (s *EmissionService) Submit(ctx context.Context, emissionID uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "fiscal.Submit", trace.WithAttributes(
		attribute.String("emission.id", emissionID.String()),
	))
	defer func() { endSpan(span, err) }()

	e, err := s.deps.Emissions.FindByID(ctx, emissionID)
	if err != nil {
		return fmt.Errorf("failed to load emission %s: %w", emissionID, err)
	}
	span.SetAttributes(attribute.String("nfe.access_key", e.AccessKey))
	log := logger.WithLogger(ctx, s.logger).With(
		zap.String("emission_id", e.ID.String()),
		zap.String("access_key", e.AccessKey),
	)

	switch {
	case e.Status == fiscal.EmissionStatusProcessing && e.ReceiptNumber != "":
		return s.refresh(ctx, e)
	case e.Status == fiscal.EmissionStatusSigned, e.Status == fiscal.EmissionStatusProcessing:
	default:
		log.Info("Emission has nothing left to transmit", zap.String("status", e.Status.String()))
		return nil
	}

	release, err := s.acquire(ctx, "nfe:"+e.AccessKey)
	if err != nil {
		return err
	}
	defer release()

	src, err := s.deps.Sources.LoadEmissionSource(ctx, e.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load emission source: %w", err)
	}
	cred, err := s.deps.Credentials.Load(ctx, src.Company.Credential)
	if err != nil {
		return err
	}
	signed, err := s.deps.Artifacts.Get(ctx, e.Artifacts.SignedXML)
	if err != nil {
		return fiscal.NewInfrastructureError("artifacts.get", err)
	}

	if e.Status == fiscal.EmissionStatusSigned {
		if err := e.MarkProcessing(s.clock.Now()); err != nil {
			return err
		}
		if err := s.deps.Emissions.Update(ctx, e); err != nil {
			return fmt.Errorf("failed to save emission: %w", err)
		}
	}

	log.Info("Transmitting emission to authority")
	result, err := s.deps.Authority.SubmitDocument(ctx, cred.TLSCertificate(), signed)
	if err != nil {
		return err
	}
	return s.apply(ctx, e, signed, result)
}

// Refresh resolves a processing emission through its receipt
func (s *EmissionService) Refresh(ctx context.Context, emissionID uuid.UUID) (_ *EmissionResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "fiscal.Refresh", trace.WithAttributes(
		attribute.String("emission.id", emissionID.String()),
	))
	defer func() { endSpan(span, err) }()

	e, err := s.deps.Emissions.FindByID(ctx, emissionID)
	if err != nil {
		return nil, err
	}
	if e.Status != fiscal.EmissionStatusProcessing || e.ReceiptNumber == "" {
		return nil, shared.NewDomainError("INVALID_STATE", "Only processing emissions with a receipt can be refreshed")
	}
	if err := s.refresh(ctx, e); err != nil && !fiscal.IsRejection(err) {
		return nil, err
	}
	resp := ToEmissionResponse(e)
	return &resp, nil
}

func (s *EmissionService) refresh(ctx context.Context, e *fiscal.Emission) error {
	src, err := s.deps.Sources.LoadEmissionSource(ctx, e.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load emission source: %w", err)
	}
	cred, err := s.deps.Credentials.Load(ctx, src.Company.Credential)
	if err != nil {
		return err
	}
	signed, err := s.deps.Artifacts.Get(ctx, e.Artifacts.SignedXML)
	if err != nil {
		return fiscal.NewInfrastructureError("artifacts.get", err)
	}
	result, err := s.deps.Authority.QueryReceipt(ctx, cred.TLSCertificate(), e.Environment, e.ReceiptNumber)
	if err != nil {
		return err
	}
	return s.apply(ctx, e, signed, result)
}

// apply records the authority's classification on the emission
func (s *EmissionService) apply(ctx context.Context, e *fiscal.Emission, signed []byte, result *sefaz.SubmissionResult) error {
	log := logger.WithLogger(ctx, s.logger).With(
		zap.String("emission_id", e.ID.String()),
		zap.String("access_key", e.AccessKey),
		zap.String("status_code", result.StatusCode),
	)
	now := s.clock.Now()

	var err error
	switch result.Outcome {
	case sefaz.OutcomeAuthorized:
		protocolPath, proofPath := s.storeAuthorization(ctx, e, signed, result)
		at := result.ReceivedAt
		if at.IsZero() {
			at = now
		}
		err = e.Authorize(result.Protocol, result.StatusCode, result.Reason, protocolPath, proofPath, at)
	case sefaz.OutcomeProcessing:
		err = e.KeepProcessing(result.StatusCode, result.Reason, result.Receipt, now)
	case sefaz.OutcomeDenied:
		err = e.Deny(result.StatusCode, result.Reason, now)
	default:
		err = e.Fail(result.StatusCode, result.Reason, now)
	}
	if err != nil {
		return err
	}
	if err := s.deps.Emissions.Update(ctx, e); err != nil {
		return fmt.Errorf("failed to save emission: %w", err)
	}
	s.metrics.RecordSubmission(ctx, string(result.Outcome))

	if _, err := s.deps.Status.Sync(ctx, e.OrderID, e.Status); err != nil {
		log.Warn("Failed to sync order fiscal status", zap.Error(err))
	}

	switch result.Outcome {
	case sefaz.OutcomeAuthorized:
		log.Info("Emission authorized", zap.String("protocol", e.ProtocolNumber))
	case sefaz.OutcomeProcessing:
		log.Info("Authority still processing emission", zap.String("receipt", e.ReceiptNumber))
	default:
		log.Warn("Emission refused by authority", zap.String("outcome", string(result.Outcome)), zap.String("reason", result.Reason))
		return &fiscal.RejectionError{Code: result.StatusCode, Reason: result.Reason}
	}
	return nil
}

// storeAuthorization keeps the protocol and the merged proof. The
// authorization itself is recorded even when storing them fails, since
// sending the document again would be refused as a duplicate.
func (s *EmissionService) storeAuthorization(ctx context.Context, e *fiscal.Emission, signed []byte, result *sefaz.SubmissionResult) (string, string) {
	log := logger.WithLogger(ctx, s.logger).With(zap.String("emission_id", e.ID.String()))

	protocolPath := artifactPath(e, "protocol.xml")
	if err := s.deps.Artifacts.Put(ctx, protocolPath, result.ProtocolXML, contentTypeXML); err != nil {
		log.Error("Failed to store authorization protocol", zap.Error(err))
		e.SetMetadata(map[string]any{"protocol_xml": string(result.ProtocolXML)})
		return "", ""
	}

	proof, err := sefaz.BuildProof(signed, result.ProtocolXML)
	if err != nil {
		log.Error("Failed to build proof document", zap.Error(err))
		return protocolPath, ""
	}
	proofPath := artifactPath(e, "proof.xml")
	if err := s.deps.Artifacts.Put(ctx, proofPath, proof, contentTypeXML); err != nil {
		log.Error("Failed to store proof document", zap.Error(err))
		return protocolPath, ""
	}
	return protocolPath, proofPath
}

// acquire takes the submission marker for key. A marker held elsewhere puts
// the job back without counting an attempt.
func (s *EmissionService) acquire(ctx context.Context, key string) (func(), error) {
	return acquireGuard(ctx, s.deps.Guard, key, s.cfg.GuardTTL, s.logger)
}

// Get returns an emission by ID
func (s *EmissionService) Get(ctx context.Context, id uuid.UUID) (*EmissionResponse, error) {
	e, err := s.deps.Emissions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := ToEmissionResponse(e)
	return &resp, nil
}

// ListByOrder returns every emission of an order, newest first
func (s *EmissionService) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]EmissionResponse, error) {
	list, err := s.deps.Emissions.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return ToEmissionResponses(list), nil
}

// Artifact returns a stored document of the emission. name is one of raw,
// signed, protocol or proof.
func (s *EmissionService) Artifact(ctx context.Context, id uuid.UUID, name string) ([]byte, error) {
	e, err := s.deps.Emissions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var p string
	switch name {
	case "raw":
		p = e.Artifacts.RawXML
	case "signed":
		p = e.Artifacts.SignedXML
	case "protocol":
		p = e.Artifacts.ProtocolXML
	case "proof":
		p = e.Artifacts.ProofXML
	default:
		return nil, shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("Unknown artifact %q", name))
	}
	if p == "" {
		return nil, shared.ErrNotFound
	}
	return s.deps.Artifacts.Get(ctx, p)
}

func acquireGuard(ctx context.Context, guard SubmissionGuard, key string, ttl time.Duration, l *zap.Logger) (func(), error) {
	ok, err := guard.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, fiscal.NewInfrastructureError("guard.acquire", err)
	}
	if !ok {
		return nil, &queue.RetryLaterError{Delay: ttl, Reason: "submission in progress elsewhere for " + key}
	}
	return func() {
		if err := guard.Release(context.WithoutCancel(ctx), key); err != nil {
			l.Warn("Failed to release submission marker", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
