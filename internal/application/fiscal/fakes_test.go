package fiscal_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sort"
	"sync"
	"testing"
	"time"

	app "github.com/erp/fiscal/internal/application/fiscal"
	domain "github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/cache"
	"github.com/erp/fiscal/internal/infrastructure/credential"
	"github.com/erp/fiscal/internal/infrastructure/nfexml"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/erp/fiscal/internal/infrastructure/storage"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fixtures
// =============================================================================

var testNow = time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC)

var (
	finalXML       = []byte(`<?xml version="1.0" encoding="UTF-8"?><NFe><infNFe Id="final"/></NFe>`)
	unsignedXML    = []byte(`<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe Id="NFe1"/></NFe>`)
	signedXML      = []byte(`<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe Id="NFe1"/><Signature/></NFe>`)
	protocolXML    = []byte(`<protNFe versao="4.00"><infProt><cStat>100</cStat><nProt>141240000000001</nProt></infProt></protNFe>`)
	unsignedEvent  = []byte(`<evento versao="1.00"><infEvento Id="ID1101110001"/></evento>`)
	signedEvent    = []byte(`<evento versao="1.00"><infEvento Id="ID1101110001"/><Signature/></evento>`)
	eventResponse  = []byte(`<retEvento versao="1.00"><infEvento><cStat>135</cStat></infEvento></retEvento>`)
	validReason    = "Pedido cancelado pelo cliente antes da entrega"
	testCredential = &credential.Credential{Certificate: &x509.Certificate{}}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func curitiba() domain.Address {
	return domain.Address{
		ID:               uuid.New(),
		Street:           "Rua XV de Novembro",
		Number:           "100",
		District:         "Centro",
		MunicipalityCode: "4106902",
		MunicipalityName: "Curitiba",
		State:            "PR",
		ZipCode:          "80020-310",
		Primary:          true,
	}
}

func sampleSource() *domain.EmissionSource {
	return &domain.EmissionSource{
		Company: domain.Company{
			ID:                     uuid.New(),
			LegalName:              "Mercado Exemplo Ltda",
			TradeName:              "Mercado Exemplo",
			TaxID:                  "12.345.678/0001-95",
			StateRegistration:      "9012345678",
			TaxRegime:              domain.TaxRegimeSimples,
			PrincipalState:         "PR",
			FiscalMunicipalityCode: "4106902",
			Addresses:              []domain.Address{curitiba()},
			Environment:            domain.EnvironmentHomologation,
			Series:                 1,
			Credential: domain.CredentialRef{
				BundlePath:        "certificates/company.pfx",
				EncryptedPassword: "sealed",
			},
		},
		Customer: domain.Customer{
			ID:      uuid.New(),
			Name:    "Maria Souza",
			TaxID:   "123.456.789-01",
			Address: curitiba(),
		},
		Order: domain.Order{
			ID:     uuid.New(),
			Number: "PV-1001",
			Total:  dec("21.00"),
			Items: []domain.OrderItem{{
				ProductID:   uuid.New(),
				Code:        "SKU-1",
				Description: "Cafe torrado 500g",
				NCM:         "0901.21.00",
				ProductUnit: "UN",
				Quantity:    dec("2"),
				UnitPrice:   dec("10.50"),
				Tax: domain.TaxInput{
					Origin:         "0",
					CST:            "00",
					CSOSN:          "102",
					PISCST:         "49",
					COFINSCST:      "49",
					CFOPInternal:   "5102",
					CFOPInterstate: "6102",
				},
			}},
			Payments: []domain.OrderPayment{{MethodLabel: "PIX", Amount: dec("21.00")}},
		},
	}
}

// =============================================================================
// In-memory repositories
// =============================================================================

type fakeEmissions struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.Emission
	updates int
}

func newFakeEmissions() *fakeEmissions {
	return &fakeEmissions{records: map[uuid.UUID]domain.Emission{}}
}

func (f *fakeEmissions) FindByID(_ context.Context, id uuid.UUID) (*domain.Emission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.records[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &e, nil
}

func (f *fakeEmissions) FindCurrentByOrder(_ context.Context, orderID uuid.UUID) (*domain.Emission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var current *domain.Emission
	for _, e := range f.records {
		if e.OrderID != orderID || e.Status == domain.EmissionStatusDenied || e.Status == domain.EmissionStatusError {
			continue
		}
		if current == nil || e.CreatedAt.After(current.CreatedAt) {
			e := e
			current = &e
		}
	}
	if current == nil {
		return nil, shared.ErrNotFound
	}
	return current, nil
}

func (f *fakeEmissions) ListByOrder(_ context.Context, orderID uuid.UUID) ([]domain.Emission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Emission
	for _, e := range f.records {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeEmissions) Create(_ context.Context, e *domain.Emission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.records {
		if other.CompanyID == e.CompanyID && other.Series == e.Series &&
			other.Number == e.Number && other.Environment == e.Environment {
			return domain.ErrDuplicateNumber
		}
		if other.OrderID == e.OrderID && activeEmission(other.Status) && activeEmission(e.Status) {
			return domain.ErrEmissionInProgress
		}
	}
	f.records[e.ID] = *e
	return nil
}

func activeEmission(s domain.EmissionStatus) bool {
	return s != domain.EmissionStatusDenied && s != domain.EmissionStatusError
}

func (f *fakeEmissions) Update(_ context.Context, e *domain.Emission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.records[e.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != e.Version {
		return shared.ErrConcurrencyConflict
	}
	e.IncrementVersion()
	f.records[e.ID] = *e
	f.updates++
	return nil
}

func (f *fakeEmissions) get(t *testing.T, id uuid.UUID) domain.Emission {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.records[id]
	require.True(t, ok, "emission %s not stored", id)
	return e
}

func (f *fakeEmissions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeCancellations struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.Cancellation
}

func newFakeCancellations() *fakeCancellations {
	return &fakeCancellations{records: map[uuid.UUID]domain.Cancellation{}}
}

func (f *fakeCancellations) FindByID(_ context.Context, id uuid.UUID) (*domain.Cancellation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.records[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &c, nil
}

func (f *fakeCancellations) ListByEmission(_ context.Context, emissionID uuid.UUID) ([]domain.Cancellation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Cancellation
	for _, c := range f.records {
		if c.EmissionID == emissionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out, nil
}

func (f *fakeCancellations) NextSequence(ctx context.Context, emissionID uuid.UUID) (int, error) {
	list, _ := f.ListByEmission(ctx, emissionID)
	return len(list) + 1, nil
}

func (f *fakeCancellations) Create(_ context.Context, c *domain.Cancellation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[c.ID] = *c
	return nil
}

func (f *fakeCancellations) Update(_ context.Context, c *domain.Cancellation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[c.ID]; !ok {
		return shared.ErrNotFound
	}
	c.IncrementVersion()
	f.records[c.ID] = *c
	return nil
}

func (f *fakeCancellations) get(t *testing.T, id uuid.UUID) domain.Cancellation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.records[id]
	require.True(t, ok, "cancellation %s not stored", id)
	return c
}

type fakeCounter struct {
	mu       sync.Mutex
	next     map[domain.NumberingScope]int64
	advances []int64
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{next: map[domain.NumberingScope]int64{}}
}

func (f *fakeCounter) Peek(_ context.Context, scope domain.NumberingScope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.next[scope]; ok {
		return n, nil
	}
	return 1, nil
}

func (f *fakeCounter) Advance(_ context.Context, scope domain.NumberingScope, used int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances = append(f.advances, used)
	if used+1 > f.next[scope] {
		f.next[scope] = used + 1
	}
	return nil
}

type fakeSources struct {
	sources map[uuid.UUID]*domain.EmissionSource
}

func (f *fakeSources) LoadEmissionSource(_ context.Context, orderID uuid.UUID) (*domain.EmissionSource, error) {
	src, ok := f.sources[orderID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return src, nil
}

type fakeOrders struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]domain.OrderFiscalStatus
	reads    int
	writes   int
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{statuses: map[uuid.UUID]domain.OrderFiscalStatus{}}
}

func (f *fakeOrders) GetFiscalStatus(_ context.Context, orderID uuid.UUID) (domain.OrderFiscalStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.statuses[orderID], nil
}

func (f *fakeOrders) SetFiscalStatus(_ context.Context, orderID uuid.UUID, status domain.OrderFiscalStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.statuses[orderID] = status
	return nil
}

func (f *fakeOrders) status(orderID uuid.UUID) domain.OrderFiscalStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[orderID]
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []*queue.Job
	err  error
}

func (f *fakeJobs) Enqueue(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeJobs) all() []*queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*queue.Job(nil), f.jobs...)
}

// =============================================================================
// Mocks
// =============================================================================

type mockSerializer struct {
	mock.Mock
}

func (m *mockSerializer) Serialize(d *domain.Draft, mode nfexml.Mode) ([]byte, error) {
	args := m.Called(d, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockSerializer) SerializeCancellation(ev nfexml.CancellationEvent) ([]byte, error) {
	args := m.Called(ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) Sign(raw []byte, keys dsig.X509KeyStore) ([]byte, error) {
	args := m.Called(raw, keys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type mockCredentials struct {
	mock.Mock
}

func (m *mockCredentials) Load(ctx context.Context, ref domain.CredentialRef) (*credential.Credential, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*credential.Credential), args.Error(1)
}

type mockAuthority struct {
	mock.Mock
}

func (m *mockAuthority) SubmitDocument(ctx context.Context, cert tls.Certificate, signed []byte) (*sefaz.SubmissionResult, error) {
	args := m.Called(ctx, cert, signed)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sefaz.SubmissionResult), args.Error(1)
}

func (m *mockAuthority) QueryReceipt(ctx context.Context, cert tls.Certificate, env domain.Environment, receipt string) (*sefaz.SubmissionResult, error) {
	args := m.Called(ctx, cert, env, receipt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sefaz.SubmissionResult), args.Error(1)
}

func (m *mockAuthority) SubmitCancellation(ctx context.Context, cert tls.Certificate, signedEvent []byte) (*sefaz.EventResult, error) {
	args := m.Called(ctx, cert, signedEvent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sefaz.EventResult), args.Error(1)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	emissionSvc     *app.EmissionService
	cancellationSvc *app.CancellationService
	source          *domain.EmissionSource
	emissions       *fakeEmissions
	cancellations   *fakeCancellations
	counter         *fakeCounter
	orders          *fakeOrders
	jobs            *fakeJobs
	artifacts       *storage.MemoryArtifactStore
	guard           *cache.InMemorySubmissionGuard
	serializer      *mockSerializer
	signer          *mockSigner
	credentials     *mockCredentials
	authority       *mockAuthority
}

const testMaxAttempts = 3

func newHarness(t *testing.T) *harness {
	t.Helper()

	src := sampleSource()
	h := &harness{
		source:        src,
		emissions:     newFakeEmissions(),
		cancellations: newFakeCancellations(),
		counter:       newFakeCounter(),
		orders:        newFakeOrders(),
		jobs:          &fakeJobs{},
		artifacts:     storage.NewMemoryArtifactStore(),
		guard:         cache.NewInMemorySubmissionGuard(),
		serializer:    new(mockSerializer),
		signer:        new(mockSigner),
		credentials:   new(mockCredentials),
		authority:     new(mockAuthority),
	}
	t.Cleanup(func() { _ = h.guard.Close() })

	payloads, err := app.NewPayloadValidator()
	require.NoError(t, err)

	deps := app.Dependencies{
		Emissions:     h.emissions,
		Cancellations: h.cancellations,
		Sources:       &fakeSources{sources: map[uuid.UUID]*domain.EmissionSource{src.Order.ID: src}},
		Counter:       h.counter,
		Assembler:     domain.NewAssembler(domain.AssemblerConfig{}),
		Serializer:    h.serializer,
		Signer:        h.signer,
		Credentials:   h.credentials,
		Authority:     h.authority,
		Artifacts:     h.artifacts,
		Guard:         h.guard,
		Jobs:          h.jobs,
		Payloads:      payloads,
		Status:        app.NewStatusSynchronizer(h.orders, nil),
	}
	cfg := app.Config{MaxAttempts: testMaxAttempts, GuardTTL: time.Minute}
	clock := app.WithClock(func() time.Time { return testNow })

	h.emissionSvc = app.NewEmissionService(deps, cfg, clock)
	h.cancellationSvc = app.NewCancellationService(deps, cfg, clock)
	return h
}

// expectSigning wires the serializer, credentials and signer for a document
func (h *harness) expectSigning() {
	h.serializer.On("Serialize", mock.Anything, nfexml.ModeFinal).Return(finalXML, nil)
	h.serializer.On("Serialize", mock.Anything, nfexml.ModeTransmissible).Return(unsignedXML, nil)
	h.credentials.On("Load", mock.Anything, h.source.Company.Credential).Return(testCredential, nil)
	h.signer.On("Sign", unsignedXML, mock.Anything).Return(signedXML, nil)
}

// emitSigned runs Emit and returns the stored emission
func (h *harness) emitSigned(t *testing.T) domain.Emission {
	t.Helper()
	h.expectSigning()
	resp, err := h.emissionSvc.Emit(context.Background(), app.EmitRequest{OrderID: h.source.Order.ID})
	require.NoError(t, err)
	return h.emissions.get(t, resp.ID)
}

// seedAuthorized stores an authorized emission for the harness order
func (h *harness) seedAuthorized(t *testing.T) domain.Emission {
	t.Helper()
	key, err := domain.BuildAccessKey(domain.AccessKeyParams{
		StateCode:    "41",
		IssuedAt:     testNow,
		IssuerTaxID:  h.source.Company.TaxID,
		Model:        domain.ModelNFe,
		Series:       1,
		Number:       7,
		EmissionType: domain.EmissionTypeNormal,
		RandomCode:   "12345678",
	})
	require.NoError(t, err)

	e, err := domain.NewEmission(domain.EmissionParams{
		CompanyID:   h.source.Company.ID,
		OrderID:     h.source.Order.ID,
		AccessKey:   key,
		Series:      1,
		Number:      7,
		Environment: domain.EnvironmentHomologation,
		IssuedAt:    testNow,
	})
	require.NoError(t, err)
	require.NoError(t, e.MarkSigned("raw.xml", "signed.xml", testNow))
	require.NoError(t, e.MarkProcessing(testNow))
	require.NoError(t, e.Authorize("141240000000001", "100", "Autorizado o uso da NF-e", "", "", testNow))
	require.NoError(t, h.emissions.Create(context.Background(), e))
	h.orders.statuses[e.OrderID] = domain.OrderFiscalStatusAuthorized
	return *e
}

// expectEventSigning wires serializer, credentials and signer for an event
func (h *harness) expectEventSigning() {
	h.credentials.On("Load", mock.Anything, h.source.Company.Credential).Return(testCredential, nil)
	h.serializer.On("SerializeCancellation", mock.Anything).Return(unsignedEvent, nil)
	h.signer.On("Sign", unsignedEvent, mock.Anything).Return(signedEvent, nil)
}
