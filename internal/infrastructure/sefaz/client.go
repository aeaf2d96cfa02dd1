// Package sefaz talks to the state tax authority's NF-e web services over
// SOAP 1.2 with mutual TLS.
package sefaz

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/fiscal/internal/domain/fiscal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Namespaces used on the wire
const (
	Namespace     = "http://www.portalfiscal.inf.br/nfe"
	soapNamespace = "http://www.w3.org/2003/05/soap-envelope"

	wsdlAuthorization = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4"
	wsdlReceipt       = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeRetAutorizacao4"
	wsdlEvent         = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeRecepcaoEvento4"

	layoutVersion = "4.00"
	eventVersion  = "1.00"

	maxResponseSize = 4 << 20
)

// Config holds the authority endpoints and client limits
type Config struct {
	AuthorizationURL  string
	ReceiptURL        string
	EventURL          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client submits documents and events to the authority. The TLS identity is
// supplied per call so credentials never outlive the job using them.
type Client struct {
	cfg       Config
	limiter   *rate.Limiter
	rootCAs   *x509.CertPool
	transport func(tls.Certificate) http.RoundTripper
	logger    *zap.Logger
}

// Option is a functional option for configuring Client
type Option func(*Client)

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRootCAs trusts pool instead of the system roots
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) {
		c.rootCAs = pool
	}
}

// WithTransport replaces the per-credential transport builder
func WithTransport(fn func(tls.Certificate) http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = fn
	}
}

// NewClient creates a Client
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  zap.NewNop(),
	}
	c.transport = c.defaultTransport
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) defaultTransport(cert tls.Certificate) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = &tls.Config{
		Certificates:  []tls.Certificate{cert},
		RootCAs:       c.rootCAs,
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateOnceAsClient,
	}
	return base
}

func (c *Client) httpClient(cert tls.Certificate) *http.Client {
	return &http.Client{
		Timeout:   c.cfg.Timeout,
		Transport: otelhttp.NewTransport(c.transport(cert)),
	}
}

// SubmitDocument sends one signed NF-e for synchronous authorization
func (c *Client) SubmitDocument(ctx context.Context, cert tls.Certificate, signed []byte) (*SubmissionResult, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return nil, fmt.Errorf("failed to parse signed document: %w", err)
	}

	batch := etree.NewElement("enviNFe")
	batch.CreateAttr("xmlns", Namespace)
	batch.CreateAttr("versao", layoutVersion)
	batch.CreateElement("idLote").SetText(batchID())
	batch.CreateElement("indSinc").SetText("1")
	batch.AddChild(doc.Root())

	body, err := c.call(ctx, cert, c.cfg.AuthorizationURL, wsdlAuthorization, "nfeAutorizacaoLote", batch)
	if err != nil {
		return nil, err
	}
	return parseSubmission(body, "retEnviNFe")
}

// QueryReceipt asks for the outcome of a batch that answered "processing"
func (c *Client) QueryReceipt(ctx context.Context, cert tls.Certificate, env fiscal.Environment, receipt string) (*SubmissionResult, error) {
	if receipt == "" {
		return nil, fiscal.NewValidationError("nRec", "is required")
	}

	query := etree.NewElement("consReciNFe")
	query.CreateAttr("xmlns", Namespace)
	query.CreateAttr("versao", layoutVersion)
	query.CreateElement("tpAmb").SetText(env.String())
	query.CreateElement("nRec").SetText(receipt)

	body, err := c.call(ctx, cert, c.cfg.ReceiptURL, wsdlReceipt, "nfeRetAutorizacaoLote", query)
	if err != nil {
		return nil, err
	}
	result, err := parseSubmission(body, "retConsReciNFe")
	if err != nil {
		return nil, err
	}
	if result.Receipt == "" {
		result.Receipt = receipt
	}
	return result, nil
}

// SubmitCancellation sends a signed cancellation event
func (c *Client) SubmitCancellation(ctx context.Context, cert tls.Certificate, signedEvent []byte) (*EventResult, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedEvent); err != nil {
		return nil, fmt.Errorf("failed to parse signed event: %w", err)
	}

	batch := etree.NewElement("envEvento")
	batch.CreateAttr("xmlns", Namespace)
	batch.CreateAttr("versao", eventVersion)
	batch.CreateElement("idLote").SetText(batchID())
	batch.AddChild(doc.Root())

	body, err := c.call(ctx, cert, c.cfg.EventURL, wsdlEvent, "nfeRecepcaoEvento", batch)
	if err != nil {
		return nil, err
	}
	return parseEvent(body)
}

// call wraps payload in a SOAP envelope, posts it and returns the raw
// response. Transport failures come back as fiscal.InfrastructureError.
func (c *Client) call(ctx context.Context, cert tls.Certificate, endpoint, wsdl, action string, payload *etree.Element) ([]byte, error) {
	op := "authority." + action
	if endpoint == "" {
		return nil, fiscal.NewInfrastructureError(op, errors.New("endpoint not configured"))
	}

	envelope, err := buildEnvelope(wsdl, payload)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fiscal.NewInfrastructureError(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, fiscal.NewInfrastructureError(op, err)
	}
	req.Header.Set("Content-Type",
		fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s/%s"`, wsdl, action))

	start := time.Now()
	resp, err := c.httpClient(cert).Do(req)
	if err != nil {
		c.logger.Warn("Authority request failed",
			zap.String("action", action),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, fiscal.NewInfrastructureError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("failed to read response: %w", err))
	}

	c.logger.Debug("Authority responded",
		zap.String("action", action),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := soapFault(body)
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return nil, fiscal.NewInfrastructureError(op,
			fmt.Errorf("http %d: %s", resp.StatusCode, detail))
	}
	return body, nil
}

func buildEnvelope(wsdl string, payload *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap12:Envelope")
	env.CreateAttr("xmlns:soap12", soapNamespace)
	msg := env.CreateElement("soap12:Body").CreateElement("nfeDadosMsg")
	msg.CreateAttr("xmlns", wsdl)
	msg.AddChild(payload)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to build SOAP envelope: %w", err)
	}
	return out, nil
}

func soapFault(body []byte) string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return ""
	}
	if reason := doc.FindElement("//Fault/Reason/Text"); reason != nil {
		return reason.Text()
	}
	return ""
}

// batchID is the idLote of a single-document batch
func batchID() string {
	return strconv.FormatInt(time.Now().UnixNano()%1_000_000_000_000_000, 10)
}
