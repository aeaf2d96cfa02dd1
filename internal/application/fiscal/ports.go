// Package fiscal orchestrates emission and cancellation of electronic
// invoices: numbering, assembly, signing, authority submission and the
// order's fiscal status.
package fiscal

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/infrastructure/credential"
	"github.com/erp/fiscal/internal/infrastructure/nfexml"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	dsig "github.com/russellhaering/goxmldsig"
)

// ArtifactStore persists generated documents
type ArtifactStore interface {
	Put(ctx context.Context, path string, content []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
}

// CredentialLoader returns the issuer's decoded signing identity. The result
// is used for one operation and dropped.
type CredentialLoader interface {
	Load(ctx context.Context, ref fiscal.CredentialRef) (*credential.Credential, error)
}

// DocumentSerializer renders drafts and events as XML
type DocumentSerializer interface {
	Serialize(d *fiscal.Draft, mode nfexml.Mode) ([]byte, error)
	SerializeCancellation(ev nfexml.CancellationEvent) ([]byte, error)
}

// DocumentSigner produces an enveloped signature
type DocumentSigner interface {
	Sign(raw []byte, keys dsig.X509KeyStore) ([]byte, error)
}

// AuthorityClient talks to the tax authority
type AuthorityClient interface {
	SubmitDocument(ctx context.Context, cert tls.Certificate, signed []byte) (*sefaz.SubmissionResult, error)
	QueryReceipt(ctx context.Context, cert tls.Certificate, env fiscal.Environment, receipt string) (*sefaz.SubmissionResult, error)
	SubmitCancellation(ctx context.Context, cert tls.Certificate, signedEvent []byte) (*sefaz.EventResult, error)
}

// SubmissionGuard keeps two processes from transmitting the same document
type SubmissionGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// JobQueue accepts background jobs
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

const (
	contentTypeXML = "application/xml"
	tracerName     = "github.com/erp/fiscal/internal/application/fiscal"
)

// artifactPath returns the storage path of one of an emission's documents
func artifactPath(e *fiscal.Emission, name string) string {
	return "nfe/" + e.CompanyID.String() + "/" + e.AccessKey + "/" + name
}
