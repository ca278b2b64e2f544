package pipeline

import (
	"context"
	"time"
)

// Ledger owns dedup truth. Record is idempotent and durable before it
// acknowledges success.
type Ledger interface {
	Has(ctx context.Context, fp Fingerprint) (bool, error)
	Record(ctx context.Context, fp Fingerprint, outcome Outcome) error
	Count(ctx context.Context) (int, error)
}

// Fetcher lists items from a source, most-recent-first, and downloads the
// payload of a chosen item.
type Fetcher interface {
	ListItems(ctx context.Context, src Source) ([]Item, error)
	Download(ctx context.Context, item Item) ([]byte, error)
}

// Enricher produces destination metadata for a candidate item.
type Enricher interface {
	GenerateMetadata(ctx context.Context, item Item) (Metadata, error)
}

// Publisher uploads a spooled payload to the destination platform.
type Publisher interface {
	Publish(ctx context.Context, payloadURI string, meta Metadata, cred CredentialHandle) (string, error)
	UpdateMetadata(ctx context.Context, publishedID string, meta Metadata, cred CredentialHandle) error
}

// CredentialHandle is the opaque, validated view of a live credential.
// Consumers request a fresh handle per use rather than holding material, so
// rotation stays transparent.
type CredentialHandle interface {
	Service() string
	Identity() string
	Secret() string
}

// CredentialSource hands out active, validated credential handles.
type CredentialSource interface {
	ActiveHandle(ctx context.Context) (CredentialHandle, error)
}

// Transport delivers operator commands and accepts outbound text responses.
type Transport interface {
	Receive(ctx context.Context) (Command, error)
	Send(ctx context.Context, resp Response) error
}

// BlobStore spools raw payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for fingerprinting.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
