// Package provider abstracts the storage behind an object-store transfer
// endpoint: a local or shared filesystem tree, or an S3 (or S3-compatible)
// bucket.
//
// Keys are slash separated and relative to the endpoint root. Transfer
// items carry absolute paths; the leading slash is stripped before they
// reach a provider.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider is the storage surface used by the object-store transfer
// worker.
type Provider interface {
	// List returns a page of objects under opts.Prefix.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// GetObject opens an object for streaming.
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)

	// PutObject creates or replaces an object.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	Close() error
}

// Leaser is implemented by providers whose access is granted by an
// expiring credential.
type Leaser interface {
	// Lease returns the remaining credential lifetime. A negative value
	// means the credential never expires.
	Lease(ctx context.Context) (time.Duration, error)

	// Renew discards cached credentials and fetches fresh ones.
	Renew(ctx context.Context) (time.Duration, error)
}

// ListOptions configures a List operation.
type ListOptions struct {
	Prefix            string
	ContinuationToken string

	// MaxKeys limits the page size. Zero uses the provider default.
	MaxKeys int
}

// ListResult is a page of objects.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is empty on the last page.
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary is the metadata returned by List.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta is the metadata returned by Head.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}

// ListAll pages through every object under prefix.
func ListAll(ctx context.Context, p Provider, prefix string) ([]ObjectSummary, error) {
	var out []ObjectSummary
	opts := ListOptions{Prefix: prefix}
	for {
		res, err := p.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		if !res.IsTruncated || res.ContinuationToken == "" {
			return out, nil
		}
		opts.ContinuationToken = res.ContinuationToken
	}
}
