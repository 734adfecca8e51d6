// Package s3drive provides an S3 backed backend driver. Each account
// lives under its own key prefix: a JSON index object carries the folder
// tree and document metadata, content is stored as immutable objects.
// The driver keeps no version history, so transfers from richer backends
// surface the usual lossy-copy warnings.
package s3drive

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/unidrive/unidrive/internal/backend"
)

// Config holds S3 driver settings.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// objectAPI is the slice of the S3 client the driver needs. Tests
// substitute an in-memory implementation.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Driver is a backend.Driver over one S3 bucket.
type Driver struct {
	service string
	client  objectAPI
	bucket  string

	mu     sync.Mutex
	stores map[string]*store
}

// New creates an S3 driver registered under service.
func New(ctx context.Context, service string, cfg Config) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(
		func(_, _ string, _ ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return NewWithClient(service, client, cfg.Bucket), nil
}

// NewWithClient creates a driver over an existing client.
func NewWithClient(service string, client objectAPI, bucket string) *Driver {
	return &Driver{
		service: service,
		client:  client,
		bucket:  bucket,
		stores:  make(map[string]*store),
	}
}

// Service implements backend.Driver.
func (d *Driver) Service() string { return d.service }

// Open implements backend.Driver.
func (d *Driver) Open(_ context.Context, account, actor string) (backend.AccountAccess, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}
	d.mu.Lock()
	st, ok := d.stores[account]
	if !ok {
		st = &store{client: d.client, bucket: d.bucket, prefix: account + "/"}
		d.stores[account] = st
	}
	d.mu.Unlock()
	return &access{store: st, actor: actor}, nil
}

// access is one handle onto an account store.
type access struct {
	store *store
	actor string

	connected bool
	inTx      bool
	snapshot  *index
	// staged keys uploaded during the open transaction, deleted again
	// on rollback.
	staged []string
}

func (h *access) Connect(ctx context.Context) error {
	if h.connected {
		return fmt.Errorf("handle already connected")
	}
	if _, err := h.store.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(h.store.bucket)}); err != nil {
		return fmt.Errorf("bucket %s unreachable: %w: %w", h.store.bucket, backend.ErrCommunication, err)
	}
	if err := h.store.open(ctx); err != nil {
		return fmt.Errorf("%w: %w", backend.ErrCommunication, err)
	}
	h.connected = true
	return nil
}

func (h *access) Close(_ context.Context) error {
	h.connected = false
	return nil
}

func (h *access) Begin(_ context.Context) error {
	if h.inTx {
		return fmt.Errorf("transaction already open")
	}
	h.store.mu.Lock()
	snap, err := h.store.idx.clone()
	h.store.mu.Unlock()
	if err != nil {
		return fmt.Errorf("snapshot index: %w", err)
	}
	h.snapshot = snap
	h.staged = nil
	h.inTx = true
	return nil
}

func (h *access) Commit(ctx context.Context) error {
	if !h.inTx {
		return fmt.Errorf("no open transaction")
	}
	h.inTx = false
	h.snapshot = nil
	h.staged = nil
	return h.store.persist(ctx)
}

func (h *access) Rollback(ctx context.Context) error {
	if !h.inTx {
		return fmt.Errorf("no open transaction")
	}
	h.store.mu.Lock()
	h.store.idx = h.snapshot
	h.store.mu.Unlock()
	for _, key := range h.staged {
		h.store.deleteObject(ctx, key)
	}
	h.inTx = false
	h.snapshot = nil
	h.staged = nil
	return nil
}

func (h *access) Finish(_ context.Context) {}

func (h *access) Files() backend.FileOps {
	return &fileOps{h: h}
}

func (h *access) Folders() backend.FolderOps {
	return &folderOps{h: h}
}

func (h *access) Capabilities() backend.CapabilitySet {
	return h.Facets().Capabilities()
}

func (h *access) Facets() backend.Facets {
	return backend.Facets{
		Ranged: &rangedOps{h: h},
	}
}

func (h *access) stage(key string) {
	if h.inTx {
		h.staged = append(h.staged, key)
	}
}

func (h *access) flush(ctx context.Context) error {
	if h.inTx {
		return nil
	}
	return h.store.persist(ctx)
}
