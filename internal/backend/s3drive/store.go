package s3drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/unidrive/unidrive/internal/backend"
)

const (
	indexKey     = "index.json"
	objectPrefix = "objects/"

	// rootFolderID is the fixed local id of every account's root.
	rootFolderID = "root"
)

// docRec is the persisted form of one document. S3 accounts keep only
// the current content object.
type docRec struct {
	Doc    backend.Document `json:"doc"`
	Object string           `json:"object"`
	Size   int64            `json:"size"`
}

// index is the persisted account state.
type index struct {
	Folders map[string]*backend.Folder    `json:"folders"`
	Files   map[string]map[string]*docRec `json:"files"`
	NextID  int64                         `json:"next_id"`
}

func newIndex() *index {
	now := time.Now()
	return &index{
		Folders: map[string]*backend.Folder{
			rootFolderID: {LocalID: rootFolderID, Name: "/", Created: now, Modified: now},
		},
		Files: map[string]map[string]*docRec{rootFolderID: {}},
	}
}

func (idx *index) clone() (*index, error) {
	raw, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	var out index
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (idx *index) nextLocalID(prefix string) string {
	idx.NextID++
	return fmt.Sprintf("%s-%d", prefix, idx.NextID)
}

// store is the shared remote state of one account prefix.
type store struct {
	client objectAPI
	bucket string
	prefix string

	mu     sync.Mutex
	loaded bool
	idx    *index
}

func (s *store) key(rel string) string {
	return s.prefix + rel
}

func (s *store) objectKey(object string) string {
	return s.key(objectPrefix + object)
}

// open fetches the index object, starting fresh when none exists yet.
func (s *store) open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(indexKey)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			s.idx = newIndex()
			s.loaded = true
			return nil
		}
		return fmt.Errorf("get index: %w", err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return fmt.Errorf("parse index: %w", err)
	}
	s.idx = &idx
	s.loaded = true
	return nil
}

// persist uploads the index object.
func (s *store) persist(ctx context.Context) error {
	s.mu.Lock()
	raw, err := json.Marshal(s.idx)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(indexKey)),
		Body:          bytes.NewReader(raw),
		ContentLength: aws.Int64(int64(len(raw))),
	})
	if err != nil {
		return fmt.Errorf("put index: %w", err)
	}
	return nil
}

// putObject uploads one content object.
func (s *store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// getObject fetches one content object, optionally a byte range.
func (s *store) getObject(ctx context.Context, key, rangeSpec string) (io.ReadCloser, int64, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if rangeSpec != "" {
		in.Range = aws.String(rangeSpec)
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// deleteObject removes one content object, best effort.
func (s *store) deleteObject(ctx context.Context, key string) {
	_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
}
