package s3drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive/internal/backend"
)

// fakeS3 is an in-memory object store speaking the client surface the
// driver uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte

	// Unreachable makes HeadBucket fail.
	Unreachable bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.Range != nil {
		var err error
		data, err = applyRange(data, *in.Range)
		if err != nil {
			return nil, err
		}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func applyRange(data []byte, spec string) ([]byte, error) {
	spec = strings.TrimPrefix(spec, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad range %q", spec)
	}
	end := int64(len(data)) - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad range %q", spec)
		}
	}
	if start > int64(len(data)) {
		return nil, fmt.Errorf("range %q out of bounds", spec)
	}
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return data[start : end+1], nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*in.Key] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, *in.Key)
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.Unreachable {
		return nil, errors.New("connection refused")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) keysWithPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

func openDrive(t *testing.T, client *fakeS3, account string) backend.AccountAccess {
	t.Helper()
	d := NewWithClient("s3drive", client, "unidrive")
	h, err := d.Open(context.Background(), account, "tester")
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	return h
}

func TestSaveAndReadBack(t *testing.T) {
	client := newFakeS3()
	h := openDrive(t, client, "acct")
	ctx := context.Background()

	doc, err := h.Files().Save(ctx,
		&backend.Document{FolderLocalID: rootFolderID, Name: "cloud.txt"},
		strings.NewReader("in the bucket"), 13, 0)
	require.NoError(t, err)
	require.Equal(t, int64(13), doc.Size)

	rc, size, err := h.Files().Content(ctx, rootFolderID, doc.LocalID)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, int64(13), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "in the bucket", string(data))
}

func TestIndexSurvivesReload(t *testing.T) {
	client := newFakeS3()
	ctx := context.Background()

	h := openDrive(t, client, "acct")
	sub, err := h.Folders().Create(ctx, rootFolderID, "backups")
	require.NoError(t, err)
	doc, err := h.Files().Save(ctx,
		&backend.Document{FolderLocalID: sub.LocalID, Name: "dump.sql"},
		strings.NewReader("data"), 4, 0)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	// A fresh driver over the same bucket reloads the index object.
	h2 := openDrive(t, client, "acct")
	got, err := h2.Files().Get(ctx, sub.LocalID, doc.LocalID, nil)
	require.NoError(t, err)
	require.Equal(t, "dump.sql", got.Name)
}

func TestNoVersioningCapability(t *testing.T) {
	client := newFakeS3()
	h := openDrive(t, client, "acct")

	require.Nil(t, h.Facets().Versioned)
	require.False(t, h.Capabilities().Has(backend.CapVersioning))
	require.True(t, h.Capabilities().Has(backend.CapByteRange))
}

func TestUpdateReplacesObject(t *testing.T) {
	client := newFakeS3()
	h := openDrive(t, client, "acct")
	ctx := context.Background()

	doc, err := h.Files().Save(ctx,
		&backend.Document{FolderLocalID: rootFolderID, Name: "one.txt"},
		strings.NewReader("old"), 3, 0)
	require.NoError(t, err)

	doc.Name = "one.txt"
	updated, err := h.Files().Save(ctx, doc, strings.NewReader("newer"), 5, doc.Seq)
	require.NoError(t, err)
	require.Equal(t, 1, updated.VersionNumber, "no history is kept")

	// One index object plus exactly one content object remain.
	require.Equal(t, 1, client.keysWithPrefix("acct/"+objectPrefix))
}

func TestRollbackRemovesUploadedObjects(t *testing.T) {
	client := newFakeS3()
	h := openDrive(t, client, "acct")
	ctx := context.Background()

	require.NoError(t, h.Begin(ctx))
	_, err := h.Files().Save(ctx,
		&backend.Document{FolderLocalID: rootFolderID, Name: "doomed.txt"},
		strings.NewReader("temp"), 4, 0)
	require.NoError(t, err)
	require.NoError(t, h.Rollback(ctx))

	require.Equal(t, 0, client.keysWithPrefix("acct/"+objectPrefix))
	docs, err := h.Files().List(ctx, rootFolderID, nil, backend.SortByName, backend.Ascending)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestContentRange(t *testing.T) {
	client := newFakeS3()
	h := openDrive(t, client, "acct")
	ctx := context.Background()

	doc, err := h.Files().Save(ctx,
		&backend.Document{FolderLocalID: rootFolderID, Name: "ranged.bin"},
		strings.NewReader("0123456789"), 10, 0)
	require.NoError(t, err)

	rc, err := h.Facets().Ranged.ContentRange(ctx, rootFolderID, doc.LocalID, 3, 4)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "3456", string(data))
}

func TestConnectFailureIsCommunicationError(t *testing.T) {
	client := newFakeS3()
	client.Unreachable = true
	d := NewWithClient("s3drive", client, "unidrive")
	h, err := d.Open(context.Background(), "acct", "tester")
	require.NoError(t, err)

	err = h.Connect(context.Background())
	require.Error(t, err)
	require.True(t, backend.IsConnectFailure(err))
}
