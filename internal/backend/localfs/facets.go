package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/unidrive/unidrive/internal/backend"
)

type versionedOps struct {
	h *access
}

func (o *versionedOps) Versions(_ context.Context, folderID, fileID string) ([]backend.Version, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	fo := &fileOps{h: o.h}
	rec, _, err := fo.lookup(folderID, fileID)
	if err != nil {
		return nil, err
	}
	out := make([]backend.Version, len(rec.Versions))
	for i, v := range rec.Versions {
		out[i] = backend.Version{
			Number:   i + 1,
			Size:     v.Size,
			Modified: rec.Doc.Modified,
			Actor:    rec.Doc.ModifiedBy,
		}
	}
	return out, nil
}

func (o *versionedOps) ContentOfVersion(_ context.Context, folderID, fileID string, version int) (io.ReadCloser, int64, error) {
	o.h.store.mu.Lock()
	fo := &fileOps{h: o.h}
	rec, _, err := fo.lookup(folderID, fileID)
	if err != nil {
		o.h.store.mu.Unlock()
		return nil, 0, err
	}
	if version < 1 || version > len(rec.Versions) {
		o.h.store.mu.Unlock()
		return nil, 0, fmt.Errorf("version %d of %s: %w", version, fileID, backend.ErrNotFound)
	}
	ref := rec.Versions[version-1]
	o.h.store.mu.Unlock()

	f, err := os.Open(o.h.store.objectPath(ref.Object))
	if err != nil {
		return nil, 0, fmt.Errorf("open object %s: %w", ref.Object, err)
	}
	return f, ref.Size, nil
}

func (o *versionedOps) SaveIgnoringVersion(_ context.Context, doc *backend.Document, content io.Reader, size int64, expectedSeq int64) (*backend.Document, error) {
	fo := &fileOps{h: o.h}
	return fo.save(doc, content, size, expectedSeq, false)
}

type rangedOps struct {
	h *access
}

func (o *rangedOps) ContentRange(_ context.Context, folderID, fileID string, offset, length int64) (io.ReadCloser, error) {
	o.h.store.mu.Lock()
	fo := &fileOps{h: o.h}
	rec, _, err := fo.lookup(folderID, fileID)
	if err != nil {
		o.h.store.mu.Unlock()
		return nil, err
	}
	if len(rec.Versions) == 0 {
		o.h.store.mu.Unlock()
		return nil, fmt.Errorf("file %s has no content: %w", fileID, backend.ErrNotFound)
	}
	ref := rec.Versions[len(rec.Versions)-1]
	o.h.store.mu.Unlock()

	f, err := os.Open(o.h.store.objectPath(ref.Object))
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", ref.Object, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek object %s: %w", ref.Object, err)
		}
	}
	if length > 0 {
		return &limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f}, nil
	}
	return f, nil
}

// limitedReadCloser pairs a LimitReader with the file it reads from.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}

type sequenceOps struct {
	h *access
}

func (o *sequenceOps) FolderSeqs(_ context.Context, folderIDs []string) (map[string]int64, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	out := make(map[string]int64, len(folderIDs))
	for _, id := range folderIDs {
		if f, ok := o.h.store.idx.Folders[id]; ok {
			out[id] = f.Seq
		}
	}
	return out, nil
}

type statsOps struct {
	h *access
}

func (o *statsOps) Stats(_ context.Context, folderID string) (*backend.FolderStats, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	if _, ok := idx.Folders[folderID]; !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	var stats backend.FolderStats
	o.collect(folderID, &stats)
	return &stats, nil
}

func (o *statsOps) collect(folderID string, stats *backend.FolderStats) {
	idx := o.h.store.idx
	for _, rec := range idx.Files[folderID] {
		stats.FileCount++
		stats.TotalBytes += rec.Doc.Size
	}
	for id, f := range idx.Folders {
		if f.ParentLocalID == folderID {
			stats.FolderCount++
			o.collect(id, stats)
		}
	}
}

type pathOps struct {
	h *access
}

func (o *pathOps) FolderByPath(_ context.Context, path string) (*backend.Folder, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx

	cur := idx.Folders[rootFolderID]
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		var next *backend.Folder
		for _, f := range idx.Folders {
			if f.ParentLocalID == cur.LocalID && f.Name == part {
				next = f
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("path %q: %w", path, backend.ErrNotFound)
		}
		cur = next
	}
	fc := *cur
	return &fc, nil
}
