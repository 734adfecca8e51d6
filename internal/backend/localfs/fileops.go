package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unidrive/unidrive/internal/backend"
)

type fileOps struct {
	h *access
}

// lookup finds a document record, scanning all folders when the caller
// only knows the file id.
func (o *fileOps) lookup(folderID, fileID string) (*docRec, string, error) {
	idx := o.h.store.idx
	if folderID != "" {
		docs, ok := idx.Files[folderID]
		if !ok {
			return nil, "", fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
		}
		rec, ok := docs[fileID]
		if !ok {
			return nil, "", fmt.Errorf("file %s: %w", fileID, backend.ErrNotFound)
		}
		return rec, folderID, nil
	}
	for fid, docs := range idx.Files {
		if rec, ok := docs[fileID]; ok {
			return rec, fid, nil
		}
	}
	return nil, "", fmt.Errorf("file %s: %w", fileID, backend.ErrNotFound)
}

func (o *fileOps) Exists(_ context.Context, folderID, fileID string) (bool, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	_, _, err := o.lookup(folderID, fileID)
	return err == nil, nil
}

func (o *fileOps) Get(_ context.Context, folderID, fileID string, _ []backend.Field) (*backend.Document, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	rec, fid, err := o.lookup(folderID, fileID)
	if err != nil {
		return nil, err
	}
	doc := rec.Doc
	doc.FolderLocalID = fid
	return &doc, nil
}

func (o *fileOps) Content(_ context.Context, folderID, fileID string) (io.ReadCloser, int64, error) {
	o.h.store.mu.Lock()
	rec, _, err := o.lookup(folderID, fileID)
	o.h.store.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	if len(rec.Versions) == 0 {
		return nil, 0, fmt.Errorf("file %s has no content: %w", fileID, backend.ErrNotFound)
	}
	ref := rec.Versions[len(rec.Versions)-1]
	f, err := os.Open(o.h.store.objectPath(ref.Object))
	if err != nil {
		return nil, 0, fmt.Errorf("open object %s: %w", ref.Object, err)
	}
	return f, ref.Size, nil
}

func (o *fileOps) List(_ context.Context, folderID string, _ []backend.Field, field backend.SortField, dir backend.SortDir) ([]backend.Document, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	docs, ok := o.h.store.idx.Files[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	out := make([]backend.Document, 0, len(docs))
	for _, rec := range docs {
		out = append(out, rec.Doc)
	}
	sortDocs(out, field, dir)
	return out, nil
}

func (o *fileOps) Search(_ context.Context, folderIDs []string, term string, field backend.SortField, dir backend.SortDir) ([]backend.Document, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx

	scan := folderIDs
	if len(scan) == 0 {
		scan = make([]string, 0, len(idx.Files))
		for fid := range idx.Files {
			scan = append(scan, fid)
		}
	}
	needle := strings.ToLower(term)
	var out []backend.Document
	for _, fid := range scan {
		for _, rec := range idx.Files[fid] {
			if needle == "" || strings.Contains(strings.ToLower(rec.Doc.Name), needle) {
				out = append(out, rec.Doc)
			}
		}
	}
	sortDocs(out, field, dir)
	return out, nil
}

func (o *fileOps) Save(_ context.Context, doc *backend.Document, content io.Reader, size int64, expectedSeq int64) (*backend.Document, error) {
	return o.save(doc, content, size, expectedSeq, true)
}

// save implements Save; keepHistory false replaces the newest version
// object instead of appending one.
func (o *fileOps) save(doc *backend.Document, content io.Reader, declaredSize int64, expectedSeq int64, keepHistory bool) (*backend.Document, error) {
	var ref objectRef
	if content != nil {
		object := uuid.NewString()
		n, err := o.h.store.writeObject(object, content)
		if err != nil {
			return nil, err
		}
		if declaredSize > 0 && n != declaredSize {
			os.Remove(o.h.store.objectPath(object))
			return nil, fmt.Errorf("content size mismatch: wrote %d, declared %d", n, declaredSize)
		}
		ref = objectRef{Object: object, Size: n}
		o.h.stage(o.h.store.objectPath(object))
	}

	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx

	docs, ok := idx.Files[doc.FolderLocalID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", doc.FolderLocalID, backend.ErrNotFound)
	}

	now := time.Now()
	if doc.LocalID == "" {
		if content == nil {
			return nil, fmt.Errorf("create without content")
		}
		saved := *doc
		saved.LocalID = idx.nextLocalID("f")
		saved.Seq = 1
		saved.VersionNumber = 1
		saved.Size = ref.Size
		saved.Created = now
		saved.Modified = now
		saved.ModifiedBy = o.h.actor
		docs[saved.LocalID] = &docRec{Doc: saved, Versions: []objectRef{ref}}
		o.bumpFolder(doc.FolderLocalID)
		if err := o.h.flush(); err != nil {
			return nil, err
		}
		result := saved
		return &result, nil
	}

	rec, ok := docs[doc.LocalID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", doc.LocalID, backend.ErrNotFound)
	}
	if rec.Doc.Seq != expectedSeq {
		return nil, fmt.Errorf("file %s: have seq %d, expected %d: %w",
			doc.LocalID, rec.Doc.Seq, expectedSeq, backend.ErrConflict)
	}

	updated := *doc
	updated.Seq = rec.Doc.Seq + 1
	updated.Created = rec.Doc.Created
	updated.Modified = now
	updated.ModifiedBy = o.h.actor
	updated.VersionNumber = rec.Doc.VersionNumber
	updated.Size = rec.Doc.Size
	if content != nil {
		if keepHistory || len(rec.Versions) == 0 {
			rec.Versions = append(rec.Versions, ref)
			updated.VersionNumber++
		} else {
			rec.Versions[len(rec.Versions)-1] = ref
		}
		updated.Size = ref.Size
	}
	rec.Doc = updated
	o.bumpFolder(doc.FolderLocalID)
	if err := o.h.flush(); err != nil {
		return nil, err
	}
	result := updated
	return &result, nil
}

// bumpFolder advances the folder's sequence counter. Caller holds the
// store lock.
func (o *fileOps) bumpFolder(folderID string) {
	if f, ok := o.h.store.idx.Folders[folderID]; ok {
		f.Seq++
		f.Modified = time.Now()
	}
}

func (o *fileOps) Move(_ context.Context, fileID, fromFolder, toFolder string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	src, ok := idx.Files[fromFolder]
	if !ok {
		return fmt.Errorf("folder %s: %w", fromFolder, backend.ErrNotFound)
	}
	dst, ok := idx.Files[toFolder]
	if !ok {
		return fmt.Errorf("folder %s: %w", toFolder, backend.ErrNotFound)
	}
	rec, ok := src[fileID]
	if !ok {
		return fmt.Errorf("file %s: %w", fileID, backend.ErrNotFound)
	}
	delete(src, fileID)
	rec.Doc.FolderLocalID = toFolder
	rec.Doc.Seq++
	dst[fileID] = rec
	o.bumpFolder(fromFolder)
	o.bumpFolder(toFolder)
	return o.h.flush()
}

func (o *fileOps) Copy(_ context.Context, fileID, fromFolder, toFolder string) (string, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	src, ok := idx.Files[fromFolder]
	if !ok {
		return "", fmt.Errorf("folder %s: %w", fromFolder, backend.ErrNotFound)
	}
	dst, ok := idx.Files[toFolder]
	if !ok {
		return "", fmt.Errorf("folder %s: %w", toFolder, backend.ErrNotFound)
	}
	rec, ok := src[fileID]
	if !ok {
		return "", fmt.Errorf("file %s: %w", fileID, backend.ErrNotFound)
	}
	// Objects are immutable, so the copy shares them.
	cp := &docRec{Doc: rec.Doc, Versions: append([]objectRef(nil), rec.Versions...)}
	cp.Doc.LocalID = idx.nextLocalID("f")
	cp.Doc.FolderLocalID = toFolder
	cp.Doc.Seq = 1
	dst[cp.Doc.LocalID] = cp
	o.bumpFolder(toFolder)
	if err := o.h.flush(); err != nil {
		return "", err
	}
	return cp.Doc.LocalID, nil
}

func (o *fileOps) Remove(_ context.Context, refs []backend.FileRef, hardDelete bool) ([]backend.FileRef, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx

	var residual []backend.FileRef
	for _, ref := range refs {
		docs, ok := idx.Files[ref.FolderLocalID]
		if !ok {
			residual = append(residual, ref)
			continue
		}
		rec, ok := docs[ref.FileLocalID]
		if !ok {
			residual = append(residual, ref)
			continue
		}
		if ref.ExpectedSeq != 0 && rec.Doc.Seq != ref.ExpectedSeq {
			residual = append(residual, ref)
			continue
		}
		delete(docs, ref.FileLocalID)
		o.bumpFolder(ref.FolderLocalID)
		if hardDelete {
			for _, v := range rec.Versions {
				os.Remove(o.h.store.objectPath(v.Object))
			}
		}
	}
	if err := o.h.flush(); err != nil {
		return residual, err
	}
	return residual, nil
}

func (o *fileOps) Lock(_ context.Context, folderID, fileID, actor string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	rec, _, err := o.lookup(folderID, fileID)
	if err != nil {
		return err
	}
	if rec.Doc.Locked && rec.Doc.LockedBy != actor {
		return fmt.Errorf("file %s locked by %s: %w", fileID, rec.Doc.LockedBy, backend.ErrConflict)
	}
	rec.Doc.Locked = true
	rec.Doc.LockedBy = actor
	return o.h.flush()
}

func (o *fileOps) Unlock(_ context.Context, folderID, fileID, actor string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	rec, _, err := o.lookup(folderID, fileID)
	if err != nil {
		return err
	}
	if rec.Doc.Locked && rec.Doc.LockedBy != actor {
		return fmt.Errorf("file %s locked by %s: %w", fileID, rec.Doc.LockedBy, backend.ErrConflict)
	}
	rec.Doc.Locked = false
	rec.Doc.LockedBy = ""
	return o.h.flush()
}

func sortDocs(docs []backend.Document, field backend.SortField, dir backend.SortDir) {
	sort.SliceStable(docs, func(i, j int) bool {
		return backend.CompareDocuments(docs[i], docs[j], field, dir) < 0
	})
}
