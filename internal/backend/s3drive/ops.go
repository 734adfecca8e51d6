package s3drive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unidrive/unidrive/internal/backend"
)

type fileOps struct {
	h *access
}

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

func (o *fileOps) Content(ctx context.Context, folderID, fileID string) (io.ReadCloser, int64, error) {
	o.h.store.mu.Lock()
	rec, _, err := o.lookup(folderID, fileID)
	o.h.store.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	return o.h.store.getObject(ctx, o.h.store.objectKey(rec.Object), "")
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

func (o *fileOps) Save(ctx context.Context, doc *backend.Document, content io.Reader, size int64, expectedSeq int64) (*backend.Document, error) {
	var (
		object string
		n      int64
	)
	if content != nil {
		data, err := io.ReadAll(content)
		if err != nil {
			return nil, fmt.Errorf("read content: %w", err)
		}
		if size > 0 && int64(len(data)) != size {
			return nil, fmt.Errorf("content size mismatch: got %d, declared %d", len(data), size)
		}
		object = uuid.NewString()
		if err := o.h.store.putObject(ctx, o.h.store.objectKey(object), data); err != nil {
			return nil, err
		}
		o.h.stage(o.h.store.objectKey(object))
		n = int64(len(data))
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
		saved.Size = n
		saved.Created = now
		saved.Modified = now
		saved.ModifiedBy = o.h.actor
		docs[saved.LocalID] = &docRec{Doc: saved, Object: object, Size: n}
		o.bumpFolder(doc.FolderLocalID)
		if err := o.h.flush(ctx); err != nil {
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
	updated.VersionNumber = 1
	updated.Size = rec.Size
	if content != nil {
		old := rec.Object
		rec.Object = object
		rec.Size = n
		updated.Size = n
		if old != "" {
			o.h.store.deleteObject(ctx, o.h.store.objectKey(old))
		}
	}
	rec.Doc = updated
	o.bumpFolder(doc.FolderLocalID)
	if err := o.h.flush(ctx); err != nil {
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

func (o *fileOps) Move(ctx context.Context, fileID, fromFolder, toFolder string) error {
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
	return o.h.flush(ctx)
}

func (o *fileOps) Copy(ctx context.Context, fileID, fromFolder, toFolder string) (string, error) {
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
	// Content objects are immutable, so the copy shares the key.
	cp := &docRec{Doc: rec.Doc, Object: rec.Object, Size: rec.Size}
	cp.Doc.LocalID = idx.nextLocalID("f")
	cp.Doc.FolderLocalID = toFolder
	cp.Doc.Seq = 1
	dst[cp.Doc.LocalID] = cp
	o.bumpFolder(toFolder)
	if err := o.h.flush(ctx); err != nil {
		return "", err
	}
	return cp.Doc.LocalID, nil
}

func (o *fileOps) Remove(ctx context.Context, refs []backend.FileRef, hardDelete bool) ([]backend.FileRef, error) {
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
		if hardDelete && rec.Object != "" {
			o.h.store.deleteObject(ctx, o.h.store.objectKey(rec.Object))
		}
	}
	if err := o.h.flush(ctx); err != nil {
		return residual, err
	}
	return residual, nil
}

func (o *fileOps) Lock(ctx context.Context, folderID, fileID, actor string) error {
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
	return o.h.flush(ctx)
}

func (o *fileOps) Unlock(ctx context.Context, folderID, fileID, actor string) error {
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
	return o.h.flush(ctx)
}

type folderOps struct {
	h *access
}

func (o *folderOps) Exists(_ context.Context, folderID string) (bool, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	_, ok := o.h.store.idx.Folders[folderID]
	return ok, nil
}

func (o *folderOps) Get(_ context.Context, folderID string) (*backend.Folder, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	f, ok := o.h.store.idx.Folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	fc := *f
	fc.Permissions = append([]backend.FolderPermission(nil), f.Permissions...)
	return &fc, nil
}

func (o *folderOps) ListSubfolders(_ context.Context, folderID string) ([]backend.Folder, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	if _, ok := idx.Folders[folderID]; !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	var out []backend.Folder
	for _, f := range idx.Folders {
		if f.ParentLocalID == folderID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (o *folderOps) Create(ctx context.Context, parentID, name string) (*backend.Folder, error) {
	if name == "" {
		return nil, fmt.Errorf("folder name is required")
	}
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	parent, ok := idx.Folders[parentID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", parentID, backend.ErrNotFound)
	}
	now := time.Now()
	f := &backend.Folder{
		LocalID:       idx.nextLocalID("d"),
		ParentLocalID: parentID,
		Name:          name,
		Seq:           1,
		Created:       now,
		Modified:      now,
	}
	idx.Folders[f.LocalID] = f
	idx.Files[f.LocalID] = map[string]*docRec{}
	parent.HasSubfolders = true
	if err := o.h.flush(ctx); err != nil {
		return nil, err
	}
	fc := *f
	return &fc, nil
}

func (o *folderOps) Update(ctx context.Context, f *backend.Folder) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	cur, ok := o.h.store.idx.Folders[f.LocalID]
	if !ok {
		return fmt.Errorf("folder %s: %w", f.LocalID, backend.ErrNotFound)
	}
	cur.Name = f.Name
	cur.Permissions = append([]backend.FolderPermission(nil), f.Permissions...)
	cur.Seq++
	cur.Modified = time.Now()
	return o.h.flush(ctx)
}

func (o *folderOps) Move(ctx context.Context, folderID, newParentID string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	f, ok := idx.Folders[folderID]
	if !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	if _, ok := idx.Folders[newParentID]; !ok {
		return fmt.Errorf("folder %s: %w", newParentID, backend.ErrNotFound)
	}
	for cur := newParentID; cur != ""; {
		if cur == folderID {
			return fmt.Errorf("move %s under its own subtree: %w", folderID, backend.ErrConflict)
		}
		cur = idx.Folders[cur].ParentLocalID
	}
	f.ParentLocalID = newParentID
	f.Seq++
	f.Modified = time.Now()
	idx.Folders[newParentID].HasSubfolders = true
	return o.h.flush(ctx)
}

func (o *folderOps) Rename(ctx context.Context, folderID, newName string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	f, ok := o.h.store.idx.Folders[folderID]
	if !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	f.Name = newName
	f.Seq++
	f.Modified = time.Now()
	return o.h.flush(ctx)
}

func (o *folderOps) Delete(ctx context.Context, folderID string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	if folderID == rootFolderID {
		return fmt.Errorf("root folder cannot be deleted: %w", backend.ErrConflict)
	}
	if _, ok := o.h.store.idx.Folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	o.deleteTree(ctx, folderID)
	return o.h.flush(ctx)
}

// deleteTree removes a folder subtree and its content objects. Caller
// holds the store lock.
func (o *folderOps) deleteTree(ctx context.Context, folderID string) {
	idx := o.h.store.idx
	for id, f := range idx.Folders {
		if f.ParentLocalID == folderID {
			o.deleteTree(ctx, id)
		}
	}
	for _, rec := range idx.Files[folderID] {
		if rec.Object != "" {
			o.h.store.deleteObject(ctx, o.h.store.objectKey(rec.Object))
		}
	}
	delete(idx.Folders, folderID)
	delete(idx.Files, folderID)
}

func (o *folderOps) Clear(ctx context.Context, folderID string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	if _, ok := idx.Folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	for id, f := range idx.Folders {
		if f.ParentLocalID == folderID {
			o.deleteTree(ctx, id)
		}
	}
	for _, rec := range idx.Files[folderID] {
		if rec.Object != "" {
			o.h.store.deleteObject(ctx, o.h.store.objectKey(rec.Object))
		}
	}
	idx.Files[folderID] = map[string]*docRec{}
	return o.h.flush(ctx)
}

func (o *folderOps) Quota(_ context.Context) (*backend.Quota, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	var q backend.Quota
	for _, docs := range o.h.store.idx.Files {
		for _, rec := range docs {
			q.UsedFiles++
			q.UsedBytes += rec.Size
		}
	}
	return &q, nil
}

func (o *folderOps) PathToRoot(_ context.Context, folderID string) ([]backend.Folder, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	var chain []backend.Folder
	for cur := folderID; cur != ""; {
		f, ok := idx.Folders[cur]
		if !ok {
			return nil, fmt.Errorf("folder %s: %w", cur, backend.ErrNotFound)
		}
		chain = append(chain, *f)
		cur = f.ParentLocalID
	}
	return chain, nil
}

type rangedOps struct {
	h *access
}

func (o *rangedOps) ContentRange(ctx context.Context, folderID, fileID string, offset, length int64) (io.ReadCloser, error) {
	o.h.store.mu.Lock()
	fo := &fileOps{h: o.h}
	rec, _, err := fo.lookup(folderID, fileID)
	o.h.store.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var rangeSpec string
	if length > 0 {
		rangeSpec = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	} else if offset > 0 {
		rangeSpec = fmt.Sprintf("bytes=%d-", offset)
	}
	rc, _, err := o.h.store.getObject(ctx, o.h.store.objectKey(rec.Object), rangeSpec)
	return rc, err
}

func sortDocs(docs []backend.Document, field backend.SortField, dir backend.SortDir) {
	sort.SliceStable(docs, func(i, j int) bool {
		return backend.CompareDocuments(docs[i], docs[j], field, dir) < 0
	})
}
