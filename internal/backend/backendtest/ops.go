package backendtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/unidrive/unidrive/internal/backend"
)

// ─── File facet ─────────────────────────────────────────────────────────────

type fileOps struct {
	account *Account
	actor   string
}

func (o *fileOps) find(folderID, fileID string) (*fileRec, string, error) {
	st := o.account.st
	if folderID != "" {
		docs, ok := st.files[folderID]
		if !ok {
			return nil, "", fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
		}
		rec, ok := docs[fileID]
		if !ok {
			return nil, "", fmt.Errorf("file %s: %w", fileID, backend.ErrNotFound)
		}
		return rec, folderID, nil
	}
	// Folder unknown: scan. Mirrors backends whose file ids are issued
	// without folder context.
	for fid, docs := range st.files {
		if rec, ok := docs[fileID]; ok {
			return rec, fid, nil
		}
	}
	return nil, "", fmt.Errorf("file %s: %w", fileID, backend.ErrNotFound)
}

func (o *fileOps) Exists(_ context.Context, folderID, fileID string) (bool, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.exists")
	_, _, err := o.find(folderID, fileID)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (o *fileOps) Get(_ context.Context, folderID, fileID string, _ []backend.Field) (*backend.Document, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.get")
	rec, fid, err := o.find(folderID, fileID)
	if err != nil {
		return nil, err
	}
	doc := cloneDoc(rec.doc)
	doc.FolderLocalID = fid
	return &doc, nil
}

func (o *fileOps) Content(_ context.Context, folderID, fileID string) (io.ReadCloser, int64, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.content")
	rec, _, err := o.find(folderID, fileID)
	if err != nil {
		return nil, 0, err
	}
	data := rec.versions[len(rec.versions)-1]
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (o *fileOps) List(_ context.Context, folderID string, _ []backend.Field, field backend.SortField, dir backend.SortDir) ([]backend.Document, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.list")
	docs, ok := o.account.st.files[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	out := make([]backend.Document, 0, len(docs))
	for _, rec := range docs {
		out = append(out, cloneDoc(rec.doc))
	}
	sortDocs(out, field, dir)
	return out, nil
}

func (o *fileOps) Search(_ context.Context, folderIDs []string, term string, field backend.SortField, dir backend.SortDir) ([]backend.Document, error) {
	if o.account.SearchDelay > 0 {
		time.Sleep(o.account.SearchDelay)
	}
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.search")
	if o.account.SearchErr != nil {
		return nil, o.account.SearchErr
	}

	scan := folderIDs
	if len(scan) == 0 {
		for fid := range o.account.st.files {
			scan = append(scan, fid)
		}
	}
	var out []backend.Document
	for _, fid := range scan {
		for _, rec := range o.account.st.files[fid] {
			if term == "" || strings.Contains(strings.ToLower(rec.doc.Name), strings.ToLower(term)) {
				out = append(out, cloneDoc(rec.doc))
			}
		}
	}
	sortDocs(out, field, dir)
	return out, nil
}

func (o *fileOps) Save(_ context.Context, doc *backend.Document, content io.Reader, size int64, expectedSeq int64) (*backend.Document, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.save")

	o.account.saveCount++
	if o.account.FailSaveAfter > 0 && o.account.saveCount >= o.account.FailSaveAfter {
		return nil, fmt.Errorf("induced save failure on %s/%s", o.account.service, o.account.name)
	}

	var data []byte
	if content != nil {
		var err error
		data, err = io.ReadAll(content)
		if err != nil {
			return nil, fmt.Errorf("read content: %w", err)
		}
		if size >= 0 && int64(len(data)) != size && size != 0 {
			return nil, fmt.Errorf("content size mismatch: got %d, declared %d", len(data), size)
		}
	}

	st := o.account.st
	docs, ok := st.files[doc.FolderLocalID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", doc.FolderLocalID, backend.ErrNotFound)
	}

	now := time.Now()
	if doc.LocalID == "" {
		// Create.
		saved := cloneDoc(*doc)
		saved.LocalID = o.account.nextLocalID("f")
		saved.Seq = 1
		saved.VersionNumber = 1
		saved.Size = int64(len(data))
		saved.Created = now
		saved.Modified = now
		saved.ModifiedBy = o.actor
		docs[saved.LocalID] = &fileRec{doc: saved, versions: [][]byte{data}}
		result := cloneDoc(saved)
		return &result, nil
	}

	// Update.
	rec, ok := docs[doc.LocalID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", doc.LocalID, backend.ErrNotFound)
	}
	if rec.doc.Seq != expectedSeq {
		return nil, fmt.Errorf("file %s: have seq %d, expected %d: %w",
			doc.LocalID, rec.doc.Seq, expectedSeq, backend.ErrConflict)
	}

	updated := cloneDoc(*doc)
	updated.Seq = rec.doc.Seq + 1
	updated.Created = rec.doc.Created
	updated.Modified = now
	updated.ModifiedBy = o.actor
	updated.VersionNumber = rec.doc.VersionNumber
	if content != nil {
		if o.account.Versioning {
			rec.versions = append(rec.versions, data)
			updated.VersionNumber++
		} else {
			rec.versions = [][]byte{data}
		}
		updated.Size = int64(len(data))
	} else {
		updated.Size = rec.doc.Size
	}
	rec.doc = updated
	result := cloneDoc(updated)
	return &result, nil
}

func (o *fileOps) Move(_ context.Context, fileID, fromFolder, toFolder string) error {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.move")
	st := o.account.st
	src, ok := st.files[fromFolder]
	if !ok {
		return fmt.Errorf("folder %s: %w", fromFolder, backend.ErrNotFound)
	}
	dst, ok := st.files[toFolder]
	if !ok {
		return fmt.Errorf("folder %s: %w", toFolder, backend.ErrNotFound)
	}
	rec, ok := src[fileID]
	if !ok {
		return fmt.Errorf("file %s: %w", fileID, backend.ErrNotFound)
	}
	delete(src, fileID)
	rec.doc.FolderLocalID = toFolder
	rec.doc.Seq++
	dst[fileID] = rec
	return nil
}

func (o *fileOps) Copy(_ context.Context, fileID, fromFolder, toFolder string) (string, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.copy")
	st := o.account.st
	src, ok := st.files[fromFolder]
	if !ok {
		return "", fmt.Errorf("folder %s: %w", fromFolder, backend.ErrNotFound)
	}
	dst, ok := st.files[toFolder]
	if !ok {
		return "", fmt.Errorf("folder %s: %w", toFolder, backend.ErrNotFound)
	}
	rec, ok := src[fileID]
	if !ok {
		return "", fmt.Errorf("file %s: %w", fileID, backend.ErrNotFound)
	}
	cp := &fileRec{doc: cloneDoc(rec.doc)}
	cp.doc.LocalID = o.account.nextLocalID("f")
	cp.doc.FolderLocalID = toFolder
	cp.doc.Seq = 1
	cp.versions = make([][]byte, len(rec.versions))
	for i, v := range rec.versions {
		cp.versions[i] = append([]byte(nil), v...)
	}
	dst[cp.doc.LocalID] = cp
	return cp.doc.LocalID, nil
}

func (o *fileOps) Remove(_ context.Context, refs []backend.FileRef, hardDelete bool) ([]backend.FileRef, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.remove")
	st := o.account.st

	var residual []backend.FileRef
	for _, ref := range refs {
		docs, ok := st.files[ref.FolderLocalID]
		if !ok {
			residual = append(residual, ref)
			continue
		}
		rec, ok := docs[ref.FileLocalID]
		if !ok {
			residual = append(residual, ref)
			continue
		}
		if ref.ExpectedSeq != 0 && rec.doc.Seq != ref.ExpectedSeq {
			residual = append(residual, ref)
			continue
		}
		if !hardDelete {
			rec.trashed = true
		}
		delete(docs, ref.FileLocalID)
	}
	return residual, nil
}

func (o *fileOps) Lock(_ context.Context, folderID, fileID, actor string) error {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.lock")
	rec, _, err := o.find(folderID, fileID)
	if err != nil {
		return err
	}
	rec.doc.Locked = true
	rec.doc.LockedBy = actor
	return nil
}

func (o *fileOps) Unlock(_ context.Context, folderID, fileID, _ string) error {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.unlock")
	rec, _, err := o.find(folderID, fileID)
	if err != nil {
		return err
	}
	rec.doc.Locked = false
	rec.doc.LockedBy = ""
	return nil
}

// ─── Folder facet ───────────────────────────────────────────────────────────

type folderOps struct {
	account *Account
}

func (o *folderOps) Exists(_ context.Context, folderID string) (bool, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.exists")
	_, ok := o.account.st.folders[folderID]
	return ok, nil
}

func (o *folderOps) Get(_ context.Context, folderID string) (*backend.Folder, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.get")
	f, ok := o.account.st.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	fc := *f
	fc.Permissions = append([]backend.FolderPermission(nil), f.Permissions...)
	return &fc, nil
}

func (o *folderOps) ListSubfolders(_ context.Context, folderID string) ([]backend.Folder, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.list")
	if _, ok := o.account.st.folders[folderID]; !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	var out []backend.Folder
	for _, f := range o.account.st.folders {
		if f.ParentLocalID == folderID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (o *folderOps) Create(_ context.Context, parentID, name string) (*backend.Folder, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.create")
	st := o.account.st
	if _, ok := st.folders[parentID]; !ok {
		return nil, fmt.Errorf("folder %s: %w", parentID, backend.ErrNotFound)
	}
	now := time.Now()
	f := &backend.Folder{
		LocalID:       o.account.nextLocalID("d"),
		ParentLocalID: parentID,
		Name:          name,
		Seq:           1,
		Created:       now,
		Modified:      now,
	}
	st.folders[f.LocalID] = f
	st.files[f.LocalID] = map[string]*fileRec{}
	st.folders[parentID].HasSubfolders = true
	fc := *f
	return &fc, nil
}

func (o *folderOps) Update(_ context.Context, f *backend.Folder) error {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.update")
	cur, ok := o.account.st.folders[f.LocalID]
	if !ok {
		return fmt.Errorf("folder %s: %w", f.LocalID, backend.ErrNotFound)
	}
	cur.Name = f.Name
	cur.Permissions = append([]backend.FolderPermission(nil), f.Permissions...)
	cur.Seq++
	cur.Modified = time.Now()
	return nil
}

func (o *folderOps) Move(_ context.Context, folderID, newParentID string) error {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.move")
	st := o.account.st
	f, ok := st.folders[folderID]
	if !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	if _, ok := st.folders[newParentID]; !ok {
		return fmt.Errorf("folder %s: %w", newParentID, backend.ErrNotFound)
	}
	f.ParentLocalID = newParentID
	f.Seq++
	st.folders[newParentID].HasSubfolders = true
	return nil
}

func (o *folderOps) Rename(_ context.Context, folderID, newName string) error {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.rename")
	f, ok := o.account.st.folders[folderID]
	if !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	f.Name = newName
	f.Seq++
	f.Modified = time.Now()
	return nil
}

func (o *folderOps) Delete(_ context.Context, folderID string) error {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.delete")
	st := o.account.st
	if _, ok := st.folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	o.deleteTree(folderID)
	return nil
}

// deleteTree removes a folder and its descendants. Caller holds the lock.
func (o *folderOps) deleteTree(folderID string) {
	st := o.account.st
	for id, f := range st.folders {
		if f.ParentLocalID == folderID {
			o.deleteTree(id)
		}
	}
	delete(st.folders, folderID)
	delete(st.files, folderID)
}

func (o *folderOps) Clear(_ context.Context, folderID string) error {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.clear")
	st := o.account.st
	if _, ok := st.folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	for id, f := range st.folders {
		if f.ParentLocalID == folderID {
			o.deleteTree(id)
		}
	}
	st.files[folderID] = map[string]*fileRec{}
	return nil
}

func (o *folderOps) Quota(_ context.Context) (*backend.Quota, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.quota")
	var q backend.Quota
	for _, docs := range o.account.st.files {
		for _, rec := range docs {
			q.UsedFiles++
			q.UsedBytes += rec.doc.Size
		}
	}
	return &q, nil
}

func (o *folderOps) PathToRoot(_ context.Context, folderID string) ([]backend.Folder, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.path")
	st := o.account.st
	var chain []backend.Folder
	cur := folderID
	for cur != "" {
		f, ok := st.folders[cur]
		if !ok {
			return nil, fmt.Errorf("folder %s: %w", cur, backend.ErrNotFound)
		}
		chain = append(chain, *f)
		cur = f.ParentLocalID
	}
	return chain, nil
}

// ─── Optional facets ────────────────────────────────────────────────────────

type versionedOps struct {
	account *Account
	actor   string
}

func (o *versionedOps) Versions(_ context.Context, folderID, fileID string) ([]backend.Version, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.versions")
	fo := &fileOps{account: o.account, actor: o.actor}
	rec, _, err := fo.find(folderID, fileID)
	if err != nil {
		return nil, err
	}
	out := make([]backend.Version, len(rec.versions))
	for i, v := range rec.versions {
		out[i] = backend.Version{Number: i + 1, Size: int64(len(v)), Modified: rec.doc.Modified, Actor: rec.doc.ModifiedBy}
	}
	return out, nil
}

func (o *versionedOps) ContentOfVersion(_ context.Context, folderID, fileID string, version int) (io.ReadCloser, int64, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("file.version-content")
	fo := &fileOps{account: o.account, actor: o.actor}
	rec, _, err := fo.find(folderID, fileID)
	if err != nil {
		return nil, 0, err
	}
	if version < 1 || version > len(rec.versions) {
		return nil, 0, fmt.Errorf("version %d of %s: %w", version, fileID, backend.ErrNotFound)
	}
	data := rec.versions[version-1]
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (o *versionedOps) SaveIgnoringVersion(ctx context.Context, doc *backend.Document, content io.Reader, size int64, expectedSeq int64) (*backend.Document, error) {
	// Same as Save but without the version append.
	o.account.mu.Lock()
	versioning := o.account.Versioning
	o.account.Versioning = false
	o.account.mu.Unlock()
	fo := &fileOps{account: o.account, actor: o.actor}
	saved, err := fo.Save(ctx, doc, content, size, expectedSeq)
	o.account.mu.Lock()
	o.account.Versioning = versioning
	o.account.mu.Unlock()
	return saved, err
}

type sequenceOps struct {
	account *Account
}

func (o *sequenceOps) FolderSeqs(_ context.Context, folderIDs []string) (map[string]int64, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	o.account.record("folder.seqs")
	out := make(map[string]int64, len(folderIDs))
	for _, id := range folderIDs {
		if f, ok := o.account.st.folders[id]; ok {
			out[id] = f.Seq
		}
	}
	return out, nil
}

type memberOps struct {
	account *Account
}

func (o *memberOps) HasUser(_ context.Context, userID string) (bool, error) {
	o.account.mu.Lock()
	defer o.account.mu.Unlock()
	return o.account.Members[userID], nil
}

func sortDocs(docs []backend.Document, field backend.SortField, dir backend.SortDir) {
	sort.SliceStable(docs, func(i, j int) bool {
		return backend.CompareDocuments(docs[i], docs[j], field, dir) < 0
	})
}
