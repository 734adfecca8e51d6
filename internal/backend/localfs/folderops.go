package localfs

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/unidrive/unidrive/internal/backend"
)

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

func (o *folderOps) Create(_ context.Context, parentID, name string) (*backend.Folder, error) {
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
	for _, f := range idx.Folders {
		if f.ParentLocalID == parentID && f.Name == name {
			return nil, fmt.Errorf("folder %q already exists under %s: %w", name, parentID, backend.ErrConflict)
		}
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
	if err := o.h.flush(); err != nil {
		return nil, err
	}
	fc := *f
	return &fc, nil
}

func (o *folderOps) Update(_ context.Context, f *backend.Folder) error {
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
	return o.h.flush()
}

func (o *folderOps) Move(_ context.Context, folderID, newParentID string) error {
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
	// A folder must not move under itself.
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
	return o.h.flush()
}

func (o *folderOps) Rename(_ context.Context, folderID, newName string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	f, ok := o.h.store.idx.Folders[folderID]
	if !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	f.Name = newName
	f.Seq++
	f.Modified = time.Now()
	return o.h.flush()
}

func (o *folderOps) Delete(_ context.Context, folderID string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	if folderID == rootFolderID {
		return fmt.Errorf("root folder cannot be deleted: %w", backend.ErrConflict)
	}
	if _, ok := o.h.store.idx.Folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	o.deleteTree(folderID)
	return o.h.flush()
}

// deleteTree removes a folder subtree and its content objects. Caller
// holds the store lock.
func (o *folderOps) deleteTree(folderID string) {
	idx := o.h.store.idx
	for id, f := range idx.Folders {
		if f.ParentLocalID == folderID {
			o.deleteTree(id)
		}
	}
	for _, rec := range idx.Files[folderID] {
		for _, v := range rec.Versions {
			os.Remove(o.h.store.objectPath(v.Object))
		}
	}
	delete(idx.Folders, folderID)
	delete(idx.Files, folderID)
}

func (o *folderOps) Clear(_ context.Context, folderID string) error {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	idx := o.h.store.idx
	if _, ok := idx.Folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, backend.ErrNotFound)
	}
	for id, f := range idx.Folders {
		if f.ParentLocalID == folderID {
			o.deleteTree(id)
		}
	}
	for _, rec := range idx.Files[folderID] {
		for _, v := range rec.Versions {
			os.Remove(o.h.store.objectPath(v.Object))
		}
	}
	idx.Files[folderID] = map[string]*docRec{}
	return o.h.flush()
}

func (o *folderOps) Quota(_ context.Context) (*backend.Quota, error) {
	o.h.store.mu.Lock()
	defer o.h.store.mu.Unlock()
	var q backend.Quota
	for _, docs := range o.h.store.idx.Files {
		for _, rec := range docs {
			q.UsedFiles++
			q.UsedBytes += rec.Doc.Size
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
