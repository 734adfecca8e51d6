// Package composite implements the unified file and folder API over all
// federated backends. Every public operation decodes its global ids,
// resolves connected account handles through the request scope,
// dispatches to the right backend (or pair of backends), and rewrites
// all backend-local ids in the result back into global ids.
package composite

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/events"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/logging"
	"github.com/unidrive/unidrive/internal/permission"
	"github.com/unidrive/unidrive/internal/scope"
	"github.com/unidrive/unidrive/internal/search"
	"github.com/unidrive/unidrive/internal/transfer"
)

// Deps bundles the collaborators both access objects share.
type Deps struct {
	Registry *backend.Registry
	Events   events.Publisher
	Shares   permission.ShareService
	Search   *search.Engine
	Transfer *transfer.Engine
}

// FileInfo is a document with every id rewritten into the global form.
type FileInfo struct {
	ID     fedid.FileID   `json:"id"`
	Token  string         `json:"token"`
	Folder fedid.FolderID `json:"-"`

	Name          string               `json:"name"`
	Size          int64                `json:"size"`
	MimeType      string               `json:"mime_type,omitempty"`
	Seq           int64                `json:"seq"`
	VersionNumber int                  `json:"version"`
	Created       time.Time            `json:"created"`
	Modified      time.Time            `json:"modified"`
	ModifiedBy    string               `json:"modified_by,omitempty"`
	Note          string               `json:"note,omitempty"`
	Categories    []string             `json:"categories,omitempty"`
	Permissions   []backend.Permission `json:"permissions,omitempty"`
	Locked        bool                 `json:"locked,omitempty"`
	LockedBy      string               `json:"locked_by,omitempty"`
}

// FolderInfo is a folder with every id rewritten into the global form.
type FolderInfo struct {
	ID     fedid.FolderID `json:"id"`
	Token  string         `json:"token"`
	Parent string         `json:"parent_token,omitempty"`

	Name          string                     `json:"name"`
	Seq           int64                      `json:"seq"`
	Created       time.Time                  `json:"created"`
	Modified      time.Time                  `json:"modified"`
	Permissions   []backend.FolderPermission `json:"permissions,omitempty"`
	HasSubfolders bool                       `json:"has_subfolders"`
}

// fileInfo rewrites one backend document into its global form.
func fileInfo(service, account string, doc *backend.Document) *FileInfo {
	id := fedid.FileID{
		Service:       service,
		Account:       account,
		FolderLocalID: doc.FolderLocalID,
		FileLocalID:   doc.LocalID,
	}
	return &FileInfo{
		ID:            id,
		Token:         id.String(),
		Folder:        id.Folder(),
		Name:          doc.Name,
		Size:          doc.Size,
		MimeType:      doc.MimeType,
		Seq:           doc.Seq,
		VersionNumber: doc.VersionNumber,
		Created:       doc.Created,
		Modified:      doc.Modified,
		ModifiedBy:    doc.ModifiedBy,
		Note:          doc.Note,
		Categories:    doc.Categories,
		Permissions:   doc.Permissions,
		Locked:        doc.Locked,
		LockedBy:      doc.LockedBy,
	}
}

// folderInfo rewrites one backend folder into its global form.
func folderInfo(service, account string, f *backend.Folder) *FolderInfo {
	id := fedid.FolderID{Service: service, Account: account, FolderLocalID: f.LocalID}
	info := &FolderInfo{
		ID:            id,
		Token:         id.String(),
		Name:          f.Name,
		Seq:           f.Seq,
		Created:       f.Created,
		Modified:      f.Modified,
		Permissions:   f.Permissions,
		HasSubfolders: f.HasSubfolders,
	}
	if f.ParentLocalID != "" {
		info.Parent = fedid.FolderID{Service: service, Account: account, FolderLocalID: f.ParentLocalID}.String()
	}
	return info
}

// withTx wraps one backend-local mutation in a per-call transaction:
// start, invoke, commit; rollback-and-rethrow on any failure; Finish in
// all cases.
func withTx(ctx context.Context, h backend.AccountAccess, fn func() error) error {
	if err := h.Begin(ctx); err != nil {
		return err
	}
	defer h.Finish(ctx)
	if err := fn(); err != nil {
		if rbErr := h.Rollback(ctx); rbErr != nil {
			logging.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return h.Commit(ctx)
}

// resolveFileFolder fills in a file id's missing folder via a minimal
// backend lookup. Some backends issue global ids without folder context.
func resolveFileFolder(ctx context.Context, h backend.AccountAccess, id fedid.FileID) (fedid.FileID, error) {
	if id.HasFolder() {
		return id, nil
	}
	doc, err := h.Files().Get(ctx, "", id.FileLocalID, backend.MinimalFields)
	if err != nil {
		return id, err
	}
	id.FolderLocalID = doc.FolderLocalID
	return id, nil
}

// folderPath best-effort resolves a folder's slash path for event
// payloads; failures yield an empty path, never an error.
func folderPath(ctx context.Context, h backend.AccountAccess, folderLocalID string) string {
	chain, err := h.Folders().PathToRoot(ctx, folderLocalID)
	if err != nil {
		return ""
	}
	path := ""
	for i := len(chain) - 1; i >= 0; i-- {
		if name := chain[i].Name; name != "" && name != "/" {
			path += "/" + name
		}
	}
	if path == "" {
		path = "/"
	}
	return path
}

// publish fires one change notification; it never fails the operation.
func (d *Deps) publish(sc *scope.Scope, topic, sourceID, targetID, path string) {
	if d.Events == nil {
		return
	}
	d.Events.Publish(events.Event{
		Topic:    topic,
		SourceID: sourceID,
		TargetID: targetID,
		Path:     path,
		Actor:    sc.Actor(),
	})
}
