package composite

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/events"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/metrics"
	"github.com/unidrive/unidrive/internal/permission"
	"github.com/unidrive/unidrive/internal/scope"
)

// FileAccess is the unified file API. All ids crossing it are global
// tokens; nothing backend-local leaks in or out.
type FileAccess struct {
	d *Deps
}

// NewFileAccess creates the file API over the shared collaborators.
func NewFileAccess(d *Deps) *FileAccess {
	return &FileAccess{d: d}
}

// accessFile decodes a file token and returns it with its connected
// handle, lazily resolving the folder component when the token lacks it.
func (a *FileAccess) accessFile(ctx context.Context, sc *scope.Scope, token string) (fedid.FileID, backend.AccountAccess, error) {
	id, err := fedid.DecodeFile(token)
	if err != nil {
		return fedid.FileID{}, nil, err
	}
	h, err := sc.Access(ctx, id.Service, id.Account)
	if err != nil {
		return fedid.FileID{}, nil, err
	}
	id, err = resolveFileFolder(ctx, h, id)
	if err != nil {
		return fedid.FileID{}, nil, err
	}
	return id, h, nil
}

// Get returns the document behind a global file token.
func (a *FileAccess) Get(ctx context.Context, sc *scope.Scope, token string) (*FileInfo, error) {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	doc, err := h.Files().Get(ctx, id.FolderLocalID, id.FileLocalID, nil)
	metrics.ObserveBackendOp(id.Service, "file.get", time.Since(start))
	if err != nil {
		return nil, err
	}
	return fileInfo(id.Service, id.Account, doc), nil
}

// Exists reports whether the token resolves to a live document.
func (a *FileAccess) Exists(ctx context.Context, sc *scope.Scope, token string) (bool, error) {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return false, err
	}
	return h.Files().Exists(ctx, id.FolderLocalID, id.FileLocalID)
}

// Content streams the document's current content.
func (a *FileAccess) Content(ctx context.Context, sc *scope.Scope, token string) (io.ReadCloser, int64, error) {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return nil, 0, err
	}
	return h.Files().Content(ctx, id.FolderLocalID, id.FileLocalID)
}

// ContentRange streams an arbitrary byte range when the backend can.
func (a *FileAccess) ContentRange(ctx context.Context, sc *scope.Scope, token string, offset, length int64) (io.ReadCloser, error) {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	ranged := h.Facets().Ranged
	if ranged == nil {
		return nil, fmt.Errorf("byte-range read on %s: %w", id.Service, backend.ErrCapabilityUnsupported)
	}
	return ranged.ContentRange(ctx, id.FolderLocalID, id.FileLocalID, offset, length)
}

// Versions lists a document's stored versions, oldest first.
func (a *FileAccess) Versions(ctx context.Context, sc *scope.Scope, token string) ([]backend.Version, error) {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	versioned := h.Facets().Versioned
	if versioned == nil {
		return nil, fmt.Errorf("version history on %s: %w", id.Service, backend.ErrCapabilityUnsupported)
	}
	return versioned.Versions(ctx, id.FolderLocalID, id.FileLocalID)
}

// VersionContent streams one specific stored version.
func (a *FileAccess) VersionContent(ctx context.Context, sc *scope.Scope, token string, version int) (io.ReadCloser, int64, error) {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return nil, 0, err
	}
	versioned := h.Facets().Versioned
	if versioned == nil {
		return nil, 0, fmt.Errorf("version history on %s: %w", id.Service, backend.ErrCapabilityUnsupported)
	}
	return versioned.ContentOfVersion(ctx, id.FolderLocalID, id.FileLocalID, version)
}

// Thumbnail retrieves a rendered preview when the backend can.
func (a *FileAccess) Thumbnail(ctx context.Context, sc *scope.Scope, token string, maxWidth, maxHeight int) (io.ReadCloser, string, error) {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return nil, "", err
	}
	thumbs := h.Facets().Thumbs
	if thumbs == nil {
		return nil, "", fmt.Errorf("thumbnails on %s: %w", id.Service, backend.ErrCapabilityUnsupported)
	}
	return thumbs.Thumbnail(ctx, id.FolderLocalID, id.FileLocalID, maxWidth, maxHeight)
}

// List returns the documents of one folder with global ids.
func (a *FileAccess) List(ctx context.Context, sc *scope.Scope, folderToken string, sort backend.SortField, dir backend.SortDir) ([]FileInfo, error) {
	id, err := fedid.DecodeFolder(folderToken)
	if err != nil {
		return nil, err
	}
	h, err := sc.Access(ctx, id.Service, id.Account)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	docs, err := h.Files().List(ctx, id.FolderLocalID, nil, sort, dir)
	metrics.ObserveBackendOp(id.Service, "file.list", time.Since(start))
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(docs))
	for i := range docs {
		infos = append(infos, *fileInfo(id.Service, id.Account, &docs[i]))
	}
	return infos, nil
}

// SaveRequest describes one create or update. An empty FileToken means
// create into FolderToken; otherwise FileToken is updated in place.
// Permissions may contain guest entries; those are reconciled through
// the share service after the content write.
type SaveRequest struct {
	FileToken   string
	FolderToken string
	Name        string
	MimeType    string
	Note        string
	Categories  []string
	Permissions []backend.Permission
	Content     io.Reader
	Size        int64
	ExpectedSeq int64

	// IgnoreVersion overwrites the current version in place on backends
	// that allow it instead of growing the history.
	IgnoreVersion bool
}

// Save runs the full save pipeline: permission diff, guest-stripped
// backend write inside a transaction, share-service reconciliation, and
// a metadata-only write-back of the resolved permission list.
func (a *FileAccess) Save(ctx context.Context, sc *scope.Scope, req SaveRequest) (*FileInfo, error) {
	var (
		id      fedid.FileID
		h       backend.AccountAccess
		oldDoc  *backend.Document
		err     error
		topic   = events.TopicFileCreate
	)

	if req.FileToken == "" {
		folder, derr := fedid.DecodeFolder(req.FolderToken)
		if derr != nil {
			return nil, derr
		}
		h, err = sc.Access(ctx, folder.Service, folder.Account)
		if err != nil {
			return nil, err
		}
		id = fedid.FileID{Service: folder.Service, Account: folder.Account, FolderLocalID: folder.FolderLocalID}
	} else {
		topic = events.TopicFileUpdate
		id, h, err = a.accessFile(ctx, sc, req.FileToken)
		if err != nil {
			return nil, err
		}
		oldDoc, err = h.Files().Get(ctx, id.FolderLocalID, id.FileLocalID, nil)
		if err != nil {
			return nil, err
		}
	}

	var oldPerms []backend.Permission
	if oldDoc != nil {
		oldPerms = oldDoc.Permissions
	}
	cmp := permission.Compare(oldPerms, req.Permissions)

	doc := &backend.Document{
		LocalID:       id.FileLocalID,
		FolderLocalID: id.FolderLocalID,
		Name:          req.Name,
		MimeType:      req.MimeType,
		Note:          req.Note,
		Categories:    req.Categories,
		Permissions:   permission.StripGuests(req.Permissions),
	}

	var saved *backend.Document
	start := time.Now()
	err = withTx(ctx, h, func() error {
		var saveErr error
		if req.IgnoreVersion {
			versioned := h.Facets().Versioned
			if versioned == nil || !h.Capabilities().Has(backend.CapIgnorableVersions) {
				return fmt.Errorf("in-place version save on %s: %w", id.Service, backend.ErrCapabilityUnsupported)
			}
			saved, saveErr = versioned.SaveIgnoringVersion(ctx, doc, req.Content, req.Size, req.ExpectedSeq)
		} else {
			saved, saveErr = h.Files().Save(ctx, doc, req.Content, req.Size, req.ExpectedSeq)
		}
		return saveErr
	})
	metrics.ObserveBackendOp(id.Service, "file.save", time.Since(start))
	if err != nil {
		return nil, err
	}
	id.FileLocalID = saved.LocalID
	id.FolderLocalID = saved.FolderLocalID

	if cmp.HasGuestChanges() && a.d.Shares != nil {
		resolved, rerr := permission.NewReconciler(a.d.Shares).Apply(ctx, id, cmp)
		if rerr != nil {
			return nil, fmt.Errorf("reconcile shares for %q: %w", saved.Name, rerr)
		}
		writeBack := *saved
		writeBack.Permissions = resolved
		err = withTx(ctx, h, func() error {
			var saveErr error
			saved, saveErr = h.Files().Save(ctx, &writeBack, nil, 0, writeBack.Seq)
			return saveErr
		})
		if err != nil {
			return nil, fmt.Errorf("write back resolved permissions: %w", err)
		}
	}

	info := fileInfo(id.Service, id.Account, saved)
	a.d.publish(sc, topic, "", info.Token, folderPath(ctx, h, saved.FolderLocalID))
	return info, nil
}

// Move relocates a document into the target folder. Within one account
// it is a native move; across accounts or services it becomes a copy to
// the destination followed by removal from the source.
func (a *FileAccess) Move(ctx context.Context, sc *scope.Scope, fileToken, targetFolderToken string) (*FileInfo, error) {
	id, h, err := a.accessFile(ctx, sc, fileToken)
	if err != nil {
		return nil, err
	}
	target, err := fedid.DecodeFolder(targetFolderToken)
	if err != nil {
		return nil, err
	}

	if id.AccountKey() == target.AccountKey() {
		err = withTx(ctx, h, func() error {
			return h.Files().Move(ctx, id.FileLocalID, id.FolderLocalID, target.FolderLocalID)
		})
		if err != nil {
			return nil, err
		}
		moved := id
		moved.FolderLocalID = target.FolderLocalID
		doc, err := h.Files().Get(ctx, moved.FolderLocalID, moved.FileLocalID, nil)
		if err != nil {
			return nil, err
		}
		info := fileInfo(id.Service, id.Account, doc)
		a.d.publish(sc, events.TopicFileUpdate, fileToken, info.Token, folderPath(ctx, h, moved.FolderLocalID))
		return info, nil
	}

	info, err := a.transplant(ctx, sc, id, h, target, true)
	if err != nil {
		return nil, err
	}
	a.d.publish(sc, events.TopicFileDelete, fileToken, "", "")
	return info, nil
}

// Copy duplicates a document into the target folder, natively within
// one account and by content transfer across accounts.
func (a *FileAccess) Copy(ctx context.Context, sc *scope.Scope, fileToken, targetFolderToken string) (*FileInfo, error) {
	id, h, err := a.accessFile(ctx, sc, fileToken)
	if err != nil {
		return nil, err
	}
	target, err := fedid.DecodeFolder(targetFolderToken)
	if err != nil {
		return nil, err
	}

	if id.AccountKey() == target.AccountKey() {
		var newLocal string
		err = withTx(ctx, h, func() error {
			var copyErr error
			newLocal, copyErr = h.Files().Copy(ctx, id.FileLocalID, id.FolderLocalID, target.FolderLocalID)
			return copyErr
		})
		if err != nil {
			return nil, err
		}
		doc, err := h.Files().Get(ctx, target.FolderLocalID, newLocal, nil)
		if err != nil {
			return nil, err
		}
		info := fileInfo(id.Service, id.Account, doc)
		a.d.publish(sc, events.TopicFileCreate, "", info.Token, folderPath(ctx, h, target.FolderLocalID))
		return info, nil
	}

	return a.transplant(ctx, sc, id, h, target, false)
}

// transplant copies one document's current content into a folder on a
// different account and, for moves, removes the source afterwards. Each
// side runs its own transaction; the source is only touched once the
// destination write committed.
func (a *FileAccess) transplant(ctx context.Context, sc *scope.Scope, src fedid.FileID, srcH backend.AccountAccess, target fedid.FolderID, removeSource bool) (*FileInfo, error) {
	dstH, err := sc.Access(ctx, target.Service, target.Account)
	if err != nil {
		return nil, err
	}

	doc, err := srcH.Files().Get(ctx, src.FolderLocalID, src.FileLocalID, nil)
	if err != nil {
		return nil, err
	}
	content, size, err := srcH.Files().Content(ctx, src.FolderLocalID, src.FileLocalID)
	if err != nil {
		return nil, err
	}
	defer content.Close()

	template := &backend.Document{
		FolderLocalID: target.FolderLocalID,
		Name:          doc.Name,
		MimeType:      doc.MimeType,
		Note:          doc.Note,
		Categories:    append([]string(nil), doc.Categories...),
	}
	var saved *backend.Document
	err = withTx(ctx, dstH, func() error {
		var saveErr error
		saved, saveErr = dstH.Files().Save(ctx, template, content, size, 0)
		return saveErr
	})
	if err != nil {
		return nil, fmt.Errorf("save into %s: %w", target.Service, err)
	}

	if removeSource {
		ref := backend.FileRef{FolderLocalID: src.FolderLocalID, FileLocalID: src.FileLocalID, ExpectedSeq: doc.Seq}
		err = withTx(ctx, srcH, func() error {
			residual, rmErr := srcH.Files().Remove(ctx, []backend.FileRef{ref}, false)
			if rmErr != nil {
				return rmErr
			}
			if len(residual) > 0 {
				return fmt.Errorf("source document changed during move: %w", backend.ErrConflict)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	info := fileInfo(target.Service, target.Account, saved)
	a.d.publish(sc, events.TopicFileCreate, "", info.Token, folderPath(ctx, dstH, target.FolderLocalID))
	return info, nil
}

// RemoveItem addresses one document in a bulk removal.
type RemoveItem struct {
	Token       string
	ExpectedSeq int64
}

// Remove deletes the given documents, grouping them per backend account.
// Items that conflicted or were already gone come back as the residual
// token list; they never fail the batch.
func (a *FileAccess) Remove(ctx context.Context, sc *scope.Scope, items []RemoveItem, hardDelete bool) ([]string, error) {
	type group struct {
		service string
		account string
		refs    []backend.FileRef
		tokens  map[string]string // folder+"\x00"+file -> token
	}
	groups := make(map[string]*group)
	var order []string

	for _, item := range items {
		id, _, err := a.accessFile(ctx, sc, item.Token)
		if err != nil {
			return nil, err
		}
		key := id.AccountKey()
		g, ok := groups[key]
		if !ok {
			g = &group{service: id.Service, account: id.Account, tokens: make(map[string]string)}
			groups[key] = g
			order = append(order, key)
		}
		g.refs = append(g.refs, backend.FileRef{
			FolderLocalID: id.FolderLocalID,
			FileLocalID:   id.FileLocalID,
			ExpectedSeq:   item.ExpectedSeq,
		})
		g.tokens[id.FolderLocalID+"\x00"+id.FileLocalID] = item.Token
	}

	var residual []string
	for _, key := range order {
		g := groups[key]
		h, err := sc.Access(ctx, g.service, g.account)
		if err != nil {
			return residual, err
		}
		var left []backend.FileRef
		err = withTx(ctx, h, func() error {
			var rmErr error
			left, rmErr = h.Files().Remove(ctx, g.refs, hardDelete)
			return rmErr
		})
		if err != nil {
			return residual, fmt.Errorf("remove from %s: %w", g.service, err)
		}

		skipped := make(map[string]bool, len(left))
		for _, ref := range left {
			k := ref.FolderLocalID + "\x00" + ref.FileLocalID
			skipped[k] = true
			residual = append(residual, g.tokens[k])
		}
		for k, token := range g.tokens {
			if !skipped[k] {
				a.d.publish(sc, events.TopicFileDelete, token, "", "")
			}
		}
	}
	return residual, nil
}

// Lock takes the document's edit lock for the scope's actor.
func (a *FileAccess) Lock(ctx context.Context, sc *scope.Scope, token string) error {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return err
	}
	return h.Files().Lock(ctx, id.FolderLocalID, id.FileLocalID, sc.Actor())
}

// Unlock releases the document's edit lock.
func (a *FileAccess) Unlock(ctx context.Context, sc *scope.Scope, token string) error {
	id, h, err := a.accessFile(ctx, sc, token)
	if err != nil {
		return err
	}
	return h.Files().Unlock(ctx, id.FolderLocalID, id.FileLocalID, sc.Actor())
}
