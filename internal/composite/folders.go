package composite

import (
	"context"
	"fmt"
	"time"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/events"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/metrics"
	"github.com/unidrive/unidrive/internal/scope"
	"github.com/unidrive/unidrive/internal/transfer"
)

// FolderAccess is the unified folder API, the folder-side counterpart
// of FileAccess.
type FolderAccess struct {
	d *Deps
}

// NewFolderAccess creates the folder API over the shared collaborators.
func NewFolderAccess(d *Deps) *FolderAccess {
	return &FolderAccess{d: d}
}

func (a *FolderAccess) accessFolder(ctx context.Context, sc *scope.Scope, token string) (fedid.FolderID, backend.AccountAccess, error) {
	id, err := fedid.DecodeFolder(token)
	if err != nil {
		return fedid.FolderID{}, nil, err
	}
	h, err := sc.Access(ctx, id.Service, id.Account)
	if err != nil {
		return fedid.FolderID{}, nil, err
	}
	return id, h, nil
}

// Get returns the folder behind a global folder token.
func (a *FolderAccess) Get(ctx context.Context, sc *scope.Scope, token string) (*FolderInfo, error) {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	f, err := h.Folders().Get(ctx, id.FolderLocalID)
	metrics.ObserveBackendOp(id.Service, "folder.get", time.Since(start))
	if err != nil {
		return nil, err
	}
	return folderInfo(id.Service, id.Account, f), nil
}

// Exists reports whether the token resolves to a live folder.
func (a *FolderAccess) Exists(ctx context.Context, sc *scope.Scope, token string) (bool, error) {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return false, err
	}
	return h.Folders().Exists(ctx, id.FolderLocalID)
}

// ListSubfolders returns the direct subfolders with global ids.
func (a *FolderAccess) ListSubfolders(ctx context.Context, sc *scope.Scope, token string) ([]FolderInfo, error) {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	subs, err := h.Folders().ListSubfolders(ctx, id.FolderLocalID)
	if err != nil {
		return nil, err
	}
	infos := make([]FolderInfo, 0, len(subs))
	for i := range subs {
		infos = append(infos, *folderInfo(id.Service, id.Account, &subs[i]))
	}
	return infos, nil
}

// Create makes a new subfolder under the given parent.
func (a *FolderAccess) Create(ctx context.Context, sc *scope.Scope, parentToken, name string) (*FolderInfo, error) {
	id, h, err := a.accessFolder(ctx, sc, parentToken)
	if err != nil {
		return nil, err
	}
	var created *backend.Folder
	err = withTx(ctx, h, func() error {
		var cErr error
		created, cErr = h.Folders().Create(ctx, id.FolderLocalID, name)
		return cErr
	})
	if err != nil {
		return nil, err
	}
	info := folderInfo(id.Service, id.Account, created)
	a.d.publish(sc, events.TopicFolderCreate, "", info.Token, folderPath(ctx, h, created.LocalID))
	return info, nil
}

// Rename changes the folder's name.
func (a *FolderAccess) Rename(ctx context.Context, sc *scope.Scope, token, newName string) error {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return err
	}
	err = withTx(ctx, h, func() error {
		return h.Folders().Rename(ctx, id.FolderLocalID, newName)
	})
	if err != nil {
		return err
	}
	a.d.publish(sc, events.TopicFolderUpdate, token, token, folderPath(ctx, h, id.FolderLocalID))
	return nil
}

// SetPermissions rewrites the folder's permission list. With cascade the
// change is pushed down the subtree, which needs backend support.
func (a *FolderAccess) SetPermissions(ctx context.Context, sc *scope.Scope, token string, perms []backend.FolderPermission, cascade bool) error {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return err
	}
	if cascade {
		casc := h.Facets().Cascade
		if casc == nil {
			return fmt.Errorf("permission cascade on %s: %w", id.Service, backend.ErrCapabilityUnsupported)
		}
		err = withTx(ctx, h, func() error {
			return casc.CascadePermissions(ctx, id.FolderLocalID, perms)
		})
	} else {
		err = withTx(ctx, h, func() error {
			f, gErr := h.Folders().Get(ctx, id.FolderLocalID)
			if gErr != nil {
				return gErr
			}
			f.Permissions = perms
			return h.Folders().Update(ctx, f)
		})
	}
	if err != nil {
		return err
	}
	a.d.publish(sc, events.TopicFolderUpdate, token, token, folderPath(ctx, h, id.FolderLocalID))
	return nil
}

// Delete removes the folder and everything beneath it.
func (a *FolderAccess) Delete(ctx context.Context, sc *scope.Scope, token string) error {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return err
	}
	path := folderPath(ctx, h, id.FolderLocalID)
	err = withTx(ctx, h, func() error {
		return h.Folders().Delete(ctx, id.FolderLocalID)
	})
	if err != nil {
		return err
	}
	a.d.publish(sc, events.TopicFolderDelete, token, "", path)
	return nil
}

// Clear removes the folder's contents but keeps the folder itself.
func (a *FolderAccess) Clear(ctx context.Context, sc *scope.Scope, token string) error {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return err
	}
	err = withTx(ctx, h, func() error {
		return h.Folders().Clear(ctx, id.FolderLocalID)
	})
	if err != nil {
		return err
	}
	a.d.publish(sc, events.TopicFolderUpdate, token, token, folderPath(ctx, h, id.FolderLocalID))
	return nil
}

// Path returns the folder chain up to the account root, folder first.
func (a *FolderAccess) Path(ctx context.Context, sc *scope.Scope, token string) ([]FolderInfo, error) {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	chain, err := h.Folders().PathToRoot(ctx, id.FolderLocalID)
	if err != nil {
		return nil, err
	}
	infos := make([]FolderInfo, 0, len(chain))
	for i := range chain {
		infos = append(infos, *folderInfo(id.Service, id.Account, &chain[i]))
	}
	return infos, nil
}

// ByPath resolves a slash path directly on backends with the shortcut.
func (a *FolderAccess) ByPath(ctx context.Context, sc *scope.Scope, service, account, path string) (*FolderInfo, error) {
	h, err := sc.Access(ctx, service, account)
	if err != nil {
		return nil, err
	}
	paths := h.Facets().Paths
	if paths == nil {
		return nil, fmt.Errorf("path lookup on %s: %w", service, backend.ErrCapabilityUnsupported)
	}
	f, err := paths.FolderByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	return folderInfo(service, account, f), nil
}

// Quota reports storage usage of the account behind the folder token.
func (a *FolderAccess) Quota(ctx context.Context, sc *scope.Scope, token string) (*backend.Quota, error) {
	_, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	return h.Folders().Quota(ctx)
}

// Stats summarizes the subtree on backends with the stats shortcut.
func (a *FolderAccess) Stats(ctx context.Context, sc *scope.Scope, token string) (*backend.FolderStats, error) {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	stats := h.Facets().Stats
	if stats == nil {
		return nil, fmt.Errorf("folder stats on %s: %w", id.Service, backend.ErrCapabilityUnsupported)
	}
	return stats.Stats(ctx, id.FolderLocalID)
}

// Seqs returns the sequence counter of each requested folder, keyed by
// its token. Folders are grouped per account; backends with the bulk
// facet answer in one call, the rest fall back to per-folder lookups.
func (a *FolderAccess) Seqs(ctx context.Context, sc *scope.Scope, tokens []string) (map[string]int64, error) {
	type group struct {
		service string
		account string
		locals  []string
		tokens  map[string]string // local id -> token
	}
	groups := make(map[string]*group)
	var order []string

	for _, token := range tokens {
		id, err := fedid.DecodeFolder(token)
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
		g.locals = append(g.locals, id.FolderLocalID)
		g.tokens[id.FolderLocalID] = token
	}

	out := make(map[string]int64, len(tokens))
	for _, key := range order {
		g := groups[key]
		h, err := sc.Access(ctx, g.service, g.account)
		if err != nil {
			return nil, err
		}
		if seqs := h.Facets().Sequences; seqs != nil {
			byLocal, err := seqs.FolderSeqs(ctx, g.locals)
			if err != nil {
				return nil, fmt.Errorf("folder seqs on %s: %w", g.service, err)
			}
			for local, seq := range byLocal {
				out[g.tokens[local]] = seq
			}
			continue
		}
		for _, local := range g.locals {
			f, err := h.Folders().Get(ctx, local)
			if err != nil {
				return nil, fmt.Errorf("folder seq on %s: %w", g.service, err)
			}
			out[g.tokens[local]] = f.Seq
		}
	}
	return out, nil
}

// TransferOptions tunes a cross-backend folder move or copy.
type TransferOptions struct {
	// AcceptWarnings executes the transfer even when the dry run found
	// information the destination cannot preserve. Without it a warned
	// transfer stops after the dry run.
	AcceptWarnings bool
}

// TransferOutcome is the result of a folder move or copy.
type TransferOutcome struct {
	// Done reports whether the tree was actually moved or copied. False
	// means the dry run found warnings and AcceptWarnings was not set.
	Done bool

	// Folder is set for native same-account moves.
	Folder *FolderInfo

	// Result is the transfer tree for cross-backend runs.
	Result *transfer.Result

	// Warnings are the dry-run findings, present whether or not the
	// transfer went ahead.
	Warnings []transfer.Warning
}

// Move relocates a folder tree under a new parent. Within one account it
// is a native move; across accounts it runs the transfer engine, dry run
// first, and only commits a warned transfer when opts.AcceptWarnings.
func (a *FolderAccess) Move(ctx context.Context, sc *scope.Scope, token, newParentToken string, opts TransferOptions) (*TransferOutcome, error) {
	id, h, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	parent, err := fedid.DecodeFolder(newParentToken)
	if err != nil {
		return nil, err
	}

	if id.AccountKey() == parent.AccountKey() {
		err = withTx(ctx, h, func() error {
			return h.Folders().Move(ctx, id.FolderLocalID, parent.FolderLocalID)
		})
		if err != nil {
			return nil, err
		}
		f, err := h.Folders().Get(ctx, id.FolderLocalID)
		if err != nil {
			return nil, err
		}
		info := folderInfo(id.Service, id.Account, f)
		a.d.publish(sc, events.TopicFolderUpdate, token, info.Token, folderPath(ctx, h, id.FolderLocalID))
		return &TransferOutcome{Done: true, Folder: info}, nil
	}

	return a.runTransfer(ctx, sc, id, parent, true, opts)
}

// Copy duplicates a folder tree under a new parent, via the transfer
// engine whenever source and destination differ in account or service.
func (a *FolderAccess) Copy(ctx context.Context, sc *scope.Scope, token, newParentToken string, opts TransferOptions) (*TransferOutcome, error) {
	id, _, err := a.accessFolder(ctx, sc, token)
	if err != nil {
		return nil, err
	}
	parent, err := fedid.DecodeFolder(newParentToken)
	if err != nil {
		return nil, err
	}
	return a.runTransfer(ctx, sc, id, parent, false, opts)
}

func (a *FolderAccess) runTransfer(ctx context.Context, sc *scope.Scope, source, targetParent fedid.FolderID, move bool, opts TransferOptions) (*TransferOutcome, error) {
	spec := transfer.Spec{Source: source, TargetParent: targetParent, Move: move, Mode: transfer.DryRun}

	probe, err := a.d.Transfer.Run(ctx, sc, spec)
	if err != nil {
		return nil, err
	}
	warnings := probe.Warnings(true)
	if len(warnings) > 0 && !opts.AcceptWarnings {
		return &TransferOutcome{Done: false, Result: probe, Warnings: warnings}, nil
	}

	spec.Mode = transfer.Commit
	result, err := a.d.Transfer.Run(ctx, sc, spec)
	if err != nil {
		if result != nil {
			// Post-commit source deletion failed; the copy stands.
			a.publishTransferred(sc, result)
			return &TransferOutcome{Done: true, Result: result, Warnings: warnings}, err
		}
		return nil, err
	}

	a.publishTransferred(sc, result)
	if move {
		a.d.publish(sc, events.TopicFolderDelete, source.String(), "", result.SourcePath)
	}
	return &TransferOutcome{Done: true, Result: result, Warnings: warnings}, nil
}

// publishTransferred emits one create notification per folder and file
// the committed transfer produced.
func (a *FolderAccess) publishTransferred(sc *scope.Scope, node *transfer.Result) {
	a.d.publish(sc, events.TopicFolderCreate, node.SourceFolderID.String(), node.TargetFolderID.String(), node.TargetPath)
	for srcID, targetLocal := range node.TransferredFiles {
		target := fedid.FileID{
			Service:       node.TargetFolderID.Service,
			Account:       node.TargetFolderID.Account,
			FolderLocalID: node.TargetFolderID.FolderLocalID,
			FileLocalID:   targetLocal,
		}
		a.d.publish(sc, events.TopicFileCreate, srcID.String(), target.String(), node.TargetPath)
	}
	for _, child := range node.Nested {
		a.publishTransferred(sc, child)
	}
}
