// Package transfer implements the storage transfer engine: it copies or
// moves a whole folder tree from one backend account to another, in
// dry-run or commit mode, collecting structured warnings about
// information the destination cannot preserve.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/logging"
	"github.com/unidrive/unidrive/internal/metrics"
	"github.com/unidrive/unidrive/internal/scope"
)

var (
	// ErrTransferAborted means the commit-mode transfer failed and both
	// the source and destination were rolled back to their pre-call
	// state.
	ErrTransferAborted = errors.New("transfer aborted, both sides rolled back")

	// ErrPostCommitDelete means a move's source-deletion step failed
	// after the copy was already committed. The copy is retained; the
	// source must be cleaned up manually.
	ErrPostCommitDelete = errors.New("source deletion failed after committed copy")
)

// Mode selects simulation or real execution.
type Mode int

const (
	DryRun Mode = iota
	Commit
)

func (m Mode) String() string {
	if m == Commit {
		return "commit"
	}
	return "dry-run"
}

// dryRunPlaceholder marks target ids that were never created.
const dryRunPlaceholder = "pending"

// Spec describes one folder-tree transfer.
type Spec struct {
	// Source is the folder to transfer, with all its descendants.
	Source fedid.FolderID

	// TargetParent is the destination folder the copy is created in.
	TargetParent fedid.FolderID

	// Move deletes the source tree after a successful commit.
	Move bool

	Mode Mode
}

// Engine runs folder-tree transfers. The recursive walk is single
// threaded to bound resource usage and keep the two-phase transaction
// simple.
type Engine struct{}

// NewEngine creates a transfer engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Run executes the transfer. In commit mode the whole walk runs inside a
// transaction on both handles: any failure rolls both back and returns
// ErrTransferAborted. For moves, source deletion happens strictly after
// a successful commit; its failure is reported via ErrPostCommitDelete
// alongside the retained result.
func (e *Engine) Run(ctx context.Context, sc *scope.Scope, spec Spec) (*Result, error) {
	srcH, err := sc.Access(ctx, spec.Source.Service, spec.Source.Account)
	if err != nil {
		return nil, err
	}
	dstH, err := sc.Access(ctx, spec.TargetParent.Service, spec.TargetParent.Account)
	if err != nil {
		return nil, err
	}

	w := &walker{
		engine: e,
		spec:   spec,
		srcH:   srcH,
		dstH:   dstH,
		dstCap: dstH.Capabilities(),
	}

	if spec.Mode == DryRun {
		return w.walk(ctx, spec.Source.FolderLocalID, spec.TargetParent.FolderLocalID, "", "")
	}

	sameHandle := srcH == dstH
	if err := srcH.Begin(ctx); err != nil {
		return nil, fmt.Errorf("begin source transaction: %w", err)
	}
	if !sameHandle {
		if err := dstH.Begin(ctx); err != nil {
			_ = srcH.Rollback(ctx)
			srcH.Finish(ctx)
			return nil, fmt.Errorf("begin destination transaction: %w", err)
		}
	}

	result, walkErr := w.walk(ctx, spec.Source.FolderLocalID, spec.TargetParent.FolderLocalID, "", "")
	if walkErr != nil {
		e.rollback(ctx, srcH, dstH, sameHandle)
		metrics.RecordTransferAbort()
		logging.Warn("transfer rolled back",
			zap.String("source", spec.Source.String()),
			zap.String("target_parent", spec.TargetParent.String()),
			zap.Error(walkErr))
		return nil, fmt.Errorf("%w: %w", ErrTransferAborted, walkErr)
	}

	if err := srcH.Commit(ctx); err != nil {
		e.rollback(ctx, srcH, dstH, sameHandle)
		metrics.RecordTransferAbort()
		return nil, fmt.Errorf("%w: commit source: %w", ErrTransferAborted, err)
	}
	if !sameHandle {
		if err := dstH.Commit(ctx); err != nil {
			// Source already committed; destination rolls back alone.
			_ = dstH.Rollback(ctx)
			dstH.Finish(ctx)
			srcH.Finish(ctx)
			metrics.RecordTransferAbort()
			return nil, fmt.Errorf("%w: commit destination: %w", ErrTransferAborted, err)
		}
	}
	srcH.Finish(ctx)
	if !sameHandle {
		dstH.Finish(ctx)
	}

	if spec.Move {
		// Deliberately outside the transfer transaction: a failure here
		// must not undo the already-committed copy.
		if err := srcH.Folders().Delete(ctx, spec.Source.FolderLocalID); err != nil {
			logging.Error("source tree deletion failed after committed copy",
				zap.String("source", spec.Source.String()),
				zap.Error(err))
			return result, fmt.Errorf("%w: %w", ErrPostCommitDelete, err)
		}
	}

	return result, nil
}

func (e *Engine) rollback(ctx context.Context, srcH, dstH backend.AccountAccess, sameHandle bool) {
	if err := srcH.Rollback(ctx); err != nil {
		logging.Error("source rollback failed", zap.Error(err))
	}
	srcH.Finish(ctx)
	if !sameHandle {
		if err := dstH.Rollback(ctx); err != nil {
			logging.Error("destination rollback failed", zap.Error(err))
		}
		dstH.Finish(ctx)
	}
}

// walker carries the per-run state of the recursive copy.
type walker struct {
	engine *Engine
	spec   Spec
	srcH   backend.AccountAccess
	dstH   backend.AccountAccess
	dstCap backend.CapabilitySet
}

// walk transfers one source folder into dstParent and recurses into its
// subfolders, returning the result node for this level. srcPath and
// dstPath are the parent paths ("" at the top level).
func (w *walker) walk(ctx context.Context, srcFolderID, dstParentID, srcPath, dstPath string) (*Result, error) {
	srcFolder, err := w.srcH.Folders().Get(ctx, srcFolderID)
	if err != nil {
		return nil, fmt.Errorf("get source folder %s: %w", srcFolderID, err)
	}
	var mySrcPath, myDstPath string
	if srcPath == "" {
		// Top level: resolve full paths once; recursion extends them.
		mySrcPath = w.pathOf(ctx, w.srcH, srcFolderID)
		myDstPath = joinPath(w.pathOf(ctx, w.dstH, dstParentID), srcFolder.Name)
	} else {
		mySrcPath = joinPath(srcPath, srcFolder.Name)
		myDstPath = joinPath(dstPath, srcFolder.Name)
	}

	docs, err := w.srcH.Files().List(ctx, srcFolderID, nil, backend.SortByName, backend.Ascending)
	if err != nil {
		return nil, fmt.Errorf("list source folder %s: %w", srcFolderID, err)
	}

	sourceID := fedid.FolderID{
		Service:       w.spec.Source.Service,
		Account:       w.spec.Source.Account,
		FolderLocalID: srcFolderID,
	}

	// Warnings come first so a dry run sees them even for folders whose
	// copy would fail later.
	warnings := w.collectWarnings(ctx, sourceID, srcFolder, docs, mySrcPath)

	targetLocal := dryRunPlaceholder + ":" + srcFolderID
	if w.spec.Mode == Commit {
		created, err := w.dstH.Folders().Create(ctx, dstParentID, srcFolder.Name)
		if err != nil {
			return nil, fmt.Errorf("create destination folder %q under %s: %w", srcFolder.Name, dstParentID, err)
		}
		targetLocal = created.LocalID
	}

	node := &Result{
		SourceFolderID: sourceID,
		SourcePath:     mySrcPath,
		TargetFolderID: fedid.FolderID{
			Service:       w.spec.TargetParent.Service,
			Account:       w.spec.TargetParent.Account,
			FolderLocalID: targetLocal,
		},
		TargetPath:       myDstPath,
		TransferredFiles: make(map[fedid.FileID]string, len(docs)),
		warnings:         warnings,
	}

	for i := range docs {
		doc := docs[i]
		srcFileID := fedid.FileID{
			Service:       w.spec.Source.Service,
			Account:       w.spec.Source.Account,
			FolderLocalID: srcFolderID,
			FileLocalID:   doc.LocalID,
		}
		targetFileLocal := dryRunPlaceholder
		if w.spec.Mode == Commit {
			targetFileLocal, err = w.copyFile(ctx, &doc, srcFolderID, targetLocal)
			if err != nil {
				return nil, fmt.Errorf("copy file %q: %w", doc.Name, err)
			}
		}
		node.TransferredFiles[srcFileID] = targetFileLocal
		metrics.RecordTransferFile(w.spec.Mode.String())
	}

	subs, err := w.srcH.Folders().ListSubfolders(ctx, srcFolderID)
	if err != nil {
		return nil, fmt.Errorf("list subfolders of %s: %w", srcFolderID, err)
	}
	for _, sub := range subs {
		child, err := w.walk(ctx, sub.LocalID, targetLocal, mySrcPath, myDstPath)
		if err != nil {
			return nil, err
		}
		node.Nested = append(node.Nested, child)
	}

	return node, nil
}

// copyFile copies one document into the destination folder, every
// version when both ends support versioning, otherwise current only.
// Object permissions are stripped; the destination cannot resolve
// foreign entities (a warning was already synthesized).
func (w *walker) copyFile(ctx context.Context, doc *backend.Document, srcFolderID, dstFolderID string) (string, error) {
	template := backend.Document{
		FolderLocalID: dstFolderID,
		Name:          doc.Name,
		MimeType:      doc.MimeType,
		Note:          doc.Note,
		Categories:    append([]string(nil), doc.Categories...),
	}

	srcVersioned := w.srcH.Facets().Versioned
	if srcVersioned != nil && w.dstCap.Has(backend.CapVersioning) {
		versions, err := srcVersioned.Versions(ctx, srcFolderID, doc.LocalID)
		if err != nil {
			return "", fmt.Errorf("list versions: %w", err)
		}
		var localID string
		var seq int64
		for _, v := range versions {
			content, size, err := srcVersioned.ContentOfVersion(ctx, srcFolderID, doc.LocalID, v.Number)
			if err != nil {
				return "", fmt.Errorf("read version %d: %w", v.Number, err)
			}
			save := template
			save.LocalID = localID
			saved, err := w.dstH.Files().Save(ctx, &save, content, size, seq)
			content.Close()
			if err != nil {
				return "", fmt.Errorf("save version %d: %w", v.Number, err)
			}
			localID = saved.LocalID
			seq = saved.Seq
		}
		if localID != "" {
			return localID, nil
		}
		// No stored versions; fall through to current-content copy.
	}

	content, size, err := w.srcH.Files().Content(ctx, srcFolderID, doc.LocalID)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	defer content.Close()
	saved, err := w.dstH.Files().Save(ctx, &template, content, size, 0)
	if err != nil {
		return "", err
	}
	return saved.LocalID, nil
}

// pathOf best-effort resolves a folder's slash path for reporting.
func (w *walker) pathOf(ctx context.Context, h backend.AccountAccess, folderID string) string {
	chain, err := h.Folders().PathToRoot(ctx, folderID)
	if err != nil || len(chain) == 0 {
		return ""
	}
	parts := make([]string, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if name := chain[i].Name; name != "" && name != "/" {
			parts = append(parts, name)
		}
	}
	return "/" + strings.Join(parts, "/")
}

func joinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
