package transfer

import (
	"context"
	"fmt"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/metrics"
)

// collectWarnings synthesizes the lossy-information warnings for one
// folder before its copy is attempted. The set is deterministic for a
// given source state, so repeated dry runs report identical warnings.
func (w *walker) collectWarnings(ctx context.Context, source fedid.FolderID, folder *backend.Folder, docs []backend.Document, path string) []Warning {
	var out []Warning

	add := func(warn Warning) {
		metrics.RecordTransferWarning(string(warn.Kind))
		out = append(out, warn)
	}

	destVersioned := w.dstCap.Has(backend.CapVersioning)
	for _, doc := range docs {
		fileID := fedid.FileID{
			Service:       source.Service,
			Account:       source.Account,
			FolderLocalID: source.FolderLocalID,
			FileLocalID:   doc.LocalID,
		}
		if doc.Note != "" {
			add(Warning{
				Kind:         WarnNote,
				SourceFolder: source,
				SourceFile:   fileID,
				Path:         joinPath(path, doc.Name),
				Detail:       "free-text note will not be preserved",
			})
		}
		if len(doc.Categories) > 0 {
			add(Warning{
				Kind:         WarnCategories,
				SourceFolder: source,
				SourceFile:   fileID,
				Path:         joinPath(path, doc.Name),
				Detail:       fmt.Sprintf("%d categories will not be preserved", len(doc.Categories)),
			})
		}
		if doc.VersionNumber > 1 && !destVersioned {
			add(Warning{
				Kind:         WarnVersions,
				SourceFolder: source,
				SourceFile:   fileID,
				Path:         joinPath(path, doc.Name),
				Detail:       fmt.Sprintf("only the current of %d versions will be copied", doc.VersionNumber),
			})
		}
		if len(doc.Permissions) > 0 {
			add(Warning{
				Kind:         WarnObjectPermissions,
				SourceFolder: source,
				SourceFile:   fileID,
				Path:         joinPath(path, doc.Name),
				Detail:       fmt.Sprintf("%d object permissions will be dropped", len(doc.Permissions)),
			})
		}
	}

	// Folder permissions referencing users the destination does not
	// know cannot be carried over. Without a member directory on the
	// destination every referenced user counts as foreign.
	members := w.dstH.Facets().Members
	for _, perm := range folder.Permissions {
		foreign := true
		if members != nil {
			if known, err := members.HasUser(ctx, perm.UserID); err == nil && known {
				foreign = false
			}
		}
		if foreign {
			add(Warning{
				Kind:         WarnFolderPermissions,
				SourceFolder: source,
				Path:         path,
				Detail:       fmt.Sprintf("permission for user %q references a user foreign to the destination", perm.UserID),
			})
		}
	}

	return out
}
