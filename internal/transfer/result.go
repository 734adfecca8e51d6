package transfer

import "github.com/unidrive/unidrive/internal/fedid"

// WarningKind classifies information that cannot survive a transfer.
type WarningKind string

const (
	WarnNote              WarningKind = "note"
	WarnCategories        WarningKind = "categories"
	WarnVersions          WarningKind = "versions"
	WarnObjectPermissions WarningKind = "object-permissions"
	WarnFolderPermissions WarningKind = "folder-permissions"
)

// Warning describes one piece of source-side information the destination
// cannot faithfully preserve. Warnings never abort a transfer; callers
// inspect them after a dry run and decide whether to proceed.
type Warning struct {
	Kind         WarningKind
	SourceFolder fedid.FolderID
	SourceFile   fedid.FileID // zero value for folder-level warnings
	Path         string
	Detail       string
}

// Result is one node of the transfer result tree, built bottom-up during
// the recursive walk. Nodes are immutable once returned.
type Result struct {
	SourceFolderID fedid.FolderID
	SourcePath     string

	// TargetFolderID is a placeholder in dry-run mode.
	TargetFolderID fedid.FolderID
	TargetPath     string

	// TransferredFiles maps each source file to its local id in the
	// destination ("pending" in dry-run mode).
	TransferredFiles map[fedid.FileID]string

	Nested []*Result

	warnings []Warning
}

// Warnings returns this node's warnings; with includeNested it is the
// union of the node's own warnings and all descendants', in walk order.
func (r *Result) Warnings(includeNested bool) []Warning {
	out := append([]Warning(nil), r.warnings...)
	if includeNested {
		for _, n := range r.Nested {
			out = append(out, n.Warnings(true)...)
		}
	}
	return out
}

// FileCount returns the number of files transferred in this subtree.
func (r *Result) FileCount() int {
	n := len(r.TransferredFiles)
	for _, nested := range r.Nested {
		n += nested.FileCount()
	}
	return n
}
