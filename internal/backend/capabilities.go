package backend

import (
	"context"
	"io"
)

// Capability names an optional backend facet. Callers check capabilities
// through CapabilitySet (or fetch the facet from Facets) instead of
// type-asserting on driver internals.
type Capability string

const (
	CapVersioning        Capability = "versioning"
	CapIgnorableVersions Capability = "ignorable-version-save"
	CapByteRange         Capability = "byte-range"
	CapSequenceNumbers   Capability = "sequence-numbers"
	CapThumbnails        Capability = "thumbnails"
	CapFolderStats       Capability = "folder-stats"
	CapPermissionCascade Capability = "permission-cascade"
	CapPathShortcut      Capability = "path-shortcut"
	CapMemberDirectory   Capability = "member-directory"
)

// CapabilitySet is the set of optional facets a backend supports.
type CapabilitySet map[Capability]struct{}

// Has reports whether the capability is supported.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Facets bundles the optional facets of an account handle. A nil field
// means the backend lacks that capability.
type Facets struct {
	Versioned VersionedFileOps
	Ranged    ByteRangeOps
	Sequences SequenceOps
	Thumbs    ThumbnailOps
	Stats     FolderStatsOps
	Cascade   PermissionCascadeOps
	Paths     PathShortcutOps
	Members   MemberDirectoryOps
}

// Capabilities derives the capability set from the non-nil facets.
func (f Facets) Capabilities() CapabilitySet {
	set := make(CapabilitySet)
	if f.Versioned != nil {
		set[CapVersioning] = struct{}{}
	}
	if f.Ranged != nil {
		set[CapByteRange] = struct{}{}
	}
	if f.Sequences != nil {
		set[CapSequenceNumbers] = struct{}{}
	}
	if f.Thumbs != nil {
		set[CapThumbnails] = struct{}{}
	}
	if f.Stats != nil {
		set[CapFolderStats] = struct{}{}
	}
	if f.Cascade != nil {
		set[CapPermissionCascade] = struct{}{}
	}
	if f.Paths != nil {
		set[CapPathShortcut] = struct{}{}
	}
	if f.Members != nil {
		set[CapMemberDirectory] = struct{}{}
	}
	return set
}

// VersionedFileOps exposes per-version access for backends that keep
// document history.
type VersionedFileOps interface {
	// Versions lists the stored versions, oldest first.
	Versions(ctx context.Context, folderLocalID, fileLocalID string) ([]Version, error)

	// ContentOfVersion streams one specific version's content.
	ContentOfVersion(ctx context.Context, folderLocalID, fileLocalID string, version int) (io.ReadCloser, int64, error)

	// SaveIgnoringVersion overwrites the current version in place
	// instead of creating a new one. Only meaningful when the backend
	// also reports CapIgnorableVersions.
	SaveIgnoringVersion(ctx context.Context, doc *Document, content io.Reader, size int64, expectedSeq int64) (*Document, error)
}

// ByteRangeOps reads an arbitrary byte range of a document.
type ByteRangeOps interface {
	ContentRange(ctx context.Context, folderLocalID, fileLocalID string, offset, length int64) (io.ReadCloser, error)
}

// SequenceOps reports folder-level sequence counters used for client sync.
type SequenceOps interface {
	// FolderSeqs returns the current sequence counter of each requested
	// folder in one call.
	FolderSeqs(ctx context.Context, folderLocalIDs []string) (map[string]int64, error)
}

// ThumbnailOps retrieves a pre-rendered document thumbnail.
type ThumbnailOps interface {
	Thumbnail(ctx context.Context, folderLocalID, fileLocalID string, maxWidth, maxHeight int) (io.ReadCloser, string, error)
}

// FolderStats summarizes a folder subtree without enumerating it.
type FolderStats struct {
	FileCount   int64
	FolderCount int64
	TotalBytes  int64
}

// FolderStatsOps is the folder-stats shortcut facet.
type FolderStatsOps interface {
	Stats(ctx context.Context, folderLocalID string) (*FolderStats, error)
}

// PermissionCascadeOps applies a folder permission change to the whole
// subtree in one backend-side operation.
type PermissionCascadeOps interface {
	CascadePermissions(ctx context.Context, folderLocalID string, perms []FolderPermission) error
}

// PathShortcutOps resolves a slash path directly to a folder id without
// walking the hierarchy.
type PathShortcutOps interface {
	FolderByPath(ctx context.Context, path string) (*Folder, error)
}

// MemberDirectoryOps checks whether a backend-local user exists in the
// account's directory; used to detect foreign users during transfer.
type MemberDirectoryOps interface {
	HasUser(ctx context.Context, userID string) (bool, error)
}
