// Package backend defines the driver contract every federated storage
// backend implements, plus the registry that maps service names to
// drivers. The composite layer talks to backends exclusively through
// these interfaces; it never sees a concrete driver type.
package backend

import (
	"context"
	"io"
)

// Driver produces account handles for one storage service. A driver is
// registered once under its service name and must be safe for concurrent
// use; the handles it opens are not.
type Driver interface {
	// Service returns the service name the driver is registered under.
	Service() string

	// Open creates an unconnected handle for the given account on behalf
	// of the given actor. Connect is called separately so the account
	// access cache controls connection lifetime.
	Open(ctx context.Context, account, actor string) (AccountAccess, error)
}

// AccountAccess is an opened, stateful connection to one backend account.
// A handle is exclusively owned by one request scope and must never be
// used from two goroutines at once.
type AccountAccess interface {
	// Connect establishes the backend connection. Called at most once.
	Connect(ctx context.Context) error

	// Close releases the connection. Called exactly once at scope end.
	Close(ctx context.Context) error

	// Begin starts a transaction on this handle. Transactions never
	// nest; Begin must not be called again before Commit or Rollback.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Finish performs best-effort per-call cleanup and is invoked after
	// Commit or Rollback in all cases.
	Finish(ctx context.Context)

	// Files returns the file-operations facet.
	Files() FileOps

	// Folders returns the folder-operations facet.
	Folders() FolderOps

	// Capabilities reports which optional facets this backend supports.
	Capabilities() CapabilitySet

	// Facets returns the optional facets; unsupported ones are nil.
	Facets() Facets
}

// FileOps is the mandatory file facet of a backend account.
type FileOps interface {
	Exists(ctx context.Context, folderLocalID, fileLocalID string) (bool, error)

	// Get fetches document metadata. An empty field selector populates
	// everything the backend knows.
	Get(ctx context.Context, folderLocalID, fileLocalID string, fields []Field) (*Document, error)

	// Content streams the current document content.
	Content(ctx context.Context, folderLocalID, fileLocalID string) (io.ReadCloser, int64, error)

	// List returns the documents of one folder, ordered by the given
	// sort field and direction.
	List(ctx context.Context, folderLocalID string, fields []Field, sort SortField, dir SortDir) ([]Document, error)

	// Search returns matching documents under the given folders (all
	// folders when empty), ordered by the given sort field/direction.
	Search(ctx context.Context, folderLocalIDs []string, term string, sort SortField, dir SortDir) ([]Document, error)

	// Save creates or updates a document. expectedSeq guards updates;
	// a mismatch fails with ErrConflict. content may be nil for a
	// metadata-only update.
	Save(ctx context.Context, doc *Document, content io.Reader, size int64, expectedSeq int64) (*Document, error)

	// Move relocates a document between folders of the same account.
	Move(ctx context.Context, fileLocalID, fromFolder, toFolder string) error

	// Copy duplicates a document within the account and returns the new
	// document's local id.
	Copy(ctx context.Context, fileLocalID, fromFolder, toFolder string) (string, error)

	// Remove deletes the referenced documents. Items whose expected
	// sequence number no longer matches, or which are already gone, are
	// returned as the residual list instead of failing the batch.
	Remove(ctx context.Context, refs []FileRef, hardDelete bool) ([]FileRef, error)

	Lock(ctx context.Context, folderLocalID, fileLocalID, actor string) error
	Unlock(ctx context.Context, folderLocalID, fileLocalID, actor string) error
}

// FolderOps is the mandatory folder facet of a backend account.
type FolderOps interface {
	Exists(ctx context.Context, folderLocalID string) (bool, error)
	Get(ctx context.Context, folderLocalID string) (*Folder, error)
	ListSubfolders(ctx context.Context, folderLocalID string) ([]Folder, error)

	// Create makes a new subfolder and returns its record.
	Create(ctx context.Context, parentLocalID, name string) (*Folder, error)

	// Update rewrites mutable folder metadata (name, permissions).
	Update(ctx context.Context, f *Folder) error

	Move(ctx context.Context, folderLocalID, newParentLocalID string) error
	Rename(ctx context.Context, folderLocalID, newName string) error

	// Delete removes the folder and everything beneath it.
	Delete(ctx context.Context, folderLocalID string) error

	// Clear removes the folder's contents but keeps the folder.
	Clear(ctx context.Context, folderLocalID string) error

	// Quota reports account storage usage.
	Quota(ctx context.Context) (*Quota, error)

	// PathToRoot returns the folder chain from the given folder up to
	// the account root, starting with the folder itself.
	PathToRoot(ctx context.Context, folderLocalID string) ([]Folder, error)
}
