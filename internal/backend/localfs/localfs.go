// Package localfs provides a local filesystem backend driver. Each
// account lives under its own directory: a JSON index carries the folder
// tree and document metadata, content versions are stored as immutable
// object files next to it. Index writes go through a temp file and
// rename so a crash never leaves a half-written index behind.
package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/unidrive/unidrive/internal/backend"
)

// Config holds local filesystem driver settings.
type Config struct {
	// Root is the directory account stores are created under.
	Root string `json:"root"`

	// CreateDirs makes the driver create missing directories.
	CreateDirs bool `json:"create_dirs"`
}

// Driver is a backend.Driver over the local filesystem.
type Driver struct {
	service string
	root    string

	mu     sync.Mutex
	stores map[string]*store
}

// New creates a local filesystem driver registered under service.
func New(service string, cfg Config) (*Driver, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.Root, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root %s: %w", cfg.Root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root %s: %w", cfg.Root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", cfg.Root)
	}
	return &Driver{
		service: service,
		root:    cfg.Root,
		stores:  make(map[string]*store),
	}, nil
}

// Service implements backend.Driver.
func (d *Driver) Service() string { return d.service }

// Open implements backend.Driver. The per-account store is shared by all
// handles so concurrent scopes see one consistent index.
func (d *Driver) Open(_ context.Context, account, actor string) (backend.AccountAccess, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}
	d.mu.Lock()
	st, ok := d.stores[account]
	if !ok {
		st = &store{dir: filepath.Join(d.root, account)}
		d.stores[account] = st
	}
	d.mu.Unlock()
	return &access{store: st, actor: actor}, nil
}

// access is one handle onto an account store.
type access struct {
	store *store
	actor string

	connected bool
	inTx      bool
	snapshot  *index
	// staged object files written during the open transaction, removed
	// again on rollback.
	staged []string
}

func (h *access) Connect(_ context.Context) error {
	if h.connected {
		return fmt.Errorf("handle already connected")
	}
	if err := h.store.open(); err != nil {
		return err
	}
	h.connected = true
	return nil
}

func (h *access) Close(_ context.Context) error {
	h.connected = false
	return nil
}

func (h *access) Begin(_ context.Context) error {
	if h.inTx {
		return fmt.Errorf("transaction already open")
	}
	h.store.mu.Lock()
	snap, err := h.store.idx.clone()
	h.store.mu.Unlock()
	if err != nil {
		return fmt.Errorf("snapshot index: %w", err)
	}
	h.snapshot = snap
	h.staged = nil
	h.inTx = true
	return nil
}

func (h *access) Commit(_ context.Context) error {
	if !h.inTx {
		return fmt.Errorf("no open transaction")
	}
	h.inTx = false
	h.snapshot = nil
	h.staged = nil
	return h.store.persist()
}

func (h *access) Rollback(_ context.Context) error {
	if !h.inTx {
		return fmt.Errorf("no open transaction")
	}
	h.store.mu.Lock()
	h.store.idx = h.snapshot
	h.store.mu.Unlock()
	for _, path := range h.staged {
		os.Remove(path)
	}
	h.inTx = false
	h.snapshot = nil
	h.staged = nil
	return nil
}

func (h *access) Finish(_ context.Context) {}

func (h *access) Files() backend.FileOps {
	return &fileOps{h: h}
}

func (h *access) Folders() backend.FolderOps {
	return &folderOps{h: h}
}

func (h *access) Facets() backend.Facets {
	return backend.Facets{
		Versioned: &versionedOps{h: h},
		Ranged:    &rangedOps{h: h},
		Sequences: &sequenceOps{h: h},
		Stats:     &statsOps{h: h},
		Paths:     &pathOps{h: h},
	}
}

func (h *access) Capabilities() backend.CapabilitySet {
	set := h.Facets().Capabilities()
	set[backend.CapIgnorableVersions] = struct{}{}
	return set
}

// stage records an object file written inside the open transaction.
func (h *access) stage(path string) {
	if h.inTx {
		h.staged = append(h.staged, path)
	}
}

// flush persists the index right away for mutations running outside a
// transaction.
func (h *access) flush() error {
	if h.inTx {
		return nil
	}
	return h.store.persist()
}
