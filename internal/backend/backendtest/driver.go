// Package backendtest provides an in-memory backend driver with
// transaction snapshots, operation logs and fault injection. It backs
// the scope, search, transfer and composite tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/unidrive/unidrive/internal/backend"
)

// Driver is an in-memory backend.Driver. Accounts are created lazily and
// persist across handles, so state survives scope teardown the way a
// real backend's would.
type Driver struct {
	mu       sync.Mutex
	service  string
	accounts map[string]*Account

	// ConnectErr, when set, makes every Connect fail with it.
	ConnectErr error
}

// NewDriver creates a driver for the given service name.
func NewDriver(service string) *Driver {
	return &Driver{
		service:  service,
		accounts: make(map[string]*Account),
	}
}

// Service implements backend.Driver.
func (d *Driver) Service() string { return d.service }

// Account returns (creating if needed) the persistent state for one
// account, for seeding and assertions.
func (d *Driver) Account(name string) *Account {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[name]
	if !ok {
		a = newAccount(d.service, name)
		d.accounts[name] = a
	}
	return a
}

// Open implements backend.Driver.
func (d *Driver) Open(_ context.Context, account, actor string) (backend.AccountAccess, error) {
	return &access{
		driver:  d,
		account: d.Account(account),
		actor:   actor,
	}, nil
}

// access is one handle onto an account's state.
type access struct {
	driver    *Driver
	account   *Account
	actor     string
	connected bool
	closed    bool
}

func (h *access) Connect(_ context.Context) error {
	if h.driver.ConnectErr != nil {
		return h.driver.ConnectErr
	}
	if h.connected {
		return fmt.Errorf("handle already connected")
	}
	h.connected = true
	h.account.bump(&h.account.ConnectCount)
	return nil
}

func (h *access) Close(_ context.Context) error {
	if h.closed {
		return fmt.Errorf("handle closed twice")
	}
	h.closed = true
	h.account.bump(&h.account.CloseCount)
	if h.account.CloseErr != nil {
		return h.account.CloseErr
	}
	return nil
}

func (h *access) Begin(_ context.Context) error {
	return h.account.begin()
}

func (h *access) Commit(_ context.Context) error {
	return h.account.commit()
}

func (h *access) Rollback(_ context.Context) error {
	return h.account.rollback()
}

func (h *access) Finish(_ context.Context) {
	h.account.bump(&h.account.FinishCount)
}

func (h *access) Files() backend.FileOps {
	return &fileOps{account: h.account, actor: h.actor}
}

func (h *access) Folders() backend.FolderOps {
	return &folderOps{account: h.account}
}

func (h *access) Capabilities() backend.CapabilitySet {
	return h.Facets().Capabilities()
}

func (h *access) Facets() backend.Facets {
	var f backend.Facets
	if h.account.Versioning {
		f.Versioned = &versionedOps{account: h.account, actor: h.actor}
	}
	if h.account.Sequences {
		f.Sequences = &sequenceOps{account: h.account}
	}
	if h.account.Members != nil {
		f.Members = &memberOps{account: h.account}
	}
	return f
}
