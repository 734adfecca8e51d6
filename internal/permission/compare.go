// Package permission diffs a document's object-permission lists across
// a save and turns guest-permission changes into share-service calls.
package permission

import "github.com/unidrive/unidrive/internal/backend"

// Compared is the classified diff of one document revision pair,
// computed once at construction and immutable thereafter. Entries are
// matched by entity id + group flag.
type Compared struct {
	addedGuests   []backend.Permission
	removedGuests []backend.Permission
	retained      []backend.Permission
}

// Compare classifies the old and new permission lists. Nil lists mean
// "no permissions"; they never error.
func Compare(oldPerms, newPerms []backend.Permission) *Compared {
	c := &Compared{}

	inOld := func(p backend.Permission) bool {
		for _, o := range oldPerms {
			if o.SameEntity(p) {
				return true
			}
		}
		return false
	}
	inNew := func(p backend.Permission) bool {
		for _, n := range newPerms {
			if n.SameEntity(p) {
				return true
			}
		}
		return false
	}

	for _, p := range newPerms {
		if p.IsGuest() && !inOld(p) {
			c.addedGuests = append(c.addedGuests, p)
		} else {
			c.retained = append(c.retained, p)
		}
	}
	for _, p := range oldPerms {
		if p.IsGuest() && !inNew(p) {
			c.removedGuests = append(c.removedGuests, p)
		}
	}
	return c
}

// AddedGuests returns the guest entries present only in the new list.
func (c *Compared) AddedGuests() []backend.Permission {
	return append([]backend.Permission(nil), c.addedGuests...)
}

// RemovedGuests returns the guest entries present only in the old list.
func (c *Compared) RemovedGuests() []backend.Permission {
	return append([]backend.Permission(nil), c.removedGuests...)
}

// Retained returns the new-list entries that need no share-service work:
// everything except the added guests.
func (c *Compared) Retained() []backend.Permission {
	return append([]backend.Permission(nil), c.retained...)
}

// HasGuestChanges reports whether reconciliation has anything to do.
func (c *Compared) HasGuestChanges() bool {
	return len(c.addedGuests) > 0 || len(c.removedGuests) > 0
}

// StripGuests returns the permissions without guest entries; backends
// only understand resolved entity permissions.
func StripGuests(perms []backend.Permission) []backend.Permission {
	var out []backend.Permission
	for _, p := range perms {
		if !p.IsGuest() {
			out = append(out, p)
		}
	}
	return out
}
