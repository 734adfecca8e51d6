package permission

import (
	"context"
	"fmt"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/fedid"
)

// ShareService is the external collaborator that materializes guest
// recipients into real guest identities and revokes issued shares.
type ShareService interface {
	// Materialize turns a guest recipient into a resolved entity id for
	// the given document.
	Materialize(ctx context.Context, doc fedid.FileID, guest backend.GuestRecipient, level string) (entityID string, err error)

	// Revoke withdraws the share previously issued to an entity.
	Revoke(ctx context.Context, doc fedid.FileID, entityID string, isGroup bool) error
}

// Reconciler applies a permission diff against the share service and
// produces the fully resolved permission list to write back.
type Reconciler struct {
	shares ShareService
}

// NewReconciler creates a reconciler over the given share service.
func NewReconciler(shares ShareService) *Reconciler {
	return &Reconciler{shares: shares}
}

// Apply materializes every added guest, revokes every removed one, and
// returns the resolved permission list (retained entries plus the newly
// resolved ones) for a metadata-only write-back.
func (r *Reconciler) Apply(ctx context.Context, doc fedid.FileID, cmp *Compared) ([]backend.Permission, error) {
	resolved := cmp.Retained()

	for _, p := range cmp.addedGuests {
		entityID, err := r.shares.Materialize(ctx, doc, *p.Guest, p.Level)
		if err != nil {
			return nil, fmt.Errorf("materialize guest %q: %w", p.Guest.Email, err)
		}
		resolved = append(resolved, backend.Permission{
			EntityID: entityID,
			IsGroup:  false,
			Level:    p.Level,
		})
	}

	for _, p := range cmp.removedGuests {
		if err := r.shares.Revoke(ctx, doc, p.EntityID, p.IsGroup); err != nil {
			return nil, fmt.Errorf("revoke share for %q: %w", p.EntityID, err)
		}
	}

	return resolved, nil
}
