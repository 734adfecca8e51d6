package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/fedid"
)

func resolved(id string) backend.Permission {
	return backend.Permission{EntityID: id, Level: "read"}
}

func guest(id, email string) backend.Permission {
	return backend.Permission{EntityID: id, Level: "read", Guest: &backend.GuestRecipient{Email: email}}
}

func TestCompareClassifiesGuestChanges(t *testing.T) {
	oldPerms := []backend.Permission{resolved("A"), guest("B", "b@example.com")}
	newPerms := []backend.Permission{resolved("A"), guest("C", "c@example.com")}

	cmp := Compare(oldPerms, newPerms)

	added := cmp.AddedGuests()
	require.Len(t, added, 1)
	require.Equal(t, "C", added[0].EntityID)

	removed := cmp.RemovedGuests()
	require.Len(t, removed, 1)
	require.Equal(t, "B", removed[0].EntityID)

	retained := cmp.Retained()
	require.Len(t, retained, 1)
	require.Equal(t, "A", retained[0].EntityID)
	require.True(t, cmp.HasGuestChanges())
}

func TestCompareTreatsNilAsEmpty(t *testing.T) {
	cmp := Compare(nil, nil)
	require.Empty(t, cmp.AddedGuests())
	require.Empty(t, cmp.RemovedGuests())
	require.Empty(t, cmp.Retained())
	require.False(t, cmp.HasGuestChanges())

	cmp = Compare(nil, []backend.Permission{guest("G", "g@example.com")})
	require.Len(t, cmp.AddedGuests(), 1)

	cmp = Compare([]backend.Permission{guest("G", "g@example.com")}, nil)
	require.Len(t, cmp.RemovedGuests(), 1)
}

func TestCompareGroupFlagDistinguishesEntities(t *testing.T) {
	// Same entity id, different group flag: not the same entity.
	oldPerms := []backend.Permission{{EntityID: "X", IsGroup: false, Level: "read", Guest: &backend.GuestRecipient{Email: "x@example.com"}}}
	newPerms := []backend.Permission{{EntityID: "X", IsGroup: true, Level: "read", Guest: &backend.GuestRecipient{Email: "x@example.com"}}}

	cmp := Compare(oldPerms, newPerms)
	require.Len(t, cmp.AddedGuests(), 1)
	require.Len(t, cmp.RemovedGuests(), 1)
}

func TestStripGuests(t *testing.T) {
	perms := []backend.Permission{resolved("A"), guest("B", "b@example.com"), resolved("C")}
	stripped := StripGuests(perms)
	require.Len(t, stripped, 2)
	for _, p := range stripped {
		require.False(t, p.IsGuest())
	}
}

// fakeShares records calls in order.
type fakeShares struct {
	materialized []string
	revoked      []string
	failOn       string
}

func (f *fakeShares) Materialize(_ context.Context, _ fedid.FileID, g backend.GuestRecipient, _ string) (string, error) {
	if g.Email == f.failOn {
		return "", errors.New("share service unavailable")
	}
	f.materialized = append(f.materialized, g.Email)
	return "guest:" + g.Email, nil
}

func (f *fakeShares) Revoke(_ context.Context, _ fedid.FileID, entityID string, _ bool) error {
	f.revoked = append(f.revoked, entityID)
	return nil
}

func TestReconcilerMaterializesAndRevokes(t *testing.T) {
	shares := &fakeShares{}
	r := NewReconciler(shares)
	doc := fedid.FileID{Service: "drive1", Account: "a1", FileLocalID: "f1"}

	cmp := Compare(
		[]backend.Permission{resolved("A"), guest("B", "b@example.com")},
		[]backend.Permission{resolved("A"), guest("C", "c@example.com")},
	)

	final, err := r.Apply(context.Background(), doc, cmp)
	require.NoError(t, err)

	require.Equal(t, []string{"c@example.com"}, shares.materialized)
	require.Equal(t, []string{"B"}, shares.revoked)

	// Final list: retained A plus the resolved former guest C.
	require.Len(t, final, 2)
	require.Equal(t, "A", final[0].EntityID)
	require.Equal(t, "guest:c@example.com", final[1].EntityID)
	require.False(t, final[1].IsGuest(), "materialized entry must be resolved")
}

func TestReconcilerPropagatesShareServiceErrors(t *testing.T) {
	shares := &fakeShares{failOn: "c@example.com"}
	r := NewReconciler(shares)
	doc := fedid.FileID{Service: "drive1", Account: "a1", FileLocalID: "f1"}

	cmp := Compare(nil, []backend.Permission{guest("C", "c@example.com")})
	_, err := r.Apply(context.Background(), doc, cmp)
	require.Error(t, err)
	require.Contains(t, err.Error(), "c@example.com")
}
