package scope

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/backend/backendtest"
)

func newTestRegistry(services ...string) (*backend.Registry, map[string]*backendtest.Driver) {
	reg := backend.NewRegistry()
	drivers := make(map[string]*backendtest.Driver)
	for _, svc := range services {
		d := backendtest.NewDriver(svc)
		reg.Register(d)
		drivers[svc] = d
	}
	return reg, drivers
}

func TestAccessConnectsOncePerAccount(t *testing.T) {
	reg, drivers := newTestRegistry("drive1")
	s := New(reg, "alice")
	ctx := context.Background()

	h1, err := s.Access(ctx, "drive1", "acct1")
	require.NoError(t, err)
	h2, err := s.Access(ctx, "drive1", "acct1")
	require.NoError(t, err)
	require.Same(t, h1, h2, "second Access must return the cached handle")

	acct := drivers["drive1"].Account("acct1")
	require.Equal(t, 1, acct.ConnectCount)
}

func TestAccessDistinctAccountsGetDistinctHandles(t *testing.T) {
	reg, drivers := newTestRegistry("drive1")
	s := New(reg, "alice")
	ctx := context.Background()

	h1, err := s.Access(ctx, "drive1", "acct1")
	require.NoError(t, err)
	h2, err := s.Access(ctx, "drive1", "acct2")
	require.NoError(t, err)
	require.NotSame(t, h1, h2)

	require.Equal(t, 1, drivers["drive1"].Account("acct1").ConnectCount)
	require.Equal(t, 1, drivers["drive1"].Account("acct2").ConnectCount)
}

func TestAccessUnknownService(t *testing.T) {
	reg, _ := newTestRegistry("drive1")
	s := New(reg, "alice")

	_, err := s.Access(context.Background(), "nosuch", "acct1")
	require.ErrorIs(t, err, backend.ErrUnknownBackend)
}

func TestConnectAuthFailureTranslated(t *testing.T) {
	reg, drivers := newTestRegistry("drive1")
	drivers["drive1"].ConnectErr = fmt.Errorf("token expired: %w", backend.ErrAuth)
	s := New(reg, "alice")

	_, err := s.Access(context.Background(), "drive1", "acct1")
	var na *backend.NotAccessibleError
	require.ErrorAs(t, err, &na)
	require.Equal(t, "drive1", na.Service)
	require.Equal(t, "acct1", na.Account)
	require.Equal(t, "alice", na.Actor)
}

func TestConnectGenericFailurePropagates(t *testing.T) {
	reg, drivers := newTestRegistry("drive1")
	sentinel := errors.New("disk on fire")
	drivers["drive1"].ConnectErr = sentinel
	s := New(reg, "alice")

	_, err := s.Access(context.Background(), "drive1", "acct1")
	require.ErrorIs(t, err, sentinel)
	var na *backend.NotAccessibleError
	require.False(t, errors.As(err, &na), "generic errors must not become NotAccessibleError")
}

func TestCloseAllClosesEachHandleOnce(t *testing.T) {
	reg, drivers := newTestRegistry("drive1", "drive2")
	s := New(reg, "alice")
	ctx := context.Background()

	_, err := s.Access(ctx, "drive1", "acct1")
	require.NoError(t, err)
	_, err = s.Access(ctx, "drive2", "acct2")
	require.NoError(t, err)

	warnings := s.CloseAll(ctx)
	require.Empty(t, warnings)
	require.Equal(t, 1, drivers["drive1"].Account("acct1").CloseCount)
	require.Equal(t, 1, drivers["drive2"].Account("acct2").CloseCount)

	// A second CloseAll finds nothing to close.
	require.Empty(t, s.CloseAll(ctx))
	require.Equal(t, 1, drivers["drive1"].Account("acct1").CloseCount)
}

func TestCloseAllCollectsWarnings(t *testing.T) {
	reg, drivers := newTestRegistry("drive1", "drive2")
	drivers["drive2"].Account("acct2").CloseErr = errors.New("connection reset")
	s := New(reg, "alice")
	ctx := context.Background()

	_, err := s.Access(ctx, "drive1", "acct1")
	require.NoError(t, err)
	_, err = s.Access(ctx, "drive2", "acct2")
	require.NoError(t, err)

	warnings := s.CloseAll(ctx)
	require.Len(t, warnings, 1)
	require.Equal(t, "drive2", warnings[0].Service)
	// The failing close must not prevent the other handle's close.
	require.Equal(t, 1, drivers["drive1"].Account("acct1").CloseCount)
}

func TestResetClearsWithoutClosing(t *testing.T) {
	reg, drivers := newTestRegistry("drive1")
	s := New(reg, "alice")
	ctx := context.Background()

	_, err := s.Access(ctx, "drive1", "acct1")
	require.NoError(t, err)

	s.Reset()
	require.Equal(t, 0, drivers["drive1"].Account("acct1").CloseCount)

	// New access after reset reconnects.
	_, err = s.Access(ctx, "drive1", "acct1")
	require.NoError(t, err)
	require.Equal(t, 2, drivers["drive1"].Account("acct1").ConnectCount)
}
