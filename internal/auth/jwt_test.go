package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	a := New("test-secret")
	token, err := a.IssueToken("alice", time.Hour)
	require.NoError(t, err)

	var gotActor string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = Actor(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", gotActor)
}

func TestMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	a := New("test-secret")
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsForeignSecret(t *testing.T) {
	other := New("other-secret")
	token, err := other.IssueToken("mallory", time.Hour)
	require.NoError(t, err)

	a := New("test-secret")
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueryParameterFallback(t *testing.T) {
	a := New("test-secret")
	token, err := a.IssueToken("bob", time.Hour)
	require.NoError(t, err)

	var gotActor string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = Actor(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/events?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "bob", gotActor)
}

func TestExpiredTokenRejected(t *testing.T) {
	a := New("test-secret")
	token, err := a.IssueToken("carol", -time.Minute)
	require.NoError(t, err)

	_, err = a.validateToken(token)
	require.Error(t, err)
}
