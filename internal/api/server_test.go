package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unidrive/unidrive/internal/auth"
	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/backend/backendtest"
	"github.com/unidrive/unidrive/internal/composite"
	"github.com/unidrive/unidrive/internal/events"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/search"
	"github.com/unidrive/unidrive/internal/transfer"
)

type testServer struct {
	handler http.Handler
	token   string
	alpha   *backendtest.Driver
	beta    *backendtest.Driver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	alpha := backendtest.NewDriver("alpha")
	alpha.Account("a1").Versioning = true
	alpha.Account("a1").Sequences = true
	beta := backendtest.NewDriver("beta")

	reg := backend.NewRegistry()
	reg.Register(alpha)
	reg.Register(beta)
	reg.SetPrimary("alpha")

	deps := &composite.Deps{
		Registry: reg,
		Events:   events.NewBroadcaster(),
		Transfer: transfer.NewEngine(),
	}

	a := auth.New("test-secret")
	token, err := a.IssueToken("tester", time.Hour)
	require.NoError(t, err)

	srv := NewServer(
		reg,
		composite.NewFileAccess(deps),
		composite.NewFolderAccess(deps),
		search.NewEngine(4, time.Second),
		a,
		events.NewBroadcaster(),
		1<<20,
	)
	return &testServer{handler: srv.Handler(), token: token, alpha: alpha, beta: beta}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func rootToken(service, account string) string {
	return fedid.FolderID{Service: service, Account: account, FolderLocalID: backendtest.RootID}.String()
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]interface{}](t, rec)
	require.Equal(t, "ok", body["status"])
}

func TestAPIRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/folders/"+rootToken("alpha", "a1"), nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFileLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	root := rootToken("alpha", "a1")

	// Create.
	rec := ts.do(t, http.MethodPost,
		"/api/v1/folders/"+root+"/files?name=notes.txt&note=draft",
		strings.NewReader("hello federation"),
		"Content-Type", "text/plain")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[composite.FileInfo](t, rec)
	require.Equal(t, "notes.txt", created.Name)
	require.Equal(t, int64(1), created.Seq)

	// Read content back.
	rec = ts.do(t, http.MethodGet, "/api/v1/files/"+created.Token+"/content", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello federation", rec.Body.String())
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	require.Equal(t, "1", rec.Header().Get("X-Seq"))

	// Update with the right sequence.
	rec = ts.do(t, http.MethodPut,
		"/api/v1/files/"+created.Token+"/content",
		strings.NewReader("hello again"),
		"X-Expected-Seq", "1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[composite.FileInfo](t, rec)
	require.Equal(t, int64(2), updated.Seq)

	// Remove.
	body, _ := json.Marshal(map[string]interface{}{
		"items": []map[string]interface{}{{"token": created.Token, "expected_seq": 2}},
	})
	rec = ts.do(t, http.MethodPost, "/api/v1/files/remove", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/files/"+created.Token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStaleSequenceMapsToConflict(t *testing.T) {
	ts := newTestServer(t)
	doc := ts.alpha.Account("a1").AddFile(backendtest.RootID, "busy.txt", []byte("v1"))
	token := fedid.FileID{
		Service: "alpha", Account: "a1",
		FolderLocalID: backendtest.RootID, FileLocalID: doc.LocalID,
	}.String()

	rec := ts.do(t, http.MethodPut,
		"/api/v1/files/"+token+"/content",
		strings.NewReader("v2"),
		"X-Expected-Seq", "41")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestResidualRemovalsReturnMultiStatus(t *testing.T) {
	ts := newTestServer(t)
	doc := ts.alpha.Account("a1").AddFile(backendtest.RootID, "pinned.txt", []byte("x"))
	token := fedid.FileID{
		Service: "alpha", Account: "a1",
		FolderLocalID: backendtest.RootID, FileLocalID: doc.LocalID,
	}.String()

	body, _ := json.Marshal(map[string]interface{}{
		"items": []map[string]interface{}{{"token": token, "expected_seq": 99}},
	})
	rec := ts.do(t, http.MethodPost, "/api/v1/files/remove", bytes.NewReader(body))
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	resp := decodeBody[struct {
		Removed  int      `json:"removed"`
		Residual []string `json:"residual"`
	}](t, rec)
	require.Equal(t, 0, resp.Removed)
	require.Equal(t, []string{token}, resp.Residual)
}

func TestMalformedTokenMapsToBadRequest(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/files/not-a-token", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingCapabilityMapsToUnprocessable(t *testing.T) {
	ts := newTestServer(t)
	doc := ts.beta.Account("b1").AddFile(backendtest.RootID, "flat.txt", []byte("x"))
	token := fedid.FileID{
		Service: "beta", Account: "b1",
		FolderLocalID: backendtest.RootID, FileLocalID: doc.LocalID,
	}.String()

	rec := ts.do(t, http.MethodGet, "/api/v1/files/"+token+"/versions", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestFolderListingAndCreation(t *testing.T) {
	ts := newTestServer(t)
	root := rootToken("alpha", "a1")

	body, _ := json.Marshal(map[string]string{"name": "projects"})
	rec := ts.do(t, http.MethodPost, "/api/v1/folders/"+root+"/subfolders", bytes.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[composite.FolderInfo](t, rec)
	require.Equal(t, "projects", created.Name)

	rec = ts.do(t, http.MethodGet, "/api/v1/folders/"+root+"/subfolders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subs := decodeBody[[]composite.FolderInfo](t, rec)
	require.Len(t, subs, 1)
	require.Equal(t, created.Token, subs[0].Token)
}

func TestSearchAcrossAccounts(t *testing.T) {
	ts := newTestServer(t)
	ts.alpha.Account("a1").AddFile(backendtest.RootID, "alpha-report.txt", []byte("a"))
	ts.beta.Account("b1").AddFile(backendtest.RootID, "beta-report.txt", []byte("b"))
	ts.beta.Account("b1").AddFile(backendtest.RootID, "unrelated.bin", []byte("c"))

	rec := ts.do(t, http.MethodGet, "/api/v1/search?q=report&accounts=alpha:a1,beta:b1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	items := decodeBody[[]composite.FileInfo](t, rec)
	require.Len(t, items, 2)
	require.Equal(t, "alpha-report.txt", items[0].Name)
	require.Equal(t, "beta-report.txt", items[1].Name)
}

func TestEnumerateWindowsMergedStream(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 5; i++ {
		ts.alpha.Account("a1").AddFile(backendtest.RootID, fmt.Sprintf("doc-%d.txt", i), []byte("x"))
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/enumerate?accounts=alpha:a1&start=2&end=4", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	items := decodeBody[[]composite.FileInfo](t, rec)
	require.Len(t, items, 2)
	require.Equal(t, "doc-2.txt", items[0].Name)
	require.Equal(t, "doc-3.txt", items[1].Name)
}

func TestFolderTransferStopsOnWarnings(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.alpha.Account("a1")
	trip := acc.AddFolder(backendtest.RootID, "trip")
	acc.AddFile(trip.LocalID, "plan.txt", []byte("itinerary"), func(d *backend.Document) {
		d.Note = "remember the visa"
	})

	source := fedid.FolderID{Service: "alpha", Account: "a1", FolderLocalID: trip.LocalID}.String()
	target := rootToken("beta", "b1")

	// Dry run finds the note warning and stops with 202.
	body, _ := json.Marshal(map[string]interface{}{"target": target})
	rec := ts.do(t, http.MethodPost, "/api/v1/folders/"+source+"/move", bytes.NewReader(body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeBody[struct {
		Done     bool          `json:"done"`
		Warnings []warningJSON `json:"warnings"`
	}](t, rec)
	require.False(t, resp.Done)
	require.Len(t, resp.Warnings, 1)
	require.Equal(t, "note", resp.Warnings[0].Kind)

	// Accepting the warnings executes the move.
	body, _ = json.Marshal(map[string]interface{}{"target": target, "accept_warnings": true})
	rec = ts.do(t, http.MethodPost, "/api/v1/folders/"+source+"/move", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	done := decodeBody[struct {
		Done   bool       `json:"done"`
		Result resultJSON `json:"result"`
	}](t, rec)
	require.True(t, done.Done)
	require.Len(t, done.Result.Transferred, 1)
}

func TestUploadSizeLimit(t *testing.T) {
	ts := newTestServer(t)
	root := rootToken("alpha", "a1")

	big := strings.NewReader(strings.Repeat("x", 2<<20))
	rec := ts.do(t, http.MethodPost, "/api/v1/folders/"+root+"/files?name=big.bin", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
