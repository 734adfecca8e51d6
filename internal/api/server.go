// Package api provides the HTTP server and handlers. Every request gets
// its own connection scope: handles opened while serving it are pooled
// per account and closed when the response is written.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unidrive/unidrive/internal/auth"
	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/composite"
	"github.com/unidrive/unidrive/internal/events"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/logging"
	"github.com/unidrive/unidrive/internal/metrics"
	"github.com/unidrive/unidrive/internal/scope"
	"github.com/unidrive/unidrive/internal/search"
	"github.com/unidrive/unidrive/internal/transfer"
)

// Server is the HTTP server.
type Server struct {
	registry *backend.Registry
	files    *composite.FileAccess
	folders  *composite.FolderAccess
	searcher *search.Engine
	auth     *auth.Auth

	maxUploadSize int64

	// SSE
	broadcaster *events.Broadcaster
}

// NewServer creates a new server over the composite layer.
func NewServer(
	registry *backend.Registry,
	files *composite.FileAccess,
	folders *composite.FolderAccess,
	searcher *search.Engine,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	maxUploadSize int64,
) *Server {
	return &Server{
		registry:      registry,
		files:         files,
		folders:       folders,
		searcher:      searcher,
		auth:          authHandler,
		broadcaster:   broadcaster,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints
	protected := http.NewServeMux()

	// File endpoints
	protected.HandleFunc("GET /api/v1/files/{token}", s.handleFileGet)
	protected.HandleFunc("GET /api/v1/files/{token}/content", s.handleFileContent)
	protected.HandleFunc("PUT /api/v1/files/{token}/content", s.handleFileUpdate)
	protected.HandleFunc("PATCH /api/v1/files/{token}", s.handleFileMetadata)
	protected.HandleFunc("GET /api/v1/files/{token}/versions", s.handleFileVersions)
	protected.HandleFunc("GET /api/v1/files/{token}/versions/{version}", s.handleFileVersionContent)
	protected.HandleFunc("GET /api/v1/files/{token}/thumbnail", s.handleFileThumbnail)
	protected.HandleFunc("POST /api/v1/files/{token}/move", s.handleFileMove)
	protected.HandleFunc("POST /api/v1/files/{token}/copy", s.handleFileCopy)
	protected.HandleFunc("POST /api/v1/files/{token}/lock", s.handleFileLock)
	protected.HandleFunc("DELETE /api/v1/files/{token}/lock", s.handleFileUnlock)
	protected.HandleFunc("POST /api/v1/files/remove", s.handleFileRemove)

	// Folder endpoints
	protected.HandleFunc("GET /api/v1/folders/{token}", s.handleFolderGet)
	protected.HandleFunc("GET /api/v1/folders/{token}/files", s.handleFolderFiles)
	protected.HandleFunc("POST /api/v1/folders/{token}/files", s.handleFileCreate)
	protected.HandleFunc("GET /api/v1/folders/{token}/subfolders", s.handleSubfolders)
	protected.HandleFunc("POST /api/v1/folders/{token}/subfolders", s.handleFolderCreate)
	protected.HandleFunc("PATCH /api/v1/folders/{token}", s.handleFolderRename)
	protected.HandleFunc("PUT /api/v1/folders/{token}/permissions", s.handleFolderPermissions)
	protected.HandleFunc("DELETE /api/v1/folders/{token}", s.handleFolderDelete)
	protected.HandleFunc("POST /api/v1/folders/{token}/clear", s.handleFolderClear)
	protected.HandleFunc("GET /api/v1/folders/{token}/path", s.handleFolderPath)
	protected.HandleFunc("GET /api/v1/folders/{token}/quota", s.handleFolderQuota)
	protected.HandleFunc("GET /api/v1/folders/{token}/stats", s.handleFolderStats)
	protected.HandleFunc("POST /api/v1/folders/{token}/move", s.handleFolderMove)
	protected.HandleFunc("POST /api/v1/folders/{token}/copy", s.handleFolderCopy)
	protected.HandleFunc("POST /api/v1/folders/seqs", s.handleFolderSeqs)
	protected.HandleFunc("GET /api/v1/folders/by-path", s.handleFolderByPath)

	// Search endpoints
	protected.HandleFunc("GET /api/v1/search", s.handleSearch)
	protected.HandleFunc("GET /api/v1/enumerate", s.handleEnumerate)

	// SSE endpoint
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	return observed(mux)
}

// observed wraps the handler with request logging and metrics.
func observed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, duration)
		logging.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestScope builds the per-request connection scope. The returned
// cleanup closes every handle the request opened and logs close
// warnings; it must run after the response is written.
func (s *Server) requestScope(r *http.Request) (*scope.Scope, func()) {
	sc := scope.New(s.registry, auth.Actor(r.Context()))
	cleanup := func() {
		for _, warn := range sc.CloseAll(context.WithoutCancel(r.Context())) {
			logging.Warn("backend close failed",
				zap.String("service", warn.Service),
				zap.String("account", warn.Account),
				zap.Error(warn.Err))
		}
	}
	return sc, cleanup
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"services": s.registry.Services(),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Topic, data)
			flusher.Flush()
		}
	}
}

// ─── Responses ──────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}

// sendOpError maps backend and composite errors onto HTTP statuses.
func (s *Server) sendOpError(w http.ResponseWriter, err error) {
	var notAccessible *backend.NotAccessibleError
	switch {
	case errors.Is(err, fedid.ErrInvalidIdentifier):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backend.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, backend.ErrConflict):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backend.ErrCapabilityUnsupported):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, backend.ErrUnknownBackend):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &notAccessible):
		s.sendError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, transfer.ErrTransferAborted),
		errors.Is(err, transfer.ErrPostCommitDelete):
		s.sendError(w, http.StatusBadGateway, err.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// warningJSON flattens transfer warnings for the wire.
type warningJSON struct {
	Kind   string `json:"kind"`
	Folder string `json:"folder"`
	File   string `json:"file,omitempty"`
	Path   string `json:"path"`
	Detail string `json:"detail,omitempty"`
}

func warningsJSON(warns []transfer.Warning) []warningJSON {
	out := make([]warningJSON, 0, len(warns))
	for _, warn := range warns {
		wj := warningJSON{
			Kind:   string(warn.Kind),
			Folder: warn.SourceFolder.String(),
			Path:   warn.Path,
			Detail: warn.Detail,
		}
		if warn.SourceFile.FileLocalID != "" {
			wj.File = warn.SourceFile.String()
		}
		out = append(out, wj)
	}
	return out
}

// resultJSON renders one node of a transfer result tree.
type resultJSON struct {
	Source      string            `json:"source"`
	SourcePath  string            `json:"source_path"`
	Target      string            `json:"target"`
	TargetPath  string            `json:"target_path"`
	Transferred map[string]string `json:"transferred,omitempty"`
	Nested      []resultJSON      `json:"nested,omitempty"`
}

func transferResultJSON(r *transfer.Result) resultJSON {
	out := resultJSON{
		Source:     r.SourceFolderID.String(),
		SourcePath: r.SourcePath,
		Target:     r.TargetFolderID.String(),
		TargetPath: r.TargetPath,
	}
	if len(r.TransferredFiles) > 0 {
		out.Transferred = make(map[string]string, len(r.TransferredFiles))
		for src, destLocal := range r.TransferredFiles {
			target := fedid.FileID{
				Service:       r.TargetFolderID.Service,
				Account:       r.TargetFolderID.Account,
				FolderLocalID: r.TargetFolderID.FolderLocalID,
				FileLocalID:   destLocal,
			}
			out.Transferred[src.String()] = target.String()
		}
	}
	for _, n := range r.Nested {
		out.Nested = append(out.Nested, transferResultJSON(n))
	}
	return out
}
