package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/composite"
	"github.com/unidrive/unidrive/internal/logging"
)

// ─── File reads ─────────────────────────────────────────────────────────────

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	info, err := s.files.Get(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()
	token := r.PathValue("token")

	info, err := s.files.Get(r.Context(), sc, token)
	if err != nil {
		s.sendOpError(w, err)
		return
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		offset, length, ok := parseRangeHeader(rangeHeader, info.Size)
		if !ok {
			s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "unsatisfiable range")
			return
		}
		rc, err := s.files.ContentRange(r.Context(), sc, token, offset, length)
		if err != nil {
			s.sendOpError(w, err)
			return
		}
		defer rc.Close()

		setContentType(w, info.MimeType)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, info.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
		copyContent(w, rc, r.URL.Path)
		return
	}

	rc, size, err := s.files.Content(r.Context(), sc, token)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	defer rc.Close()

	setContentType(w, info.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("X-Seq", strconv.FormatInt(info.Seq, 10))
	w.WriteHeader(http.StatusOK)
	copyContent(w, rc, r.URL.Path)
}

func (s *Server) handleFileVersions(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	versions, err := s.files.Versions(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}

	type versionJSON struct {
		Number   int    `json:"number"`
		Size     int64  `json:"size"`
		Modified string `json:"modified"`
		Actor    string `json:"actor,omitempty"`
		Comment  string `json:"comment,omitempty"`
	}
	out := make([]versionJSON, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionJSON{
			Number:   v.Number,
			Size:     v.Size,
			Modified: v.Modified.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Actor:    v.Actor,
			Comment:  v.Comment,
		})
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleFileVersionContent(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		s.sendError(w, http.StatusBadRequest, "invalid version number")
		return
	}

	rc, size, err := s.files.VersionContent(r.Context(), sc, r.PathValue("token"), version)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("X-Version", strconv.Itoa(version))
	w.WriteHeader(http.StatusOK)
	copyContent(w, rc, r.URL.Path)
}

func (s *Server) handleFileThumbnail(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	maxWidth := queryInt(r, "w", 256)
	maxHeight := queryInt(r, "h", 256)

	rc, mimeType, err := s.files.Thumbnail(r.Context(), sc, r.PathValue("token"), maxWidth, maxHeight)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	defer rc.Close()

	setContentType(w, mimeType)
	w.WriteHeader(http.StatusOK)
	copyContent(w, rc, r.URL.Path)
}

// ─── File writes ────────────────────────────────────────────────────────────

// handleFileCreate uploads a new document into a folder. The body is the
// raw content; metadata rides in query parameters and headers.
func (s *Server) handleFileCreate(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	name := r.URL.Query().Get("name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "name query parameter required")
		return
	}
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}

	req := composite.SaveRequest{
		FolderToken: r.PathValue("token"),
		Name:        name,
		MimeType:    r.Header.Get("Content-Type"),
		Note:        r.URL.Query().Get("note"),
		Categories:  splitCSV(r.URL.Query().Get("categories")),
		Content:     io.LimitReader(r.Body, s.maxUploadSize),
		Size:        r.ContentLength,
	}

	info, err := s.files.Save(r.Context(), sc, req)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("file created",
		zap.String("token", info.Token),
		zap.String("name", info.Name),
		zap.Int64("size", info.Size))
	s.sendJSON(w, http.StatusCreated, info)
}

// handleFileUpdate replaces an existing document's content. The expected
// sequence number guards against lost updates. Metadata the request does
// not name carries over from the current record.
func (s *Server) handleFileUpdate(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	expectedSeq, err := strconv.ParseInt(r.Header.Get("X-Expected-Seq"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "X-Expected-Seq header required")
		return
	}
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}

	current, err := s.files.Get(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}

	q := r.URL.Query()
	req := composite.SaveRequest{
		FileToken:     r.PathValue("token"),
		Name:          current.Name,
		MimeType:      current.MimeType,
		Note:          current.Note,
		Categories:    current.Categories,
		Permissions:   current.Permissions,
		Content:       io.LimitReader(r.Body, s.maxUploadSize),
		Size:          r.ContentLength,
		ExpectedSeq:   expectedSeq,
		IgnoreVersion: r.Header.Get("X-Ignore-Version") == "true",
	}
	if q.Has("name") {
		req.Name = q.Get("name")
	}
	if q.Has("note") {
		req.Note = q.Get("note")
	}
	if q.Has("categories") {
		req.Categories = splitCSV(q.Get("categories"))
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.MimeType = ct
	}

	info, err := s.files.Save(r.Context(), sc, req)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

// handleFileMetadata updates a document's metadata, including its
// permission list, without touching the content. Absent fields keep
// their current values; explicit empty values clear them.
func (s *Server) handleFileMetadata(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	var body struct {
		Name        *string               `json:"name"`
		Note        *string               `json:"note"`
		Categories  *[]string             `json:"categories"`
		Permissions *[]backend.Permission `json:"permissions"`
		ExpectedSeq int64                 `json:"expected_seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	current, err := s.files.Get(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}

	req := composite.SaveRequest{
		FileToken:   r.PathValue("token"),
		Name:        current.Name,
		MimeType:    current.MimeType,
		Note:        current.Note,
		Categories:  current.Categories,
		Permissions: current.Permissions,
		ExpectedSeq: body.ExpectedSeq,
	}
	if body.Name != nil {
		req.Name = *body.Name
	}
	if body.Note != nil {
		req.Note = *body.Note
	}
	if body.Categories != nil {
		req.Categories = *body.Categories
	}
	if body.Permissions != nil {
		req.Permissions = *body.Permissions
	}

	info, err := s.files.Save(r.Context(), sc, req)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleFileMove(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	target, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}
	info, err := s.files.Move(r.Context(), sc, r.PathValue("token"), target)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleFileCopy(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	target, ok := s.decodeTarget(w, r)
	if !ok {
		return
	}
	info, err := s.files.Copy(r.Context(), sc, r.PathValue("token"), target)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, info)
}

// handleFileRemove deletes a batch of documents. Items whose sequence
// guard failed come back in the residual list with HTTP 207 semantics.
func (s *Server) handleFileRemove(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	var body struct {
		Items []struct {
			Token       string `json:"token"`
			ExpectedSeq int64  `json:"expected_seq"`
		} `json:"items"`
		Hard bool `json:"hard"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Items) == 0 {
		s.sendError(w, http.StatusBadRequest, "items required")
		return
	}

	items := make([]composite.RemoveItem, 0, len(body.Items))
	for _, it := range body.Items {
		items = append(items, composite.RemoveItem{Token: it.Token, ExpectedSeq: it.ExpectedSeq})
	}

	residual, err := s.files.Remove(r.Context(), sc, items, body.Hard)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	if residual == nil {
		residual = []string{}
	}
	code := http.StatusOK
	if len(residual) > 0 {
		code = http.StatusMultiStatus
	}
	s.sendJSON(w, code, map[string]interface{}{
		"removed":  len(items) - len(residual),
		"residual": residual,
	})
}

func (s *Server) handleFileLock(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	if err := s.files.Lock(r.Context(), sc, r.PathValue("token")); err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"locked": true})
}

func (s *Server) handleFileUnlock(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	if err := s.files.Unlock(r.Context(), sc, r.PathValue("token")); err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"locked": false})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) decodeTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Target == "" {
		s.sendError(w, http.StatusBadRequest, "target folder token required")
		return "", false
	}
	return body.Target, true
}

func setContentType(w http.ResponseWriter, mimeType string) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
}

func copyContent(w http.ResponseWriter, rc io.Reader, path string) {
	if _, err := io.Copy(w, rc); err != nil {
		logging.Warn("content transfer error", zap.String("path", path), zap.Error(err))
	}
}

// parseRangeHeader understands single "bytes=a-b" and "bytes=a-" ranges.
func parseRangeHeader(header string, totalSize int64) (offset, length int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= totalSize {
		return 0, 0, false
	}
	end := totalSize - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end >= totalSize {
			end = totalSize - 1
		}
	}
	return start, end - start + 1, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return fallback
	}
	return i
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
