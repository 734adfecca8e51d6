package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/composite"
	"github.com/unidrive/unidrive/internal/logging"
)

// ─── Folder reads ───────────────────────────────────────────────────────────

func (s *Server) handleFolderGet(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	info, err := s.folders.Get(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleFolderFiles(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	sort, dir := sortParams(r)
	infos, err := s.files.List(r.Context(), sc, r.PathValue("token"), sort, dir)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSubfolders(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	infos, err := s.folders.ListSubfolders(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, infos)
}

func (s *Server) handleFolderPath(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	chain, err := s.folders.Path(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, chain)
}

func (s *Server) handleFolderByPath(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	q := r.URL.Query()
	service, account, path := q.Get("service"), q.Get("account"), q.Get("path")
	if service == "" || account == "" || path == "" {
		s.sendError(w, http.StatusBadRequest, "service, account and path query parameters required")
		return
	}

	info, err := s.folders.ByPath(r.Context(), sc, service, account, path)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleFolderQuota(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	quota, err := s.folders.Quota(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, quota)
}

func (s *Server) handleFolderStats(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	stats, err := s.folders.Stats(r.Context(), sc, r.PathValue("token"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleFolderSeqs reports current folder sequence numbers for a batch of
// tokens, the cheap poll clients use to detect remote changes.
func (s *Server) handleFolderSeqs(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	var body struct {
		Tokens []string `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Tokens) == 0 {
		s.sendError(w, http.StatusBadRequest, "tokens required")
		return
	}

	seqs, err := s.folders.Seqs(r.Context(), sc, body.Tokens)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, seqs)
}

// ─── Folder writes ──────────────────────────────────────────────────────────

func (s *Server) handleFolderCreate(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}

	info, err := s.folders.Create(r.Context(), sc, r.PathValue("token"), body.Name)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("folder created",
		zap.String("token", info.Token),
		zap.String("name", info.Name))
	s.sendJSON(w, http.StatusCreated, info)
}

func (s *Server) handleFolderRename(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}

	if err := s.folders.Rename(r.Context(), sc, r.PathValue("token"), body.Name); err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"name": body.Name})
}

func (s *Server) handleFolderPermissions(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	var body struct {
		Permissions []backend.FolderPermission `json:"permissions"`
		Cascade     bool                       `json:"cascade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.folders.SetPermissions(r.Context(), sc, r.PathValue("token"), body.Permissions, body.Cascade); err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	if err := s.folders.Delete(r.Context(), sc, r.PathValue("token")); err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleFolderClear(w http.ResponseWriter, r *http.Request) {
	sc, done := s.requestScope(r)
	defer done()

	if err := s.folders.Clear(r.Context(), sc, r.PathValue("token")); err != nil {
		s.sendOpError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// ─── Folder transfers ───────────────────────────────────────────────────────

func (s *Server) handleFolderMove(w http.ResponseWriter, r *http.Request) {
	s.handleFolderTransfer(w, r, true)
}

func (s *Server) handleFolderCopy(w http.ResponseWriter, r *http.Request) {
	s.handleFolderTransfer(w, r, false)
}

// handleFolderTransfer relocates or duplicates a folder tree. Across
// backends the dry run happens first; its warnings come back with HTTP
// 202 and nothing moved unless accept_warnings was set.
func (s *Server) handleFolderTransfer(w http.ResponseWriter, r *http.Request, move bool) {
	sc, done := s.requestScope(r)
	defer done()

	var body struct {
		Target         string `json:"target"`
		AcceptWarnings bool   `json:"accept_warnings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Target == "" {
		s.sendError(w, http.StatusBadRequest, "target folder token required")
		return
	}

	opts := composite.TransferOptions{AcceptWarnings: body.AcceptWarnings}
	var (
		outcome *composite.TransferOutcome
		err     error
	)
	if move {
		outcome, err = s.folders.Move(r.Context(), sc, r.PathValue("token"), body.Target, opts)
	} else {
		outcome, err = s.folders.Copy(r.Context(), sc, r.PathValue("token"), body.Target, opts)
	}
	if err != nil {
		s.sendOpError(w, err)
		return
	}

	resp := map[string]interface{}{
		"done":     outcome.Done,
		"warnings": warningsJSON(outcome.Warnings),
	}
	if outcome.Folder != nil {
		resp["folder"] = outcome.Folder
	}
	if outcome.Result != nil {
		resp["result"] = transferResultJSON(outcome.Result)
	}

	code := http.StatusOK
	if !outcome.Done {
		code = http.StatusAccepted
	}
	s.sendJSON(w, code, resp)
}

func sortParams(r *http.Request) (backend.SortField, backend.SortDir) {
	sort := backend.SortByName
	switch r.URL.Query().Get("sort") {
	case "modified":
		sort = backend.SortByModified
	case "size":
		sort = backend.SortBySize
	}
	dir := backend.Ascending
	if r.URL.Query().Get("dir") == "desc" {
		dir = backend.Descending
	}
	return sort, dir
}
