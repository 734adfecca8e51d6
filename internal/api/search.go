package api

import (
	"net/http"
	"strings"

	"github.com/unidrive/unidrive/internal/composite"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/scope"
	"github.com/unidrive/unidrive/internal/search"
)

// handleSearch runs a federated term search. The scope is either the
// folder tokens in ?folders= or the whole accounts in ?accounts=
// ("service:account" entries, comma separated).
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		s.sendError(w, http.StatusBadRequest, "q query parameter required")
		return
	}
	s.runQuery(w, r, term, func(ctx *queryContext) ([]search.Item, error) {
		return s.searcher.Search(ctx.r.Context(), ctx.sc, ctx.req)
	})
}

// handleEnumerate lists the query scope without a term, merged and
// windowed the same way a search is.
func (s *Server) handleEnumerate(w http.ResponseWriter, r *http.Request) {
	s.runQuery(w, r, "", func(ctx *queryContext) ([]search.Item, error) {
		return s.searcher.Enumerate(ctx.r.Context(), ctx.sc, ctx.req)
	})
}

type queryContext struct {
	r   *http.Request
	sc  *scope.Scope
	req search.Request
}

func (s *Server) runQuery(w http.ResponseWriter, r *http.Request, term string, run func(*queryContext) ([]search.Item, error)) {
	sc, done := s.requestScope(r)
	defer done()

	req, err := buildQueryRequest(r, term)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := run(&queryContext{r: r, sc: sc, req: req})
	if err != nil {
		s.sendOpError(w, err)
		return
	}

	out := make([]composite.FileInfo, 0, len(items))
	for i := range items {
		id := items[i].ID
		doc := items[i].Doc
		info := composite.FileInfo{
			ID:            id,
			Token:         id.String(),
			Name:          doc.Name,
			Size:          doc.Size,
			MimeType:      doc.MimeType,
			Seq:           doc.Seq,
			VersionNumber: doc.VersionNumber,
			Created:       doc.Created,
			Modified:      doc.Modified,
			ModifiedBy:    doc.ModifiedBy,
			Note:          doc.Note,
			Categories:    doc.Categories,
		}
		out = append(out, info)
	}
	s.sendJSON(w, http.StatusOK, out)
}

func buildQueryRequest(r *http.Request, term string) (search.Request, error) {
	sort, dir := sortParams(r)
	req := search.Request{
		Term:  term,
		Sort:  sort,
		Dir:   dir,
		Start: queryInt(r, "start", 0),
		End:   queryInt(r, "end", 0),
	}

	for _, token := range splitCSV(r.URL.Query().Get("folders")) {
		id, err := fedid.DecodeFolder(token)
		if err != nil {
			return search.Request{}, err
		}
		req.Folders = append(req.Folders, id)
	}
	for _, entry := range splitCSV(r.URL.Query().Get("accounts")) {
		service, account, found := strings.Cut(entry, ":")
		if !found || service == "" || account == "" {
			return search.Request{}, errBadAccount(entry)
		}
		req.Accounts = append(req.Accounts, search.Account{Service: service, Account: account})
	}
	return req, nil
}

type errBadAccount string

func (e errBadAccount) Error() string {
	return "malformed account entry, want service:account: " + string(e)
}
