// Package search implements the federated search engine: it fans a
// query out to every involved backend, tolerates individual backend
// failures, and merges the per-backend ordered results into one globally
// ordered stream.
package search

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/fedid"
	"github.com/unidrive/unidrive/internal/logging"
	"github.com/unidrive/unidrive/internal/metrics"
	"github.com/unidrive/unidrive/internal/scope"
)

// DefaultSecondaryTimeout bounds how long plain enumeration waits for
// each non-primary backend before falling back to an empty contribution.
const DefaultSecondaryTimeout = 3 * time.Second

// Account names one backend account to search when no folders are given.
type Account struct {
	Service string
	Account string
}

// Request describes one federated search or enumeration.
type Request struct {
	// Folders restricts the search; empty means all of Accounts.
	Folders []fedid.FolderID

	// Accounts is consulted when Folders is empty ("search everywhere").
	Accounts []Account

	Term string
	Sort backend.SortField
	Dir  backend.SortDir

	// Window is the [Start, End) slice of the merged stream. End <= 0
	// means unbounded.
	Start int
	End   int
}

// Item is one merged result, addressed by its global id.
type Item struct {
	ID  fedid.FileID
	Doc backend.Document
}

// Engine coordinates fan-out queries through a bounded worker pool.
type Engine struct {
	workers          *semaphore.Weighted
	secondaryTimeout time.Duration
}

// NewEngine creates an engine admitting at most maxWorkers concurrent
// backend queries. secondaryTimeout <= 0 selects the default.
func NewEngine(maxWorkers int64, secondaryTimeout time.Duration) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if secondaryTimeout <= 0 {
		secondaryTimeout = DefaultSecondaryTimeout
	}
	return &Engine{
		workers:          semaphore.NewWeighted(maxWorkers),
		secondaryTimeout: secondaryTimeout,
	}
}

// group is the per-backend slice of one request.
type group struct {
	service string
	account string
	folders []string // backend-local folder ids; empty = whole account
}

// groupRequest buckets the requested folders (or accounts) by backend.
func groupRequest(req Request) []group {
	order := make([]string, 0, 4)
	byKey := make(map[string]*group)

	add := func(service, account, folder string) {
		key := service + "/" + account
		g, ok := byKey[key]
		if !ok {
			g = &group{service: service, account: account}
			byKey[key] = g
			order = append(order, key)
		}
		if folder != "" {
			g.folders = append(g.folders, folder)
		}
	}

	if len(req.Folders) > 0 {
		for _, f := range req.Folders {
			add(f.Service, f.Account, f.FolderLocalID)
		}
	} else {
		for _, a := range req.Accounts {
			add(a.Service, a.Account, "")
		}
	}

	groups := make([]group, 0, len(order))
	for _, key := range order {
		groups = append(groups, *byKey[key])
	}
	return groups
}

// Search runs the federated query. A failing backend contributes an
// empty result instead of failing the aggregate; only resolving zero
// backends or a failing single-backend direct call returns an error.
func (e *Engine) Search(ctx context.Context, sc *scope.Scope, req Request) ([]Item, error) {
	started := time.Now()
	defer func() { metrics.ObserveSearchDuration(time.Since(started)) }()

	groups := groupRequest(req)
	metrics.RecordSearchFanout(len(groups))

	switch len(groups) {
	case 0:
		return nil, nil
	case 1:
		// Single backend: no fan-out needed.
		items, err := e.queryOne(ctx, sc, groups[0], req)
		if err != nil {
			return nil, err
		}
		return window(items, req.Start, req.End), nil
	}

	// Fan out one task per backend, collect in completion order.
	results := make(chan []Item, len(groups))
	for _, g := range groups {
		g := g
		if err := e.workers.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer e.workers.Release(1)
			items, err := e.queryOne(ctx, sc, g, req)
			if err != nil {
				// One broken backend never fails the aggregate.
				metrics.RecordSearchBackendFailure(g.service)
				logging.Warn("backend search failed, contributing empty result",
					zap.String("service", g.service),
					zap.String("account", g.account),
					zap.Error(err))
				results <- nil
				return
			}
			results <- items
		}()
	}

	collected := make([][]Item, 0, len(groups))
	for i := 0; i < len(groups); i++ {
		collected = append(collected, <-results)
	}

	merged := mergeSorted(collected, req.Sort, req.Dir)
	return window(merged, req.Start, req.End), nil
}

// Enumerate lists multiple folders without a query term. The primary
// service's contribution is awaited without bound so the authoritative
// source is always represented; each secondary backend gets
// secondaryTimeout and falls back to an empty contribution.
func (e *Engine) Enumerate(ctx context.Context, sc *scope.Scope, req Request) ([]Item, error) {
	groups := groupRequest(req)
	metrics.RecordSearchFanout(len(groups))

	switch len(groups) {
	case 0:
		return nil, nil
	case 1:
		items, err := e.queryOne(ctx, sc, groups[0], req)
		if err != nil {
			return nil, err
		}
		return window(items, req.Start, req.End), nil
	}

	primaryService := sc.Registry().Primary()
	var primary *group
	secondaries := make([]group, 0, len(groups))
	for i := range groups {
		if groups[i].service == primaryService && primary == nil {
			primary = &groups[i]
		} else {
			secondaries = append(secondaries, groups[i])
		}
	}

	collected := make([][]Item, 0, len(groups))

	if primary != nil {
		// Synchronous and unbounded; slowness here is logged, not cut off.
		primaryStart := time.Now()
		items, err := e.queryOne(ctx, sc, *primary, req)
		if err != nil {
			metrics.RecordSearchBackendFailure(primary.service)
			logging.Warn("primary backend enumeration failed",
				zap.String("service", primary.service), zap.Error(err))
		} else {
			collected = append(collected, items)
		}
		if elapsed := time.Since(primaryStart); elapsed > e.secondaryTimeout {
			logging.Info("primary backend enumeration was slow",
				zap.String("service", primary.service),
				zap.Duration("elapsed", elapsed))
		}
	}

	type timed struct {
		items []Item
		g     group
	}
	results := make(chan timed, len(secondaries))
	for _, g := range secondaries {
		g := g
		if err := e.workers.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer e.workers.Release(1)
			items, err := e.queryOne(ctx, sc, g, req)
			if err != nil {
				metrics.RecordSearchBackendFailure(g.service)
				logging.Warn("secondary backend enumeration failed",
					zap.String("service", g.service), zap.Error(err))
				results <- timed{g: g}
				return
			}
			results <- timed{items: items, g: g}
		}()
	}

	deadline := time.NewTimer(e.secondaryTimeout)
	defer deadline.Stop()
	pending := len(secondaries)
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			collected = append(collected, r.items)
		case <-deadline.C:
			// Remaining secondaries contribute nothing.
			logging.Warn("secondary backends timed out during enumeration",
				zap.Int("pending", pending))
			pending = 0
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	merged := mergeSorted(collected, req.Sort, req.Dir)
	return window(merged, req.Start, req.End), nil
}

// queryOne executes the request slice of one backend and rewrites the
// results into global ids.
func (e *Engine) queryOne(ctx context.Context, sc *scope.Scope, g group, req Request) ([]Item, error) {
	started := time.Now()
	h, err := sc.Access(ctx, g.service, g.account)
	if err != nil {
		return nil, err
	}

	docs, err := h.Files().Search(ctx, g.folders, req.Term, req.Sort, req.Dir)
	if err != nil {
		return nil, err
	}
	metrics.ObserveBackendOp(g.service, "search", time.Since(started))

	items := make([]Item, len(docs))
	for i, d := range docs {
		items[i] = Item{
			ID: fedid.FileID{
				Service:       g.service,
				Account:       g.account,
				FolderLocalID: d.FolderLocalID,
				FileLocalID:   d.LocalID,
			},
			Doc: d,
		}
	}
	return items, nil
}
