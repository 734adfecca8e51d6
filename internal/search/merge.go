package search

import "github.com/unidrive/unidrive/internal/backend"

// mergeSorted performs a k-way merge of per-backend result slices that
// are each already ordered by the requested comparator. It never
// re-sorts an input stream.
func mergeSorted(lists [][]Item, field backend.SortField, dir backend.SortDir) []Item {
	total := 0
	nonEmpty := make([][]Item, 0, len(lists))
	for _, l := range lists {
		if len(l) > 0 {
			nonEmpty = append(nonEmpty, l)
			total += len(l)
		}
	}
	if len(nonEmpty) == 0 {
		return nil
	}
	if len(nonEmpty) == 1 {
		return nonEmpty[0]
	}

	out := make([]Item, 0, total)
	heads := make([]int, len(nonEmpty))
	for len(out) < total {
		best := -1
		for i, l := range nonEmpty {
			if heads[i] >= len(l) {
				continue
			}
			if best == -1 ||
				backend.CompareDocuments(l[heads[i]].Doc, nonEmpty[best][heads[best]].Doc, field, dir) < 0 {
				best = i
			}
		}
		out = append(out, nonEmpty[best][heads[best]])
		heads[best]++
	}
	return out
}

// window applies the [start, end) slice of the merged stream. end <= 0
// means unbounded. Indexes beyond the stream clamp to its length.
func window(items []Item, start, end int) []Item {
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > len(items) {
		end = len(items)
	}
	if start >= end {
		return nil
	}
	return items[start:end]
}
