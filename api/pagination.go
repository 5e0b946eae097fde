package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// PaginationMeta accompanies any paged list of sessions or export rows.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// pageRequest is the window a caller asked for. requested is false when
// neither limit nor offset was given.
type pageRequest struct {
	limit     int
	offset    int
	requested bool
}

// parsePage reads limit and offset. Unparseable or non-positive values fall
// back to the defaults and limit is capped at maxPageLimit.
func parsePage(r *http.Request) pageRequest {
	q := r.URL.Query()
	p := pageRequest{limit: defaultPageLimit}
	if v := q.Get("limit"); v != "" {
		p.requested = true
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.limit = min(n, maxPageLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		p.requested = true
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.offset = n
		}
	}
	return p
}

// page returns the requested slice of items. The result shares items'
// backing array and is empty when the offset runs past the end.
func page[T any](items []T, p pageRequest) ([]T, PaginationMeta) {
	total := len(items)
	start := min(p.offset, total)
	end := min(start+p.limit, total)
	return items[start:end], PaginationMeta{
		TotalCount: total,
		Limit:      p.limit,
		Offset:     p.offset,
		HasMore:    end < total,
	}
}
