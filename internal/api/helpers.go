package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// timeFormat is the wire format for timestamps in API responses.
const timeFormat = time.RFC3339

// parseUUID extracts and parses a UUID URL parameter. Writes a 400 response
// and returns false when the value is not a valid UUID.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		ErrBadRequest(w, "invalid "+param+" parameter")
		return uuid.Nil, false
	}
	return id, true
}

// pageOpts reads the page and pageSize query parameters and converts them to
// repository list options. Page numbering starts at 1.
func pageOpts(r *http.Request) (page, pageSize int, opts repositories.ListOptions) {
	page = 1
	pageSize = defaultPageSize

	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return page, pageSize, repositories.ListOptions{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
}

// queryUUID parses an optional UUID query parameter. Returns nil when absent,
// and ok=false when present but malformed.
func queryUUID(r *http.Request, name string) (*uuid.UUID, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, true
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, false
	}
	return &id, true
}
