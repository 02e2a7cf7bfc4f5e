package secapi

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-querystring/query"
)

// QueryParams expresses the common list options. Paging fields are mapped to
// the parameter names of the target service by ToValues.
type QueryParams struct {
	// PageSize is clamped to the service bounds. Nil leaves the server default.
	PageSize *int `url:"-"`
	// Page is the starting page for page-counter services.
	Page int `url:"-"`
	// Cursor resumes a cursor-paged listing.
	Cursor string `url:"-"`

	Search  string              `url:"search,omitempty"`
	Sort    string              `url:"sort,omitempty"`
	Fields  []string            `url:"fields,omitempty,comma"`
	Filters map[string][]string `url:"-"`
}

// NewQueryParams creates new query parameters.
func NewQueryParams() *QueryParams {
	return &QueryParams{
		Filters: make(map[string][]string),
	}
}

// WithPageSize sets the requested page size.
func (q *QueryParams) WithPageSize(size int) *QueryParams {
	q.PageSize = &size

	return q
}

// WithPage sets the starting page.
func (q *QueryParams) WithPage(page int) *QueryParams {
	q.Page = page

	return q
}

// WithCursor sets the continuation token.
func (q *QueryParams) WithCursor(cursor string) *QueryParams {
	q.Cursor = cursor

	return q
}

// WithSearch sets the free text search term.
func (q *QueryParams) WithSearch(search string) *QueryParams {
	q.Search = search

	return q
}

// WithSort sets the sort expression.
func (q *QueryParams) WithSort(sortBy string) *QueryParams {
	q.Sort = sortBy

	return q
}

// WithFields limits the returned fields.
func (q *QueryParams) WithFields(fields ...string) *QueryParams {
	q.Fields = append(q.Fields, fields...)

	return q
}

// WithFilter adds a filter. Multiple values are sent comma separated.
func (q *QueryParams) WithFilter(key string, values ...string) *QueryParams {
	if q.Filters == nil {
		q.Filters = make(map[string][]string)
	}

	q.Filters[key] = append(q.Filters[key], values...)

	return q
}

// ToValues encodes the parameters for the given service. A nil service
// encodes only the service independent fields.
func (q *QueryParams) ToValues(svc *Service) url.Values {
	if q == nil {
		return url.Values{}
	}

	values, err := query.Values(q)
	if err != nil {
		values = url.Values{}
	}

	keys := make([]string, 0, len(q.Filters))
	for key := range q.Filters {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		if len(q.Filters[key]) > 0 {
			values.Set(key, strings.Join(q.Filters[key], ","))
		}
	}

	if svc == nil {
		return values
	}

	if size, ok := svc.ClampPageSize(q.PageSize); ok {
		values.Set(svc.PageSizeParam, strconv.Itoa(size))
	}

	if q.Page > 0 && svc.PageParam != "" {
		values.Set(svc.PageParam, strconv.Itoa(q.Page))
	}

	if q.Cursor != "" && svc.CursorParam != "" {
		values.Set(svc.CursorParam, q.Cursor)
	}

	return values
}
