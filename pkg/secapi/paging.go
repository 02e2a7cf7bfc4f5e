package secapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// PageState tracks the position of one PagedResult.
type PageState struct {
	// Page is the page number of the current page (page-counter services).
	Page int
	// TotalPages is the total reported by the server; valid when HasTotal is set.
	TotalPages int
	HasTotal   bool
	// Cursor is the continuation token returned with the current page and
	// PrevCursor the one that was sent to obtain it.
	Cursor     string
	PrevCursor string
	// NextLink is the URL of the following page (link services).
	NextLink string
	// PageSize is the size the server applies to this listing.
	PageSize   int
	LastCount  int
	ItemsSoFar int
	Pages      int
}

// PagedResult wraps one page of a listing and knows how to fetch the next.
// It is not safe for concurrent use.
type PagedResult struct {
	doer     Doer
	service  *Service
	request  *Request
	response *Response
	items    []json.RawMessage
	state    PageState
}

// NewPagedResult wraps the first page. req is the request that produced resp;
// it is copied and serves as the template for continuation requests.
func NewPagedResult(doer Doer, svc *Service, req *Request, resp *Response) (*PagedResult, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: paged result requires a service", ErrUnknownService)
	}

	template := req.Clone()
	template.FoldPathQuery()

	result := &PagedResult{
		doer:    doer,
		service: svc,
	}

	err := result.absorb(template, resp)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Items returns the raw items of the current page.
func (p *PagedResult) Items() []json.RawMessage {
	return p.items
}

// Response returns the response of the current page.
func (p *PagedResult) Response() *Response {
	return p.response
}

// State returns a copy of the pagination state.
func (p *PagedResult) State() PageState {
	return p.state
}

// Service returns the strategy driving this result.
func (p *PagedResult) Service() *Service {
	return p.service
}

// HasNext reports whether another page is available. It performs no I/O.
func (p *PagedResult) HasNext() bool {
	if p.state.LastCount == 0 {
		return false
	}

	switch p.service.Pagination {
	case PaginationPageTotal:
		if p.state.HasTotal {
			return p.state.Page < p.state.TotalPages
		}

		return p.state.PageSize > 0 && p.state.LastCount >= p.state.PageSize
	case PaginationCursor:
		return p.state.Cursor != "" && p.state.Cursor != p.state.PrevCursor
	case PaginationLink:
		return p.state.NextLink != ""
	case PaginationFlat, PaginationNone:
		return false
	default:
		return false
	}
}

// Next fetches the following page and makes it current. It returns a
// *PaginationError when HasNext is false. On failure the current page is kept.
func (p *PagedResult) Next(ctx context.Context) error {
	if !p.HasNext() {
		return &PaginationError{Service: p.service.ID, Pages: p.state.Pages}
	}

	next := p.request.Clone()

	switch p.service.Pagination {
	case PaginationPageTotal:
		if next.Query == nil {
			next.Query = url.Values{}
		}

		next.Query.Set(p.service.PageParam, strconv.Itoa(p.state.Page+1))
	case PaginationCursor:
		if next.Query == nil {
			next.Query = url.Values{}
		}

		next.Query.Set(p.service.CursorParam, p.state.Cursor)
	case PaginationLink:
		next.Path = p.state.NextLink
		next.Query = nil
		next.FoldPathQuery()
	case PaginationFlat, PaginationNone:
		return &PaginationError{Service: p.service.ID, Pages: p.state.Pages}
	}

	resp, err := p.doer.Do(ctx, next)
	if err != nil {
		return fmt.Errorf("fetching page %d of %s: %w", p.state.Pages+1, p.service.ID, err)
	}

	return p.absorb(next, resp)
}

// All collects the items of the current page and every following page,
// stopping after MaxPages pages.
func (p *PagedResult) All(ctx context.Context) ([]json.RawMessage, error) {
	all := make([]json.RawMessage, 0, len(p.items))
	all = append(all, p.items...)

	for p.HasNext() && p.state.Pages < constants.MaxPages {
		err := p.Next(ctx)
		if err != nil {
			return all, err
		}

		all = append(all, p.items...)
	}

	return all, nil
}

func (p *PagedResult) absorb(req *Request, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("parsing %s page: %w", p.service.ID, ErrEmptyResponse)
	}

	var body gjson.Result
	if len(resp.Body) > 0 {
		if !gjson.ValidBytes(resp.Body) {
			return fmt.Errorf("parsing %s page: %w", p.service.ID, ErrInvalidResponseBody)
		}

		body = gjson.ParseBytes(resp.Body)
	}

	items := extractItems(body, p.service.ItemsPath)

	state := PageState{
		PageSize:   p.service.EffectivePageSize(req.Query),
		LastCount:  len(items),
		ItemsSoFar: p.state.ItemsSoFar + len(items),
		Pages:      p.state.Pages + 1,
	}

	switch p.service.Pagination {
	case PaginationPageTotal:
		state.Page = p.service.FirstPage
		if raw := req.Query.Get(p.service.PageParam); raw != "" {
			if page, err := strconv.Atoi(raw); err == nil {
				state.Page = page
			}
		}

		if p.service.TotalPagesPath != "" {
			if total := body.Get(p.service.TotalPagesPath); total.Exists() && total.Type == gjson.Number {
				state.TotalPages = int(total.Int())
				state.HasTotal = true
			}
		}
	case PaginationCursor:
		state.PrevCursor = req.Query.Get(p.service.CursorParam)
		if cursor := body.Get(p.service.CursorPath); cursor.Exists() && cursor.Type != gjson.Null {
			state.Cursor = cursor.String()
		}
	case PaginationLink:
		if link := body.Get(p.service.NextLinkPath); link.Exists() && link.Type == gjson.String {
			state.NextLink = link.String()
		}
	case PaginationFlat, PaginationNone:
	}

	p.request = req
	p.response = resp
	p.items = items
	p.state = state

	return nil
}

func extractItems(body gjson.Result, path string) []json.RawMessage {
	list := body
	if path != "" {
		list = body.Get(path)
	}

	if !list.IsArray() {
		return []json.RawMessage{}
	}

	elements := list.Array()
	items := make([]json.RawMessage, 0, len(elements))

	for _, element := range elements {
		items = append(items, json.RawMessage(element.Raw))
	}

	return items
}

// DecodeItems unmarshals raw items into T.
func DecodeItems[T any](items []json.RawMessage) ([]T, error) {
	decoded := make([]T, 0, len(items))

	for i, raw := range items {
		var item T

		err := json.Unmarshal(raw, &item)
		if err != nil {
			return decoded, fmt.Errorf("decoding item %d: %w", i, err)
		}

		decoded = append(decoded, item)
	}

	return decoded, nil
}

// ListAll drains a paged result and decodes every item into T.
func ListAll[T any](ctx context.Context, result *PagedResult) ([]T, error) {
	raw, err := result.All(ctx)
	if err != nil {
		return nil, err
	}

	return DecodeItems[T](raw)
}
