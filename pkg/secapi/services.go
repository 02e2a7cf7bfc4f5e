package secapi

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// PaginationStyle selects how a service signals that another page exists.
type PaginationStyle int

const (
	// PaginationNone marks endpoints that are never paged.
	PaginationNone PaginationStyle = iota
	// PaginationPageTotal advances a page counter until the reported total is reached.
	// Services reporting no total stop after the first short page.
	PaginationPageTotal
	// PaginationCursor substitutes a continuation token from the body.
	PaginationCursor
	// PaginationLink follows a next-link URL from the body.
	PaginationLink
	// PaginationFlat returns the full result set as one bare array.
	PaginationFlat
)

func (s PaginationStyle) String() string {
	switch s {
	case PaginationPageTotal:
		return "page"
	case PaginationCursor:
		return "cursor"
	case PaginationLink:
		return "link"
	case PaginationFlat:
		return "flat"
	case PaginationNone:
		return "none"
	default:
		return fmt.Sprintf("PaginationStyle(%d)", int(s))
	}
}

// Service is one row of the strategy table: how a sub-API is addressed,
// authenticated and paged.
type Service struct {
	ID            string
	Description   string
	PathPrefix    string
	Authenticated bool
	// Sandbox services live on the sandbox host and take a query token
	// instead of a bearer token.
	Sandbox bool

	Pagination      PaginationStyle
	PageParam       string
	PageSizeParam   string
	CursorParam     string
	FirstPage       int
	DefaultPageSize int
	MinPageSize     int
	MaxPageSize     int

	// gjson paths into the response body. An empty ItemsPath means the
	// body itself is the item array.
	ItemsPath      string
	TotalPagesPath string
	CursorPath     string
	NextLinkPath   string
}

// ClampPageSize validates a caller supplied page size against the service
// bounds. A nil request leaves the parameter unset so the server default
// applies.
func (s *Service) ClampPageSize(requested *int) (int, bool) {
	if requested == nil || s.PageSizeParam == "" {
		return 0, false
	}

	size := *requested

	minSize := s.MinPageSize
	if minSize < 1 {
		minSize = 1
	}

	if size < minSize {
		size = minSize
	}

	if s.MaxPageSize > 0 && size > s.MaxPageSize {
		size = s.MaxPageSize
	}

	return size, true
}

// EffectivePageSize is the size the server will use for the given request
// parameters, needed by the short-page stop rule.
func (s *Service) EffectivePageSize(query url.Values) int {
	if s.PageSizeParam != "" {
		if raw := query.Get(s.PageSizeParam); raw != "" {
			var size int

			_, err := fmt.Sscanf(raw, "%d", &size)
			if err == nil && size > 0 {
				return size
			}
		}
	}

	return s.DefaultPageSize
}

// ServiceRegistry maps service identifiers to their strategy.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewServiceRegistry creates a registry holding the given services.
func NewServiceRegistry(services ...*Service) *ServiceRegistry {
	registry := &ServiceRegistry{services: make(map[string]*Service, len(services))}
	for _, svc := range services {
		registry.Register(svc)
	}

	return registry
}

// DefaultServices returns the registry of the platform's sub-APIs.
func DefaultServices() *ServiceRegistry {
	return NewServiceRegistry(
		&Service{
			ID:            "policy",
			Description:   "Internet access policy management",
			PathPrefix:    "/policy",
			Authenticated: true,
			Pagination:    PaginationFlat,
		},
		&Service{
			ID:              "access",
			Description:     "Private access policy and segments",
			PathPrefix:      "/access",
			Authenticated:   true,
			Pagination:      PaginationPageTotal,
			PageParam:       "page",
			PageSizeParam:   "pagesize",
			FirstPage:       1,
			DefaultPageSize: 100,
			MaxPageSize:     500,
			ItemsPath:       "list",
			TotalPagesPath:  "totalPages",
		},
		&Service{
			ID:              "device",
			Description:     "Endpoint device control",
			PathPrefix:      "/device",
			Authenticated:   true,
			Pagination:      PaginationPageTotal,
			PageParam:       "page",
			PageSizeParam:   "pageSize",
			FirstPage:       1,
			DefaultPageSize: 500,
			MaxPageSize:     10000,
		},
		&Service{
			ID:              "analytics",
			Description:     "Digital experience analytics",
			PathPrefix:      "/analytics",
			Authenticated:   true,
			Pagination:      PaginationCursor,
			PageSizeParam:   "limit",
			CursorParam:     "offset",
			DefaultPageSize: 10,
			MinPageSize:     1,
			ItemsPath:       "items",
			CursorPath:      "next_offset",
		},
		&Service{
			ID:              "workflow",
			Description:     "Workflow automation",
			PathPrefix:      "/workflow",
			Authenticated:   true,
			Pagination:      PaginationLink,
			PageSizeParam:   "pageSize",
			DefaultPageSize: 100,
			MaxPageSize:     1000,
			ItemsPath:       "data",
			NextLinkPath:    "links.next",
		},
		&Service{
			ID:          "sandbox",
			Description: "File sandbox submissions",
			PathPrefix:  "/sandbox",
			Sandbox:     true,
			Pagination:  PaginationNone,
		},
	)
}

// Register adds or replaces a service.
func (r *ServiceRegistry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[svc.ID] = svc
}

// Get returns the service with the given identifier.
func (r *ServiceRegistry) Get(id string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[id]

	return svc, ok
}

// Resolve returns the service owning an endpoint path: the one whose path
// prefix is the longest match on a segment boundary. A service without a
// prefix is addressed by "/" + its identifier.
func (r *ServiceRegistry) Resolve(path string) (*Service, error) {
	if parsed, err := url.Parse(path); err == nil && parsed.Path != "" {
		path = parsed.Path
	}

	path = "/" + strings.Trim(path, "/")

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best       *Service
		bestLength int
	)

	for _, svc := range r.services {
		prefix := svc.routePrefix()
		if path != prefix && !strings.HasPrefix(path, prefix+"/") {
			continue
		}

		if len(prefix) > bestLength || (len(prefix) == bestLength && best != nil && svc.ID < best.ID) {
			best, bestLength = svc, len(prefix)
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no service owns path %s", ErrUnknownService, path)
	}

	return best, nil
}

func (s *Service) routePrefix() string {
	if s.PathPrefix == "" {
		return "/" + s.ID
	}

	return "/" + strings.Trim(s.PathPrefix, "/")
}

// All returns the registered services ordered by identifier.
func (r *ServiceRegistry) All() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}

	sort.Slice(services, func(i, j int) bool {
		return services[i].ID < services[j].ID
	})

	return services
}
