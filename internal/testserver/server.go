// Package testserver runs an in-process fake of the platform: a token
// endpoint, one paged endpoint per pagination style and a sandbox endpoint.
// Responses can be scripted per route to drive retry and re-authentication
// paths.
package testserver

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// Scripted is a canned response served instead of the real handler.
type Scripted struct {
	Status  int
	Headers map[string]string
	Body    string
}

// Server is the fake platform.
type Server struct {
	*httptest.Server

	items        int
	clientID     string
	clientSecret string
	publicKey    *rsa.PublicKey
	sandboxToken string
	expiresIn    int

	tokenCalls atomic.Int32

	mu       sync.Mutex
	issued   map[string]bool
	requests map[string]int
	scripts  map[string][]Scripted
}

// Option configures a Server.
type Option func(*Server)

// WithItems sets the size of every paged collection.
func WithItems(n int) Option {
	return func(s *Server) {
		s.items = n
	}
}

// WithClientSecret sets the accepted shared-secret credentials.
func WithClientSecret(clientID, secret string) Option {
	return func(s *Server) {
		s.clientID = clientID
		s.clientSecret = secret
	}
}

// WithPublicKey accepts RS256 client assertions signed by the matching key.
func WithPublicKey(clientID string, key *rsa.PublicKey) Option {
	return func(s *Server) {
		s.clientID = clientID
		s.publicKey = key
	}
}

// WithSandboxToken sets the api_token accepted by sandbox routes.
func WithSandboxToken(token string) Option {
	return func(s *Server) {
		s.sandboxToken = token
	}
}

// WithTokenLifetime sets expires_in of issued tokens.
func WithTokenLifetime(seconds int) Option {
	return func(s *Server) {
		s.expiresIn = seconds
	}
}

// New starts a server that is closed when t finishes.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		items:        25,
		clientID:     "client-id",
		clientSecret: "client-secret",
		sandboxToken: "sandbox-token",
		expiresIn:    1800,
		issued:       make(map[string]bool),
		requests:     make(map[string]int),
		scripts:      make(map[string][]Scripted),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.scripted)

	r.Post(constants.TokenPath, s.handleToken)

	r.Get("/sandbox/*", s.handleSandbox)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/policy/rules", s.handlePolicy)
		r.Get("/access/users", s.handleAccess)
		r.Get("/device/devices", s.handleDevice)
		r.Get("/analytics/events", s.handleAnalytics)
		r.Get("/workflow/executions", s.handleWorkflow)
		r.HandleFunc("/echo/*", s.handleEcho)
	})

	return r
}

// TokenURL returns the token endpoint.
func (s *Server) TokenURL() string {
	return s.URL + constants.TokenPath
}

// TokenCalls returns the number of token requests received.
func (s *Server) TokenCalls() int {
	return int(s.tokenCalls.Load())
}

// Requests returns how many requests reached "METHOD path".
func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requests[method+" "+path]
}

// Script queues canned responses for "METHOD path", served in order before
// the route's handler takes over again.
func (s *Server) Script(method, path string, responses ...Scripted) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := method + " " + path
	s.scripts[key] = append(s.scripts[key], responses...)
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.issued = make(map[string]bool)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) scripted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		s.mu.Lock()

		queue := s.scripts[key]
		if len(queue) == 0 {
			s.mu.Unlock()
			next.ServeHTTP(w, r)

			return
		}

		response := queue[0]
		s.scripts[key] = queue[1:]
		s.mu.Unlock()

		for name, value := range response.Headers {
			w.Header().Set(name, value)
		}

		if response.Body != "" {
			w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
		}

		w.WriteHeader(response.Status)
		_, _ = w.Write([]byte(response.Body))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, found := strings.CutPrefix(r.Header.Get(constants.HeaderAuthorization), "Bearer ")

		s.mu.Lock()
		valid := found && s.issued[token]
		s.mu.Unlock()

		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"code":    "UNAUTHORIZED",
				"message": "missing or invalid bearer token",
			})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenCalls.Add(1)

	err := r.ParseForm()
	if err != nil || r.PostForm.Get("grant_type") != constants.GrantTypeClientCredentials {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "unsupported grant",
		})

		return
	}

	if !s.validClient(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_client",
			"error_description": "client authentication failed",
		})

		return
	}

	token := fmt.Sprintf("token-%d", s.tokenCalls.Load())

	s.mu.Lock()
	s.issued[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   s.expiresIn,
		"scope":        "api",
	})
}

func (s *Server) validClient(r *http.Request) bool {
	if r.PostForm.Get("client_id") != s.clientID {
		return false
	}

	assertion := r.PostForm.Get("client_assertion")
	if assertion == "" {
		return s.clientSecret != "" && r.PostForm.Get("client_secret") == s.clientSecret
	}

	if s.publicKey == nil || r.PostForm.Get("client_assertion_type") != constants.ClientAssertionType {
		return false
	}

	claims := &jwt.RegisteredClaims{}

	parsed, err := jwt.ParseWithClaims(assertion, claims, func(*jwt.Token) (interface{}, error) {
		return s.publicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithIssuer(s.clientID))

	return err == nil && parsed.Valid && claims.Subject == s.clientID && claims.ID != ""
}

func (s *Server) handleSandbox(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get(constants.SandboxTokenParam) != s.sandboxToken {
		writeJSON(w, http.StatusForbidden, map[string]string{"code": "FORBIDDEN", "message": "invalid api_token"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "complete", "path": r.URL.Path})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	var body interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.Query(),
		"body":   body,
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.slice(0, s.items))
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "pagesize", 100)
	totalPages := (s.items + size - 1) / size

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"list":       s.slice((page-1)*size, size),
		"totalPages": totalPages,
		"page":       page,
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "pageSize", 500)

	writeJSON(w, http.StatusOK, s.slice((page-1)*size, size))
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 10)

	var next interface{}
	if offset+limit < s.items {
		next = strconv.Itoa(offset + limit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":       s.slice(offset, limit),
		"next_offset": next,
	})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	after := queryInt(r, "after", 0)
	size := queryInt(r, "pageSize", 100)

	links := map[string]string{}
	if after+size < s.items {
		links["next"] = fmt.Sprintf("%s/workflow/executions?after=%d&pageSize=%d", s.URL, after+size, size)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  s.slice(after, size),
		"links": links,
	})
}

func (s *Server) slice(start, size int) []map[string]string {
	items := make([]map[string]string, 0, size)

	for i := start; i < start+size && i < s.items; i++ {
		if i < 0 {
			continue
		}

		items = append(items, map[string]string{"id": fmt.Sprintf("item-%d", i)})
	}

	return items
}

func queryInt(r *http.Request, name string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || value <= 0 && name != "offset" && name != "after" {
		return fallback
	}

	return value
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
