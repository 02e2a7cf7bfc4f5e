// Package ratelimit implements the client-side sliding window limiter. Each
// method class keeps its own window, and limits advertised by the server in
// response headers override the configured ones.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// Class groups HTTP methods that share one window.
type Class int

const (
	// ClassRead covers GET, HEAD and OPTIONS.
	ClassRead Class = iota
	// ClassMutating covers POST, PUT, PATCH and DELETE.
	ClassMutating
)

func (c Class) String() string {
	if c == ClassMutating {
		return "mutating"
	}

	return "read"
}

// ClassForMethod maps an HTTP method to its class. Unknown methods count as mutating.
func ClassForMethod(method string) Class {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "":
		return ClassRead
	default:
		return ClassMutating
	}
}

// Granularity is the period of a server-advertised limit.
type Granularity struct {
	Name   string
	Period time.Duration
}

// Granularities are consulted finest first.
//
//nolint:gochecknoglobals // read-only lookup tables
var Granularities = []Granularity{
	{Name: "Second", Period: time.Second},
	{Name: "Minute", Period: time.Minute},
	{Name: "Hour", Period: time.Hour},
	{Name: "Day", Period: 24 * time.Hour},
}

// Overlay is what the server last told us about one granularity.
type Overlay struct {
	Granularity  string
	Limit        int
	HasLimit     bool
	Remaining    int
	HasRemaining bool
	ResetAt      time.Time
}

// Snapshot describes the state of one class window.
type Snapshot struct {
	Class    Class
	Limit    int
	Period   time.Duration
	InWindow int
	Overlays []Overlay
}

type window struct {
	mu       sync.Mutex
	calls    []time.Time
	limit    int
	period   time.Duration
	overlays map[string]*Overlay
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.Clock = clock
		}
	}
}

// Limiter tracks recent calls per method class.
type Limiter struct {
	Clock func() time.Time

	windows [2]*window
}

// New creates a limiter from the configured read and write windows.
func New(cfg secapi.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		Clock: time.Now,
		windows: [2]*window{
			ClassRead:     newWindow(cfg.ReadLimit, cfg.ReadPeriod),
			ClassMutating: newWindow(cfg.WriteLimit, cfg.WritePeriod),
		},
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// NewDefault creates a limiter with the documented default windows.
func NewDefault(opts ...Option) *Limiter {
	return New(secapi.RateLimitConfig{
		ReadLimit:   constants.DefaultReadLimit,
		ReadPeriod:  constants.DefaultReadPeriod,
		WriteLimit:  constants.DefaultWriteLimit,
		WritePeriod: constants.DefaultWritePeriod,
	}, opts...)
}

func newWindow(limit int, period time.Duration) *window {
	return &window{limit: limit, period: period, overlays: make(map[string]*Overlay)}
}

// ShouldWait reports whether a call of class must wait and for how long.
// A call that may proceed is recorded in the window; a denied call is not.
func (l *Limiter) ShouldWait(class Class) (bool, time.Duration) {
	if l == nil {
		return false, 0
	}

	w := l.window(class)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if delay := w.overlayDelay(now); delay > 0 {
		return true, roundUp(delay)
	}

	if w.limit <= 0 || w.period <= 0 {
		return false, 0
	}

	w.prune(now)

	if len(w.calls) < w.limit {
		w.calls = append(w.calls, now)
		w.consumeOverlays()

		return false, 0
	}

	// The call that has to age out for the count to drop below the limit.
	blocking := w.calls[len(w.calls)-w.limit]

	return true, roundUp(blocking.Add(w.period).Sub(now))
}

// UpdateFromHeaders applies the limits advertised on a response to class.
// The finest granularity present sets the window limit and period; fields
// missing from the headers keep their previous values.
func (l *Limiter) UpdateFromHeaders(class Class, headers http.Header) {
	if l == nil || len(headers) == 0 {
		return
	}

	now := l.now()
	w := l.window(class)

	var (
		resetAt  time.Time
		hasReset bool
	)

	if value, _, ok := First(headers, constants.ResetHeaders); ok {
		resetAt, hasReset = ParseResetAt(value, now)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	finest := true

	for _, g := range Granularities {
		limit, hasLimit := headerInt(headers, "X-RateLimit-Limit-"+g.Name)
		remaining, hasRemaining := headerInt(headers, "X-RateLimit-Remaining-"+g.Name)

		if !hasLimit && !hasRemaining {
			continue
		}

		overlay, ok := w.overlays[g.Name]
		if !ok {
			overlay = &Overlay{Granularity: g.Name}
			w.overlays[g.Name] = overlay
		}

		if hasLimit {
			overlay.Limit, overlay.HasLimit = limit, true
		}

		if hasRemaining {
			overlay.Remaining, overlay.HasRemaining = remaining, true
		}

		if finest {
			finest = false

			if hasReset {
				overlay.ResetAt = resetAt
			}

			if hasLimit {
				w.limit = limit
				w.period = g.Period
			}
		}
	}
}

// Snapshot returns a copy of the state of class.
func (l *Limiter) Snapshot(class Class) Snapshot {
	w := l.window(class)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)

	snap := Snapshot{
		Class:    class,
		Limit:    w.limit,
		Period:   w.period,
		InWindow: len(w.calls),
	}

	for _, g := range Granularities {
		if overlay, ok := w.overlays[g.Name]; ok {
			snap.Overlays = append(snap.Overlays, *overlay)
		}
	}

	return snap
}

func (l *Limiter) window(class Class) *window {
	if class == ClassMutating {
		return l.windows[ClassMutating]
	}

	return l.windows[ClassRead]
}

func (l *Limiter) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}

	return l.Clock()
}

// overlayDelay returns the longest wait among exhausted server windows.
// Overlays whose reset has passed are forgotten.
func (w *window) overlayDelay(now time.Time) time.Duration {
	var delay time.Duration

	for name, overlay := range w.overlays {
		if overlay.ResetAt.IsZero() {
			continue
		}

		if !now.Before(overlay.ResetAt) {
			delete(w.overlays, name)

			continue
		}

		if overlay.HasRemaining && overlay.Remaining <= 0 {
			if wait := overlay.ResetAt.Sub(now); wait > delay {
				delay = wait
			}
		}
	}

	return delay
}

func (w *window) consumeOverlays() {
	for _, overlay := range w.overlays {
		if overlay.HasRemaining && overlay.Remaining > 0 {
			overlay.Remaining--
		}
	}
}

func (w *window) prune(now time.Time) {
	if w.period <= 0 {
		w.calls = w.calls[:0]

		return
	}

	cutoff := now.Add(-w.period)
	keep := 0

	for keep < len(w.calls) && !w.calls[keep].After(cutoff) {
		keep++
	}

	w.calls = append(w.calls[:0], w.calls[keep:]...)
}

func roundUp(d time.Duration) time.Duration {
	if d <= 0 {
		return constants.RateLimitRounding
	}

	return ((d + constants.RateLimitRounding - 1) / constants.RateLimitRounding) * constants.RateLimitRounding
}

func headerInt(headers http.Header, name string) (int, bool) {
	value, ok := Lookup(headers, name)
	if !ok || value == "" {
		return 0, false
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}

	return n, true
}
