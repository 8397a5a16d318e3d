// Package ratelimit bounds request volume per caller per limiter class
// using fixed time windows. Fixed windows allow up to 2x burst at window
// boundaries but cost O(1) memory and CPU per caller, which is the right
// trade for a fleet of chatty mobile clients.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Class isolates budgets: a burst on auth must not consume sync's budget.
type Class string

const (
	ClassAuth   Class = "auth"
	ClassAPI    Class = "api"
	ClassSync   Class = "sync"
	ClassUpload Class = "upload"
)

// Limit is the per-class budget.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimits is the standard configuration table.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassAuth:   {MaxRequests: 10, Window: time.Minute},
		ClassAPI:    {MaxRequests: 100, Window: time.Minute},
		ClassSync:   {MaxRequests: 30, Window: time.Minute},
		ClassUpload: {MaxRequests: 10, Window: time.Minute},
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed        bool
	Limit          int
	Remaining      int
	ResetInSeconds int
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// entries outlive their window by this much so a decision made right at
// the boundary still sees the old counter
const expiryTolerance = 30 * time.Second

// Limiter tracks per-key counters for all classes. Constructor-injected so
// tests get isolated state; nothing lives at module level.
type Limiter struct {
	limits map[Class]Limit

	// guards check-and-increment; a read-then-write race here would let
	// more than MaxRequests through
	mu      sync.Mutex
	entries *ttlcache.Cache[string, *windowEntry]
}

func New(limits map[Class]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{
		limits: limits,
		entries: ttlcache.New[string, *windowEntry](
			ttlcache.WithDisableTouchOnHit[string, *windowEntry](),
		),
	}
}

// Start runs the background sweep which evicts entries whose window plus
// tolerance has elapsed, bounding memory growth under many distinct
// caller keys. The sweep period is driven by entry expiry, not by request
// traffic.
func (l *Limiter) Start() {
	go l.entries.Start()
}

func (l *Limiter) Stop() {
	l.entries.Stop()
}

// Len returns the number of live window entries. Used by tests and the
// config endpoint.
func (l *Limiter) Len() int {
	return l.entries.Len()
}

// LimitFor returns the budget for a class, falling back to the api class
// for unknown ones.
func (l *Limiter) LimitFor(class Class) Limit {
	if limit, ok := l.limits[class]; ok {
		return limit
	}
	return l.limits[ClassAPI]
}

// Admit counts one request against (class, callerKey) and reports whether
// it is allowed. Non-blocking and safe for concurrent calls on the same
// key.
func (l *Limiter) Admit(class Class, callerKey string) Decision {
	limit := l.LimitFor(class)
	key := string(class) + "|" + callerKey
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	var entry *windowEntry
	if item := l.entries.Get(key); item != nil {
		entry = item.Value()
	}
	if entry == nil || !now.Before(entry.resetAt) {
		entry = &windowEntry{resetAt: now.Add(limit.Window)}
		l.entries.Set(key, entry, limit.Window+expiryTolerance)
	}
	entry.count++

	resetIn := int((entry.resetAt.Sub(now) + time.Second - 1) / time.Second)
	if entry.count > limit.MaxRequests {
		return Decision{Allowed: false, Limit: limit.MaxRequests, Remaining: 0, ResetInSeconds: resetIn}
	}
	return Decision{
		Allowed:        true,
		Limit:          limit.MaxRequests,
		Remaining:      limit.MaxRequests - entry.count,
		ResetInSeconds: resetIn,
	}
}
