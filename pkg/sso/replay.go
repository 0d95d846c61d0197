package sso

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// replayCacheSize caps the number of tracked identifiers per provider
// instance. Entries past the retention window are evicted before the cap
// matters for any realistic login volume.
const replayCacheSize = 100_000

// ReplayGuard tracks previously consumed assertion/token identifiers for one
// provider instance. Check-and-insert is atomic relative to other callbacks
// on the same instance; entries older than the retention window are evicted.
type ReplayGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]
	now  func() time.Time
}

// NewReplayGuard creates a guard with the given retention window.
func NewReplayGuard(window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &ReplayGuard{
		seen: expirable.NewLRU[string, time.Time](replayCacheSize, nil, window),
		now:  time.Now,
	}
}

// Check fails with ErrReplay if id has already been consumed within the
// retention window, and records it otherwise. Invoked exactly once per
// successfully validated assertion ID (SAML) or jti claim (OIDC).
func (g *ReplayGuard) Check(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, found := g.seen.Get(id); found {
		return replayErrorf("identifier %q was already consumed", id)
	}
	g.seen.Add(id, g.now())
	return nil
}

// Len reports the number of identifiers currently tracked.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen.Len()
}
