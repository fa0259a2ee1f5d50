package proxy

import (
	"hash/fnv"
	"sync"
	"time"
)

const healthShards = 16

// HealthTable tracks per-endpoint consecutive failures and temporary
// blacklisting. It is shared by every concurrent fetch in the process;
// entries live in fixed shards each guarded by its own mutex so
// contention stays short-held. Blacklist expiry is lazy: entries are
// re-checked against the clock at read time, never swept.
type HealthTable struct {
	threshold int
	ttl       time.Duration
	now       func() time.Time
	shards    [healthShards]healthShard
}

type healthShard struct {
	mu      sync.Mutex
	entries map[string]*healthEntry
}

type healthEntry struct {
	failures         int
	blacklistedUntil time.Time
}

// NewHealthTable creates a table that blacklists an endpoint for ttl after
// threshold consecutive failures.
func NewHealthTable(threshold int, ttl time.Duration) *HealthTable {
	t := &HealthTable{threshold: threshold, ttl: ttl, now: time.Now}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*healthEntry)
	}
	return t
}

func (t *HealthTable) shard(endpoint string) *healthShard {
	h := fnv.New32a()
	h.Write([]byte(endpoint)) //nolint:errcheck // fnv never fails
	return &t.shards[h.Sum32()%healthShards]
}

// ReportFailure increments the endpoint's consecutive-failure counter and
// returns true if that pushed it over the blacklist threshold.
func (t *HealthTable) ReportFailure(endpoint string) bool {
	s := t.shard(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[endpoint]
	if !ok {
		e = &healthEntry{}
		s.entries[endpoint] = e
	}
	e.failures++
	if e.failures >= t.threshold {
		e.blacklistedUntil = t.now().Add(t.ttl)
		e.failures = 0
		return true
	}
	return false
}

// ReportSuccess resets the endpoint's consecutive-failure counter.
func (t *HealthTable) ReportSuccess(endpoint string) {
	s := t.shard(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[endpoint]; ok {
		e.failures = 0
	}
}

// Blacklisted reports whether the endpoint is currently excluded from
// selection, clearing the mark if its TTL has elapsed.
func (t *HealthTable) Blacklisted(endpoint string) bool {
	s := t.shard(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[endpoint]
	if !ok || e.blacklistedUntil.IsZero() {
		return false
	}
	if t.now().After(e.blacklistedUntil) {
		e.blacklistedUntil = time.Time{}
		return false
	}
	return true
}
