// Package proxy manages named upstream proxy pools: construction from
// static configuration, round-robin selection, and per-endpoint health
// tracking with temporary blacklisting.
package proxy

import (
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pixvault/pixvault/internal/config"
)

// Pool is a named, ordered collection of proxy endpoint URIs.
// Immutable after construction.
type Pool struct {
	name      string
	endpoints []string
	next      atomic.Uint64
}

// Name returns the pool's registry key.
func (p *Pool) Name() string { return p.name }

// Endpoints returns the pool's endpoint URIs in configured order.
func (p *Pool) Endpoints() []string {
	out := make([]string, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// Select returns the next endpoint in round-robin order, skipping any
// endpoint the health table currently blacklists. The second return is
// false when the pool has no selectable endpoint.
func (p *Pool) Select(health *HealthTable) (string, bool) {
	n := len(p.endpoints)
	if n == 0 {
		return "", false
	}
	start := p.next.Add(1) - 1
	for i := 0; i < n; i++ {
		candidate := p.endpoints[(start+uint64(i))%uint64(n)]
		if health == nil || !health.Blacklisted(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// Registry holds every configured pool, built once at process start.
type Registry struct {
	pools map[string]*Pool
}

// NewRegistry builds pools from inline config entries merged with
// line-delimited pool files. Files that cannot be read contribute nothing
// beyond a warning; pools that end up empty are dropped.
func NewRegistry(cfg config.ProxyConfig, logger *zap.Logger) *Registry {
	merged := make(map[string][]string)
	for name, endpoints := range cfg.Pools {
		merged[name] = append(merged[name], cleanEndpoints(endpoints)...)
	}
	for name, path := range cfg.PoolFiles {
		entries, err := readPoolFile(path)
		if err != nil {
			logger.Warn("proxy pool file unreadable",
				zap.String("pool", name),
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		merged[name] = append(merged[name], entries...)
	}

	pools := make(map[string]*Pool, len(merged))
	for name, endpoints := range merged {
		if len(endpoints) == 0 {
			continue
		}
		pools[name] = &Pool{name: name, endpoints: endpoints}
		logger.Info("proxy pool registered",
			zap.String("pool", name),
			zap.Int("endpoints", len(endpoints)),
		)
	}
	return &Registry{pools: pools}
}

// Pool looks up a pool by name.
func (r *Registry) Pool(name string) (*Pool, bool) {
	p, ok := r.pools[name]
	return p, ok
}

// Names returns the registered pool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func readPoolFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, err
	}
	return cleanEndpoints(strings.Split(string(data), "\n")), nil
}

func cleanEndpoints(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
