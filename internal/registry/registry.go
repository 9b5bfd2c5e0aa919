// Package registry holds the authoritative in-memory mapping from tunnel
// keys to their current records. All mutation goes through the registry's
// lock; TryReserve is the atomic check-and-insert the create path relies on.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	App       string // exact app name
	AppPrefix string // app name prefix; ignored when App is set
	Version   string // exact version
}

func (f Filter) matches(r tunnel.Record) bool {
	if f.App != "" && r.Key.App != f.App {
		return false
	}
	if f.App == "" && f.AppPrefix != "" && !hasPrefix(r.Key.App, f.AppPrefix) {
		return false
	}
	if f.Version != "" && r.Key.Version != f.Version {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[tunnel.Key]*tunnel.Record
	seq     uint64
}

func New() *Registry {
	return &Registry{records: make(map[tunnel.Key]*tunnel.Record)}
}

// Get returns a copy of the record for key.
func (g *Registry) Get(key tunnel.Key) (tunnel.Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[key]
	if !ok {
		return tunnel.Record{}, false
	}
	return *r, true
}

// TryReserve atomically checks key uniqueness among non-terminal records and
// port uniqueness across all non-terminal records, and inserts a Starting
// record when both pass. A terminal leftover under the same key is replaced:
// a fresh create always produces a new record.
func (g *Registry) TryReserve(key tunnel.Key, port int) (tunnel.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.records[key]; ok && !prev.Terminal() {
		return tunnel.Record{}, fmt.Errorf("%w: tunnel %s already exists (status %s)", tunnel.ErrConflict, key, prev.Status)
	}
	for k, r := range g.records {
		if k == key || r.Terminal() {
			continue
		}
		if r.LocalPort == port {
			return tunnel.Record{}, fmt.Errorf("%w: port %d is already used by tunnel %s", tunnel.ErrConflict, port, k)
		}
	}
	rec := tunnel.NewRecord(key, port)
	g.seq++
	rec.Seq = g.seq
	g.records[key] = &rec
	return rec, nil
}

// Adopt inserts an externally recovered record, enforcing the same key and
// port uniqueness rules as TryReserve but keeping the record's own identity,
// status and creation time.
func (g *Registry) Adopt(rec tunnel.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.records[rec.Key]; ok && !prev.Terminal() {
		return fmt.Errorf("%w: tunnel %s already exists", tunnel.ErrConflict, rec.Key)
	}
	if !rec.Terminal() {
		for k, r := range g.records {
			if k == rec.Key || r.Terminal() {
				continue
			}
			if r.LocalPort == rec.LocalPort {
				return fmt.Errorf("%w: port %d is already used by tunnel %s", tunnel.ErrConflict, rec.LocalPort, k)
			}
		}
	}
	g.seq++
	rec.Seq = g.seq
	g.records[rec.Key] = &rec
	return nil
}

// Update applies fn to the record under the registry lock and returns the
// mutated copy. Identity fields (Key, Seq) must not be changed by fn.
func (g *Registry) Update(key tunnel.Key, fn func(*tunnel.Record)) (tunnel.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[key]
	if !ok {
		return tunnel.Record{}, fmt.Errorf("%w: tunnel %s", tunnel.ErrNotFound, key)
	}
	fn(r)
	return *r, nil
}

// RemoveIfTerminal drops the record for key when it reached a terminal state.
func (g *Registry) RemoveIfTerminal(key tunnel.Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[key]
	if !ok || !r.Terminal() {
		return false
	}
	delete(g.records, key)
	return true
}

// List returns copies of matching records in insertion order.
func (g *Registry) List(f Filter) []tunnel.Record {
	g.mu.RLock()
	out := make([]tunnel.Record, 0, len(g.records))
	for _, r := range g.records {
		if f.matches(*r) {
			out = append(out, *r)
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// LiveByApp returns the most recently reserved non-terminal record for app.
func (g *Registry) LiveByApp(app string) (tunnel.Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var best *tunnel.Record
	for _, r := range g.records {
		if r.Key.App != app || r.Terminal() {
			continue
		}
		if best == nil || r.Seq > best.Seq {
			best = r
		}
	}
	if best == nil {
		return tunnel.Record{}, false
	}
	return *best, true
}

// Len returns the number of tracked records, terminal ones included.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
