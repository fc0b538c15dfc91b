// Package rescache is the in-memory Resource Cache (spec.md section 4.3),
// generalized from the studio backend's internal/cache/interfaces.go cache
// port to a single-process in-memory mirror (this gateway has no
// distributed-cache requirement, spec section 1 non-goals).
package rescache

import (
	"encoding/json"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lanhue/gateway/internal/model"
)

// Entry is the in-memory mirror of a resource.
type Entry struct {
	Rtype    string
	Name     string
	NameNorm string
	Data     json.RawMessage
}

// Cache holds the forward rid->Entry map and the inverted (rtype,name_norm)
// -> set(rid) index, guarded by a single mutex around structural changes
// (spec.md section 5: "guarded by a lock around structural changes only").
type Cache struct {
	mu       sync.RWMutex
	byRid    map[string]Entry
	byName   map[string]map[string]struct{} // key: rtype + "\x00" + nameNorm

	// staleness bookkeeping: last time each rtype was confirmed fresh by a
	// successful snapshot or SSE update, used by readiness/staleness
	// reporting in inventory.snapshot (spec 4.10). go-cache is the teacher's
	// own direct dependency (DESIGN.md), otherwise unwired by its Redis-first
	// cache package; used here purely for its TTL-expiry semantics.
	freshness *gocache.Cache
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		byRid:     make(map[string]Entry),
		byName:    make(map[string]map[string]struct{}),
		freshness: gocache.New(10*time.Minute, time.Minute),
	}
}

func nameKey(rtype, nameNorm string) string {
	return rtype + "\x00" + nameNorm
}

// Upsert inserts or replaces the cached entry for rid, maintaining the
// invariant that a non-empty name_norm appears in the inverted index iff the
// forward entry is present (spec.md section 4.3).
func (c *Cache) Upsert(rid string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byRid[rid]; ok && old.NameNorm != "" {
		c.removeFromIndexLocked(old.Rtype, old.NameNorm, rid)
	}
	c.byRid[rid] = e
	if e.NameNorm != "" {
		k := nameKey(e.Rtype, e.NameNorm)
		set, ok := c.byName[k]
		if !ok {
			set = make(map[string]struct{})
			c.byName[k] = set
		}
		set[rid] = struct{}{}
	}
	c.freshness.SetDefault(e.Rtype, time.Now())
}

// Delete removes rid from both maps.
func (c *Cache) Delete(rid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.byRid[rid]
	if !ok {
		return
	}
	delete(c.byRid, rid)
	if old.NameNorm != "" {
		c.removeFromIndexLocked(old.Rtype, old.NameNorm, rid)
	}
}

func (c *Cache) removeFromIndexLocked(rtype, nameNorm, rid string) {
	k := nameKey(rtype, nameNorm)
	set, ok := c.byName[k]
	if !ok {
		return
	}
	delete(set, rid)
	if len(set) == 0 {
		delete(c.byName, k)
	}
}

// Get returns the cached entry for rid, if present.
func (c *Cache) Get(rid string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byRid[rid]
	return e, ok
}

// RidsByName returns the (possibly multi-valued) set of rids registered
// under (rtype, nameNorm).
func (c *Cache) RidsByName(rtype, nameNorm string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.byName[nameKey(rtype, nameNorm)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for rid := range set {
		out = append(out, rid)
	}
	return out
}

// List returns every cached entry of a given rtype.
func (c *Cache) List(rtype string) map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry)
	for rid, e := range c.byRid {
		if e.Rtype == rtype {
			out[rid] = e
		}
	}
	return out
}

// LastFresh reports when rtype was last touched by a snapshot/SSE update,
// used to compute inventory.snapshot's stale/staleReason fields. A freshness
// entry expires 10 minutes after its last touch, after which LastFresh
// reports absent, the same as for an rtype that was never touched.
func (c *Cache) LastFresh(rtype string) (time.Time, bool) {
	v, ok := c.freshness.Get(rtype)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// FromResource builds a cache Entry from a stored resource, applying name
// normalization (spec.md section 4.3).
func FromResource(r *model.Resource) Entry {
	return Entry{
		Rtype:    r.Rtype,
		Name:     r.Name,
		NameNorm: model.NormalizeName(r.Name),
		Data:     r.Data,
	}
}
