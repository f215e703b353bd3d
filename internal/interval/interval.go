// Package interval implements the interval location cache of spec.md §4.1: a
// total, ordered partition of the key space mapping each interval to a
// LocationInfo (a cached set of storage-server endpoints) or to "unknown".
//
// The cache is grounded on the ordered-cache-over-range-start-keys pattern
// used by range/region location caches elsewhere in the retrieval pack
// (btree-ordered by interval start, point/range/reverse lookup, bounded
// random eviction instead of LRU).
package interval

import (
	"math/rand"
	"sync"

	"github.com/google/btree"

	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/pkg/kv"
)

// LocationInfo is a cached set of storage-server endpoints for a shard,
// shared by every transaction reading it, reference-counted and invalidated
// rather than mutated (spec.md §3 "Storage-Server Interface": identity plus
// a stable per-operation token; an endpoint change means the server
// migrated and cached pointers must be refreshed).
type LocationInfo struct {
	Servers   []rpcif.Endpoint
	HasCaches bool
}

// Entry pairs a key range with the LocationInfo covering it. A nil Location
// means the range is "unknown" and must be resolved before use.
type Entry struct {
	Range    kv.KeyRange
	Location *LocationInfo
}

const (
	// defaultCacheSize bounds the number of cached intervals before random
	// eviction begins (spec.md §4.1 "cache_size").
	defaultCacheSize = 100_000
	// maxEvictionsPerInsert bounds eviction cost per Insert so admission
	// stays amortised O(1) (spec.md §4.1 invariant).
	maxEvictionsPerInsert = 100
)

// item is the btree element: a cached entry ordered by its range's Begin key.
type item struct {
	begin    kv.Key
	end      kv.Key
	location *LocationInfo
}

func lessItem(a, b *item) bool {
	return a.begin.Compare(b.begin) < 0
}

// Cache is the interval location cache. The zero value is not usable; use
// New.
type Cache struct {
	mu         sync.RWMutex
	tree       *btree.BTreeG[*item]
	maxEntries int
	generation uint64
}

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds cached interval count before eviction (default
	// defaultCacheSize).
	MaxEntries int
}

// New returns a Cache whose coverage spans the entire key space as "unknown"
// (spec.md §4.1 invariant: the interval map is always total).
func New(opts Options) *Cache {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultCacheSize
	}
	c := &Cache{
		tree:       btree.NewG(32, lessItem),
		maxEntries: maxEntries,
	}
	c.tree.ReplaceOrInsert(&item{begin: kv.AllKeys.Begin, end: kv.AllKeys.End, location: nil})
	return c
}

// Generation returns a counter bumped on every Insert/Invalidate, letting
// callers detect that a previously returned Entry may be stale (this is the
// Open Question resolution recorded in SPEC_FULL.md §E.1: the cache never
// hands out a mutable pointer callers can expect to track updates on).
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Get returns the interval containing key, or the interval containing the
// key immediately before it when reverse is true (spec.md §4.1 "get").
func (c *Cache) Get(key kv.Key, reverse bool) Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocked(key, reverse)
}

func (c *Cache) getLocked(key kv.Key, reverse bool) Entry {
	var found *item
	probe := &item{begin: key}
	if !reverse {
		c.tree.DescendLessOrEqual(probe, func(it *item) bool {
			found = it
			return false
		})
		if found == nil {
			// key precedes every interval start; the first interval still
			// covers it because coverage is total from -infinity.
			c.tree.Ascend(func(it *item) bool {
				found = it
				return false
			})
		}
	} else {
		// reverse: interval containing the key strictly before `key`.
		var prior *item
		c.tree.Descend(func(it *item) bool {
			if it.begin.Compare(key) < 0 {
				prior = it
				return false
			}
			return true
		})
		found = prior
		if found == nil {
			c.tree.Ascend(func(it *item) bool {
				found = it
				return false
			})
		}
	}
	if found == nil {
		return Entry{Range: kv.AllKeys, Location: nil}
	}
	return Entry{Range: kv.KeyRange{Begin: found.begin, End: found.end}, Location: found.location}
}

// GetRange returns the intervals intersecting r, in ascending order (or
// descending when reverse is true), up to limit entries. ok is false if any
// intersecting interval is unknown, per spec.md §4.1 "reports miss if any
// intersecting interval is unknown".
func (c *Cache) GetRange(r kv.KeyRange, limit int, reverse bool) (entries []Entry, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	visit := func(it *item) bool {
		if r.End != nil && it.begin.Compare(r.End) >= 0 {
			return false
		}
		if it.end != nil && r.Begin.Compare(it.end) >= 0 {
			return true
		}
		entries = append(entries, Entry{Range: kv.KeyRange{Begin: it.begin, End: it.end}, Location: it.location})
		if it.location == nil {
			ok = false
		}
		return limit <= 0 || len(entries) < limit
	}

	ok = true
	if !reverse {
		start := &item{begin: r.Begin}
		var startItem *item
		c.tree.DescendLessOrEqual(start, func(it *item) bool {
			startItem = it
			return false
		})
		if startItem != nil {
			c.tree.AscendGreaterOrEqual(startItem, visit)
		} else {
			c.tree.Ascend(visit)
		}
	} else {
		end := r.End
		var endItem *item
		if end == nil {
			c.tree.Descend(func(it *item) bool {
				endItem = it
				return false
			})
		} else {
			c.tree.DescendLessOrEqual(&item{begin: end}, func(it *item) bool {
				endItem = it
				return false
			})
		}
		if endItem != nil {
			c.tree.DescendLessOrEqual(endItem, visit)
		}
	}
	if len(entries) == 0 {
		ok = false
	}
	return entries, ok
}

// Insert replaces coverage of r with loc, splitting/overwriting any
// overlapping intervals so the map stays total and non-overlapping. If the
// entry count after splitting exceeds maxEntries, up to maxEvictionsPerInsert
// randomly chosen intervals elsewhere in the map are evicted to "unknown"
// before the new entry is inserted (spec.md §4.1 "insert").
func (c *Cache) Insert(r kv.KeyRange, loc *LocationInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++

	var overlapping []*item
	c.tree.Ascend(func(it *item) bool {
		if rangesOverlap(it.begin, it.end, r.Begin, r.End) {
			overlapping = append(overlapping, it)
		}
		return true
	})
	for _, it := range overlapping {
		c.tree.Delete(it)
		c.reinsertFragments(it, r)
	}
	c.evictIfOverCapacity()

	c.tree.ReplaceOrInsert(&item{begin: r.Begin.Clone(), end: r.End.Clone(), location: loc})
}

// reinsertFragments keeps the map total: the portion of old outside the new
// range r is preserved with its prior location; the portion inside r is
// dropped (it will be covered by the new entry inserted by the caller).
func (c *Cache) reinsertFragments(old *item, r kv.KeyRange) {
	if old.begin.Compare(r.Begin) < 0 {
		c.tree.ReplaceOrInsert(&item{begin: old.begin, end: r.Begin.Clone(), location: old.location})
	}
	if r.End != nil && (old.end == nil || old.end.Compare(r.End) > 0) {
		c.tree.ReplaceOrInsert(&item{begin: r.End.Clone(), end: old.end, location: old.location})
	}
}

// Invalidate sets the coverage of key back to "unknown" (spec.md §4.1
// "invalidate"); InvalidateRange does the same for a whole range.
func (c *Cache) Invalidate(key kv.Key) {
	c.InvalidateRange(kv.Singleton(key))
}

// InvalidateRange marks r as unknown, splitting overlapping intervals as
// needed so the map stays total.
func (c *Cache) InvalidateRange(r kv.KeyRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++

	var overlapping []*item
	c.tree.Ascend(func(it *item) bool {
		if rangesOverlap(it.begin, it.end, r.Begin, r.End) {
			overlapping = append(overlapping, it)
		}
		return true
	})
	for _, it := range overlapping {
		c.tree.Delete(it)
		c.reinsertFragments(it, r)
	}
	c.tree.ReplaceOrInsert(&item{begin: r.Begin.Clone(), end: r.End.Clone(), location: nil})
}

// evictIfOverCapacity drops up to maxEvictionsPerInsert randomly chosen
// entries to "unknown" when the map has grown past maxEntries. Random
// (rather than LRU) eviction is the spec's deliberate choice (§4.1
// rationale): it avoids thrashing under cold-region range scans and needs no
// per-access bookkeeping on the hot path.
func (c *Cache) evictIfOverCapacity() {
	n := c.tree.Len()
	if n <= c.maxEntries {
		return
	}
	overBy := n - c.maxEntries
	toEvict := overBy
	if toEvict > maxEvictionsPerInsert {
		toEvict = maxEvictionsPerInsert
	}

	candidates := make([]*item, 0, n)
	c.tree.Ascend(func(it *item) bool {
		if it.location != nil {
			candidates = append(candidates, it)
		}
		return true
	})
	if len(candidates) == 0 {
		return
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if toEvict > len(candidates) {
		toEvict = len(candidates)
	}
	for _, it := range candidates[:toEvict] {
		it.location = nil
	}
}

// Len reports the current number of cached intervals (test/metrics use).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Len()
}

func rangesOverlap(aBegin, aEnd, bBegin, bEnd kv.Key) bool {
	if aEnd != nil && bBegin.Compare(aEnd) >= 0 {
		return false
	}
	if bEnd != nil && aBegin.Compare(bEnd) >= 0 {
		return false
	}
	return true
}
