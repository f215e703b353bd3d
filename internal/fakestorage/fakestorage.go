// Package fakestorage provides an in-memory, versioned storage-server double
// satisfying internal/rpcif.StorageServer, for tests that exercise
// internal/transaction and internal/rangestream without a real cluster.
//
// Grounded on torua's internal/storage/store.go (MemoryStore) and
// internal/shard/shard.go, rewritten to key on (key, version) so reads can
// honor spec.md §3's read_version semantics instead of torua's
// always-latest reads.
package fakestorage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/pkg/kv"
)

type versionedValue struct {
	version kv.Version
	value   kv.Value
	deleted bool
}

// Server is a single-shard, versioned, in-memory storage server.
type Server struct {
	mu   sync.RWMutex
	id   string
	data map[string][]versionedValue // key -> history, ascending by version
}

// New returns an empty Server identified by id.
func New(id string) *Server {
	return &Server{id: id, data: make(map[string][]versionedValue)}
}

// Put records value for key as of version (test setup helper; a real
// storage server would receive this via the commit-apply path, which is out
// of this module's scope per spec.md §1).
func (s *Server) Put(key kv.Key, value kv.Value, version kv.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	s.data[k] = append(s.data[k], versionedValue{version: version, value: value})
}

// Delete records a tombstone for key as of version.
func (s *Server) Delete(key kv.Key, version kv.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	s.data[k] = append(s.data[k], versionedValue{version: version, deleted: true})
}

func (s *Server) valueAt(key kv.Key, version kv.Version) (kv.Value, bool) {
	history := s.data[string(key)]
	var best *versionedValue
	for i := range history {
		if history[i].version <= version {
			if best == nil || history[i].version > best.version {
				v := history[i]
				best = &v
			}
		}
	}
	if best == nil || best.deleted {
		return nil, false
	}
	return best.value, true
}

// GetValue implements rpcif.StorageServer.
func (s *Server) GetValue(ctx context.Context, req rpcif.GetValueRequest) (kv.Value, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.valueAt(req.Key, req.Version)
	return v, ok, nil
}

// GetKey implements rpcif.StorageServer by resolving the selector against
// the snapshot at req.Version.
func (s *Server) GetKey(ctx context.Context, req rpcif.GetKeyRequest) (rpcif.GetKeyResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.liveKeysAt(req.Version)

	sel := req.Selector
	// idx is the first key >= sel.Key.
	idx := sort.Search(len(keys), func(i int) bool {
		return keys[i].Compare(sel.Key) >= 0
	})
	// Base position: the last key <= sel.Key when OrEqual, else the last
	// key < sel.Key; Offset then shifts from there.
	pos := idx - 1
	if sel.OrEqual && idx < len(keys) && keys[idx].Compare(sel.Key) == 0 {
		pos = idx
	}
	pos += sel.Offset

	if pos < 0 {
		return rpcif.GetKeyResponse{ResolvedKey: kv.Key{}, Done: true}, nil
	}
	if pos >= len(keys) {
		return rpcif.GetKeyResponse{ResolvedKey: nil, Done: true}, nil
	}
	return rpcif.GetKeyResponse{ResolvedKey: keys[pos], Done: true}, nil
}

func (s *Server) liveKeysAt(version kv.Version) []kv.Key {
	var keys []kv.Key
	for k := range s.data {
		if _, ok := s.valueAt(kv.Key(k), version); ok {
			keys = append(keys, kv.Key(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// GetKeyValues implements rpcif.StorageServer for a single shard's worth of
// a range scan.
func (s *Server) GetKeyValues(ctx context.Context, req rpcif.GetKeyValuesRequest) (rpcif.GetKeyValuesResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.liveKeysAt(req.Version)
	if req.Reverse {
		sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) > 0 })
	}

	var out []kv.KeyValue
	for _, k := range keys {
		if !req.Reverse {
			if k.Compare(req.Begin.Key) < 0 {
				continue
			}
			if req.End.Key != nil && k.Compare(req.End.Key) >= 0 {
				break
			}
		} else {
			if req.End.Key != nil && k.Compare(req.End.Key) >= 0 {
				continue
			}
			if k.Compare(req.Begin.Key) < 0 {
				break
			}
		}
		v, _ := s.valueAt(k, req.Version)
		out = append(out, kv.KeyValue{Key: k, Value: v})
		if req.Limit > 0 && len(out) >= req.Limit {
			return rpcif.GetKeyValuesResponse{Pairs: out, More: true}, nil
		}
	}
	return rpcif.GetKeyValuesResponse{Pairs: out, More: false}, nil
}

// watchPollInterval bounds how quickly WatchValue notices a Put/Delete that
// happens after it was called; adequate for tests, which have no other way
// to push a server-side watch notification into this in-memory double.
const watchPollInterval = 2 * time.Millisecond

// WatchValue implements rpcif.StorageServer by polling the server's history
// for key until an entry newer than version disagrees with value, or ctx is
// cancelled.
func (s *Server) WatchValue(ctx context.Context, endpoint rpcif.Endpoint, key kv.Key, value kv.Value, version kv.Version) (kv.Value, kv.Version, error) {
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	for {
		s.mu.RLock()
		history := s.data[string(key)]
		for _, vv := range history {
			if vv.version > version && !bytesEqual(vv.value, value) {
				s.mu.RUnlock()
				return vv.value, vv.version, nil
			}
		}
		s.mu.RUnlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// SplitMetrics implements rpcif.StorageServer with a trivial no-op split (the
// fake never reports interior split points, since tests control fragment
// counts directly via internal/rangestream's options).
func (s *Server) SplitMetrics(ctx context.Context, endpoint rpcif.Endpoint, r kv.KeyRange, chunkBytes int64) ([]kv.Key, error) {
	return nil, nil
}

// GetRangeSplitPoints implements rpcif.StorageServer identically to
// SplitMetrics for this fake.
func (s *Server) GetRangeSplitPoints(ctx context.Context, endpoint rpcif.Endpoint, r kv.KeyRange, chunkBytes int64) ([]kv.Key, error) {
	return nil, nil
}

func bytesEqual(a, b kv.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
