// Package kv defines the wire-level data model shared by every layer of the
// client: keys, values, key ranges, versions and selectors. Nothing in this
// package talks to the network; it exists so that internal packages agree on
// byte-for-byte representations without importing each other.
package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Key is an opaque byte string. Keys compare lexicographically.
type Key []byte

// Value is an opaque byte string stored under a Key.
type Value []byte

// Clone returns a copy of k that does not alias the caller's backing array.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// Compare orders a before b the way the cluster's key space is ordered.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// String renders the key for logs and error messages. Keys are not always
// valid UTF-8, so this is a best-effort, quoted representation.
func (k Key) String() string {
	return fmt.Sprintf("%q", []byte(k))
}

// KeyAfter returns the lexicographically smallest key strictly greater than
// k, used when advancing a scan past a returned key (spec.md §4.4.3).
func KeyAfter(k Key) Key {
	out := make(Key, len(k)+1)
	copy(out, k)
	return out
}

// KeyRange is the half-open interval [Begin, End).
type KeyRange struct {
	Begin Key
	End   Key
}

// NewRange constructs a KeyRange, cloning both bounds so the caller's buffers
// may be reused or mutated afterward.
func NewRange(begin, end Key) KeyRange {
	return KeyRange{Begin: begin.Clone(), End: end.Clone()}
}

// Singleton returns the single-key range [k, KeyAfter(k)).
func Singleton(k Key) KeyRange {
	return KeyRange{Begin: k.Clone(), End: KeyAfter(k)}
}

// Contains reports whether key falls within [r.Begin, r.End).
func (r KeyRange) Contains(key Key) bool {
	if r.Begin != nil && key.Compare(r.Begin) < 0 {
		return false
	}
	if r.End != nil && key.Compare(r.End) >= 0 {
		return false
	}
	return true
}

// Empty reports whether the range contains no keys (Begin >= End, with a nil
// End treated as +infinity).
func (r KeyRange) Empty() bool {
	if r.End == nil {
		return false
	}
	return r.Begin.Compare(r.End) >= 0
}

// Intersects reports whether r and other share at least one key.
func (r KeyRange) Intersects(other KeyRange) bool {
	beginMax := r.Begin
	if other.Begin.Compare(beginMax) > 0 {
		beginMax = other.Begin
	}
	endMin := r.End
	if other.End == nil || (r.End != nil && r.End.Compare(other.End) < 0) {
		endMin = r.End
	} else {
		endMin = other.End
	}
	if endMin == nil {
		return true
	}
	return beginMax.Compare(endMin) < 0
}

// AllKeys is the range spanning the entire key space.
var AllKeys = KeyRange{Begin: Key{}, End: nil}

// Version is the cluster's monotonic 64-bit commit/read version.
type Version int64

const (
	// InvalidVersion is returned for read-only commits (spec.md §4.6.1).
	InvalidVersion Version = 0
	// LatestVersion is a sentinel meaning "resolve at send time" (spec.md §3).
	LatestVersion Version = -1
)

// Selector describes a key by relative position: the key at or adjacent to
// Key, shifted by Offset (spec.md §3, §4.4.2).
type Selector struct {
	Key     Key
	OrEqual bool
	Offset  int
}

// FirstGreaterOrEqual returns the selector resolving to the first key >= k.
func FirstGreaterOrEqual(k Key) Selector {
	return Selector{Key: k, OrEqual: false, Offset: 1}
}

// FirstGreaterThan returns the selector resolving to the first key > k.
func FirstGreaterThan(k Key) Selector {
	return Selector{Key: k, OrEqual: true, Offset: 1}
}

// LastLessOrEqual returns the selector resolving to the last key <= k.
func LastLessOrEqual(k Key) Selector {
	return Selector{Key: k, OrEqual: true, Offset: 0}
}

// LastLessThan returns the selector resolving to the last key < k.
func LastLessThan(k Key) Selector {
	return Selector{Key: k, OrEqual: false, Offset: 0}
}

// Resolved reports whether the selector has collapsed to a plain key lookup:
// the loop in spec.md §4.4.2 terminates when Offset == 0 && OrEqual == true.
func (s Selector) Resolved() bool {
	return s.Offset == 0 && s.OrEqual
}

// MutationType enumerates the kinds of entries that can appear in a
// transaction's mutation buffer (spec.md §3).
type MutationType int

const (
	MutationSet MutationType = iota
	MutationClearRange
	MutationAtomic
	MutationSetVersionstampedKey
	MutationSetVersionstampedValue
)

// AtomicOp enumerates the server-evaluated atomic operations (spec.md §4.6).
type AtomicOp int

const (
	AtomicAdd AtomicOp = iota
	AtomicAnd
	AtomicOr
	AtomicXor
	AtomicMin
	AtomicMax
	AtomicByteMin
	AtomicByteMax
	AtomicAppendIfFits
	AtomicCompareAndClear
	AtomicSetVersionstampedKey
	AtomicSetVersionstampedValue
	// AtomicMinV2 and AtomicAndV2 are the API->=510 variants that behave
	// correctly against absent keys (spec.md §4.6).
	AtomicMinV2
	AtomicAndV2
)

// Mutation is one entry in a transaction's ordered mutation buffer.
type Mutation struct {
	Type  MutationType
	Op    AtomicOp // valid when Type == MutationAtomic
	Key   Key
	Value Value
}

// VersionstampLen is the size in bytes of an encoded versionstamp (spec.md §6).
const VersionstampLen = 10

// Versionstamp is a 10-byte opaque commit-order token: 8-byte big-endian
// commit version followed by a 2-byte big-endian batch index.
type Versionstamp [VersionstampLen]byte

// NewVersionstamp encodes a commit version and batch index per spec.md §6.
func NewVersionstamp(version Version, batchID uint16) Versionstamp {
	var vs Versionstamp
	binary.BigEndian.PutUint64(vs[0:8], uint64(version))
	binary.BigEndian.PutUint16(vs[8:10], batchID)
	return vs
}

// Version returns the commit version encoded in the versionstamp.
func (vs Versionstamp) Version() Version {
	return Version(binary.BigEndian.Uint64(vs[0:8]))
}

// BatchID returns the batch index encoded in the versionstamp.
func (vs Versionstamp) BatchID() uint16 {
	return binary.BigEndian.Uint16(vs[8:10])
}

// KeyValue pairs a key with its stored value, as returned by range reads.
type KeyValue struct {
	Key   Key
	Value Value
}
