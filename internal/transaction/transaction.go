// Package transaction implements the per-transaction state machine of
// spec.md §4.4 (read pipeline) and §4.6 (commit pipeline): get/getKey/
// getRange with selector resolution and shard retry, the mutation buffer and
// conflict ranges, atomic ops, the self-conflict/dummy-transaction recovery
// path, and versionstamp production.
//
// Grounded on zkkxu-tikv-client-go's txnkv/transaction package: prewrite.go's
// two-phase-commit action shape (build request, dispatch, classify response,
// loop on retriable classification) is the model for Commit(); google/uuid
// supplies the self-conflict singleton's unique suffix, the same way that
// pack's client generates opaque per-attempt identifiers.
package transaction

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/strato/internal/database"
	"github.com/dreamware/strato/internal/failure"
	"github.com/dreamware/strato/internal/grv"
	"github.com/dreamware/strato/internal/interval"
	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/internal/watch"
	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

// metadataVersionKey is the reserved key whose read is served from the
// metadata-version cache rather than a storage server (spec.md §4.4.1 step
// 2). It lives under the reserved system-key prefix (spec.md §3).
var metadataVersionKey = kv.Key("\xff/metadataVersion")

// selfConflictPrefix namespaces the synthetic self-conflict singleton
// inserted at commit time (spec.md §4.6: "\xFF/SC/<uuid>").
const selfConflictPrefix = "\xff/SC/"

// Size limits mirror spec.md §4.6's oversize-key/value/transaction
// rejections. Conservative, order-of-magnitude defaults; real values would
// come from the cluster's knob configuration (out of scope, §1).
const (
	keySizeLimit   = 10_000
	valueSizeLimit = 100_000
	sizeLimitBytes = 10_000_000
)

// watchHandle is one watch this transaction has registered interest in
// (spec.md §3 "watches: list of watch handles registered on this
// transaction"). The real server-side watch is only installed when this
// transaction commits (spec.md §3 "fate decided at commit"; §4.6 Post-commit
// "arm all registered watches with v"): fired stays open, and cancelReal
// stays nil, until armWatches runs it through watch.Map.Register with the
// commit version.
type watchHandle struct {
	key        kv.Key
	value      kv.Value
	fired      chan struct{}
	cancelled  bool
	cancelReal func()
}

// pendingSelector is an unresolved, non-snapshot getKey/getRange read whose
// eventual conflict range must be appended at commit time (spec.md §3
// "extra_conflict_ranges").
type pendingSelector struct {
	resolvedRange kv.KeyRange
}

// Transaction is the per-transaction state machine of spec.md §3/§4.
//
// Transaction is not safe for concurrent use by multiple goroutines,
// mirroring the single-threaded cooperative model of spec.md §5; any
// cross-goroutine use must serialize externally (pkg/strato's facade is
// exactly that serialization point).
type Transaction struct {
	db *database.Context

	readVersion     kv.Version
	readVersionOnce sync.Once
	readVersionErr  error

	mutations           []kv.Mutation
	readConflictRanges  []kv.KeyRange
	writeConflictRanges []kv.KeyRange
	extraConflicts      []pendingSelector

	options map[option.Transaction]option.Value
	watches []*watchHandle

	committed bool

	// versionstampCh is the spec.md §3/§4.6 versionstamp future: it receives
	// exactly once, with the commit's versionstamp, iff this transaction's
	// commit succeeds (spec.md §8's invariant). A fresh channel is created by
	// New/Reset, so a transaction that never commits simply never sends.
	versionstampCh chan kv.Versionstamp

	// onErrorLoop backs the public OnError method: a single retry.Loop whose
	// backoff grows across successive OnError calls on this transaction
	// attempt sequence (spec.md §4.7's growth schedule), surviving the Reset
	// OnError triggers internally.
	onErrorLoop *retry.Loop
}

// New creates a Transaction bound to db, with db's transaction_defaults
// stamped in per spec.md §4.8.
func New(db *database.Context) *Transaction {
	t := &Transaction{
		db:             db,
		options:        make(map[option.Transaction]option.Value),
		versionstampCh: make(chan kv.Versionstamp, 1),
	}
	db.Defaults().Apply(t.options)
	return t
}

// SetOption records opt=val on this transaction, overriding any database
// default (spec.md §4.8: "a transaction's explicit SetOption call always
// wins").
func (t *Transaction) SetOption(opt option.Transaction, val option.Value) {
	t.options[opt] = val
}

func (t *Transaction) optionSet(key option.Transaction) bool {
	_, ok := t.options[key]
	return ok
}

// causalReadRiskyOption reports the causal_read_risky transaction option,
// which governs GRV batching (spec.md §4.3's flags) and is unrelated to a
// given read's snapshot-ness, a per-call argument on Get/GetKey/GetRange.
func (t *Transaction) causalReadRiskyOption() bool {
	return t.optionSet(option.TransactionCausalReadRisky)
}

// Reset clears all transaction state back to a fresh transaction on the same
// DatabaseContext, except that watches registered before Reset remain live
// and fire-able (spec.md §3 "reset preserves watches-until-commit
// semantics").
func (t *Transaction) Reset() {
	preserved := t.watches
	fresh := New(t.db)
	*t = *fresh
	t.watches = preserved
}

// OnError implements spec.md §7's "single method on Transaction that takes
// an error, decides reset vs. propagate, and returns a future that completes
// after the chosen backoff": retriable classes reset the transaction (after
// sleeping the prescribed, growing delay) and return nil so the caller can
// retry its operation; every other class returns the error unchanged for the
// caller to propagate.
func (t *Transaction) OnError(ctx context.Context, err error) error {
	rerr := classify(err)
	if t.onErrorLoop == nil {
		t.onErrorLoop = retry.NewLoop(t.db.RetryPolicy)
	}
	loop := t.onErrorLoop
	t.countRetry(rerr)

	shouldRetry, retErr := loop.OnError(ctx, rerr, nil)
	if !shouldRetry {
		return retErr
	}
	t.Reset()
	t.onErrorLoop = loop
	return nil
}

// Cancel aborts the transaction. Any pending RPCs it issued are expected to
// be aborted by the caller's ctx cancellation (spec.md §5 cancellation
// safety); Cancel itself just marks local state terminal so further use
// fails fast rather than silently corrupting a reused transaction.
func (t *Transaction) Cancel() {
	t.committed = true
}

// ensureReadVersion acquires a read version via the GRV batcher, memoizing
// it for the lifetime of the transaction (spec.md §3 "read_version: lazy
// future; once set, immutable until reset").
func (t *Transaction) ensureReadVersion(ctx context.Context) (kv.Version, error) {
	t.readVersionOnce.Do(func() {
		priority := option.PriorityDefault
		if t.optionSet(option.TransactionPriorityBatch) {
			priority = option.PriorityBatch
		}
		if t.optionSet(option.TransactionPrioritySystemImmediate) {
			priority = option.PrioritySystemImmediate
		}
		flags := option.Flags{
			CausalReadRisky: t.causalReadRiskyOption(),
			FirstInBatch:    t.optionSet(option.TransactionFirstInBatch),
			UseProvisional:  t.optionSet(option.TransactionUseProvisionalProxies),
		}
		var tags []string
		if v, ok := t.options[option.TransactionTag]; ok {
			tags = append(tags, v.Str)
		}
		var debugID string
		if v, ok := t.options[option.TransactionDebugIdentifier]; ok {
			debugID = v.Str
		}
		req := grv.Request{Tags: tags, DebugID: debugID, Flags: flags, Priority: priority}
		replyCh := t.db.GRVBatcher.Submit(ctx, req)
		select {
		case result := <-replyCh:
			if result.Err != nil {
				t.readVersionErr = result.Err
				return
			}
			t.readVersion = result.Version
		case <-ctx.Done():
			t.readVersionErr = ctx.Err()
		}
	})
	return t.readVersion, t.readVersionErr
}

// Get implements spec.md §4.4.1.
func (t *Transaction) Get(ctx context.Context, key kv.Key, snapshot bool) (kv.Value, bool, error) {
	if !snapshot {
		t.readConflictRanges = append(t.readConflictRanges, kv.Singleton(key))
	}

	rv, err := t.ensureReadVersion(ctx)
	if err != nil {
		return nil, false, err
	}

	if key.Compare(metadataVersionKey) == 0 {
		mv, ok := t.db.MetadataVersionAt(rv)
		if !ok {
			return nil, false, nil
		}
		buf := kv.NewVersionstamp(mv, 0)
		return kv.Value(buf[:8]), true, nil
	}

	loop := retry.NewLoop(t.db.RetryPolicy)
	for {
		ss, endpoint, _, err := t.locateAndPick(ctx, key)
		if err != nil {
			return nil, false, err
		}
		value, ok, rpcErr := ss.GetValue(ctx, rpcif.GetValueRequest{Endpoint: endpoint, Key: key, Version: rv})
		if rpcErr == nil {
			t.db.FailureMon.ReportSuccess(endpoint.ServerID)
			return value, ok, nil
		}
		t.db.FailureMon.ReportFailure(endpoint.ServerID)
		rerr := classify(rpcErr)
		t.countRetry(rerr)
		retryOK, loopErr := loop.OnError(ctx, rerr, func() { t.db.LocationCache.Invalidate(key) })
		if !retryOK {
			return nil, false, loopErr
		}
	}
}

// GetKey implements spec.md §4.4.2: iteratively resolve a selector against
// the shard containing its key until the server returns a terminal
// (offset==0, or_equal==true) selector.
func (t *Transaction) GetKey(ctx context.Context, sel kv.Selector, snapshot bool) (kv.Key, error) {
	rv, err := t.ensureReadVersion(ctx)
	if err != nil {
		return nil, err
	}

	loop := retry.NewLoop(t.db.RetryPolicy)
	cur := sel
	for {
		ss, endpoint, _, err := t.locateAndPick(ctx, cur.Key)
		if err != nil {
			return nil, err
		}
		resp, rpcErr := ss.GetKey(ctx, rpcif.GetKeyRequest{Endpoint: endpoint, Selector: cur, Version: rv})
		if rpcErr != nil {
			t.db.FailureMon.ReportFailure(endpoint.ServerID)
			rerr := classify(rpcErr)
			t.countRetry(rerr)
			retryOK, loopErr := loop.OnError(ctx, rerr, func() { t.db.LocationCache.Invalidate(cur.Key) })
			if !retryOK {
				return nil, loopErr
			}
			continue
		}
		t.db.FailureMon.ReportSuccess(endpoint.ServerID)
		if resp.Done {
			if !snapshot {
				t.extraConflicts = append(t.extraConflicts, pendingSelector{resolvedRange: kv.Singleton(resp.ResolvedKey)})
			}
			return resp.ResolvedKey, nil
		}
		cur = resp.NextSelector
	}
}

// GetRange implements spec.md §4.4.3's per-shard iteration, advancing begin
// forward (or end backward, when reverse) across shard boundaries until the
// limit is reached or no more data remains. Like Get and GetKey, snapshot
// controls only whether this read contributes a conflict range at commit
// time (spec.md §4.4.3 "conflict ranges for non-snapshot reads"); it is
// independent of causal_read_risky, which instead governs GRV batching.
func (t *Transaction) GetRange(ctx context.Context, begin, end kv.Selector, limit int, reverse bool, snapshot bool) ([]kv.KeyValue, error) {
	rv, err := t.ensureReadVersion(ctx)
	if err != nil {
		return nil, err
	}

	var out []kv.KeyValue
	cursorBegin, cursorEnd := begin, end
	firstBegin, firstEnd := begin, end

	for {
		if limit > 0 && len(out) >= limit {
			break
		}
		anchor := cursorBegin.Key
		if reverse {
			anchor = cursorEnd.Key
		}
		ss, endpoint, shardRange, err := t.locateAndPick(ctx, anchor)
		if err != nil {
			return out, err
		}

		reqBegin, reqEnd := cursorBegin, cursorEnd
		if shardRange.Begin != nil && reqBegin.Key.Compare(shardRange.Begin) < 0 {
			reqBegin = kv.FirstGreaterOrEqual(shardRange.Begin)
		}
		if shardRange.End != nil && (reqEnd.Key == nil || reqEnd.Key.Compare(shardRange.End) > 0) {
			reqEnd = kv.FirstGreaterOrEqual(shardRange.End)
		}

		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
		}
		resp, rpcErr := ss.GetKeyValues(ctx, rpcif.GetKeyValuesRequest{
			Endpoint: endpoint, Begin: reqBegin, End: reqEnd, Limit: remaining, Reverse: reverse, Version: rv,
		})
		if rpcErr != nil {
			t.db.FailureMon.ReportFailure(endpoint.ServerID)
			rerr := classify(rpcErr)
			t.countRetry(rerr)
			loop := retry.NewLoop(t.db.RetryPolicy)
			retryOK, loopErr := loop.OnError(ctx, rerr, func() { t.db.LocationCache.InvalidateRange(shardRange) })
			if !retryOK {
				return out, loopErr
			}
			continue
		}
		t.db.FailureMon.ReportSuccess(endpoint.ServerID)
		out = append(out, resp.Pairs...)

		if !resp.More {
			if !reverse {
				if shardRange.End == nil {
					break
				}
				cursorBegin = kv.FirstGreaterOrEqual(shardRange.End)
			} else {
				if shardRange.Begin == nil {
					break
				}
				cursorEnd = kv.FirstGreaterOrEqual(shardRange.Begin)
			}
			continue
		}
		if len(resp.Pairs) > 0 {
			if !reverse {
				cursorBegin = kv.FirstGreaterThan(resp.Pairs[len(resp.Pairs)-1].Key)
			} else {
				cursorEnd = kv.FirstGreaterOrEqual(resp.Pairs[len(resp.Pairs)-1].Key)
			}
		}
	}

	if !snapshot {
		t.appendRangeConflict(firstBegin, firstEnd, out, reverse)
	}
	return out, nil
}

// appendRangeConflict implements spec.md §4.4.3's "conflict ranges for
// non-snapshot reads".
func (t *Transaction) appendRangeConflict(begin, end kv.Selector, results []kv.KeyValue, reverse bool) {
	if len(results) == 0 {
		t.extraConflicts = append(t.extraConflicts, pendingSelector{resolvedRange: kv.KeyRange{Begin: begin.Key, End: end.Key}})
		return
	}
	if !reverse {
		last := results[len(results)-1].Key
		t.extraConflicts = append(t.extraConflicts, pendingSelector{resolvedRange: kv.KeyRange{Begin: begin.Key, End: kv.KeyAfter(last)}})
	} else {
		first := results[len(results)-1].Key
		t.extraConflicts = append(t.extraConflicts, pendingSelector{resolvedRange: kv.KeyRange{Begin: first, End: end.Key}})
	}
}

// locateAndPick resolves key's shard, populating the location cache from the
// coordinator on a miss, and picks a replica via the load-balancer policy of
// spec.md §4.4.5: prefer OK-status endpoints, break ties randomly.
func (t *Transaction) locateAndPick(ctx context.Context, key kv.Key) (rpcif.StorageServer, rpcif.Endpoint, kv.KeyRange, error) {
	return locateFor(ctx, t.db, key)
}

// locateFor is locateAndPick without a *Transaction receiver, so watch
// installation can reuse it after the owning transaction's lifetime is no
// longer relevant (armWatches) or with no transaction at all (Rearm, called
// from pkg/strato's cluster-file follower).
func locateFor(ctx context.Context, db *database.Context, key kv.Key) (rpcif.StorageServer, rpcif.Endpoint, kv.KeyRange, error) {
	entry := db.LocationCache.Get(key, false)
	if entry.Location == nil || len(entry.Location.Servers) == 0 {
		db.Metrics().CacheMisses.Inc()
		shardRange, endpoints, err := db.Coordinator().LocateKey(ctx, key)
		if err != nil {
			return nil, rpcif.Endpoint{}, kv.KeyRange{}, err
		}
		loc := &interval.LocationInfo{Servers: endpoints}
		db.LocationCache.Insert(shardRange, loc)
		entry = interval.Entry{Range: shardRange, Location: loc}
	} else {
		db.Metrics().CacheHits.Inc()
	}

	endpoint := pickReplicaFor(db, entry.Location.Servers)
	ss, ok := db.StorageServer(endpoint.ServerID)
	if !ok {
		return nil, rpcif.Endpoint{}, entry.Range, &retry.Error{Code: retry.CodeAllAlternativesFailed}
	}
	return ss, endpoint, entry.Range, nil
}

// pickReplicaFor implements spec.md §4.4.5: prefer OK-status replicas,
// randomly break ties among them; fall back to any replica if none are OK
// (better to try a possibly-failed replica than to fail outright).
func pickReplicaFor(db *database.Context, servers []rpcif.Endpoint) rpcif.Endpoint {
	var ok []rpcif.Endpoint
	for _, s := range servers {
		if db.FailureMon.Status(s.ServerID) == failure.StatusOK {
			ok = append(ok, s)
		}
	}
	pool := servers
	if len(ok) > 0 {
		pool = ok
	}
	return pool[rand.Intn(len(pool))]
}

// installFuncFor builds the watch.InstallFunc spec.md §4.4.4's server-side
// watch registration uses, independent of any one transaction: armWatches
// calls it for watches whose owning transaction just committed, and the
// WatchInstaller wrapper exposes it to pkg/strato's cluster-file follower,
// which re-arms watches with no transaction of its own (spec.md §4.4.4
// "re-arming at minAcceptableReadVersion after a connection-file change").
func installFuncFor(db *database.Context) watch.InstallFunc {
	return func(key kv.Key, value kv.Value, version kv.Version, onChange func(kv.Value, kv.Version)) {
		go func() {
			bgCtx := context.Background()
			ss, endpoint, _, err := locateFor(bgCtx, db, key)
			if err != nil {
				return
			}
			newValue, newVersion, err := ss.WatchValue(bgCtx, endpoint, key, value, version)
			if err != nil {
				return
			}
			onChange(newValue, newVersion)
		}()
	}
}

// readCurrentValueFor backs watch.Map's readCurrent collaborator: a snapshot
// read of key's present value and the database's current read version, used
// to break the "different value, same version" tie in spec.md §4.4.4's case
// table and to refresh entries Rearm finds stale past watch.MaxVersionLookback.
func readCurrentValueFor(db *database.Context) func(kv.Key) (kv.Value, kv.Version) {
	return func(key kv.Key) (kv.Value, kv.Version) {
		probe := New(db)
		v, _, _ := probe.Get(context.Background(), key, true)
		rv, _ := probe.ensureReadVersion(context.Background())
		return v, rv
	}
}

// WatchInstaller exposes installFuncFor outside this package for
// pkg/strato's cluster-file follower (spec.md §4.4.4/§4.11's re-arm path).
func WatchInstaller(db *database.Context) watch.InstallFunc {
	return installFuncFor(db)
}

// WatchReadCurrent exposes readCurrentValueFor for the same caller.
func WatchReadCurrent(db *database.Context) func(kv.Key) (kv.Value, kv.Version) {
	return readCurrentValueFor(db)
}

func classify(err error) *retry.Error {
	if rerr, ok := err.(*retry.Error); ok {
		return rerr
	}
	return rpcif.ClassifyStatus(err)
}

func (t *Transaction) countRetry(rerr *retry.Error) {
	t.db.Metrics().RetriesByKind.WithLabelValues(kindLabel(retry.ClassOf(rerr.Code))).Inc()
}

func kindLabel(k retry.Kind) string {
	switch k {
	case retry.KindTransientRetry:
		return "transient_retry"
	case retry.KindVersionDrift:
		return "version_drift"
	case retry.KindShardCacheInvalidation:
		return "shard_cache_invalidation"
	default:
		return "fatal"
	}
}

func cloneValue(v kv.Value) kv.Value {
	if v == nil {
		return nil
	}
	out := make(kv.Value, len(v))
	copy(out, v)
	return out
}

// Set buffers a set mutation and its write conflict range (spec.md §4.6).
func (t *Transaction) Set(key kv.Key, value kv.Value) {
	t.mutations = append(t.mutations, kv.Mutation{Type: kv.MutationSet, Key: key.Clone(), Value: cloneValue(value)})
	t.writeConflictRanges = append(t.writeConflictRanges, kv.Singleton(key))
}

// Clear buffers a single-key clear, expressed as a clear of [key, key+1).
func (t *Transaction) Clear(key kv.Key) {
	t.ClearRange(key, kv.KeyAfter(key))
}

// ClearRange buffers a clear of [begin, end) and its write conflict range.
// The range end is carried in Mutation.Value since MutationClearRange has no
// dedicated second key field.
func (t *Transaction) ClearRange(begin, end kv.Key) {
	t.mutations = append(t.mutations, kv.Mutation{Type: kv.MutationClearRange, Key: begin.Clone(), Value: kv.Value(end.Clone())})
	t.writeConflictRanges = append(t.writeConflictRanges, kv.KeyRange{Begin: begin.Clone(), End: end.Clone()})
}

// AtomicOp buffers a server-evaluated atomic mutation (spec.md §4.6),
// translating MIN/AND to their API->=510 MINV2/ANDV2 variants per the
// database's selected API version.
func (t *Transaction) AtomicOp(key kv.Key, operand kv.Value, op kv.AtomicOp) {
	op = t.db.TranslateAtomicOp(op)
	t.mutations = append(t.mutations, kv.Mutation{Type: kv.MutationAtomic, Op: op, Key: key.Clone(), Value: cloneValue(operand)})
	t.writeConflictRanges = append(t.writeConflictRanges, kv.Singleton(key))
}

// SetVersionstampedKey buffers a set whose key is keyPrefix with the
// commit's versionstamp appended by the commit proxy (spec.md §4.6).
func (t *Transaction) SetVersionstampedKey(keyPrefix kv.Key, value kv.Value) {
	t.mutations = append(t.mutations, kv.Mutation{Type: kv.MutationSetVersionstampedKey, Key: keyPrefix.Clone(), Value: cloneValue(value)})
}

// SetVersionstampedValue buffers a set whose value is valuePrefix with the
// commit's versionstamp appended by the commit proxy (spec.md §4.6).
func (t *Transaction) SetVersionstampedValue(key kv.Key, valuePrefix kv.Value) {
	t.mutations = append(t.mutations, kv.Mutation{Type: kv.MutationSetVersionstampedValue, Key: key.Clone(), Value: cloneValue(valuePrefix)})
}

// rangesIntersect reports whether any range in a overlaps any range in b
// (spec.md §4.6 step 5's "read ∩ write is empty" test).
func rangesIntersect(a, b []kv.KeyRange) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ra.Intersects(rb) {
				return true
			}
		}
	}
	return false
}

func (t *Transaction) bufferedSize() int {
	total := 0
	for _, m := range t.mutations {
		total += len(m.Key) + len(m.Value)
	}
	for _, r := range t.readConflictRanges {
		total += len(r.Begin) + len(r.End)
	}
	for _, r := range t.writeConflictRanges {
		total += len(r.Begin) + len(r.End)
	}
	return total
}

// Commit implements spec.md §4.6: size validation, self-conflict singleton
// insertion (unless causal_write_risky), submission to the commit proxy,
// conflict/error classification with retry, dummy-transaction recovery on an
// unknown commit outcome, and post-commit metadata-ring/watch bookkeeping.
func (t *Transaction) Commit(ctx context.Context) (kv.Version, error) {
	if t.committed {
		return 0, &retry.Error{Code: retry.CodeTransactionCancelled}
	}
	if len(t.mutations) == 0 && len(t.writeConflictRanges) == 0 {
		t.committed = true
		// No mutations reach a commit proxy, so no real versionstamp exists
		// to resolve (spec.md §8's future is for transactions that actually
		// commit). Watches registered on this transaction still need
		// arming, though: a watch-only transaction's Commit is exactly how
		// callers signal "this watch's fate is decided" (spec.md §3).
		if len(t.watches) > 0 {
			rv, err := t.ensureReadVersion(ctx)
			if err != nil {
				return 0, err
			}
			t.armWatches(rv)
		}
		return kv.InvalidVersion, nil
	}

	for _, m := range t.mutations {
		if len(m.Key) > keySizeLimit {
			return 0, &retry.Error{Code: retry.CodeKeyTooLarge}
		}
		if len(m.Value) > valueSizeLimit {
			return 0, &retry.Error{Code: retry.CodeValueTooLarge}
		}
	}
	if t.bufferedSize() > sizeLimitBytes {
		return 0, &retry.Error{Code: retry.CodeTransactionTooLarge}
	}

	rv, err := t.ensureReadVersion(ctx)
	if err != nil {
		return 0, err
	}

	readConflicts := append([]kv.KeyRange{}, t.readConflictRanges...)
	for _, ps := range t.extraConflicts {
		readConflicts = append(readConflicts, ps.resolvedRange)
	}

	// Insert the self-conflict singleton (spec.md §4.6 step 5): a synthetic
	// range this transaction both reads and writes, so a later dummy
	// transaction can test whether this commit's write conflict range ever
	// landed. Skipped when causal_write_risky trades this safety for latency,
	// and skipped when read and write ranges already intersect: an existing
	// overlap already gives the same self-conflicting behavior, so a second,
	// synthetic one would be redundant.
	var selfConflictKey kv.Key
	if !t.optionSet(option.TransactionCausalWriteRisky) && !rangesIntersect(readConflicts, t.writeConflictRanges) {
		selfConflictKey = kv.Key(selfConflictPrefix + uuid.New().String())
		readConflicts = append(readConflicts, kv.Singleton(selfConflictKey))
		t.writeConflictRanges = append(t.writeConflictRanges, kv.Singleton(selfConflictKey))
	}

	req := rpcif.CommitRequest{
		ReadVersion:         rv,
		Mutations:           t.mutations,
		ReadConflictRanges:  readConflicts,
		WriteConflictRanges: t.writeConflictRanges,
	}

	loop := retry.NewLoop(t.db.RetryPolicy)
	for {
		start := time.Now()
		resp, commitErr := t.db.CommitProxy().CommitTransaction(ctx, req)
		t.db.Metrics().CommitLatency.Observe(time.Since(start).Seconds())

		if commitErr == nil {
			if len(resp.ConflictingKRIndices) > 0 {
				t.db.Metrics().CommitConflicts.Inc()
				return 0, &retry.Error{Code: retry.CodeNotCommitted}
			}
			t.committed = true
			t.db.RecordCommit(resp.Version, resp.MetadataVersion)
			t.armWatches(resp.Version)
			t.versionstampCh <- kv.NewVersionstamp(resp.Version, resp.BatchID)
			return resp.Version, nil
		}

		rerr := classify(commitErr)
		if rerr.Code == retry.CodeCommitUnknownResult && selfConflictKey != nil {
			landed, checkErr := t.probeSelfConflict(ctx, selfConflictKey, rv)
			if checkErr == nil {
				t.committed = true
				if landed {
					t.armWatches(rv)
					// The dummy probe never carried the real commit's batch
					// id; batch 0 is the best approximation available once
					// the original CommitResponse is gone (spec.md §4.6's
					// commit_unknown_result recovery path).
					t.versionstampCh <- kv.NewVersionstamp(rv, 0)
					return rv, nil
				}
				return 0, rerr
			}
		}
		t.countRetry(rerr)
		retryOK, loopErr := loop.OnError(ctx, rerr, nil)
		if !retryOK {
			return 0, loopErr
		}
	}
}

// probeSelfConflict issues a dummy transaction that reads and writes
// selfKey. If it fails with not_committed, selfKey's write conflict range
// already landed, meaning the original commit succeeded despite the unknown
// result; if it commits cleanly, the original commit never happened (spec.md
// §4.6 "commit_unknown_result": recheck via a dummy transaction against the
// self-conflict singleton rather than assuming either outcome).
func (t *Transaction) probeSelfConflict(ctx context.Context, selfKey kv.Key, rv kv.Version) (landed bool, err error) {
	probe := rpcif.CommitRequest{
		ReadVersion:         rv,
		Mutations:           []kv.Mutation{{Type: kv.MutationSet, Key: selfKey.Clone(), Value: kv.Value("probe")}},
		ReadConflictRanges:  []kv.KeyRange{kv.Singleton(selfKey)},
		WriteConflictRanges: []kv.KeyRange{kv.Singleton(selfKey)},
	}
	_, commitErr := t.db.CommitProxy().CommitTransaction(ctx, probe)
	if commitErr == nil {
		return false, nil
	}
	rerr := classify(commitErr)
	if rerr.Code == retry.CodeNotCommitted {
		return true, nil
	}
	return false, rerr
}

// Watch implements spec.md §4.4.4/§4.11: record interest in key's current
// value and return a Handle whose Fired channel closes when the server
// eventually observes a different value. Per spec.md §3 ("watches: ... fate
// decided at commit"), no server-side watch is installed here; armWatches
// installs the real watch.Map entry, with the commit version, only once (and
// only if) this transaction's Commit actually succeeds.
func (t *Transaction) Watch(ctx context.Context, key kv.Key) (watch.Handle, error) {
	value, _, err := t.Get(ctx, key, false)
	if err != nil {
		return watch.Handle{}, err
	}

	wh := &watchHandle{key: key, value: value, fired: make(chan struct{})}
	t.watches = append(t.watches, wh)

	return watch.Handle{
		Key:   key,
		Fired: wh.fired,
		Cancel: func() {
			wh.cancelled = true
			if wh.cancelReal != nil {
				wh.cancelReal()
			}
		},
	}, nil
}

// armWatches installs the real watch.Map entry for every watch this
// transaction registered that was not cancelled before commit, at the commit
// version v (spec.md §4.6 Post-commit "arm all registered watches with v").
// Reached only from Commit's success paths, never on a failed or cancelled
// transaction, so a dropped transaction's watches never fire.
func (t *Transaction) armWatches(version kv.Version) {
	if len(t.watches) == 0 {
		return
	}
	install := installFuncFor(t.db)
	readCurrent := readCurrentValueFor(t.db)
	for _, wh := range t.watches {
		if wh.cancelled {
			continue
		}
		real := t.db.Watches.Register(wh.key, wh.value, version, install, readCurrent)
		wh.cancelReal = real.Cancel
		t.db.Metrics().WatchesActive.Inc()
		go func(wh *watchHandle, fired <-chan struct{}) {
			<-fired
			close(wh.fired)
		}(wh, real.Fired)
	}
}

// Versionstamp returns the future spec.md §3/§4.6 describes: it receives
// exactly once, carrying this transaction's 10-byte versionstamp, iff Commit
// actually submitted to a commit proxy and succeeded (spec.md §8's
// invariant). A transaction whose Commit took the no-op read-only fast path
// never sends on it, since no real versionstamp was produced.
func (t *Transaction) Versionstamp() <-chan kv.Versionstamp {
	return t.versionstampCh
}
