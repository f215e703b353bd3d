// Package strato is the public facade: a Database bound to a cluster
// descriptor file, and a Transaction exposing the read/write/commit API
// spec.md §6 names. Internal packages implement each component; this package
// wires them into something an application opens once and uses for the life
// of a process, the shape spec.md's own "client library" framing implies
// even though §1 scopes wire transport and coordinator-membership tracking
// out of the core.
//
// Grounded on torua's cmd/coordinator "server" struct for the
// owns-everything-behind-one-handle shape, generalized from an HTTP server's
// request handlers to a library's exported methods.
package strato

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/strato/internal/clusterfile"
	"github.com/dreamware/strato/internal/database"
	"github.com/dreamware/strato/internal/grv"
	"github.com/dreamware/strato/internal/httprpc"
	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/internal/transaction"
	"github.com/dreamware/strato/internal/tss"
	"github.com/dreamware/strato/internal/watch"
	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

// mismatchQueueSize bounds how many pending TSS mismatch events the facade
// buffers between the dispatcher's shadow-comparison logic and the mismatch
// handler's drain loop before backpressuring the reporter.
const mismatchQueueSize = 64

// Config bundles Open's tunables beyond the cluster descriptor path.
type Config struct {
	Logger     *zap.Logger
	MetricsReg prometheus.Registerer
	// TSSPolicy selects quarantine-vs-evict handling for shadow mismatches
	// (spec.md §4.10 step 2, "policy flag QUARANTINE_TSS_ON_MISMATCH").
	TSSPolicy tss.Policy
	// APIVersion selects the client API version (spec.md §4.6's atomic-op
	// translation gate); zero selects the library's current default.
	APIVersion int
}

// Database is a DatabaseContext plus the long-lived service tasks spec.md §5
// says it owns: the cluster-descriptor watcher and the TSS mismatch handler,
// both cancelled together by Close.
type Database struct {
	ctx        *database.Context
	watcher    *clusterfile.Watcher
	mismatches chan tss.MismatchEvent
	cancel     context.CancelFunc
}

// Open builds a Database and follows the cluster descriptor file at
// clusterFilePath, which internal/clusterfile parses as a single
// "id:addr1,addr2,..." line; the text before the first colon is the cluster
// id, and an '@' in the line is not treated specially. The descriptor's
// addresses are logged on each change but are not used to route requests:
// coordinator and proxy calls go to the httprpc client's fixed host names.
func Open(clusterFilePath string, cfg Config) (*Database, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	watcher, err := clusterfile.New(clusterFilePath, log)
	if err != nil {
		return nil, err
	}

	client := httprpc.New()
	dbCtx := database.New(database.Config{
		Logger:        log,
		MetricsReg:    cfg.MetricsReg,
		APIVersion:    cfg.APIVersion,
		Coordinator:   client,
		CommitProxy:   client,
		GRVDispatcher: grv.Dispatcher(client.GetReadVersion),
		Servers: database.ServerResolverFunc(func(serverID string) (rpcif.StorageServer, bool) {
			return client, true
		}),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	d := &Database{
		ctx:        dbCtx,
		watcher:    watcher,
		mismatches: make(chan tss.MismatchEvent, mismatchQueueSize),
		cancel:     cancel,
	}

	go watcher.Run(runCtx)
	go d.followClusterFile(runCtx, watcher, log)

	handler := tss.NewHandler(dbCtx.TSSPairings, d.systemKeyWriter(), cfg.TSSPolicy, dbCtx.RetryPolicy, log)
	go handler.Run(runCtx, d.mismatches)

	return d, nil
}

// followClusterFile invalidates every cached location on each coordinator
// descriptor change: a coordinator change often accompanies cluster
// recovery, during which previously cached shard locations are no longer
// trustworthy (spec.md §4.8: "changing locality or machine-id invalidates
// all cached locations" generalizes to any membership change this module
// can observe). It also re-arms every live watch at the last version this
// client knows to have committed (spec.md §4.4.4 "Watches survive cluster
// reconnection by re-arming at minAcceptableReadVersion after a
// connection-file change").
func (d *Database) followClusterFile(ctx context.Context, watcher *clusterfile.Watcher, log *zap.Logger) {
	for {
		select {
		case desc, ok := <-watcher.Updates():
			if !ok {
				return
			}
			log.Info("cluster descriptor changed", zap.String("cluster_id", desc.ClusterID), zap.Strings("addresses", desc.Addresses))
			d.ctx.LocationCache.InvalidateRange(kv.AllKeys)
			d.ctx.Watches.Rearm(d.ctx.LastKnownVersion(), transaction.WatchInstaller(d.ctx), transaction.WatchReadCurrent(d.ctx))
		case <-ctx.Done():
			return
		}
	}
}

// ReportMismatch feeds a TSS shadow-verification outcome into the mismatch
// handler (spec.md §4.10). It is the ingestion point a wire-transport
// implementation's shadow-comparison logic (spec.md §4.2, out of this
// module's scope per §1) calls into.
func (d *Database) ReportMismatch(ev tss.MismatchEvent) {
	select {
	case d.mismatches <- ev:
	default:
		// Backpressure: the handler is behind. Dropping here matches
		// spec.md §5's framing of the mismatch handler as a best-effort
		// internal service task ("catch, log, and continue").
	}
}

// systemKeyWriter adapts a raw mutation batch into a committed transaction
// tagged ACCESS_SYSTEM_KEYS, the capability spec.md §4.10 steps 2 and 4
// require to touch the tss_quarantine/ and tssMismatch/ namespaces.
func (d *Database) systemKeyWriter() tss.SystemKeyWriter {
	return func(ctx context.Context, mutations []kv.Mutation) error {
		tx := transaction.New(d.ctx)
		tx.SetOption(option.TransactionAccessSystemKeys, option.Value{})
		for _, m := range mutations {
			switch m.Type {
			case kv.MutationSet:
				tx.Set(m.Key, m.Value)
			case kv.MutationClearRange:
				tx.ClearRange(m.Key, kv.Key(m.Value))
			}
		}
		_, err := tx.Commit(ctx)
		return err
	}
}

// SetOption applies a database-level option (spec.md §4.8).
func (d *Database) SetOption(opt option.Database, val option.Value) {
	d.ctx.SetOption(opt, val)
}

// CreateTransaction returns a new Transaction bound to this Database
// (spec.md §4.8 "create_transaction").
func (d *Database) CreateTransaction() *Transaction {
	return &Transaction{tx: transaction.New(d.ctx)}
}

// Update runs fn against a fresh Transaction, retrying through OnError until
// fn succeeds, a user-fatal error surfaces, or ctx is cancelled — the
// manual-retry-loop idiom spec.md §7 describes ("on_error ... decides reset
// vs. propagate") wrapped into the single call applications actually want to
// write.
func (d *Database) Update(ctx context.Context, fn func(tx *Transaction) error) error {
	tx := d.CreateTransaction()
	for {
		if err := fn(tx); err != nil {
			if onErr := tx.tx.OnError(ctx, err); onErr != nil {
				return onErr
			}
			continue
		}
		if _, err := tx.tx.Commit(ctx); err != nil {
			if onErr := tx.tx.OnError(ctx, err); onErr != nil {
				return onErr
			}
			continue
		}
		return nil
	}
}

// View runs fn against a fresh read-only Transaction, retrying on retriable
// read errors the same way Update does, but never commits — callers that
// only read should use View so a transient conflict on an unrelated write
// never surfaces to them.
func (d *Database) View(ctx context.Context, fn func(tx *Transaction) error) error {
	tx := d.CreateTransaction()
	for {
		err := fn(tx)
		if err == nil {
			return nil
		}
		if onErr := tx.tx.OnError(ctx, err); onErr != nil {
			return onErr
		}
	}
}

// Status is a snapshot of a Database's internal state, for the "health-
// metrics and status readers" spec.md §4.8 says a DatabaseContext exposes.
type Status struct {
	LocationCacheEntries int
	ActiveWatches        int
}

// Status returns a Status snapshot.
func (d *Database) Status() Status {
	return Status{
		LocationCacheEntries: d.ctx.LocationCache.Len(),
		ActiveWatches:        d.ctx.Watches.Len(),
	}
}

// Close cancels every long-lived service task this Database owns (spec.md
// §5: "Long-lived service tasks ... are owned by DatabaseContext and
// cancelled in its destructor").
func (d *Database) Close() error {
	d.cancel()
	return d.watcher.Close()
}

// Transaction wraps internal/transaction.Transaction with the public,
// stable method names spec.md §6's external interface implies (get/set/
// clear/commit/watch), keeping the internal package free to evolve its own
// naming independently of the facade applications depend on.
type Transaction struct {
	tx *transaction.Transaction
}

// Get returns the value at key as of this transaction's read version.
func (t *Transaction) Get(ctx context.Context, key kv.Key) (kv.Value, bool, error) {
	return t.tx.Get(ctx, key, false)
}

// GetSnapshot returns the value at key without adding a read conflict range
// (spec.md §3's snapshot reads).
func (t *Transaction) GetSnapshot(ctx context.Context, key kv.Key) (kv.Value, bool, error) {
	return t.tx.Get(ctx, key, true)
}

// GetKey resolves a key selector (spec.md §4.4.2).
func (t *Transaction) GetKey(ctx context.Context, sel kv.Selector) (kv.Key, error) {
	return t.tx.GetKey(ctx, sel, false)
}

// GetRange returns every key-value pair in [begin, end) (spec.md §4.4.3),
// up to limit pairs (0 means unlimited), in reverse order if reverse is set.
func (t *Transaction) GetRange(ctx context.Context, begin, end kv.Selector, limit int, reverse bool) ([]kv.KeyValue, error) {
	return t.tx.GetRange(ctx, begin, end, limit, reverse, false)
}

// GetRangeSnapshot is GetRange without contributing a read conflict range
// (spec.md §3's snapshot reads).
func (t *Transaction) GetRangeSnapshot(ctx context.Context, begin, end kv.Selector, limit int, reverse bool) ([]kv.KeyValue, error) {
	return t.tx.GetRange(ctx, begin, end, limit, reverse, true)
}

// Set buffers a key/value write.
func (t *Transaction) Set(key kv.Key, value kv.Value) { t.tx.Set(key, value) }

// Clear buffers a single-key delete.
func (t *Transaction) Clear(key kv.Key) { t.tx.Clear(key) }

// ClearRange buffers a [begin, end) delete.
func (t *Transaction) ClearRange(begin, end kv.Key) { t.tx.ClearRange(begin, end) }

// AtomicOp buffers a server-evaluated atomic operation (spec.md §4.6).
func (t *Transaction) AtomicOp(key kv.Key, operand kv.Value, op kv.AtomicOp) {
	t.tx.AtomicOp(key, operand, op)
}

// SetVersionstampedKey buffers a set whose key is keyPrefix with the
// commit's versionstamp appended (spec.md §4.6).
func (t *Transaction) SetVersionstampedKey(keyPrefix kv.Key, value kv.Value) {
	t.tx.SetVersionstampedKey(keyPrefix, value)
}

// SetVersionstampedValue buffers a set whose value is valuePrefix with the
// commit's versionstamp appended (spec.md §4.6).
func (t *Transaction) SetVersionstampedValue(key kv.Key, valuePrefix kv.Value) {
	t.tx.SetVersionstampedValue(key, valuePrefix)
}

// Watch registers a watch on key, firing when its value changes relative to
// this transaction's read (spec.md §4.4.4).
func (t *Transaction) Watch(ctx context.Context, key kv.Key) (watch.Handle, error) {
	return t.tx.Watch(ctx, key)
}

// SetOption applies a transaction-level option (spec.md §4.8).
func (t *Transaction) SetOption(opt option.Transaction, val option.Value) {
	t.tx.SetOption(opt, val)
}

// Commit submits buffered mutations (spec.md §4.6).
func (t *Transaction) Commit(ctx context.Context) (kv.Version, error) {
	return t.tx.Commit(ctx)
}

// Versionstamp returns this transaction's versionstamp future: it receives
// exactly once, with the commit's 10-byte versionstamp, iff Commit actually
// submitted to a commit proxy and succeeded (spec.md §3/§4.6, §8's
// invariant).
func (t *Transaction) Versionstamp() <-chan kv.Versionstamp {
	return t.tx.Versionstamp()
}

// OnError implements spec.md §7's reset-vs-propagate retry primitive.
func (t *Transaction) OnError(ctx context.Context, err error) error {
	return t.tx.OnError(ctx, err)
}

// Reset clears transaction state back to a fresh transaction (spec.md §3).
func (t *Transaction) Reset() { t.tx.Reset() }

// Cancel aborts the transaction.
func (t *Transaction) Cancel() { t.tx.Cancel() }
