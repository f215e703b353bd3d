// Package database implements the DatabaseContext of spec.md §4.8: the
// owner of every long-lived subsystem a transaction needs (location cache,
// failure monitor, watch map, metadata-version ring, throttle table via the
// GRV batcher, TSS pairing table, telemetry, transaction-default options)
// and the option-handling rules that route a Database option to either a
// transaction default or a direct context mutation.
//
// Grounded on torua's cmd/coordinator "server" struct: one struct
// behind a single mutex owning a registry, a health monitor, and a node
// list, generalized here to the fuller subsystem set spec.md names.
package database

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/strato/internal/failure"
	"github.com/dreamware/strato/internal/grv"
	"github.com/dreamware/strato/internal/interval"
	"github.com/dreamware/strato/internal/metrics"
	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/internal/watch"
	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

// metadataRingSize bounds the (version, metadata_version) ring of spec.md §3
// ("Metadata-Version Cache. Bounded ring ... binary-searchable").
const metadataRingSize = 1024

// defaultAPIVersion is selected when Config.APIVersion is left at its zero
// value: every real client selects some API version before touching a
// database, so an unset Config defaults to a recent one rather than to the
// pre-510 atomic-op behavior (spec.md §4.6's MIN/AND -> MINV2/ANDV2 gate).
const defaultAPIVersion = 730

type metadataEntry struct {
	version         kv.Version
	metadataVersion kv.Version
}

// Context is a DatabaseContext (spec.md §4.8). The zero value is not usable;
// construct with New.
type Context struct {
	mu sync.RWMutex

	log     *zap.Logger
	metrics *metrics.Registry

	LocationCache *interval.Cache
	FailureMon    *failure.Monitor
	TSSPairings   *failure.PairingTable
	Watches       *watch.Map
	GRVBatcher    *grv.Batcher
	RetryPolicy   retry.Policy

	coordinator Coordinator
	commitProxy rpcif.CommitProxy
	servers     ServerResolver

	defaults *option.Defaults

	machineID    string
	datacenterID string
	maxWatches   int
	apiVersion   int

	metadataRing []metadataEntry
	ringHead     int
	ringLen      int
}

// Coordinator is the subset of rpcif.Coordinator the database context needs
// directly (location resolution flows through internal/transaction instead,
// which calls the coordinator per-read rather than caching it here).
type Coordinator = rpcif.Coordinator

// ServerResolver maps a storage-server identity to the live client a
// transaction dispatches requests through. internal/httprpc.Client and
// internal/fakestorage.Server both satisfy rpcif.StorageServer; this
// indirection is what lets internal/transaction stay transport-agnostic.
type ServerResolver interface {
	StorageServer(serverID string) (rpcif.StorageServer, bool)
}

// ServerResolverFunc adapts a plain function to ServerResolver.
type ServerResolverFunc func(serverID string) (rpcif.StorageServer, bool)

// StorageServer implements ServerResolver.
func (f ServerResolverFunc) StorageServer(serverID string) (rpcif.StorageServer, bool) {
	return f(serverID)
}

// Config bundles the collaborators and tunables a Context is built from.
type Config struct {
	Logger        *zap.Logger
	MetricsReg    prometheus.Registerer
	Coordinator   rpcif.Coordinator
	CommitProxy   rpcif.CommitProxy
	Servers       ServerResolver
	GRVDispatcher grv.Dispatcher
	CacheSize     int
	RetryPolicy   retry.Policy
	// APIVersion gates spec.md §4.6's atomic-op translation (MIN -> MINV2,
	// AND -> ANDV2 once selected API version is >= 510). Zero selects
	// defaultAPIVersion.
	APIVersion int
}

// New constructs a Context from cfg, wiring every long-lived subsystem.
func New(cfg Config) *Context {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	reg := cfg.MetricsReg
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	policy := cfg.RetryPolicy
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}
	apiVersion := cfg.APIVersion
	if apiVersion == 0 {
		apiVersion = defaultAPIVersion
	}

	return &Context{
		log:           log,
		metrics:       metrics.New(reg),
		LocationCache: interval.New(interval.Options{MaxEntries: cfg.CacheSize}),
		FailureMon:    failure.NewMonitor(),
		TSSPairings:   failure.NewPairingTable(),
		Watches:       watch.NewMap(),
		GRVBatcher:    grv.NewBatcher(cfg.GRVDispatcher),
		RetryPolicy:   policy,
		coordinator:   cfg.Coordinator,
		commitProxy:   cfg.CommitProxy,
		servers:       cfg.Servers,
		defaults:      option.NewDefaults(),
		maxWatches:    0,
		apiVersion:    apiVersion,
		metadataRing:  make([]metadataEntry, metadataRingSize),
	}
}

// TranslateAtomicOp implements spec.md §4.6's API-version-gated atomic-op
// substitution: once the selected API version is >= 510, MIN becomes MINV2
// and AND becomes ANDV2, the variants that behave correctly against absent
// keys. Below 510, ops pass through unchanged.
func (c *Context) TranslateAtomicOp(op kv.AtomicOp) kv.AtomicOp {
	if c.apiVersion < 510 {
		return op
	}
	switch op {
	case kv.AtomicMin:
		return kv.AtomicMinV2
	case kv.AtomicAnd:
		return kv.AtomicAndV2
	default:
		return op
	}
}

// Logger returns the context's named logger, optionally scoped to a
// subsystem (e.g. ctx.Logger("grv")), matching torua's pattern of
// threading one logger through every component.
func (c *Context) Logger(subsystem string) *zap.Logger {
	if subsystem == "" {
		return c.log
	}
	return c.log.Named(subsystem)
}

// Metrics returns the context's telemetry registry.
func (c *Context) Metrics() *metrics.Registry { return c.metrics }

// Coordinator returns the collaborator used to resolve proxy and shard
// locations.
func (c *Context) Coordinator() rpcif.Coordinator { return c.coordinator }

// CommitProxy returns the collaborator transactions submit commits to.
func (c *Context) CommitProxy() rpcif.CommitProxy { return c.commitProxy }

// StorageServer resolves serverID to a live rpcif.StorageServer client.
func (c *Context) StorageServer(serverID string) (rpcif.StorageServer, bool) {
	if c.servers == nil {
		return nil, false
	}
	return c.servers.StorageServer(serverID)
}

// Defaults returns the transaction-default option set stamped onto every new
// transaction (spec.md §4.8).
func (c *Context) Defaults() *option.Defaults {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaults
}

// SetOption implements spec.md §4.8's option-handling rule: a Database
// option is either recorded as a transaction default, or applied as a
// direct context mutation. Mutating locality or machine-id invalidates all
// cached locations, per spec.md §4.8.
func (c *Context) SetOption(opt option.Database, val option.Value) {
	if opt.IsTransactionDefault() {
		txOpt, ok := databaseToTransactionOption[opt]
		if !ok {
			return
		}
		c.mu.Lock()
		c.defaults.Set(txOpt, val)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch opt {
	case option.DatabaseMachineID:
		c.machineID = val.Str
		c.invalidateAllLocationsLocked()
	case option.DatabaseDatacenterID:
		c.datacenterID = val.Str
		c.invalidateAllLocationsLocked()
	case option.DatabaseMaxWatches:
		c.maxWatches = int(val.Int)
	case option.DatabaseLocationCacheSize:
		// A running cache cannot be resized in place without rebuilding the
		// btree; callers that need a different size should configure it at
		// New() time. The value is ignored.
	}
}

// databaseToTransactionOption maps the subset of Database options that are
// transaction-defaults (spec.md §4.8 case (a)) to the Transaction option
// they default.
var databaseToTransactionOption = map[option.Database]option.Transaction{
	option.DatabaseSnapshotRYWEnable:        option.TransactionCausalReadRisky,
	option.DatabaseTransactionLoggingEnable: option.TransactionLogTransaction,
	option.DatabaseTestCausalReadRisky:      option.TransactionCausalReadRisky,
}

func (c *Context) invalidateAllLocationsLocked() {
	c.LocationCache.InvalidateRange(kv.AllKeys)
}

// RecordCommit advances the metadata-version ring with (v, metadataVersion)
// if v is newer than the current head (spec.md §4.6 "Post-commit": "advancing
// the ring head if v > head.version").
func (c *Context) RecordCommit(v, metadataVersion kv.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ringLen > 0 {
		head := c.metadataRing[c.ringHead]
		if v <= head.version {
			return
		}
	}
	c.ringHead = (c.ringHead + 1) % metadataRingSize
	c.metadataRing[c.ringHead] = metadataEntry{version: v, metadataVersion: metadataVersion}
	if c.ringLen < metadataRingSize {
		c.ringLen++
	}
}

// MetadataVersionAt returns the metadata_version associated with the ring
// entry at or immediately before version v, via binary search over the
// ring's version-ordered contents (spec.md §3 "binary-searchable").
func (c *Context) MetadataVersionAt(v kv.Version) (kv.Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ringLen == 0 {
		return 0, false
	}
	// Materialize the ring in version order for the search; ringLen is
	// bounded by metadataRingSize so this is cheap.
	ordered := make([]metadataEntry, 0, c.ringLen)
	for i := 0; i < c.ringLen; i++ {
		idx := (c.ringHead - i + metadataRingSize) % metadataRingSize
		ordered = append([]metadataEntry{c.metadataRing[idx]}, ordered...)
	}
	lo, hi := 0, len(ordered)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if ordered[mid].version <= v {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best == -1 {
		return 0, false
	}
	return ordered[best].metadataVersion, true
}

// LastKnownVersion returns the most recently recorded committed version in
// the metadata-version ring, or kv.InvalidVersion if none has landed yet.
// Used as minAcceptableReadVersion when re-arming watches after a
// connection-file switch (spec.md §4.4.4).
func (c *Context) LastKnownVersion() kv.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ringLen == 0 {
		return kv.InvalidVersion
	}
	return c.metadataRing[c.ringHead].version
}

// Close releases background resources owned by the context. Long-lived
// service tasks are cancelled via the ctx passed to whichever goroutines
// started them (spec.md §5: "Long-lived service tasks ... are owned by
// DatabaseContext and cancelled in its destructor").
func (c *Context) Close(ctx context.Context) error {
	return nil
}
