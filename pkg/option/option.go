// Package option enumerates the public option space of spec.md §6: network
// options (set once, before any database is opened), database options (apply
// to a DatabaseContext and its future transactions), and transaction options
// (apply to a single transaction).
package option

import "time"

// Network is a network-level option tag, set exactly once during client
// bootstrap (spec.md §6 "Network options").
type Network int

const (
	NetworkTraceEnable Network = iota
	NetworkTraceRollSize
	NetworkTraceMaxLogsSize
	NetworkTraceFormat
	NetworkTraceFileIdentifier
	NetworkTraceLogGroup
	NetworkTraceClockSource
	NetworkKnob
	NetworkTLSCertPath
	NetworkTLSCertBytes
	NetworkTLSCAPath
	NetworkTLSCABytes
	NetworkTLSKeyPath
	NetworkTLSKeyBytes
	NetworkTLSPassword
	NetworkTLSVerifyPeers
	NetworkDisableClientStatisticsLogging
	NetworkEnableRunLoopProfiling
	NetworkSupportedClientVersions
	NetworkDistributedClientTracer
)

// DistributedClientTracer is the value space of NetworkDistributedClientTracer.
type DistributedClientTracer int

const (
	TracerNone DistributedClientTracer = iota
	TracerLogFile
	TracerNetworkLossy
)

// Database is a database-level option (spec.md §6 "Database options"). Each
// one is either a transaction-default (stamped onto every new transaction)
// or a direct context mutation (spec.md §4.8).
type Database int

const (
	DatabaseLocationCacheSize Database = iota
	DatabaseMachineID
	DatabaseMaxWatches
	DatabaseDatacenterID
	DatabaseSnapshotRYWEnable
	DatabaseSnapshotRYWDisable
	DatabaseTransactionLoggingEnable
	DatabaseTransactionLoggingDisable
	DatabaseUseConfigDatabase
	DatabaseTestCausalReadRisky
)

// IsTransactionDefault reports whether d is recorded into a DatabaseContext's
// transaction_defaults set (spec.md §4.8) rather than mutating the context
// directly. Location-cache size, machine/datacenter id, and max-watches are
// direct context mutations; the rest default transaction behavior.
func (d Database) IsTransactionDefault() bool {
	switch d {
	case DatabaseLocationCacheSize, DatabaseMachineID, DatabaseDatacenterID, DatabaseMaxWatches:
		return false
	default:
		return true
	}
}

// Transaction is a per-transaction option (spec.md §6 "Transaction options").
type Transaction int

const (
	TransactionCausalReadRisky Transaction = iota
	TransactionCausalWriteRisky
	TransactionPrioritySystemImmediate
	TransactionPriorityBatch
	TransactionInitializeNewDatabase
	TransactionAccessSystemKeys
	TransactionReadSystemKeys
	TransactionTimeout
	TransactionRetryLimit
	TransactionMaxRetryDelay
	TransactionSizeLimit
	TransactionLockAware
	TransactionReadLockAware
	TransactionFirstInBatch
	TransactionUseProvisionalProxies
	TransactionIncludePortInAddress
	TransactionTag
	TransactionAutoThrottleTag
	TransactionSpanParent
	TransactionReportConflictingKeys
	TransactionExpensiveClearCostEstimationEnable
	TransactionDebugIdentifier
	TransactionLogTransaction
	TransactionLoggingMaxFieldLength
	TransactionServerRequestTracing
)

// Priority classifies a transaction for GRV batching and throttling purposes
// (spec.md §4.3, §4.8). Batch priority transactions tolerate more GRV batch
// latency; immediate priority bypasses proxy-side admission control.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityBatch
	PrioritySystemImmediate
)

// Flags are the per-request flag bits that, together with Priority, select a
// GRV batcher class (spec.md §4.3).
type Flags struct {
	CausalReadRisky bool
	FirstInBatch    bool
	UseProvisional  bool
}

// Class is the (priority, flags) key identifying one GRV batcher queue.
type Class struct {
	Priority Priority
	Flags    Flags
}

// Value carries a parsed option payload. Exactly one field is meaningful,
// selected by the option's declared shape.
type Value struct {
	Int    int64
	Str    string
	Bytes  []byte
	Bool   bool
	Dur    time.Duration
	Tracer DistributedClientTracer
}

// Defaults mirrors spec.md §4.8's transaction_defaults: every Transaction
// option a database has recorded, stamped onto each new transaction.
type Defaults struct {
	values map[Transaction]Value
}

// NewDefaults returns an empty default set.
func NewDefaults() *Defaults {
	return &Defaults{values: make(map[Transaction]Value)}
}

// Set records opt=val as a default for future transactions.
func (d *Defaults) Set(opt Transaction, val Value) {
	d.values[opt] = val
}

// Apply copies every recorded default into dst, without overwriting entries
// dst already has (a transaction's explicit SetOption call always wins).
func (d *Defaults) Apply(dst map[Transaction]Value) {
	for k, v := range d.values {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

// Clone returns an independent copy of d.
func (d *Defaults) Clone() *Defaults {
	out := NewDefaults()
	for k, v := range d.values {
		out.values[k] = v
	}
	return out
}
