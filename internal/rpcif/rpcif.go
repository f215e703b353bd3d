// Package rpcif defines the collaborator contracts spec.md §6 names without
// specifying: the storage-server, GRV-proxy, commit-proxy, and coordinator
// ports the core transaction-execution runtime speaks against. The wire
// codec and RPC transport themselves are explicitly out of scope (spec.md
// §1); internal/httprpc is this module's own default implementation of
// these ports, the way any collaborator-satisfying backend could be.
//
// Error codes crossing these ports are carried as google.golang.org/grpc's
// codes.Code + status.Status, the same vocabulary the rest of the retrieval
// pack's clients use at their own collaborator boundaries.
package rpcif

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

// Endpoint identifies one operation on one storage-server identity (spec.md
// §3 "Storage-Server Interface"): a stable per-operation token.
type Endpoint struct {
	ServerID string
	Token    string
}

// GetValueRequest is the storage-server getValue call (spec.md §4.4.1).
type GetValueRequest struct {
	Endpoint Endpoint
	Key      kv.Key
	Version  kv.Version
}

// GetKeyRequest is the storage-server getKey call (spec.md §4.4.2).
type GetKeyRequest struct {
	Endpoint Endpoint
	Selector kv.Selector
	Version  kv.Version
}

// GetKeyResponse carries the server's resolved key and the next selector to
// try if resolution escaped the shard (spec.md §4.4.2).
type GetKeyResponse struct {
	ResolvedKey  kv.Key
	NextSelector kv.Selector
	Done         bool
}

// GetKeyValuesRequest is the storage-server getKeyValues call (spec.md
// §4.4.3).
type GetKeyValuesRequest struct {
	Endpoint Endpoint
	Begin    kv.Selector
	End      kv.Selector
	Limit    int
	Reverse  bool
	Version  kv.Version
}

// GetKeyValuesResponse carries one shard's worth of range results.
type GetKeyValuesResponse struct {
	Pairs []kv.KeyValue
	More  bool
}

// StorageServer is the port a shard's storage server exposes (spec.md §3's
// SSI endpoint list: the three reads, then the watch and split operations).
type StorageServer interface {
	GetValue(ctx context.Context, req GetValueRequest) (kv.Value, bool, error)
	GetKey(ctx context.Context, req GetKeyRequest) (GetKeyResponse, error)
	GetKeyValues(ctx context.Context, req GetKeyValuesRequest) (GetKeyValuesResponse, error)
	WatchValue(ctx context.Context, endpoint Endpoint, key kv.Key, value kv.Value, version kv.Version) (newValue kv.Value, newVersion kv.Version, err error)
	SplitMetrics(ctx context.Context, endpoint Endpoint, r kv.KeyRange, chunkBytes int64) ([]kv.Key, error)
	GetRangeSplitPoints(ctx context.Context, endpoint Endpoint, r kv.KeyRange, chunkBytes int64) ([]kv.Key, error)
}

// GRVProxy is the port a GRV proxy exposes: one GetReadVersion RPC per
// dispatched batch (spec.md §4.3).
type GRVProxy interface {
	GetReadVersion(ctx context.Context, class option.Class, count int, tags []string) (version, metadataVersion kv.Version, tagRates map[string]float64, err error)
}

// CommitRequest is the CommitTransaction call submitted to a commit proxy
// (spec.md §4.6 "Submission").
type CommitRequest struct {
	ReadVersion         kv.Version
	Mutations           []kv.Mutation
	ReadConflictRanges  []kv.KeyRange
	WriteConflictRanges []kv.KeyRange
	CommitOnFirstProxy  bool
}

// CommitResponse is the commit proxy's reply (spec.md §4.6 "Submission").
type CommitResponse struct {
	Version              kv.Version
	MetadataVersion      kv.Version
	ConflictingKRIndices []int
	// BatchID is the 2-byte index this commit occupies within its commit
	// batch, the low 16 bits of the 10-byte versionstamp (spec.md §6
	// "Versionstamp format").
	BatchID uint16
}

// CommitProxy is the port a commit proxy exposes.
type CommitProxy interface {
	CommitTransaction(ctx context.Context, req CommitRequest) (CommitResponse, error)
}

// Coordinator is the port the cluster's coordinator role exposes: address
// lists for the other two proxy roles and storage-server locations (spec.md
// §1 "coordinators tracking cluster membership"; the leader/coordinator
// monitor itself is out of scope, §1 — this is just the read side the core
// depends on).
type Coordinator interface {
	GRVProxies(ctx context.Context) ([]string, error)
	CommitProxies(ctx context.Context) ([]string, error)
	LocateKey(ctx context.Context, key kv.Key) (kv.KeyRange, []Endpoint, error)
	LocateRange(ctx context.Context, r kv.KeyRange, limit int) ([]LocatedRange, error)
}

// LocatedRange pairs a shard's boundary with its current server set, as
// returned by a coordinator/commit-proxy location lookup.
type LocatedRange struct {
	Range     kv.KeyRange
	Endpoints []Endpoint
}

// ClassifyStatus maps a gRPC status code returned by a collaborator to this
// module's own retry.Code taxonomy (spec.md §7), the error-vocabulary
// boundary SPEC_FULL.md §B.2 describes.
func ClassifyStatus(err error) *retry.Error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &retry.Error{Code: retry.CodeUnknown, Cause: err}
	}
	code, known := statusToRetryCode[st.Code()]
	if !known {
		code = retry.CodeUnknown
	}
	return &retry.Error{Code: code, Cause: err}
}

var statusToRetryCode = map[codes.Code]retry.Code{
	codes.Aborted:            retry.CodeNotCommitted,
	codes.DeadlineExceeded:   retry.CodeCommitUnknownResult,
	codes.Unavailable:        retry.CodeDatabaseLocked,
	codes.ResourceExhausted:  retry.CodeProxyMemoryLimitExceeded,
	codes.FailedPrecondition: retry.CodeProcessBehind,
	codes.OutOfRange:         retry.CodeTransactionTooOld,
	codes.NotFound:           retry.CodeWrongShardServer,
	codes.Unimplemented:      retry.CodeAllAlternativesFailed,
	codes.InvalidArgument:    retry.CodeKeyTooLarge,
	codes.Canceled:           retry.CodeTransactionCancelled,
}

// ToStatus encodes a retry.Code as a gRPC status for collaborators (e.g.
// internal/httprpc's server side, internal/fakestorage in tests) that need
// to produce the error this module will classify.
func ToStatus(code retry.Code, msg string) error {
	for grpcCode, rc := range statusToRetryCode {
		if rc == code {
			return status.Error(grpcCode, msg)
		}
	}
	return status.Error(codes.Unknown, msg)
}
