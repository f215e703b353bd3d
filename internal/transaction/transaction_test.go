package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/strato/internal/database"
	"github.com/dreamware/strato/internal/fakestorage"
	"github.com/dreamware/strato/internal/grv"
	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

// fakeCoordinator is a single-shard coordinator stub: the entire key space
// maps to one fakestorage.Server.
type fakeCoordinator struct {
	endpoint rpcif.Endpoint
}

func (f *fakeCoordinator) GRVProxies(ctx context.Context) ([]string, error)   { return nil, nil }
func (f *fakeCoordinator) CommitProxies(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeCoordinator) LocateKey(ctx context.Context, key kv.Key) (kv.KeyRange, []rpcif.Endpoint, error) {
	return kv.AllKeys, []rpcif.Endpoint{f.endpoint}, nil
}

func (f *fakeCoordinator) LocateRange(ctx context.Context, r kv.KeyRange, limit int) ([]rpcif.LocatedRange, error) {
	return []rpcif.LocatedRange{{Range: kv.AllKeys, Endpoints: []rpcif.Endpoint{f.endpoint}}}, nil
}

// fakeCommitProxy applies mutations directly to a fakestorage.Server,
// assigning monotonically increasing versions, standing in for the real
// two-phase commit protocol this module's scope excludes (spec.md §1).
type fakeCommitProxy struct {
	store   *fakestorage.Server
	version kv.Version
}

func (f *fakeCommitProxy) CommitTransaction(ctx context.Context, req rpcif.CommitRequest) (rpcif.CommitResponse, error) {
	f.version++
	v := f.version
	for _, m := range req.Mutations {
		switch m.Type {
		case kv.MutationSet:
			f.store.Put(m.Key, m.Value, v)
		case kv.MutationClearRange:
			f.store.Delete(m.Key, v)
		}
	}
	return rpcif.CommitResponse{Version: v, MetadataVersion: v}, nil
}

func testDatabase(t *testing.T) (*database.Context, *fakestorage.Server) {
	t.Helper()
	store := fakestorage.New("ss1")
	endpoint := rpcif.Endpoint{ServerID: "ss1"}
	coord := &fakeCoordinator{endpoint: endpoint}
	commitProxy := &fakeCommitProxy{store: store}

	dispatcher := func(ctx context.Context, class option.Class, count int, tags []string) (kv.Version, kv.Version, map[string]float64, error) {
		return commitProxy.version + 1, commitProxy.version, nil, nil
	}

	db := database.New(database.Config{
		Coordinator:   coord,
		CommitProxy:   commitProxy,
		GRVDispatcher: grv.Dispatcher(dispatcher),
		Servers: database.ServerResolverFunc(func(serverID string) (rpcif.StorageServer, bool) {
			if serverID == "ss1" {
				return store, true
			}
			return nil, false
		}),
	})
	return db, store
}

func TestGetMissingKeyReportsNotFound(t *testing.T) {
	db, _ := testDatabase(t)
	tx := New(db)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, ok, err := tx.Get(ctx, kv.Key("missing"), false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to report not found")
	}
}

func TestSetThenCommitThenGetObservesValue(t *testing.T) {
	db, _ := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := New(db)
	tx.Set(kv.Key("a"), kv.Value("1"))
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := New(db)
	v, ok, err := tx2.Get(ctx, kv.Key("a"), false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(v) != "1" {
		t.Fatalf("expected a=1, got ok=%v v=%q", ok, v)
	}
}

func TestClearRemovesValue(t *testing.T) {
	db, _ := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := New(db)
	tx.Set(kv.Key("b"), kv.Value("x"))
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := New(db)
	tx2.Clear(kv.Key("b"))
	if _, err := tx2.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx3 := New(db)
	_, ok, err := tx3.Get(ctx, kv.Key("b"), false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected b to be cleared")
	}
}

func TestGetRangeReturnsInsertedPairsInOrder(t *testing.T) {
	db, _ := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := New(db)
	tx.Set(kv.Key("k1"), kv.Value("v1"))
	tx.Set(kv.Key("k2"), kv.Value("v2"))
	tx.Set(kv.Key("k3"), kv.Value("v3"))
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := New(db)
	pairs, err := tx2.GetRange(ctx, kv.FirstGreaterOrEqual(kv.Key("k1")), kv.FirstGreaterOrEqual(kv.Key("k9")), 0, false, false)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d: %+v", len(pairs), pairs)
	}
	for i, want := range []string{"k1", "k2", "k3"} {
		if string(pairs[i].Key) != want {
			t.Fatalf("pair %d: expected key %s, got %s", i, want, pairs[i].Key)
		}
	}
}

func TestReadOnlyCommitIsNoOp(t *testing.T) {
	db, _ := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := New(db)
	if _, _, err := tx.Get(ctx, kv.Key("anything"), false); err != nil {
		t.Fatalf("get: %v", err)
	}
	v, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v != kv.InvalidVersion {
		t.Fatalf("expected InvalidVersion for a read-only commit, got %v", v)
	}
}

func TestOnErrorResetsOnRetriableClass(t *testing.T) {
	db, _ := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := New(db)
	tx.Set(kv.Key("pending"), kv.Value("v"))

	if err := tx.OnError(ctx, &retry.Error{Code: retry.CodeNotCommitted}); err != nil {
		t.Fatalf("expected OnError to swallow a retriable error, got %v", err)
	}
	if len(tx.mutations) != 0 {
		t.Fatalf("expected OnError to reset the mutation buffer, got %+v", tx.mutations)
	}
}

func TestOnErrorPropagatesFatalClass(t *testing.T) {
	db, _ := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := New(db)
	tx.Set(kv.Key("pending"), kv.Value("v"))

	err := tx.OnError(ctx, &retry.Error{Code: retry.CodeKeyTooLarge})
	if err == nil {
		t.Fatalf("expected OnError to propagate a fatal error")
	}
	if len(tx.mutations) != 1 {
		t.Fatalf("expected a fatal OnError to leave transaction state untouched")
	}
}

func TestCommitResolvesVersionstamp(t *testing.T) {
	db, _ := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := New(db)
	tx.Set(kv.Key("vs"), kv.Value("1"))
	v, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case stamp := <-tx.Versionstamp():
		if stamp.Version() != v {
			t.Fatalf("expected versionstamp version %v, got %v", v, stamp.Version())
		}
	default:
		t.Fatalf("expected versionstamp future to resolve after a successful commit")
	}
}

func TestReadOnlyCommitLeavesVersionstampUnresolved(t *testing.T) {
	db, _ := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx := New(db)
	if _, _, err := tx.Get(ctx, kv.Key("anything"), false); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case stamp := <-tx.Versionstamp():
		t.Fatalf("expected no versionstamp from a read-only commit, got %v", stamp)
	default:
	}
}

func TestWatchFiresOnChange(t *testing.T) {
	db, store := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tx := New(db)
	h, err := tx.Watch(ctx, kv.Key("watched"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	store.Put(kv.Key("watched"), kv.Value("new"), 1_000_000)

	select {
	case <-h.Fired:
	case <-time.After(time.Second):
		t.Fatalf("expected watch to fire after value change")
	}
}

func TestWatchNeverFiresIfTransactionNeverCommits(t *testing.T) {
	db, store := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tx := New(db)
	h, err := tx.Watch(ctx, kv.Key("dropped"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	tx.Cancel()

	store.Put(kv.Key("dropped"), kv.Value("new"), 1_000_000)

	select {
	case <-h.Fired:
		t.Fatalf("expected a cancelled transaction's watch to never fire")
	case <-time.After(100 * time.Millisecond):
	}
}
