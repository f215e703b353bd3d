package strato

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/strato/internal/database"
	"github.com/dreamware/strato/internal/fakestorage"
	"github.com/dreamware/strato/internal/grv"
	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/internal/tss"
	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/option"
)

// fakeCoordinator is a single-shard coordinator stub, mirroring
// internal/transaction's test fixture of the same shape.
type fakeCoordinator struct {
	endpoint rpcif.Endpoint
}

func (f *fakeCoordinator) GRVProxies(ctx context.Context) ([]string, error)    { return nil, nil }
func (f *fakeCoordinator) CommitProxies(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeCoordinator) LocateKey(ctx context.Context, key kv.Key) (kv.KeyRange, []rpcif.Endpoint, error) {
	return kv.AllKeys, []rpcif.Endpoint{f.endpoint}, nil
}

func (f *fakeCoordinator) LocateRange(ctx context.Context, r kv.KeyRange, limit int) ([]rpcif.LocatedRange, error) {
	return []rpcif.LocatedRange{{Range: kv.AllKeys, Endpoints: []rpcif.Endpoint{f.endpoint}}}, nil
}

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

func testDatabase(t *testing.T) *Database {
	t.Helper()
	store := fakestorage.New("ss1")
	endpoint := rpcif.Endpoint{ServerID: "ss1"}
	coord := &fakeCoordinator{endpoint: endpoint}
	commitProxy := &fakeCommitProxy{store: store}

	dispatcher := func(ctx context.Context, class option.Class, count int, tags []string) (kv.Version, kv.Version, map[string]float64, error) {
		return commitProxy.version + 1, commitProxy.version, nil, nil
	}

	dbCtx := database.New(database.Config{
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

	return &Database{
		ctx:        dbCtx,
		mismatches: make(chan tss.MismatchEvent, 1),
		cancel:     func() {},
	}
}

func TestUpdateCommitsOnSuccess(t *testing.T) {
	db := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := db.Update(ctx, func(tx *Transaction) error {
		tx.Set(kv.Key("a"), kv.Value("1"))
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = db.View(ctx, func(tx *Transaction) error {
		v, ok, err := tx.Get(ctx, kv.Key("a"))
		if err != nil {
			return err
		}
		if !ok || string(v) != "1" {
			t.Fatalf("expected a=1, got ok=%v v=%q", ok, v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestUpdateRetriesOnRetriableFnError(t *testing.T) {
	db := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	attempts := 0
	err := db.Update(ctx, func(tx *Transaction) error {
		attempts++
		tx.Set(kv.Key("b"), kv.Value("2"))
		if attempts < 2 {
			return &retry.Error{Code: retry.CodeNotCommitted}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestUpdatePropagatesFatalFnError(t *testing.T) {
	db := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := db.Update(ctx, func(tx *Transaction) error {
		return &retry.Error{Code: retry.CodeKeyTooLarge}
	})
	if err == nil {
		t.Fatalf("expected a fatal fn error to propagate out of Update")
	}
}

func TestReportMismatchDoesNotBlockWhenHandlerIdle(t *testing.T) {
	db := testDatabase(t)
	db.ReportMismatch(tss.MismatchEvent{ShadowID: "shadow1"})
	db.ReportMismatch(tss.MismatchEvent{ShadowID: "shadow1"})
}
