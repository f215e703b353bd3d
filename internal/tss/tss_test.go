package tss

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/strato/internal/failure"
	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/pkg/kv"
)

func fastBackoff() retry.Policy {
	return retry.Policy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		GrowthRate:     2,
	}
}

func TestHandlerQuarantinesAndErasesPairing(t *testing.T) {
	pairings := failure.NewPairingTable()
	pairings.Install("primary1", "shadow1")

	var committed []kv.Mutation
	write := func(ctx context.Context, mutations []kv.Mutation) error {
		committed = mutations
		return nil
	}

	h := NewHandler(pairings, write, Policy{QuarantineOnMismatch: true}, fastBackoff(), nil)
	h.handle(context.Background(), MismatchEvent{
		ShadowID: "shadow1",
		Records: []MismatchRecord{
			{Timestamp: time.Unix(0, 1000), MismatchUID: "u1", Trace: "trace1"},
		},
	})

	_, ok := pairings.LookupByShadow("shadow1")
	assert.False(t, ok, "expected pairing erased after successful handling")

	require.Len(t, committed, 2, "expected a quarantine mutation plus one mismatch record")
	assert.Equal(t, kv.MutationSet, committed[0].Type)
	assert.Equal(t, quarantinePrefix+"shadow1", string(committed[0].Key))
	assert.Equal(t, kv.MutationSet, committed[1].Type)
	assert.Equal(t, "trace1", string(committed[1].Value))
}

func TestHandlerEvictsByClearingServerTag(t *testing.T) {
	pairings := failure.NewPairingTable()
	pairings.Install("primary1", "shadow1")

	var committed []kv.Mutation
	write := func(ctx context.Context, mutations []kv.Mutation) error {
		committed = mutations
		return nil
	}

	h := NewHandler(pairings, write, Policy{QuarantineOnMismatch: false}, fastBackoff(), nil)
	h.handle(context.Background(), MismatchEvent{ShadowID: "shadow1"})

	require.Len(t, committed, 1)
	assert.Equal(t, kv.MutationClearRange, committed[0].Type)
}

func TestHandlerSkipsUnknownShadow(t *testing.T) {
	pairings := failure.NewPairingTable()
	called := false
	write := func(ctx context.Context, mutations []kv.Mutation) error {
		called = true
		return nil
	}

	h := NewHandler(pairings, write, Policy{}, fastBackoff(), nil)
	h.handle(context.Background(), MismatchEvent{ShadowID: "ghost"})

	assert.False(t, called, "expected no write for a shadow with no active pairing")
}

func TestHandlerGivesUpOnFatalError(t *testing.T) {
	pairings := failure.NewPairingTable()
	pairings.Install("primary1", "shadow1")

	attempts := 0
	write := func(ctx context.Context, mutations []kv.Mutation) error {
		attempts++
		return &retry.Error{Code: retry.CodeKeyTooLarge, Cause: errors.New("boom")}
	}

	h := NewHandler(pairings, write, Policy{QuarantineOnMismatch: true}, fastBackoff(), nil)
	h.handle(context.Background(), MismatchEvent{ShadowID: "shadow1"})

	assert.Equal(t, 1, attempts, "expected a fatal error to give up after one attempt")
	_, ok := pairings.LookupByShadow("shadow1")
	assert.True(t, ok, "expected pairing to survive a failed handling attempt")
}

func TestHandlerRetriesTransientErrorThenSucceeds(t *testing.T) {
	pairings := failure.NewPairingTable()
	pairings.Install("primary1", "shadow1")

	attempts := 0
	write := func(ctx context.Context, mutations []kv.Mutation) error {
		attempts++
		if attempts < 3 {
			return &retry.Error{Code: retry.CodeDatabaseLocked, Cause: errors.New("retry me")}
		}
		return nil
	}

	h := NewHandler(pairings, write, Policy{QuarantineOnMismatch: true}, fastBackoff(), nil)
	h.handle(context.Background(), MismatchEvent{ShadowID: "shadow1"})

	assert.Equal(t, 3, attempts)
	_, ok := pairings.LookupByShadow("shadow1")
	assert.False(t, ok, "expected pairing erased after eventual success")
}
