// Package tss implements the TSS Mismatch Handler of spec.md §4.10: a
// long-lived task that drains (shadow_id, mismatch_records) events off a
// verification channel, quarantines or evicts the offending shadow server via
// a system-keys transaction, erases its pairing, and persists every mismatch
// record for later inspection.
//
// Grounded on spec.md §4.10 directly for the five-step handling sequence and
// on torua's register() loop (cmd/node/main.go) for the bounded-retry
// shape, here driven through internal/retry's cenkalti/backoff/v4 adapter
// instead of torua's fixed-delay loop.
package tss

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dreamware/strato/internal/failure"
	"github.com/dreamware/strato/internal/retry"
	"github.com/dreamware/strato/pkg/kv"
)

// maxRetries bounds step 5 of spec.md §4.10: "Retry up to 10 times on
// retriable errors; then give up."
const maxRetries = 10

// quarantinePrefix and serverTagPrefix are the system-key namespaces the
// handler writes under (spec.md §3's "system keys live under a reserved high
// prefix").
const (
	quarantinePrefix = "\xff/tss_quarantine/"
	serverTagPrefix  = "\xff/serverTag/"
	mismatchPrefix   = "\xff/tssMismatch/"
)

// MismatchRecord is one disagreement between a shadow's response and its
// primary's, as reported by the dispatcher's shadow-comparison logic
// (spec.md §4.2).
type MismatchRecord struct {
	Timestamp   time.Time
	MismatchUID string
	Trace       string
}

// MismatchEvent is one unit of work off the verification channel: a shadow
// server identity and every mismatch observed against it since the last
// event.
type MismatchEvent struct {
	ShadowID string
	Records  []MismatchRecord
}

// Policy carries the QUARANTINE_TSS_ON_MISMATCH flag spec.md §4.10 step 2
// names: quarantine marks the shadow for operator attention without removing
// it from service; eviction clears its server-tag, the load balancer's signal
// to stop routing to it (spec.md §4.4.5 reads the same tag).
type Policy struct {
	QuarantineOnMismatch bool
}

// SystemKeyWriter commits a system-keys transaction carrying mutations
// (spec.md §4.10 step 2/4). The concrete implementation is expected to wrap
// internal/transaction.Transaction.Set/ClearRange + Commit; this package only
// needs the narrow capability, not the full transaction API.
type SystemKeyWriter func(ctx context.Context, mutations []kv.Mutation) error

// Handler drains a MismatchEvent channel and applies spec.md §4.10's
// five-step sequence to each event.
type Handler struct {
	pairings *failure.PairingTable
	write    SystemKeyWriter
	policy   Policy
	backoff  retry.Policy
	log      *zap.Logger
}

// NewHandler constructs a Handler. log may be nil, in which case a no-op
// logger is used.
func NewHandler(pairings *failure.PairingTable, write SystemKeyWriter, policy Policy, backoffPolicy retry.Policy, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{pairings: pairings, write: write, policy: policy, backoff: backoffPolicy, log: log}
}

// Run drains events until it is closed or ctx is cancelled, handling each
// event in turn. Run is intended to be started as a long-lived service task
// owned by DatabaseContext (spec.md §5: "mismatch handler ... owned by
// DatabaseContext and cancelled in its destructor").
func (h *Handler) Run(ctx context.Context, events <-chan MismatchEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handle(ctx context.Context, ev MismatchEvent) {
	pairing, ok := h.pairings.LookupByShadow(ev.ShadowID)
	if !ok {
		// Already handled (or never paired); nothing to quarantine or erase.
		return
	}

	mutations := []kv.Mutation{h.quarantineMutation(pairing.ShadowID)}
	for _, rec := range ev.Records {
		mutations = append(mutations, mismatchMutation(ev.ShadowID, rec))
	}

	if err := h.writeWithRetry(ctx, mutations); err != nil {
		h.log.Warn("tss mismatch handling gave up",
			zap.String("shadow_id", ev.ShadowID),
			zap.Error(err))
		return
	}

	h.pairings.Erase(pairing.PrimaryID)
}

// quarantineMutation implements step 2's policy branch.
func (h *Handler) quarantineMutation(shadowID string) kv.Mutation {
	if h.policy.QuarantineOnMismatch {
		return kv.Mutation{
			Type:  kv.MutationSet,
			Key:   kv.Key(quarantinePrefix + shadowID),
			Value: kv.Value("1"),
		}
	}
	key := kv.Key(serverTagPrefix + shadowID)
	return kv.Mutation{
		Type:  kv.MutationClearRange,
		Key:   key,
		Value: kv.Value(kv.KeyAfter(key)),
	}
}

func mismatchMutation(shadowID string, rec MismatchRecord) kv.Mutation {
	key := fmt.Sprintf("%s%s/%d/%s", mismatchPrefix, shadowID, rec.Timestamp.UnixNano(), rec.MismatchUID)
	return kv.Mutation{
		Type:  kv.MutationSet,
		Key:   kv.Key(key),
		Value: kv.Value(rec.Trace),
	}
}

// writeWithRetry drives the system-keys transaction through up to maxRetries
// attempts (spec.md §4.10 step 5), retrying only errors internal/retry
// classifies as retriable and giving up immediately on anything fatal.
func (h *Handler) writeWithRetry(ctx context.Context, mutations []kv.Mutation) error {
	policy := h.backoff
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(retry.NewExponentialBackOff(policy), maxRetries), ctx)

	return backoff.Retry(func() error {
		err := h.write(ctx, mutations)
		if err == nil {
			return nil
		}
		rerr, ok := err.(*retry.Error)
		if !ok || retry.ClassOf(rerr.Code) == retry.KindFatal {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
