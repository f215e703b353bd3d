// Package retry implements the error taxonomy and retry loop of spec.md §4.7:
// classifying collaborator errors into transient-retry, version-drift,
// shard-cache-invalidation, and fatal classes, and driving the
// backoff·rand(0,1) schedule those classes prescribe.
//
// Grounded on spec.md §4.7's table directly. Loop computes its own
// backoff·rand(0,1) delay; NewExponentialBackOff offers a similar schedule
// through github.com/cenkalti/backoff/v4, whose RandomizationFactor of 1.0
// draws each delay from [0, 2·interval] rather than [0, interval].
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind classifies a collaborator error per spec.md §4.7's table.
type Kind int

const (
	// KindFatal covers every error not named in one of the other classes;
	// it propagates to the caller without retrying.
	KindFatal Kind = iota
	KindTransientRetry
	KindVersionDrift
	KindShardCacheInvalidation
)

// Code enumerates the named error codes spec.md attaches to each class.
type Code int

const (
	CodeUnknown Code = iota
	CodeNotCommitted
	CodeCommitUnknownResult
	CodeDatabaseLocked
	CodeProxyMemoryLimitExceeded
	CodeProcessBehind
	CodeBatchTransactionThrottled
	CodeTagThrottled
	CodeTransactionTooOld
	CodeFutureVersion
	CodeWrongShardServer
	CodeAllAlternativesFailed
	CodeKeyTooLarge
	CodeValueTooLarge
	CodeTransactionTooLarge
	CodeTransactionCancelled
	CodeTransactionTimedOut
)

var codeKind = map[Code]Kind{
	CodeNotCommitted:              KindTransientRetry,
	CodeCommitUnknownResult:       KindTransientRetry,
	CodeDatabaseLocked:            KindTransientRetry,
	CodeProxyMemoryLimitExceeded:  KindTransientRetry,
	CodeProcessBehind:             KindTransientRetry,
	CodeBatchTransactionThrottled: KindTransientRetry,
	CodeTagThrottled:              KindTransientRetry,
	CodeTransactionTooOld:         KindVersionDrift,
	CodeFutureVersion:             KindVersionDrift,
	CodeWrongShardServer:          KindShardCacheInvalidation,
	CodeAllAlternativesFailed:     KindShardCacheInvalidation,
}

// ClassOf returns the retry class for code, defaulting to KindFatal for any
// code not named in spec.md §4.7's table (key_too_large, value_too_large,
// transaction_too_large, cancellation, and timeout are all fatal).
func ClassOf(code Code) Kind {
	if k, ok := codeKind[code]; ok {
		return k
	}
	return KindFatal
}

// Error is the structured error every collaborator-facing operation returns
// on failure.
type Error struct {
	Code Code
	// RecheckDelay is set for CodeTagThrottled: the tag's minimum
	// recheck delay piggybacked on the GRV reply that produced the
	// throttle (spec.md §4.7 "tag_throttled additionally picks up the
	// tag's minimum rechecked delay").
	RecheckDelay time.Duration
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "retry error"
}

func (e *Error) Unwrap() error { return e.Cause }

// Policy holds the tunables spec.md §4.7 and §4.3 name for the retry loop.
type Policy struct {
	InitialBackoff                time.Duration
	MaxBackoff                    time.Duration
	ResourceConstrainedMaxBackoff time.Duration
	GrowthRate                    float64
	WrongShardServerDelay         time.Duration
	FutureVersionRetryDelay       time.Duration
}

// DefaultPolicy mirrors the constants spec.md's GLOSSARY names without
// assigning values; these are the conventional orders of magnitude used by
// comparable clients in the retrieval pack.
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff:                10 * time.Millisecond,
		MaxBackoff:                    1 * time.Second,
		ResourceConstrainedMaxBackoff: 30 * time.Second,
		GrowthRate:                    2.0,
		WrongShardServerDelay:         10 * time.Millisecond,
		FutureVersionRetryDelay:       1 * time.Second,
	}
}

// Loop drives spec.md's on_error policy: it classifies err, sleeps the
// prescribed delay (honoring ctx cancellation), and reports whether the
// caller should reset its transaction and retry. A KindFatal error returns
// ok=false immediately, with no sleep.
type Loop struct {
	policy  Policy
	backoff time.Duration
	rng     *rand.Rand
}

// NewLoop returns a Loop seeded at policy.InitialBackoff.
func NewLoop(policy Policy) *Loop {
	return &Loop{
		policy:  policy,
		backoff: policy.InitialBackoff,
		//nolint:gosec // jitter does not need cryptographic randomness
		rng: rand.New(rand.NewSource(1)),
	}
}

// Reset restores the backoff to its initial value, as happens when a
// transaction is reset for unrelated reasons (e.g. explicit user Reset).
func (l *Loop) Reset() {
	l.backoff = l.policy.InitialBackoff
}

// OnError implements spec.md §4.7's dispatch table. invalidate, when
// non-nil, is called for shard-cache-invalidation errors so the caller can
// evict the affected range from its location cache before retrying.
func (l *Loop) OnError(ctx context.Context, err *Error, invalidate func()) (shouldRetry bool, retErr error) {
	kind := ClassOf(err.Code)
	switch kind {
	case KindTransientRetry:
		maxBackoff := l.policy.MaxBackoff
		if err.Code == CodeProxyMemoryLimitExceeded {
			maxBackoff = l.policy.ResourceConstrainedMaxBackoff
		}
		delay := time.Duration(float64(l.backoff) * l.rng.Float64())
		if err.Code == CodeTagThrottled && err.RecheckDelay > delay {
			delay = err.RecheckDelay
		}
		if sleepErr := l.sleep(ctx, delay); sleepErr != nil {
			return false, sleepErr
		}
		l.backoff = time.Duration(float64(l.backoff) * l.policy.GrowthRate)
		if l.backoff > maxBackoff {
			l.backoff = maxBackoff
		}
		return true, nil

	case KindVersionDrift:
		delay := l.policy.FutureVersionRetryDelay
		if l.policy.MaxBackoff < delay {
			delay = l.policy.MaxBackoff
		}
		if sleepErr := l.sleep(ctx, delay); sleepErr != nil {
			return false, sleepErr
		}
		return true, nil

	case KindShardCacheInvalidation:
		if invalidate != nil {
			invalidate()
		}
		if sleepErr := l.sleep(ctx, l.policy.WrongShardServerDelay); sleepErr != nil {
			return false, sleepErr
		}
		return true, nil

	default:
		return false, err
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewExponentialBackOff builds a cenkalti/backoff/v4 policy matching spec.md
// §4.7's growth-and-jitter schedule, for callers (e.g. internal/tss's bounded
// retry) that want the library's own retry driver rather than Loop's
// classification-aware variant.
func NewExponentialBackOff(p Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.GrowthRate
	b.RandomizationFactor = 1.0
	return b
}
