package rpcif

import (
	"testing"

	"google.golang.org/grpc/codes"

	"github.com/dreamware/strato/internal/retry"
)

func TestClassifyStatusRoundTrips(t *testing.T) {
	err := ToStatus(retry.CodeWrongShardServer, "shard moved")
	classified := ClassifyStatus(err)
	if classified.Code != retry.CodeWrongShardServer {
		t.Fatalf("expected CodeWrongShardServer, got %v", classified.Code)
	}
}

func TestClassifyStatusNilError(t *testing.T) {
	err := ClassifyStatus(nil)
	if err != nil {
		t.Fatalf("expected nil classification for nil error, got %v", err)
	}
}

func TestToStatusFallsBackToUnknown(t *testing.T) {
	err := ToStatus(retry.Code(9999), "mystery")
	if status := ClassifyStatus(err); status.Code != retry.CodeUnknown {
		t.Fatalf("expected CodeUnknown fallback, got %v", status.Code)
	}
	_ = codes.Unknown
}
