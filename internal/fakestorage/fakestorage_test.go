package fakestorage

import (
	"context"
	"testing"

	"github.com/dreamware/strato/internal/rpcif"
	"github.com/dreamware/strato/pkg/kv"
)

func TestGetValueHonorsReadVersion(t *testing.T) {
	s := New("ss1")
	s.Put(kv.Key("a"), kv.Value("v1"), 10)
	s.Put(kv.Key("a"), kv.Value("v2"), 20)

	v, ok, err := s.GetValue(context.Background(), rpcif.GetValueRequest{Key: kv.Key("a"), Version: 15})
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("expected v1 at version 15, got %q ok=%v err=%v", v, ok, err)
	}

	v, ok, err = s.GetValue(context.Background(), rpcif.GetValueRequest{Key: kv.Key("a"), Version: 25})
	if err != nil || !ok || string(v) != "v2" {
		t.Fatalf("expected v2 at version 25, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestGetValueMissingBeforeWrite(t *testing.T) {
	s := New("ss1")
	s.Put(kv.Key("a"), kv.Value("v1"), 10)
	_, ok, _ := s.GetValue(context.Background(), rpcif.GetValueRequest{Key: kv.Key("a"), Version: 5})
	if ok {
		t.Fatalf("expected miss before any write version")
	}
}

func TestDeleteTombstones(t *testing.T) {
	s := New("ss1")
	s.Put(kv.Key("a"), kv.Value("v1"), 10)
	s.Delete(kv.Key("a"), 20)

	_, ok, _ := s.GetValue(context.Background(), rpcif.GetValueRequest{Key: kv.Key("a"), Version: 25})
	if ok {
		t.Fatalf("expected miss after tombstone")
	}
	_, ok, _ = s.GetValue(context.Background(), rpcif.GetValueRequest{Key: kv.Key("a"), Version: 15})
	if !ok {
		t.Fatalf("expected hit before tombstone version")
	}
}

func TestGetKeyValuesRange(t *testing.T) {
	s := New("ss1")
	s.Put(kv.Key("a"), kv.Value("1"), 1)
	s.Put(kv.Key("b"), kv.Value("2"), 1)
	s.Put(kv.Key("c"), kv.Value("3"), 1)

	resp, err := s.GetKeyValues(context.Background(), rpcif.GetKeyValuesRequest{
		Begin:   kv.FirstGreaterOrEqual(kv.Key("a")),
		End:     kv.FirstGreaterOrEqual(kv.Key("c")),
		Version: 5,
	})
	if err != nil {
		t.Fatalf("get key values: %v", err)
	}
	if len(resp.Pairs) != 2 || string(resp.Pairs[0].Key) != "a" || string(resp.Pairs[1].Key) != "b" {
		t.Fatalf("unexpected range result: %+v", resp.Pairs)
	}
}

func TestGetKeyResolvesFirstGreaterOrEqual(t *testing.T) {
	s := New("ss1")
	s.Put(kv.Key("b"), kv.Value("1"), 1)
	s.Put(kv.Key("d"), kv.Value("1"), 1)

	resp, err := s.GetKey(context.Background(), rpcif.GetKeyRequest{
		Selector: kv.FirstGreaterOrEqual(kv.Key("c")),
		Version:  5,
	})
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if string(resp.ResolvedKey) != "d" {
		t.Fatalf("expected resolved key 'd', got %q", resp.ResolvedKey)
	}
}
