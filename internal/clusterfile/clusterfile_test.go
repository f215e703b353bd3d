package clusterfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	d, err := Parse([]byte("mycluster:10.0.0.1:4500,10.0.0.2:4500\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.ClusterID != "mycluster" {
		t.Fatalf("expected cluster id 'mycluster', got %q", d.ClusterID)
	}
	if len(d.Addresses) != 2 || d.Addresses[0] != "10.0.0.1:4500" {
		t.Fatalf("unexpected addresses: %+v", d.Addresses)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte("not-a-descriptor")); err == nil {
		t.Fatalf("expected parse error for malformed line")
	}
}

func TestWatcherDeliversInitialAndUpdatedDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fdb.cluster")
	if err := os.WriteFile(path, []byte("clusterA:127.0.0.1:4500"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, err := New(path, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case d := <-w.Updates():
		if d.ClusterID != "clusterA" {
			t.Fatalf("expected initial descriptor clusterA, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial descriptor")
	}

	if err := os.WriteFile(path, []byte("clusterB:127.0.0.1:4500"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case d := <-w.Updates():
		if d.ClusterID != "clusterB" {
			t.Fatalf("expected updated descriptor clusterB, got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for updated descriptor")
	}
}
