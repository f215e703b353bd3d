package main

import (
	"testing"
)

func TestRootCommandRegistersEveryDataSubcommand(t *testing.T) {
	root := newRootCmd()

	want := []string{"get", "set", "range", "clearrange", "watch", "status", "options"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("expected a %q subcommand, find failed: %v", name, err)
		}
		if cmd.Name() != name {
			t.Fatalf("expected to find subcommand %q, got %q", name, cmd.Name())
		}
	}
}

func TestRootCommandRequiresClusterFileFlag(t *testing.T) {
	if f := newRootCmd().PersistentFlags().Lookup("cluster-file"); f == nil {
		t.Fatalf("expected a --cluster-file persistent flag")
	}
}

func TestGetCommandRejectsWrongArgCount(t *testing.T) {
	cmd := newGetCmd()
	if err := cmd.Args(cmd, []string{}); err == nil {
		t.Fatalf("expected get with no args to fail argument validation")
	}
	if err := cmd.Args(cmd, []string{"a", "b"}); err == nil {
		t.Fatalf("expected get with two args to fail argument validation")
	}
}
