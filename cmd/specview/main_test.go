package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"specview/internal/fscache"
)

func TestRenderViewListsRootAndFollowsFile(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cache := fscache.New(fscache.Options{})
	defer cache.Close()

	out, err := renderView(context.Background(), cache, root, target)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "notes.txt") || !strings.Contains(out, "d sub") {
		t.Fatalf("listing missing entries:\n%s", out)
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("followed file content missing:\n%s", out)
	}
}

func TestRenderViewReportsAbsentFollowFile(t *testing.T) {
	root := t.TempDir()
	cache := fscache.New(fscache.Options{})
	defer cache.Close()

	out, err := renderView(context.Background(), cache, root, filepath.Join(root, "missing.txt"))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "absent") {
		t.Fatalf("expected absent marker:\n%s", out)
	}
}
