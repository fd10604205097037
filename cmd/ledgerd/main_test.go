package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"shardledger/native/logic"
)

func TestOpenStore(t *testing.T) {
	mem, err := openStore("")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := mem.(*logic.MemStore); !ok {
		t.Fatalf("expected memory store, got %T", mem)
	}

	path := filepath.Join(t.TempDir(), "nested", "records.db")
	store, err := openStore(path)
	if err != nil {
		t.Fatalf("bolt store: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*logic.BoltStore); !ok {
		t.Fatalf("expected bolt store, got %T", store)
	}
	if _, err := store.Supply(context.Background(), 1); err != nil {
		t.Fatalf("supply: %v", err)
	}
}

func TestResumeWindowStaysInsideRetention(t *testing.T) {
	for _, retention := range []time.Duration{24 * time.Hour, 10 * time.Minute, 90 * time.Second} {
		window := resumeWindow(retention)
		if window <= 0 || window >= retention {
			t.Fatalf("retention %s: window %s must be positive and shorter", retention, window)
		}
	}
}
