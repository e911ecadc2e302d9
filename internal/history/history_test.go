package history

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryRecorderOrdersNewestFirst(t *testing.T) {
	rec := NewMemory(10)
	defer rec.Close()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := rec.Record(ctx, Entry{
			QueryID:   fmt.Sprintf("q-%d", i),
			QueryText: "SELECT 1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := rec.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].QueryID != "q-2" || entries[2].QueryID != "q-0" {
		t.Fatalf("expected newest first, got %s .. %s", entries[0].QueryID, entries[2].QueryID)
	}
}

func TestMemoryRecorderFiltersByOwner(t *testing.T) {
	rec := NewMemory(10)
	defer rec.Close()
	ctx := context.Background()

	for i, owner := range []string{"alice", "bob", "alice"} {
		if err := rec.Record(ctx, Entry{QueryID: fmt.Sprintf("q-%d", i), Owner: owner}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := rec.Recent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 alice entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Owner != "alice" {
			t.Fatalf("unexpected owner %q", entry.Owner)
		}
	}

	all, err := rec.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries across owners, got %d", len(all))
	}
}

func TestMemoryRecorderDropsOldestBeyondCap(t *testing.T) {
	rec := NewMemory(2)
	defer rec.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rec.Record(ctx, Entry{QueryID: fmt.Sprintf("q-%d", i)}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := rec.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected cap of 2 entries, got %d", len(entries))
	}
	if entries[0].QueryID != "q-4" || entries[1].QueryID != "q-3" {
		t.Fatalf("expected the two newest entries, got %s, %s", entries[0].QueryID, entries[1].QueryID)
	}
}

func TestMemoryRecorderHonorsLimit(t *testing.T) {
	rec := NewMemory(10)
	defer rec.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rec.Record(ctx, Entry{QueryID: fmt.Sprintf("q-%d", i)}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := rec.Recent(ctx, "", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(entries))
	}
}
