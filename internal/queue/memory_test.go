package queue

import (
	"context"
	"testing"
)

func TestMemoryAddDoneReplay(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	rows := []Row{
		{Unique: "u1", Function: "resize", Data: []byte("a"), Priority: 1},
		{Unique: "u2", Function: "resize", Data: []byte("b"), Priority: 0},
		{Unique: "u1", Function: "encode", Data: []byte("c"), Priority: 2},
	}
	for _, row := range rows {
		if err := q.Add(ctx, row); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// Same unique key under a different function is a distinct row;
	// same pair is a duplicate.
	if err := q.Add(ctx, rows[0]); err != ErrDuplicate {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}

	if err := q.Done(ctx, "u1", "resize"); err != nil {
		t.Fatalf("Done failed: %v", err)
	}
	// Done is idempotent.
	if err := q.Done(ctx, "u1", "resize"); err != nil {
		t.Fatalf("Second Done failed: %v", err)
	}

	replayed := make(map[string]Row)
	err := q.Replay(ctx, func(row Row) error {
		replayed[row.Function+"/"+row.Unique] = row
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if len(replayed) != 2 {
		t.Fatalf("Expected 2 replayed rows, got %d", len(replayed))
	}
	if _, ok := replayed["resize/u1"]; ok {
		t.Error("Completed job resurrected by replay")
	}
	if row, ok := replayed["encode/u1"]; !ok || string(row.Data) != "c" {
		t.Errorf("Row encode/u1 missing or corrupted: %+v", row)
	}
}

// Simulates arbitrary crash points: every add that returned success
// without a matching done must survive replay; nothing else may.
func TestMemoryReplayAfterCrashSequence(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	submitted := []string{"j1", "j2", "j3", "j4"}
	completed := map[string]bool{"j2": true, "j4": true}

	for _, u := range submitted {
		if err := q.Add(ctx, Row{Unique: u, Function: "f", Priority: 1}); err != nil {
			t.Fatalf("Add %s failed: %v", u, err)
		}
	}
	for u := range completed {
		if err := q.Done(ctx, u, "f"); err != nil {
			t.Fatalf("Done %s failed: %v", u, err)
		}
	}
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var survivors []string
	q.Replay(ctx, func(row Row) error {
		survivors = append(survivors, row.Unique)
		return nil
	})

	if len(survivors) != 2 {
		t.Fatalf("Expected 2 survivors, got %v", survivors)
	}
	for _, u := range survivors {
		if completed[u] {
			t.Errorf("Job %s was completed but replayed", u)
		}
	}
}
