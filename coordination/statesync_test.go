package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dimensigon/aishell/core"
)

func newTestStateSync(t *testing.T) *StateSync {
	t.Helper()
	return NewStateSync(core.NewMemoryBackend(), StateSyncConfig{Updater: "tester"})
}

func TestStateSyncSetGet(t *testing.T) {
	s := newTestStateSync(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "ns", "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	cell, err := s.Set(ctx, "ns", "k", json.RawMessage(`"v1"`), -1)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if cell.Version != 1 {
		t.Errorf("Fresh key must have version 1, got %d", cell.Version)
	}
	if cell.UpdatedBy != "tester" {
		t.Errorf("UpdatedBy not recorded: %q", cell.UpdatedBy)
	}

	got, err := s.Get(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Value) != `"v1"` || got.Version != 1 {
		t.Errorf("Unexpected cell: %+v", got)
	}
}

// set with expectedVersion=V succeeds iff the current version is V,
// and the new version is V+1.
func TestStateSyncOptimisticVersioning(t *testing.T) {
	s := newTestStateSync(t)
	ctx := context.Background()

	cell, _ := s.Set(ctx, "ns", "k", json.RawMessage(`1`), -1)

	updated, err := s.Set(ctx, "ns", "k", json.RawMessage(`2`), cell.Version)
	if err != nil {
		t.Fatalf("Set with matching version failed: %v", err)
	}
	if updated.Version != cell.Version+1 {
		t.Errorf("Expected version %d, got %d", cell.Version+1, updated.Version)
	}

	// Stale writer gets the current cell back.
	_, err = s.Set(ctx, "ns", "k", json.RawMessage(`3`), cell.Version)
	if err == nil {
		t.Fatal("Stale write must fail")
	}
	if core.KindOf(err) != core.KindVersionConflict {
		t.Errorf("Expected VersionConflict kind, got %s", core.KindOf(err))
	}
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatal("Error must carry the current cell")
	}
	if conflict.Current == nil || conflict.Current.Version != updated.Version {
		t.Errorf("Conflict must carry current version %d: %+v", updated.Version, conflict.Current)
	}
}

func TestStateSyncLastWriterWins(t *testing.T) {
	s := newTestStateSync(t)
	ctx := context.Background()

	_, _ = s.Set(ctx, "ns", "k", json.RawMessage(`1`), -1)
	cell, err := s.Set(ctx, "ns", "k", json.RawMessage(`2`), -1)
	if err != nil {
		t.Fatalf("LWW set failed: %v", err)
	}
	if cell.Version != 2 {
		t.Errorf("Versions must still increase under LWW, got %d", cell.Version)
	}
}

func TestStateSyncExpectedVersionZeroMeansAbsent(t *testing.T) {
	s := newTestStateSync(t)
	ctx := context.Background()

	if _, err := s.Set(ctx, "ns", "k", json.RawMessage(`1`), 0); err != nil {
		t.Fatalf("expectedVersion=0 on absent key must succeed: %v", err)
	}
	if _, err := s.Set(ctx, "ns", "k", json.RawMessage(`2`), 0); err == nil {
		t.Error("expectedVersion=0 on existing key must conflict")
	}
}

func TestStateSyncGetAll(t *testing.T) {
	s := newTestStateSync(t)
	ctx := context.Background()

	_, _ = s.Set(ctx, "ns", "a", json.RawMessage(`1`), -1)
	_, _ = s.Set(ctx, "ns", "b", json.RawMessage(`2`), -1)
	_, _ = s.Set(ctx, "other", "c", json.RawMessage(`3`), -1)

	cells, err := s.GetAll(ctx, "ns")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(cells) != 2 || cells["a"] == nil || cells["b"] == nil {
		t.Errorf("Unexpected snapshot: %+v", cells)
	}
}

func TestStateSyncDelete(t *testing.T) {
	s := newTestStateSync(t)
	ctx := context.Background()

	_, _ = s.Set(ctx, "ns", "k", json.RawMessage(`1`), -1)
	if err := s.Delete(ctx, "ns", "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "ns", "k"); !errors.Is(err, core.ErrNotFound) {
		t.Error("Cell should be gone")
	}
	cells, _ := s.GetAll(ctx, "ns")
	if len(cells) != 0 {
		t.Errorf("Index should be empty: %+v", cells)
	}
}

func TestStateSyncSubscribe(t *testing.T) {
	s := newTestStateSync(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, closeSub, err := s.Subscribe(ctx, "ns", "*")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = closeSub() }()

	_, _ = s.Set(ctx, "ns", "watched", json.RawMessage(`"x"`), -1)
	_, _ = s.Set(ctx, "other", "ignored", json.RawMessage(`"y"`), -1)

	select {
	case event := <-events:
		if event.Key != "watched" || event.Version != 1 || event.UpdatedBy != "tester" {
			t.Errorf("Unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for change event")
	}

	select {
	case event := <-events:
		t.Errorf("Other namespace must not leak events: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}
