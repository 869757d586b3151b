// Package checkpointtest is a conformance suite for checkpoint.Store
// implementations.
package checkpointtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/airlock-go/checkpoint"
)

// StoreFactory creates a new, empty Store for a single test.
type StoreFactory func(t *testing.T) checkpoint.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SaveAndLoad", func(t *testing.T) { testSaveAndLoad(t, factory) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("EmptyKey", func(t *testing.T) { testEmptyKey(t, factory) })
}

func testSaveAndLoad(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	want := checkpoint.Checkpoint{ChannelID: "1700000000-abc123", Ship: "zod", LastEventID: 12, LastAckedEventID: 40}
	if err := s.Save(ctx, "k1", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "k1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatalf("expected checkpoint, got nil")
	}
	if got.ChannelID != want.ChannelID || got.Ship != want.Ship || got.LastEventID != want.LastEventID || got.LastAckedEventID != want.LastAckedEventID {
		t.Fatalf("unexpected checkpoint %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("expected UpdatedAt to be stamped")
	}
}

func testLoadMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	got, err := s.Load(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("want nil, nil; got %+v, %v", got, err)
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	_ = s.Save(ctx, "k", checkpoint.Checkpoint{ChannelID: "c", LastAckedEventID: 1})
	_ = s.Save(ctx, "k", checkpoint.Checkpoint{ChannelID: "c", LastAckedEventID: 2})
	got, err := s.Load(ctx, "k")
	if err != nil || got == nil || got.LastAckedEventID != 2 {
		t.Fatalf("want overwritten checkpoint, got %+v, %v", got, err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	_ = s.Save(ctx, "k", checkpoint.Checkpoint{ChannelID: "c"})
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if got, _ := s.Load(ctx, "k"); got != nil {
		t.Fatalf("expected deleted, got %+v", got)
	}
}

func testTTL(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.Save(ctx, "k", checkpoint.Checkpoint{ChannelID: "c"}, checkpoint.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ := s.Load(ctx, "k"); got == nil {
		t.Fatalf("expected checkpoint before expiry")
	}
	time.Sleep(250 * time.Millisecond)
	if got, _ := s.Load(ctx, "k"); got != nil {
		t.Fatalf("expected expiry, got %+v", got)
	}
}

func testEmptyKey(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if err := s.Save(context.Background(), "", checkpoint.Checkpoint{}); !errors.Is(err, checkpoint.ErrInvalidKey) {
		t.Fatalf("want ErrInvalidKey, got %v", err)
	}
}
