package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/airlock-go/checkpoint"
	"github.com/ggoodman/airlock-go/checkpoint/checkpointtest"
)

func TestStore(t *testing.T) {
	checkpointtest.RunStoreTests(t, func(t *testing.T) checkpoint.Store {
		s, err := New(16)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Save(ctx, "a", checkpoint.Checkpoint{ChannelID: "a"})
	_ = s.Save(ctx, "b", checkpoint.Checkpoint{ChannelID: "b"})
	_, _ = s.Load(ctx, "a")
	_ = s.Save(ctx, "c", checkpoint.Checkpoint{ChannelID: "c"})

	if got, _ := s.Load(ctx, "b"); got != nil {
		t.Fatalf("expected b to be evicted")
	}
	if got, _ := s.Load(ctx, "a"); got == nil {
		t.Fatalf("expected a to survive")
	}
}

func TestNew_RejectsZeroSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatalf("expected error for zero size")
	}
}
