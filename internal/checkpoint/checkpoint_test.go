package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
)

func TestMemStorePutGetDelete(t *testing.T) {
	t.Parallel()
	s := NewMemStore(otel.GetMeterProvider().Meter("checkpoint-test"), 0)
	handle := coretypes.NewTaskHandle()
	ctx := context.Background()

	if _, ok, _ := s.Get(ctx, handle); ok {
		t.Fatalf("expected no entry before put")
	}
	if err := s.Put(ctx, handle, []byte("state-42")); err != nil {
		t.Fatalf("put: %v", err)
	}
	snap, ok, err := s.Get(ctx, handle)
	if err != nil || !ok {
		t.Fatalf("get after put: ok=%v err=%v", ok, err)
	}
	if string(snap) != "state-42" {
		t.Fatalf("snapshot mismatch: %q", snap)
	}
	if err := s.Delete(ctx, handle); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, handle); ok {
		t.Fatalf("expected no entry after delete")
	}
}

func TestMemStoreSnapshotTooLarge(t *testing.T) {
	t.Parallel()
	s := NewMemStore(otel.GetMeterProvider().Meter("checkpoint-test"), 4)
	err := s.Put(context.Background(), coretypes.NewTaskHandle(), []byte("too-big"))
	if err != corefail.ErrSnapshotTooLarge {
		t.Fatalf("expected ErrSnapshotTooLarge, got %v", err)
	}
}

func TestBoltStoreRoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")
	meter := otel.GetMeterProvider().Meter("checkpoint-test")

	s1, err := NewBoltStore(BoltStoreOptions{Path: path, FlushEvery: 1}, meter)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	handle := coretypes.NewTaskHandle()
	if err := s1.Put(context.Background(), handle, []byte("state-42")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewBoltStore(BoltStoreOptions{Path: path, FlushEvery: 1}, meter)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	snap, ok, err := s2.Get(context.Background(), handle)
	if err != nil || !ok {
		t.Fatalf("get after restart: ok=%v err=%v", ok, err)
	}
	if string(snap) != "state-42" {
		t.Fatalf("snapshot mismatch after restart: %q", snap)
	}
}
