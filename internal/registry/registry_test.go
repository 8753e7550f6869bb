package registry

import (
	"context"
	"errors"
	"testing"
)

func TestBuiltinsRegisteredAndUnknownFnID(t *testing.T) {
	t.Parallel()
	r := New()

	if _, ok := r.Lookup("echo"); !ok {
		t.Fatalf("expected echo registered")
	}
	if _, ok := r.Lookup("sleep"); !ok {
		t.Fatalf("expected sleep registered")
	}
	if _, ok := r.Lookup("does-not-exist"); ok {
		t.Fatalf("expected unknown fn_id to miss")
	}
}

func TestDoubleFunc(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("double", DoubleFunc)

	out, err := r.Invoke(context.Background(), "double", []byte("7"), nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != "14" {
		t.Fatalf("expected 14, got %q", out)
	}
}

func TestFlakyFuncSucceedsOnThirdCall(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("flaky", NewFlakyFunc(2, errors.New("boom"), []byte("ok")))

	for i := 0; i < 2; i++ {
		if _, err := r.Invoke(context.Background(), "flaky", nil, nil); err == nil {
			t.Fatalf("expected failure on attempt %d", i+1)
		}
	}
	out, err := r.Invoke(context.Background(), "flaky", nil, nil)
	if err != nil {
		t.Fatalf("expected success on 3rd attempt: %v", err)
	}
	if string(out) != "ok" {
		t.Fatalf("expected \"ok\", got %q", out)
	}
}

func TestAlwaysFailsFunc(t *testing.T) {
	t.Parallel()
	r := New()
	wantErr := errors.New("boom")
	r.Register("always_fails", NewAlwaysFailsFunc(wantErr))

	if _, err := r.Invoke(context.Background(), "always_fails", nil, nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected boom, got %v", err)
	}
}
