// internal/state/backend_test.go
package state

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFileBackendGetSetDelete(t *testing.T) {
	b := NewFileBackend(t.TempDir(), 0)

	if _, ok, err := b.Get("k"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := b.Set("k", "v1"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := b.Get("k")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("expected v1, got %q ok=%v err=%v", v, ok, err)
	}
	if err := b.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete("k"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
}

func TestFileBackendWatchIgnoresOwnWrites(t *testing.T) {
	dir := t.TempDir()
	own := NewFileBackend(dir, 5*time.Millisecond)
	other := NewFileBackend(dir, 5*time.Millisecond)

	var fired atomic.Int32
	stop := own.Watch("k", func() { fired.Add(1) })
	defer stop()

	if err := own.Set("k", "mine"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("expected own write to be silent, fired %d times", n)
	}

	if err := other.Set("k", "theirs"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Error("expected foreign write to be reported")
	}
}

func TestMemoryBackendBroadcastsToOtherContexts(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.NewBackend(), hub.NewBackend()

	var aFired, bFired int
	a.Watch("k", func() { aFired++ })
	stop := b.Watch("k", func() { bFired++ })

	if err := a.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	if aFired != 0 || bFired != 1 {
		t.Errorf("expected only b to fire, got a=%d b=%d", aFired, bFired)
	}

	stop()
	if err := a.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if bFired != 1 {
		t.Errorf("expected stopped watcher to stay silent, got %d", bFired)
	}
}
