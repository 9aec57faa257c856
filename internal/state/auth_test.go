// internal/state/auth_test.go
package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/connhub/internal/types"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) listen(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestAuthStoreSetAndClear(t *testing.T) {
	store := NewAuthStore(NewMemoryHub().NewBackend())
	store.Hydrate()

	if _, ok := store.GetSession(); ok {
		t.Fatal("expected no session before login")
	}

	rec := &recorder{}
	unsubscribe := store.Subscribe(rec.listen)
	defer unsubscribe()

	sess := types.NewSession("alice", "pw")
	if err := store.SetSession(sess); err != nil {
		t.Fatal(err)
	}
	got, ok := store.GetSession()
	if !ok || got.Identity != "alice" {
		t.Fatalf("expected alice, got %+v (present=%v)", got, ok)
	}

	if err := store.ClearSession(); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.GetSession(); ok {
		t.Error("expected session cleared")
	}

	changes := rec.all()
	if len(changes) != 2 {
		t.Fatalf("expected 2 local notifications, got %d", len(changes))
	}
	if !changes[0].Present || changes[0].Source != SourceLocal {
		t.Errorf("unexpected first change %+v", changes[0])
	}
	if changes[1].Present || changes[1].Source != SourceLocal {
		t.Errorf("unexpected second change %+v", changes[1])
	}
}

func TestAuthStoreUnsubscribe(t *testing.T) {
	store := NewAuthStore(NewMemoryHub().NewBackend())
	store.Hydrate()

	rec := &recorder{}
	unsubscribe := store.Subscribe(rec.listen)
	unsubscribe()

	if err := store.SetSession(types.NewSession("bob", "pw")); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("expected no notifications after unsubscribe, got %d", n)
	}
}

func TestAuthStoreMalformedCredentialIsAbsent(t *testing.T) {
	hub := NewMemoryHub()
	b := hub.NewBackend()
	if err := b.Set(AuthKey, "%%%garbage"); err != nil {
		t.Fatal(err)
	}

	store := NewAuthStore(b)
	store.Hydrate()
	if _, ok := store.GetSession(); ok {
		t.Error("expected malformed credential to be treated as absent")
	}
}

func TestAuthStoreHydration(t *testing.T) {
	hub := NewMemoryHub()
	seed := hub.NewBackend()
	if err := seed.Set(AuthKey, types.NewSession("carol", "pw").Credential); err != nil {
		t.Fatal(err)
	}

	store := NewAuthStore(hub.NewBackend())
	if store.Hydrated() {
		t.Fatal("expected store not hydrated before Hydrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := store.WaitHydrated(ctx); err == nil {
		t.Fatal("expected WaitHydrated to time out before Hydrate")
	}

	store.Hydrate()
	if err := store.WaitHydrated(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, ok := store.GetSession()
	if !ok || got.Identity != "carol" {
		t.Errorf("expected carol after hydration, got %+v", got)
	}
}

func TestAuthStoreCrossContextLogout(t *testing.T) {
	hub := NewMemoryHub()
	tabA := NewAuthStore(hub.NewBackend())
	tabB := NewAuthStore(hub.NewBackend())
	tabA.Hydrate()
	tabB.Hydrate()
	defer tabA.Close()
	defer tabB.Close()

	recA, recB := &recorder{}, &recorder{}
	tabA.Subscribe(recA.listen)
	tabB.Subscribe(recB.listen)

	if err := tabA.SetSession(types.NewSession("dave", "pw")); err != nil {
		t.Fatal(err)
	}
	if _, ok := tabB.GetSession(); !ok {
		t.Fatal("expected tab B to observe login from tab A")
	}

	if err := tabA.ClearSession(); err != nil {
		t.Fatal(err)
	}
	if _, ok := tabB.GetSession(); ok {
		t.Error("expected tab B to observe logout from tab A")
	}

	// Tab A hears only its own local signals, tab B only external ones.
	for _, c := range recA.all() {
		if c.Source != SourceLocal {
			t.Errorf("tab A got %s change", c.Source)
		}
	}
	b := recB.all()
	if len(b) != 2 {
		t.Fatalf("expected 2 external notifications in tab B, got %d", len(b))
	}
	for _, c := range b {
		if c.Source != SourceExternal {
			t.Errorf("tab B got %s change", c.Source)
		}
	}
	if b[1].Present {
		t.Error("expected final change in tab B to be a logout")
	}
}

func TestAuthStoreFileBackendAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	writer := NewAuthStore(NewFileBackend(dir, 5*time.Millisecond))
	reader := NewAuthStore(NewFileBackend(dir, 5*time.Millisecond))
	writer.Hydrate()
	reader.Hydrate()
	defer writer.Close()
	defer reader.Close()

	got := make(chan Change, 4)
	reader.Subscribe(func(c Change) { got <- c })

	if err := writer.SetSession(types.NewSession("erin", "pw")); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if !c.Present || c.Session.Identity != "erin" || c.Source != SourceExternal {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never observed the write")
	}

	info, err := os.Stat(filepath.Join(dir, AuthKey))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 credential file, got %v", info.Mode().Perm())
	}
}
