// internal/state/backend.go
package state

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Backend is a persisted key/value mechanism shared by every execution
// context that opens it, with a change side channel.
//
// Watch reports changes made by other execution contexts only. A Backend
// value never reports its own writes; those are dispatched locally by the
// caller. This mirrors a browser storage event, which fires in every tab
// except the one that wrote.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Watch(key string, fn func()) (stop func())
}

// FileBackend stores one file per key under root. Other processes sharing
// root are detected by polling file content.
type FileBackend struct {
	root     string
	interval time.Duration

	mu       sync.Mutex
	watchers map[string][]*fileWatch
}

type fileWatch struct {
	last    string
	present bool
	fn      func()
	done    chan struct{}
}

// NewFileBackend creates a FileBackend rooted at dir, polling for foreign
// changes every interval (default 1s).
func NewFileBackend(dir string, interval time.Duration) *FileBackend {
	if interval <= 0 {
		interval = time.Second
	}
	return &FileBackend{
		root:     dir,
		interval: interval,
		watchers: make(map[string][]*fileWatch),
	}
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.root, key)
}

func (b *FileBackend) read(key string) (string, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), true, nil
}

// Get returns the stored value for key.
func (b *FileBackend) Get(key string) (string, bool, error) {
	return b.read(key)
}

// Set writes value atomically (temp file then rename) with owner-only
// permissions, since values may hold credentials.
func (b *FileBackend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.root, 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := b.path(key) + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return fmt.Errorf("write temp %s: %w", key, err)
	}
	if err := os.Rename(tmp, b.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp %s: %w", key, err)
	}
	for _, w := range b.watchers[key] {
		w.last, w.present = value, true
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *FileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	for _, w := range b.watchers[key] {
		w.last, w.present = "", false
	}
	return nil
}

// Watch starts polling key and calls fn when its content differs from the
// last value seen or written through this backend.
func (b *FileBackend) Watch(key string, fn func()) (stop func()) {
	value, present, err := b.read(key)
	if err != nil {
		slog.Warn("initial watch read failed", "key", key, "error", err)
	}
	w := &fileWatch{last: value, present: present, fn: fn, done: make(chan struct{})}

	b.mu.Lock()
	b.watchers[key] = append(b.watchers[key], w)
	b.mu.Unlock()

	go b.poll(key, w)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(w.done)
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.watchers[key]
			for i, other := range list {
				if other == w {
					b.watchers[key] = append(list[:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *FileBackend) poll(key string, w *fileWatch) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		}

		// Read under the lock so a concurrent Set cannot interleave
		// between the read and the comparison.
		b.mu.Lock()
		value, present, err := b.read(key)
		if err != nil {
			b.mu.Unlock()
			slog.Debug("watch read failed", "key", key, "error", err)
			continue
		}
		changed := value != w.last || present != w.present
		if changed {
			w.last, w.present = value, present
		}
		b.mu.Unlock()

		if changed {
			w.fn()
		}
	}
}

// MemoryHub is an in-process stand-in for a store shared by several
// execution contexts. Each NewBackend call returns one context.
type MemoryHub struct {
	mu       sync.Mutex
	values   map[string]string
	contexts []*MemoryBackend
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{values: make(map[string]string)}
}

// NewBackend opens a new execution context on the hub.
func (h *MemoryHub) NewBackend() *MemoryBackend {
	b := &MemoryBackend{hub: h, watchers: make(map[string]map[int]func())}
	h.mu.Lock()
	h.contexts = append(h.contexts, b)
	h.mu.Unlock()
	return b
}

// MemoryBackend is one execution context of a MemoryHub.
type MemoryBackend struct {
	hub *MemoryHub

	mu       sync.Mutex
	nextID   int
	watchers map[string]map[int]func()
}

func (b *MemoryBackend) Get(key string) (string, bool, error) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	v, ok := b.hub.values[key]
	return v, ok, nil
}

func (b *MemoryBackend) Set(key, value string) error {
	b.hub.mu.Lock()
	b.hub.values[key] = value
	b.hub.mu.Unlock()
	b.broadcast(key)
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.hub.mu.Lock()
	delete(b.hub.values, key)
	b.hub.mu.Unlock()
	b.broadcast(key)
	return nil
}

// broadcast signals every other context watching key.
func (b *MemoryBackend) broadcast(key string) {
	b.hub.mu.Lock()
	others := make([]*MemoryBackend, 0, len(b.hub.contexts))
	for _, c := range b.hub.contexts {
		if c != b {
			others = append(others, c)
		}
	}
	b.hub.mu.Unlock()

	for _, c := range others {
		for _, fn := range c.snapshotWatchers(key) {
			fn()
		}
	}
}

func (b *MemoryBackend) snapshotWatchers(key string) []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fns := make([]func(), 0, len(b.watchers[key]))
	for _, fn := range b.watchers[key] {
		fns = append(fns, fn)
	}
	return fns
}

func (b *MemoryBackend) Watch(key string, fn func()) (stop func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.watchers[key] == nil {
		b.watchers[key] = make(map[int]func())
	}
	b.watchers[key][id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.watchers[key], id)
		b.mu.Unlock()
	}
}
