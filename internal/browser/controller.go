// Package browser implements the per-connector navigation state machine.
//
// Every action funnels through a fetch from the backend; nodes are never
// patched locally. Each fetch is tagged with a generation number and a
// result whose generation is no longer current is dropped on arrival.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/connhub/internal/connector"
	"github.com/user/connhub/internal/decode"
	"github.com/user/connhub/internal/gateway"
	"github.com/user/connhub/internal/metrics"
	"github.com/user/connhub/internal/state"
	"github.com/user/connhub/internal/types"
)

var (
	// ErrNoSession is returned, before any call is made, when there is
	// no credential.
	ErrNoSession = gateway.ErrNoSession
	// ErrSuperseded is returned by an action whose fetch result was
	// discarded because a newer action started meanwhile.
	ErrSuperseded = errors.New("superseded by a newer action")
	ErrMaxDepth   = errors.New("maximum navigation depth reached")
	ErrClosed     = errors.New("browser closed")
	ErrBadCrumb   = errors.New("breadcrumb index out of range")
)

type hydrationWaiter interface {
	WaitHydrated(ctx context.Context) error
}

type sessionNotifier interface {
	Subscribe(fn state.Listener) (unsubscribe func())
}

// Option configures a Controller.
type Option func(*Controller)

// WithSort sets the initial sort.
func WithSort(s types.Sort) Option {
	return func(c *Controller) { c.st.Sort = s }
}

// WithRoot starts the controller at a location other than the adapter's
// root. The trail still begins with the root entry.
func WithRoot(trail ...types.Crumb) Option {
	return func(c *Controller) {
		if len(trail) == 0 {
			return
		}
		c.st.Breadcrumbs = append([]types.Crumb{c.adapter.Root()}, trail...)
		c.st.CurrentLocationID = c.st.Scope().ID
	}
}

// Controller owns the navigation state of one connector. Actions may be
// called from several goroutines; each blocks until its own fetch
// resolves.
type Controller struct {
	adapter  connector.Adapter
	caps     connector.Capabilities
	invoker  types.ToolInvoker
	sessions types.SessionReader

	mu       sync.Mutex
	st       State
	gen      uint64
	lastKind fetchKind
	closed   bool
	subs     map[types.ListenerID]func(State)
	unwatch  func()
	seq      uint64

	// Delivery to subscribers. pending is drained by one goroutine at a
	// time; snapshots older than delivered are dropped.
	pubMu      sync.Mutex
	pending    []snapshot
	delivering bool
	delivered  uint64
}

// snapshot is a state copy stamped, under mu, with its position in the
// sequence of applied transitions.
type snapshot struct {
	seq uint64
	st  State
}

// New creates a controller positioned at the adapter's root. When
// sessions can report changes, a sign-out resets the controller.
func New(adapter connector.Adapter, invoker types.ToolInvoker, sessions types.SessionReader, opts ...Option) *Controller {
	c := &Controller{
		adapter:  adapter,
		caps:     adapter.Capabilities(),
		invoker:  invoker,
		sessions: sessions,
		subs:     make(map[types.ListenerID]func(State)),
	}
	c.st = c.rootState()
	for _, opt := range opts {
		opt(c)
	}
	if n, ok := sessions.(sessionNotifier); ok {
		c.unwatch = n.Subscribe(c.onSessionChange)
	}
	return c
}

func (c *Controller) rootState() State {
	root := c.adapter.Root()
	return State{
		Connector:         c.adapter.ID(),
		Phase:             PhaseIdle,
		CurrentLocationID: root.ID,
		Breadcrumbs:       []types.Crumb{root},
		Sort:              types.DefaultSort,
	}
}

// Connector returns the connector this controller is bound to.
func (c *Controller) Connector() types.ConnectorID { return c.adapter.ID() }

// Capabilities returns the adapter's capability record.
func (c *Controller) Capabilities() connector.Capabilities { return c.caps }

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.clone()
}

// Subscribe registers fn to receive the state after applied transitions.
// Calls are serialized and arrive in the order the transitions were
// applied; a transition overtaken by a newer delivered one is skipped.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	id := types.NewListenerID()
	c.mu.Lock()
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Load fetches the listing of the current location.
func (c *Controller) Load(ctx context.Context) error {
	return c.act(ctx, func(st *State) (connector.Request, fetchKind, error) {
		st.SearchQuery = ""
		req, err := c.adapter.Listing(st.Scope(), st.Depth(), st.Sort)
		return req, fetchListing, err
	})
}

// Navigate descends into a child container.
func (c *Controller) Navigate(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("navigate: empty node id")
	}
	return c.act(ctx, func(st *State) (connector.Request, fetchKind, error) {
		if c.caps.MaxDepth > 0 && st.Depth() >= c.caps.MaxDepth {
			return connector.Request{}, 0, fmt.Errorf("navigate to %q: %w", id, ErrMaxDepth)
		}
		crumb := types.Crumb{ID: id, DisplayName: name}
		req, err := c.adapter.Listing(crumb, st.Depth()+1, st.Sort)
		if err != nil {
			return req, 0, err
		}
		st.Breadcrumbs = append(st.Breadcrumbs, crumb)
		st.CurrentLocationID = id
		st.SearchQuery = ""
		return req, fetchListing, nil
	})
}

// BreadcrumbClick returns to the trail entry at index.
func (c *Controller) BreadcrumbClick(ctx context.Context, index int) error {
	return c.act(ctx, func(st *State) (connector.Request, fetchKind, error) {
		if index < 0 || index >= len(st.Breadcrumbs) {
			return connector.Request{}, 0, fmt.Errorf("breadcrumb %d: %w", index, ErrBadCrumb)
		}
		trail := st.Breadcrumbs[:index+1]
		req, err := c.adapter.Listing(trail[index], len(trail), st.Sort)
		if err != nil {
			return req, 0, err
		}
		st.Breadcrumbs = trail
		st.CurrentLocationID = trail[index].ID
		st.SearchQuery = ""
		return req, fetchListing, nil
	})
}

// Search filters by query. An empty query re-lists the current location.
func (c *Controller) Search(ctx context.Context, query string) error {
	if query == "" {
		return c.Load(ctx)
	}
	if !c.caps.Search {
		return fmt.Errorf("search %s: %w", c.adapter.ID(), connector.ErrUnsupported)
	}
	return c.act(ctx, func(st *State) (connector.Request, fetchKind, error) {
		req, err := c.adapter.Search(query, st.Scope(), st.Depth(), st.Sort)
		if err != nil {
			return req, 0, err
		}
		st.SearchQuery = query
		return req, fetchSearch, nil
	})
}

// SortChange selects a sort field and repeats the last fetch kind.
func (c *Controller) SortChange(ctx context.Context, field types.SortField) error {
	if !c.sortable(field) {
		return fmt.Errorf("sort %s by %q: %w", c.adapter.ID(), field, connector.ErrUnsupported)
	}
	return c.act(ctx, func(st *State) (connector.Request, fetchKind, error) {
		if c.caps.SortDepth > 0 && st.Depth() > c.caps.SortDepth {
			return connector.Request{}, 0, fmt.Errorf("sort %s at depth %d: %w", c.adapter.ID(), st.Depth(), connector.ErrUnsupported)
		}
		next := st.Sort.Toggle(field)
		var (
			req  connector.Request
			kind = c.lastKind
			err  error
		)
		if kind == fetchSearch && st.SearchQuery != "" {
			req, err = c.adapter.Search(st.SearchQuery, st.Scope(), st.Depth(), next)
		} else {
			kind = fetchListing
			req, err = c.adapter.Listing(st.Scope(), st.Depth(), next)
		}
		if err != nil {
			return req, 0, err
		}
		st.Sort = next
		return req, kind, nil
	})
}

func (c *Controller) sortable(field types.SortField) bool {
	for _, f := range c.caps.Sorts {
		if f == field {
			return true
		}
	}
	return false
}

// Mutate performs a create, rename or delete and then re-lists the
// current location whatever the mutation's outcome. The returned error
// is the mutation's failure if it failed, otherwise the refresh's.
func (c *Controller) Mutate(ctx context.Context, m connector.Mutation) error {
	if !c.caps.Mutate {
		return fmt.Errorf("mutate %s: %w", c.adapter.ID(), connector.ErrUnsupported)
	}
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	scope := c.st.Scope()
	req, err := c.adapter.Mutation(m, scope)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	gen := c.beginLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	start := time.Now()
	res, execErr := c.invoker.Execute(ctx, req.Call(c.adapter.ID(), sess.Identity))
	out := decode.Text(res, execErr)
	c.record(req, out.Kind, start)
	mutErr := out.Failure()
	if mutErr != nil {
		slog.Warn("mutation failed", "connector", c.adapter.ID(), "op", m.Op, "error", mutErr)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		metrics.RecordStaleResult(string(c.adapter.ID()))
		if mutErr != nil {
			return mutErr
		}
		return ErrSuperseded
	}
	c.st.MutationError = mutErr
	c.st.SearchQuery = ""
	c.lastKind = fetchListing
	refresh, err := c.adapter.Listing(c.st.Scope(), c.st.Depth(), c.st.Sort)
	depth := c.st.Depth()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	refreshErr := c.fetch(ctx, gen, sess, refresh, depth)
	if mutErr != nil {
		return mutErr
	}
	return refreshErr
}

// ReadContent fetches the text content of ref without touching the
// navigation state.
func (c *Controller) ReadContent(ctx context.Context, ref string) (string, error) {
	if !c.caps.Content {
		return "", fmt.Errorf("read content %s: %w", c.adapter.ID(), connector.ErrUnsupported)
	}
	sess, err := c.session(ctx)
	if err != nil {
		return "", err
	}
	st := c.Snapshot()
	req, err := c.adapter.Content(ref, st.Scope(), st.Depth())
	if err != nil {
		return "", err
	}
	start := time.Now()
	res, execErr := c.invoker.Execute(ctx, req.Call(c.adapter.ID(), sess.Identity))
	out := decode.Text(res, execErr)
	c.record(req, out.Kind, start)
	if !out.OK() {
		return "", out.Failure()
	}
	return out.Value, nil
}

// Reset returns to the root without fetching. Any fetch in flight is
// discarded when it resolves.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.gen++
	signedOut := c.st.SignedOut
	c.st = c.rootState()
	c.st.SignedOut = signedOut
	c.lastKind = fetchListing
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// Close tears the controller down. Later actions return ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.subs = make(map[types.ListenerID]func(State))
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

func (c *Controller) onSessionChange(ch state.Change) {
	if ch.Present {
		c.mu.Lock()
		c.st.SignedOut = false
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return
	}
	slog.Info("session cleared, resetting browser", "connector", c.adapter.ID(), "source", ch.Source.String())
	c.mu.Lock()
	c.st.SignedOut = true
	c.mu.Unlock()
	c.Reset()
}

// session waits for hydration when the store supports it and returns
// the current session.
func (c *Controller) session(ctx context.Context) (types.Session, error) {
	if c.sessions == nil {
		return types.Session{}, ErrNoSession
	}
	if w, ok := c.sessions.(hydrationWaiter); ok {
		if err := w.WaitHydrated(ctx); err != nil {
			return types.Session{}, fmt.Errorf("wait for session: %w", err)
		}
	}
	sess, ok := c.sessions.GetSession()
	if !ok {
		return types.Session{}, ErrNoSession
	}
	return sess, nil
}

// act applies prepare to the state under the lock, starts a new
// generation and runs the resulting fetch. prepare must leave the state
// untouched when it returns an error.
func (c *Controller) act(ctx context.Context, prepare func(st *State) (connector.Request, fetchKind, error)) error {
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	next := c.st.clone()
	req, kind, err := prepare(&next)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.st = next
	c.st.MutationError = nil
	c.lastKind = kind
	gen := c.beginLocked()
	depth := c.st.Depth()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	return c.fetch(ctx, gen, sess, req, depth)
}

func (c *Controller) beginLocked() uint64 {
	c.gen++
	c.st.Phase = PhaseLoading
	c.st.IsLoading = true
	c.st.SignedOut = false
	return c.gen
}

// fetch runs one listing or search call and applies its outcome if gen is
// still current.
func (c *Controller) fetch(ctx context.Context, gen uint64, sess types.Session, req connector.Request, depth int) error {
	start := time.Now()
	res, execErr := c.invoker.Execute(ctx, req.Call(c.adapter.ID(), sess.Identity))
	out := decode.List(res, execErr)
	c.record(req, out.Kind, start)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		metrics.RecordStaleResult(string(c.adapter.ID()))
		slog.Debug("discarding stale result", "connector", c.adapter.ID(), "tool", req.Tool, "generation", gen)
		return ErrSuperseded
	}
	c.st.IsLoading = false
	var failure error
	if out.OK() {
		c.st.Phase = PhaseLoaded
		c.st.LastError = nil
		c.st.Nodes = connector.ProjectAll(c.adapter, out.Value, depth)
	} else {
		failure = out.Failure()
		c.st.Phase = PhaseError
		c.st.LastError = failure
		slog.Warn("fetch failed", "connector", c.adapter.ID(), "tool", req.Tool, "generation", gen, "error", failure)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
	return failure
}

func (c *Controller) record(req connector.Request, kind decode.Kind, start time.Time) {
	metrics.RecordToolCall(string(c.adapter.ID()), req.Tool, kind.String(), time.Since(start))
}

func (c *Controller) snapshotLocked() snapshot {
	c.seq++
	return snapshot{seq: c.seq, st: c.st.clone()}
}

// publish queues snap for subscribers. The goroutine that finds no
// delivery running drains the queue; others return at once.
func (c *Controller) publish(snap snapshot) {
	c.pubMu.Lock()
	c.pending = append(c.pending, snap)
	if c.delivering {
		c.pubMu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		if next.seq <= c.delivered {
			continue
		}
		c.delivered = next.seq
		c.pubMu.Unlock()

		c.mu.Lock()
		fns := make([]func(State), 0, len(c.subs))
		for _, fn := range c.subs {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(next.st)
		}

		c.pubMu.Lock()
	}
	c.delivering = false
	c.pubMu.Unlock()
}
