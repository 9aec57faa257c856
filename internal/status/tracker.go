// Package status tracks whether each connector has an authorized
// external account.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/user/connhub/internal/gateway"
	"github.com/user/connhub/internal/metrics"
	"github.com/user/connhub/internal/types"
)

// DefaultSchedule polls every 30 seconds.
const DefaultSchedule = "@every 30s"

// Checker is the backend surface the tracker needs.
type Checker interface {
	types.ConnectionManager
	AggregateStatus(ctx context.Context) (map[types.ConnectorID]bool, error)
}

// Status is the last known state of one connector.
type Status struct {
	Connector types.ConnectorID
	Connected bool
	// Known is false until the first successful check.
	Known     bool
	CheckedAt time.Time
	Err       error
}

// Options configures a Tracker.
type Options struct {
	// Schedule is a cron expression; seconds and descriptors such as
	// "@every 1m" are accepted.
	Schedule   string
	Retry      *gateway.RetryPolicy
	Connectors []types.ConnectorID
	// CheckTimeout bounds one scheduled refresh.
	CheckTimeout time.Duration
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec is an accepted poll schedule.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", spec, err)
	}
	return nil
}

// Tracker keeps per-connector connection status, refreshed on demand
// and on a cron schedule.
type Tracker struct {
	checker  Checker
	sessions types.SessionReader
	opts     Options

	mu           sync.RWMutex
	statuses     map[types.ConnectorID]Status
	onDisconnect map[types.ConnectorID][]func()
	subs         map[types.ListenerID]func(Status)
	cron         *cron.Cron

	// notifyMu orders status updates and serializes subscriber calls.
	notifyMu sync.Mutex
}

// New creates a Tracker. Zero-valued options fall back to defaults.
func New(checker Checker, sessions types.SessionReader, opts Options) *Tracker {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Retry == nil {
		opts.Retry = gateway.DefaultRetryPolicy()
	}
	if len(opts.Connectors) == 0 {
		opts.Connectors = types.AllConnectors
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 20 * time.Second
	}
	t := &Tracker{
		checker:      checker,
		sessions:     sessions,
		opts:         opts,
		statuses:     make(map[types.ConnectorID]Status, len(opts.Connectors)),
		onDisconnect: make(map[types.ConnectorID][]func()),
		subs:         make(map[types.ListenerID]func(Status)),
	}
	for _, c := range opts.Connectors {
		t.statuses[c] = Status{Connector: c}
	}
	return t
}

// Get returns the last known status of c.
func (t *Tracker) Get(c types.ConnectorID) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[c]
}

// All returns the last known status of every tracked connector in
// configured order.
func (t *Tracker) All() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.opts.Connectors))
	for _, c := range t.opts.Connectors {
		out = append(out, t.statuses[c])
	}
	return out
}

// Subscribe registers fn for every status update. Calls are serialized,
// including during a refresh that checks connectors concurrently, so fn
// needs no locking of its own. fn must not call Refresh, Check or
// Disconnect.
func (t *Tracker) Subscribe(fn func(Status)) (unsubscribe func()) {
	id := types.NewListenerID()
	t.mu.Lock()
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// OnDisconnect registers fn to run after c is disconnected, typically a
// browser controller's Reset.
func (t *Tracker) OnDisconnect(c types.ConnectorID, fn func()) {
	t.mu.Lock()
	t.onDisconnect[c] = append(t.onDisconnect[c], fn)
	t.mu.Unlock()
}

func (t *Tracker) identity() (string, error) {
	if t.sessions == nil {
		return "", gateway.ErrNoSession
	}
	sess, ok := t.sessions.GetSession()
	if !ok {
		return "", gateway.ErrNoSession
	}
	return sess.Identity, nil
}

// Refresh checks every connector. It tries the aggregate endpoint first
// and falls back to one status call per connector, run concurrently.
// The returned error is the first per-connector failure, if any.
func (t *Tracker) Refresh(ctx context.Context) error {
	identity, err := t.identity()
	if err != nil {
		return err
	}

	var agg map[types.ConnectorID]bool
	aggErr := t.opts.Retry.Execute(ctx, func() error {
		var err error
		agg, err = t.checker.AggregateStatus(ctx)
		return err
	})
	if aggErr == nil {
		now := time.Now()
		for _, c := range t.opts.Connectors {
			t.set(Status{Connector: c, Connected: agg[c], Known: true, CheckedAt: now})
		}
		return nil
	}
	slog.Debug("aggregate status failed, checking connectors individually", "error", aggErr)

	var g errgroup.Group
	for _, c := range t.opts.Connectors {
		g.Go(func() error {
			_, err := t.check(ctx, c, identity)
			return err
		})
	}
	return g.Wait()
}

// Check refreshes a single connector.
func (t *Tracker) Check(ctx context.Context, c types.ConnectorID) (bool, error) {
	identity, err := t.identity()
	if err != nil {
		return false, err
	}
	return t.check(ctx, c, identity)
}

func (t *Tracker) check(ctx context.Context, c types.ConnectorID, identity string) (bool, error) {
	var connected bool
	err := t.opts.Retry.Execute(ctx, func() error {
		var err error
		connected, err = t.checker.CheckStatus(ctx, c, identity)
		return err
	})
	prev := t.Get(c)
	if err != nil {
		// Keep the last known value; only the error changes.
		prev.Connector = c
		prev.Err = err
		t.set(prev)
		return false, fmt.Errorf("check %s status: %w", c, err)
	}
	t.set(Status{Connector: c, Connected: connected, Known: true, CheckedAt: time.Now()})
	return connected, nil
}

// Connect returns the URL the user must visit to authorize c.
func (t *Tracker) Connect(ctx context.Context, c types.ConnectorID) (string, error) {
	identity, err := t.identity()
	if err != nil {
		return "", err
	}
	u, err := t.checker.Connect(ctx, c, identity)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", c, err)
	}
	return u, nil
}

// Disconnect revokes c and runs its disconnect hooks.
func (t *Tracker) Disconnect(ctx context.Context, c types.ConnectorID) error {
	identity, err := t.identity()
	if err != nil {
		return err
	}
	if err := t.checker.Disconnect(ctx, c, identity); err != nil {
		return fmt.Errorf("disconnect %s: %w", c, err)
	}
	t.set(Status{Connector: c, Connected: false, Known: true, CheckedAt: time.Now()})

	t.mu.RLock()
	hooks := append([]func(){}, t.onDisconnect[c]...)
	t.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	slog.Info("connector disconnected", "connector", c)
	return nil
}

func (t *Tracker) set(s Status) {
	result := "disconnected"
	switch {
	case s.Err != nil:
		result = "error"
	case s.Connected:
		result = "connected"
	}
	metrics.RecordStatusCheck(string(s.Connector), result)

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	t.statuses[s.Connector] = s
	fns := make([]func(Status), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Start registers the polling schedule and starts the cron ticker.
// Polls are skipped while there is no session.
func (t *Tracker) Start() error {
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(t.opts.Schedule, func() {
		if _, err := t.identity(); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.CheckTimeout)
		defer cancel()
		if err := t.Refresh(ctx); err != nil {
			slog.Warn("scheduled status refresh failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", t.opts.Schedule, err)
	}

	t.mu.Lock()
	if t.cron != nil {
		t.cron.Stop()
	}
	t.cron = c
	t.mu.Unlock()

	c.Start()
	slog.Info("status polling started", "schedule", t.opts.Schedule)
	return nil
}

// Stop stops polling. Scheduled refreshes already running are not
// interrupted.
func (t *Tracker) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}
