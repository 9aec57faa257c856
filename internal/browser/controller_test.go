package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/user/connhub/internal/connector"
	"github.com/user/connhub/internal/decode"
	"github.com/user/connhub/internal/metrics"
	"github.com/user/connhub/internal/state"
	"github.com/user/connhub/internal/types"
)

type staticSessions struct {
	sess types.Session
	ok   bool
}

func (s staticSessions) GetSession() (types.Session, bool) { return s.sess, s.ok }

func signedIn() staticSessions {
	return staticSessions{sess: types.NewSession("alice", "pw"), ok: true}
}

// fakeInvoker answers tool calls through handler and records them.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []types.ToolCall
	handler func(call types.ToolCall) (types.RawResult, error)
}

func (f *fakeInvoker) Execute(_ context.Context, call types.ToolCall) (types.RawResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	h := f.handler
	f.mu.Unlock()
	return h(call)
}

func (f *fakeInvoker) Calls() []types.ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ToolCall(nil), f.calls...)
}

func (f *fakeInvoker) setHandler(h func(types.ToolCall) (types.RawResult, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func reply(s string) types.RawResult {
	b, _ := json.Marshal(s)
	return types.RawResult{Payload: b}
}

func files(n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":"f%d","name":"file %d","mimeType":"text/plain"}`, i, i)
	}
	return "[" + strings.Join(items, ",") + "]"
}

func constant(s string) func(types.ToolCall) (types.RawResult, error) {
	return func(types.ToolCall) (types.RawResult, error) { return reply(s), nil }
}

func assertTrail(t *testing.T, st State) {
	t.Helper()
	if len(st.Breadcrumbs) == 0 {
		t.Fatal("breadcrumb trail is empty")
	}
	if last := st.Breadcrumbs[len(st.Breadcrumbs)-1]; last.ID != st.CurrentLocationID {
		t.Fatalf("last crumb %q != current location %q", last.ID, st.CurrentLocationID)
	}
}

func TestLoadWellFormedListing(t *testing.T) {
	inv := &fakeInvoker{handler: constant(files(3))}
	c := New(connector.NewDrive(), inv, signedIn())

	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := c.Snapshot()
	if st.Phase != PhaseLoaded {
		t.Errorf("expected loaded, got %v", st.Phase)
	}
	if len(st.Nodes) != 3 {
		t.Errorf("expected 3 nodes, got %d", len(st.Nodes))
	}
	if st.IsLoading {
		t.Error("expected isLoading false after fetch")
	}
	call := inv.Calls()[0]
	if call.Identity != "alice" || call.ToolName != "list_files" || call.Arguments["folder_id"] != "root" {
		t.Errorf("unexpected call %+v", call)
	}
}

func TestToolErrorPreservesNodes(t *testing.T) {
	inv := &fakeInvoker{handler: constant(files(2))}
	c := New(connector.NewDrive(), inv, signedIn())
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	inv.setHandler(constant("Error listing files: quota exceeded"))
	err := c.Load(context.Background())
	if decode.KindOf(err) != decode.KindToolError {
		t.Fatalf("expected tool-error, got %v", err)
	}
	st := c.Snapshot()
	if st.Phase != PhaseError || st.LastError == nil {
		t.Errorf("expected error phase with lastError, got %v %v", st.Phase, st.LastError)
	}
	if len(st.Nodes) != 2 {
		t.Errorf("expected previous 2 nodes preserved, got %d", len(st.Nodes))
	}
	if st.IsLoading {
		t.Error("expected isLoading false after failure")
	}
}

func TestTransportAndMalformedCollapseToError(t *testing.T) {
	inv := &fakeInvoker{handler: constant(files(1))}
	c := New(connector.NewDrive(), inv, signedIn())
	c.Load(context.Background())

	inv.setHandler(func(types.ToolCall) (types.RawResult, error) {
		return types.RawResult{}, errors.New("connection refused")
	})
	if err := c.Load(context.Background()); decode.KindOf(err) != decode.KindTransport {
		t.Errorf("expected transport, got %v", err)
	}
	if st := c.Snapshot(); st.Phase != PhaseError || len(st.Nodes) != 1 {
		t.Errorf("unexpected state after transport failure: %+v", st)
	}

	inv.setHandler(constant("Files:\nnot json"))
	if err := c.Load(context.Background()); decode.KindOf(err) != decode.KindMalformed {
		t.Errorf("expected malformed-payload, got %v", err)
	}
	if st := c.Snapshot(); st.Phase != PhaseError || len(st.Nodes) != 1 {
		t.Errorf("unexpected state after malformed payload: %+v", st)
	}
}

func TestNonSequencePayloadLoadsEmpty(t *testing.T) {
	for _, payload := range []string{"{}", "null", "42"} {
		inv := &fakeInvoker{handler: constant(files(2))}
		c := New(connector.NewDrive(), inv, signedIn())
		c.Load(context.Background())

		inv.setHandler(constant(payload))
		if err := c.Load(context.Background()); err != nil {
			t.Errorf("%s: expected no error, got %v", payload, err)
		}
		st := c.Snapshot()
		if st.Phase != PhaseLoaded || len(st.Nodes) != 0 {
			t.Errorf("%s: expected loaded with 0 nodes, got %v with %d", payload, st.Phase, len(st.Nodes))
		}
	}
}

func TestBreadcrumbTrailEndsAtCurrentLocation(t *testing.T) {
	inv := &fakeInvoker{handler: constant("[]")}
	c := New(connector.NewDrive(), inv, signedIn())
	ctx := context.Background()

	steps := []func() error{
		func() error { return c.Navigate(ctx, "a", "A") },
		func() error { return c.Navigate(ctx, "b", "B") },
		func() error { return c.Navigate(ctx, "c", "C") },
		func() error { return c.BreadcrumbClick(ctx, 1) },
		func() error { return c.Navigate(ctx, "d", "D") },
		func() error { return c.BreadcrumbClick(ctx, 0) },
		func() error { return c.Navigate(ctx, "e", "E") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		assertTrail(t, c.Snapshot())
	}

	st := c.Snapshot()
	if len(st.Breadcrumbs) != 2 || st.Breadcrumbs[0].ID != "root" || st.CurrentLocationID != "e" {
		t.Errorf("unexpected final trail %+v", st.Breadcrumbs)
	}

	if err := c.BreadcrumbClick(ctx, 5); !errors.Is(err, ErrBadCrumb) {
		t.Errorf("expected ErrBadCrumb, got %v", err)
	}
	assertTrail(t, c.Snapshot())
}

func TestNavigateFailureKeepsTrailAndNodes(t *testing.T) {
	inv := &fakeInvoker{handler: constant(files(4))}
	c := New(connector.NewDrive(), inv, signedIn())
	c.Load(context.Background())

	inv.setHandler(constant("Error: folder not found"))
	c.Navigate(context.Background(), "gone", "Gone")
	st := c.Snapshot()
	assertTrail(t, st)
	if st.CurrentLocationID != "gone" || len(st.Nodes) != 4 || st.Phase != PhaseError {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestStaleResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	inv := &fakeInvoker{handler: func(call types.ToolCall) (types.RawResult, error) {
		if call.ToolName == "list_files" && call.Arguments["folder_id"] == "slow" {
			close(started)
			<-release
			return reply(files(5)), nil
		}
		return reply(files(1)), nil
	}}
	c := New(connector.NewDrive(), inv, signedIn())
	stale := metrics.StaleResults().WithLabelValues(string(types.ConnectorDrive))
	before := testutil.ToFloat64(stale)

	slowErr := make(chan error, 1)
	go func() { slowErr <- c.Navigate(context.Background(), "slow", "Slow") }()
	<-started

	if err := c.Search(context.Background(), "report"); err != nil {
		t.Fatal(err)
	}
	close(release)

	select {
	case err := <-slowErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("expected ErrSuperseded for the slow fetch, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow fetch did not resolve")
	}

	st := c.Snapshot()
	if len(st.Nodes) != 1 || st.SearchQuery != "report" || st.Phase != PhaseLoaded {
		t.Errorf("expected state from the newer search, got %d nodes query=%q phase=%v", len(st.Nodes), st.SearchQuery, st.Phase)
	}
	if got := testutil.ToFloat64(stale) - before; got != 1 {
		t.Errorf("expected 1 stale result recorded, got %v", got)
	}
}

func TestSortToggle(t *testing.T) {
	inv := &fakeInvoker{handler: constant("[]")}
	c := New(connector.NewDrive(), inv, signedIn())
	ctx := context.Background()

	if err := c.SortChange(ctx, types.SortByName); err != nil {
		t.Fatal(err)
	}
	if s := c.Snapshot().Sort; s.Field != types.SortByName || s.Order != types.SortDesc {
		t.Errorf("expected name desc, got %+v", s)
	}
	if err := c.SortChange(ctx, types.SortByModifiedTime); err != nil {
		t.Fatal(err)
	}
	if s := c.Snapshot().Sort; s.Field != types.SortByModifiedTime || s.Order != types.SortAsc {
		t.Errorf("expected modifiedTime asc, got %+v", s)
	}

	calls := inv.Calls()
	if calls[0].Arguments["order_by"] != "folder,name desc" || calls[1].Arguments["order_by"] != "folder,modifiedTime" {
		t.Errorf("unexpected order_by arguments: %v, %v", calls[0].Arguments["order_by"], calls[1].Arguments["order_by"])
	}
}

func TestSortChangeRepeatsSearch(t *testing.T) {
	inv := &fakeInvoker{handler: constant("[]")}
	c := New(connector.NewDrive(), inv, signedIn())
	ctx := context.Background()

	c.Search(ctx, "budget")
	c.SortChange(ctx, types.SortByModifiedTime)

	calls := inv.Calls()
	last := calls[len(calls)-1]
	if last.ToolName != "search_files" {
		t.Fatalf("expected sort change to repeat the search, got %s", last.ToolName)
	}
	if last.Arguments["order_by"] != "folder,modifiedTime" {
		t.Errorf("expected search to carry new sort, got %v", last.Arguments["order_by"])
	}
}

func TestEmptySearchRelists(t *testing.T) {
	inv := &fakeInvoker{handler: constant("[]")}
	c := New(connector.NewDrive(), inv, signedIn())
	ctx := context.Background()

	c.Search(ctx, "x")
	c.Search(ctx, "")

	calls := inv.Calls()
	if calls[1].ToolName != "list_files" {
		t.Errorf("expected empty search to re-list, got %s", calls[1].ToolName)
	}
	if c.Snapshot().SearchQuery != "" {
		t.Error("expected search query cleared")
	}
}

func TestNoSessionIssuesNoCall(t *testing.T) {
	inv := &fakeInvoker{handler: constant("[]")}
	c := New(connector.NewDrive(), inv, staticSessions{})

	if err := c.Load(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := c.Navigate(context.Background(), "a", "A"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if n := len(inv.Calls()); n != 0 {
		t.Errorf("expected no calls, got %d", n)
	}
}

func TestLogoutInOtherContext(t *testing.T) {
	hub := state.NewMemoryHub()
	tabA := state.NewAuthStore(hub.NewBackend())
	tabB := state.NewAuthStore(hub.NewBackend())
	tabA.Hydrate()
	tabB.Hydrate()
	defer tabA.Close()
	defer tabB.Close()

	if err := tabA.SetSession(types.NewSession("alice", "pw")); err != nil {
		t.Fatal(err)
	}

	inv := &fakeInvoker{handler: constant(files(2))}
	browserA := New(connector.NewDrive(), inv, tabA)
	browserB := New(connector.NewDrive(), inv, tabB)
	defer browserA.Close()
	defer browserB.Close()

	ctx := context.Background()
	if err := browserB.Navigate(ctx, "docs", "Docs"); err != nil {
		t.Fatalf("tab B should see the session written by tab A: %v", err)
	}

	if err := tabA.ClearSession(); err != nil {
		t.Fatal(err)
	}

	for name, b := range map[string]*Controller{"A": browserA, "B": browserB} {
		st := b.Snapshot()
		if !st.SignedOut {
			t.Errorf("browser %s did not observe sign-out", name)
		}
		if st.Depth() != 1 {
			t.Errorf("browser %s was not reset to root: %+v", name, st.Breadcrumbs)
		}
	}

	before := len(inv.Calls())
	if err := browserB.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession in tab B, got %v", err)
	}
	if len(inv.Calls()) != before {
		t.Error("no call should be issued after sign-out")
	}
}

// driveFolder is a tiny authoritative store for mutation tests.
type driveFolder struct {
	mu    sync.Mutex
	names map[string]string
	fail  bool
}

func (d *driveFolder) handle(call types.ToolCall) (types.RawResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch call.ToolName {
	case "list_files":
		items := make([]map[string]string, 0, len(d.names))
		for id, name := range d.names {
			items = append(items, map[string]string{"id": id, "name": name})
		}
		b, _ := json.Marshal(items)
		return reply(string(b)), nil
	case "delete_file":
		if d.fail {
			return reply("Error deleting file: permission denied"), nil
		}
		delete(d.names, call.Arguments["file_id"].(string))
		return reply("File deleted"), nil
	}
	return reply("Error: unknown tool"), nil
}

func TestDeleteThenRefresh(t *testing.T) {
	folder := &driveFolder{names: map[string]string{"x": "old.txt", "y": "keep.txt"}}
	inv := &fakeInvoker{handler: folder.handle}
	c := New(connector.NewDrive(), inv, signedIn())
	ctx := context.Background()
	c.Load(ctx)

	if err := c.Mutate(ctx, connector.Mutation{Op: connector.OpDelete, NodeID: "x"}); err != nil {
		t.Fatal(err)
	}

	for _, n := range c.Snapshot().Nodes {
		if n.ID == "x" {
			t.Fatal("deleted node still present after refresh")
		}
	}
	calls := inv.Calls()
	if calls[len(calls)-2].ToolName != "delete_file" || calls[len(calls)-1].ToolName != "list_files" {
		t.Errorf("expected delete followed by list, got %s then %s", calls[len(calls)-2].ToolName, calls[len(calls)-1].ToolName)
	}
}

func TestFailedMutationStillRefreshes(t *testing.T) {
	folder := &driveFolder{names: map[string]string{"x": "locked.txt"}, fail: true}
	inv := &fakeInvoker{handler: folder.handle}
	c := New(connector.NewDrive(), inv, signedIn())
	ctx := context.Background()

	err := c.Mutate(ctx, connector.Mutation{Op: connector.OpDelete, NodeID: "x"})
	if decode.KindOf(err) != decode.KindToolError {
		t.Fatalf("expected tool-error from mutation, got %v", err)
	}
	st := c.Snapshot()
	if st.Phase != PhaseLoaded || len(st.Nodes) != 1 {
		t.Errorf("expected refreshed listing, got %v with %d nodes", st.Phase, len(st.Nodes))
	}
	if st.MutationError == nil {
		t.Error("expected mutation error recorded in state")
	}
	if last := inv.Calls()[len(inv.Calls())-1]; last.ToolName != "list_files" {
		t.Errorf("expected refresh after failed mutation, got %s", last.ToolName)
	}
}

func TestDrillDownMaxDepth(t *testing.T) {
	inv := &fakeInvoker{handler: constant(`[{"full_name":"octo/hello"}]`)}
	c := New(connector.NewRepoHost(), inv, signedIn())
	ctx := context.Background()

	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Navigate(ctx, "octo/hello", "octo/hello"); err != nil {
		t.Fatal(err)
	}
	if last := inv.Calls()[1]; last.ToolName != "list_issues" || last.Arguments["repo_full_name"] != "octo/hello" {
		t.Errorf("unexpected drill-down call %+v", last)
	}

	before := len(inv.Calls())
	if err := c.Navigate(ctx, "7", "Bug"); !errors.Is(err, ErrMaxDepth) {
		t.Fatalf("expected ErrMaxDepth, got %v", err)
	}
	if len(inv.Calls()) != before {
		t.Error("no call should be issued beyond max depth")
	}
	assertTrail(t, c.Snapshot())
	if c.Snapshot().Depth() != 2 {
		t.Errorf("expected depth 2, got %d", c.Snapshot().Depth())
	}
}

func TestMessagingRejectsSearchAndMutate(t *testing.T) {
	inv := &fakeInvoker{handler: constant("[]")}
	c := New(connector.NewMessaging(), inv, signedIn())
	ctx := context.Background()

	if err := c.Search(ctx, "hello"); !errors.Is(err, connector.ErrUnsupported) {
		t.Errorf("expected unsupported search, got %v", err)
	}
	if err := c.Mutate(ctx, connector.Mutation{Op: connector.OpDelete, NodeID: "1"}); !errors.Is(err, connector.ErrUnsupported) {
		t.Errorf("expected unsupported mutate, got %v", err)
	}
	if err := c.SortChange(ctx, types.SortByName); !errors.Is(err, connector.ErrUnsupported) {
		t.Errorf("expected unsupported sort, got %v", err)
	}
	if len(inv.Calls()) != 0 {
		t.Error("unsupported actions must not issue calls")
	}
}

func TestSubscribeSeesTransitions(t *testing.T) {
	inv := &fakeInvoker{handler: constant(files(1))}
	c := New(connector.NewDrive(), inv, signedIn())

	var mu sync.Mutex
	var phases []Phase
	unsubscribe := c.Subscribe(func(st State) {
		mu.Lock()
		phases = append(phases, st.Phase)
		mu.Unlock()
	})
	c.Load(context.Background())
	unsubscribe()
	c.Load(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != PhaseLoading || phases[1] != PhaseLoaded {
		t.Errorf("expected [loading loaded], got %v", phases)
	}
}

func TestSubscriberEndsOnLatestState(t *testing.T) {
	inv := &fakeInvoker{handler: constant(files(1))}
	c := New(connector.NewDrive(), inv, signedIn())

	gate := make(chan struct{})
	blocked := make(chan struct{})
	var (
		mu          sync.Mutex
		last        State
		inflight    int
		maxInflight int
		held        bool
	)
	c.Subscribe(func(st State) {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		hold := !held && st.CurrentLocationID == "a" && st.Phase == PhaseLoaded
		if hold {
			held = true
		}
		mu.Unlock()

		if hold {
			close(blocked)
			<-gate
		}

		mu.Lock()
		last = st
		inflight--
		mu.Unlock()
	})

	navDone := make(chan error, 1)
	go func() { navDone <- c.Navigate(context.Background(), "a", "A") }()

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never saw the navigated listing")
	}
	if err := c.BreadcrumbClick(context.Background(), 0); err != nil {
		t.Fatalf("breadcrumb click: %v", err)
	}
	close(gate)
	if err := <-navDone; err != nil {
		t.Fatalf("navigate: %v", err)
	}

	want := c.Snapshot()
	mu.Lock()
	defer mu.Unlock()
	if last.CurrentLocationID != want.CurrentLocationID || last.Phase != want.Phase {
		t.Errorf("subscriber ended on location=%q phase=%v, controller is at location=%q phase=%v",
			last.CurrentLocationID, last.Phase, want.CurrentLocationID, want.Phase)
	}
	if want.CurrentLocationID != "root" {
		t.Errorf("expected controller back at root, got %q", want.CurrentLocationID)
	}
	if maxInflight != 1 {
		t.Errorf("subscriber calls overlapped: %d at once", maxInflight)
	}
}

func TestReadContent(t *testing.T) {
	inv := &fakeInvoker{handler: constant("hello world")}
	c := New(connector.NewDrive(), inv, signedIn())

	text, err := c.ReadContent(context.Background(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Errorf("unexpected content %q", text)
	}
	if c.Snapshot().Phase != PhaseIdle {
		t.Error("reading content must not change navigation state")
	}
}

func TestResetAndClose(t *testing.T) {
	inv := &fakeInvoker{handler: constant(files(2))}
	c := New(connector.NewDrive(), inv, signedIn())
	ctx := context.Background()
	c.Navigate(ctx, "a", "A")

	c.Reset()
	st := c.Snapshot()
	if st.Depth() != 1 || st.Phase != PhaseIdle || len(st.Nodes) != 0 {
		t.Errorf("unexpected state after reset %+v", st)
	}

	c.Close()
	if err := c.Load(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSortRejectedInsideRepository(t *testing.T) {
	inv := &fakeInvoker{handler: func(call types.ToolCall) (types.RawResult, error) {
		if call.ToolName == "list_repos" {
			return reply(`[{"full_name":"acme/connhub","name":"connhub"}]`), nil
		}
		return reply(`[{"number":1,"title":"bug"}]`), nil
	}}
	c := New(connector.NewRepoHost(), inv, signedIn())
	ctx := context.Background()

	if err := c.SortChange(ctx, types.SortByModifiedTime); err != nil {
		t.Fatalf("sorting the repository list should work: %v", err)
	}
	if err := c.Navigate(ctx, "acme/connhub", "connhub"); err != nil {
		t.Fatal(err)
	}
	before := c.Snapshot()
	calls := len(inv.Calls())

	err := c.SortChange(ctx, types.SortByName)
	if !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported at issue depth, got %v", err)
	}
	if len(inv.Calls()) != calls {
		t.Error("rejected sort should not fetch")
	}
	if after := c.Snapshot(); after.Sort != before.Sort || after.Phase != PhaseLoaded {
		t.Errorf("rejected sort changed state: %+v", after)
	}
}
