package devserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/user/connhub/internal/browser"
	"github.com/user/connhub/internal/chat"
	"github.com/user/connhub/internal/connector"
	"github.com/user/connhub/internal/decode"
	"github.com/user/connhub/internal/devserver"
	"github.com/user/connhub/internal/gateway"
	"github.com/user/connhub/internal/state"
	"github.com/user/connhub/internal/status"
	"github.com/user/connhub/internal/types"
)

func hasNode(nodes []types.ResourceNode, name string) bool {
	for _, n := range nodes {
		if n.DisplayName == name {
			return true
		}
	}
	return false
}

func nodeID(nodes []types.ResourceNode, name string) string {
	for _, n := range nodes {
		if n.DisplayName == name {
			return n.ID
		}
	}
	return ""
}

func TestEndToEnd(t *testing.T) {
	backend := httptest.NewServer(devserver.NewServer(devserver.Options{BcryptCost: bcrypt.MinCost}))
	defer backend.Close()

	store := state.NewAuthStore(state.NewMemoryHub().NewBackend())
	store.Hydrate()
	defer store.Close()

	gw := gateway.New(gateway.Config{BaseURL: backend.URL, Timeout: 5 * time.Second}, store)
	ctx := context.Background()

	if err := gw.Register(ctx, "alice", "secret"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := gw.Login(ctx, "alice", "wrong"); err == nil {
		t.Fatal("expected login with wrong password to fail")
	}
	sess, err := gw.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := store.SetSession(sess); err != nil {
		t.Fatal(err)
	}

	// Connect the drive through the simulated authorization redirect.
	fast := &gateway.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	tracker := status.New(gw, store, status.Options{Retry: fast})
	if err := tracker.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tracker.Get(types.ConnectorDrive).Connected {
		t.Fatal("drive should start disconnected")
	}
	authURL, err := tracker.Connect(ctx, types.ConnectorDrive)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(authURL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if err := tracker.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if !tracker.Get(types.ConnectorDrive).Connected {
		t.Fatal("drive should be connected after authorization")
	}

	drive := browser.New(connector.NewDrive(), gw, store)
	defer drive.Close()
	tracker.OnDisconnect(types.ConnectorDrive, drive.Reset)

	if err := drive.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	root := drive.Snapshot()
	if !hasNode(root.Nodes, "Projects") || !hasNode(root.Nodes, "README.txt") {
		t.Fatalf("unexpected root listing %+v", root.Nodes)
	}

	if err := drive.Navigate(ctx, "fld-projects", "Projects"); err != nil {
		t.Fatal(err)
	}
	if err := drive.Mutate(ctx, connector.Mutation{Op: connector.OpCreateFolder, Name: "Reports"}); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	st := drive.Snapshot()
	if !hasNode(st.Nodes, "Reports") {
		t.Fatalf("created folder missing after refresh: %+v", st.Nodes)
	}

	id := nodeID(st.Nodes, "Reports")
	if err := drive.Mutate(ctx, connector.Mutation{Op: connector.OpDelete, NodeID: id}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if hasNode(drive.Snapshot().Nodes, "Reports") {
		t.Fatal("deleted folder still listed after refresh")
	}

	if err := drive.BreadcrumbClick(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := drive.Search(ctx, "readme"); err != nil {
		t.Fatal(err)
	}
	if st := drive.Snapshot(); len(st.Nodes) != 1 || st.Nodes[0].DisplayName != "README.txt" {
		t.Fatalf("unexpected search result %+v", st.Nodes)
	}

	content, err := drive.ReadContent(ctx, "doc-readme")
	if err != nil || !strings.Contains(content, "Welcome") {
		t.Fatalf("unexpected content %q err=%v", content, err)
	}

	// Repo host is not connected: the backend answers 400.
	repos := browser.New(connector.NewRepoHost(), gw, store)
	defer repos.Close()
	if err := repos.Load(ctx); decode.KindOf(err) != decode.KindTransport {
		t.Fatalf("expected transport failure for unconnected repo host, got %v", err)
	}

	reply, err := chat.NewSession(gw).Send(ctx, "hello")
	if err != nil || !strings.Contains(reply.Content, "drive") {
		t.Fatalf("unexpected chat reply %+v err=%v", reply, err)
	}

	if err := tracker.Disconnect(ctx, types.ConnectorDrive); err != nil {
		t.Fatal(err)
	}
	if st := drive.Snapshot(); st.Depth() != 1 || st.Phase != browser.PhaseIdle {
		t.Fatalf("browser should reset on disconnect, got %+v", st)
	}

	if err := store.ClearSession(); err != nil {
		t.Fatal(err)
	}
	if err := drive.Load(ctx); err != browser.ErrNoSession {
		t.Fatalf("expected ErrNoSession after logout, got %v", err)
	}
}
