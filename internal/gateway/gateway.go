package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/connhub/internal/metrics"
	"github.com/user/connhub/internal/types"
)

// ErrNoSession is returned by calls that must carry a credential when the
// session source has none.
var ErrNoSession = errors.New("no active session")

// TransportError is a failure below the payload layer: the request could
// not be sent, or the backend answered with a non-success status.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Config holds gateway configuration.
type Config struct {
	BaseURL string
	// Timeout bounds each request. Zero means no client-side timeout.
	Timeout time.Duration
	// MaxConcurrent caps in-flight requests across all connectors.
	MaxConcurrent int64
	// SendAuthHeader replays the stored credential on every request,
	// not only on endpoints that require it.
	SendAuthHeader bool
	HTTPClient     *http.Client
}

// Gateway is the transport shim for tool invocation and connection
// management. It never interprets tool payloads.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	sem        *semaphore.Weighted
	sendAuth   bool
	sessions   types.SessionReader
}

// New creates a Gateway. sessions may be nil when no call needs a
// credential header.
func New(cfg Config, sessions types.SessionReader) *Gateway {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gateway{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: client,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		sendAuth:   cfg.SendAuthHeader,
		sessions:   sessions,
	}
}

type executeRequest struct {
	Username  string         `json:"username"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// Execute issues exactly one POST /mcp/{connector}/execute.
func (g *Gateway) Execute(ctx context.Context, call types.ToolCall) (types.RawResult, error) {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(executeRequest{
		Username:  call.Identity,
		ToolName:  call.ToolName,
		Arguments: args,
	})
	if err != nil {
		return types.RawResult{}, fmt.Errorf("marshal tool call: %w", err)
	}

	path := "/mcp/" + call.Connector.ExecNamespace() + "/execute"
	reqID, data, err := g.do(ctx, "execute "+call.ToolName, http.MethodPost, path, nil, body, false)
	if err != nil {
		return types.RawResult{RequestID: reqID}, err
	}

	var envelope types.RawResult
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Debug("tool response envelope not JSON", "tool", call.ToolName, "error", err)
		envelope = types.RawResult{}
	}
	envelope.RequestID = reqID
	envelope.Body = string(data)
	return envelope, nil
}

// CheckStatus issues one GET /auth/{connector}/status.
func (g *Gateway) CheckStatus(ctx context.Context, connector types.ConnectorID, identity string) (bool, error) {
	q := url.Values{"username": {identity}}
	_, data, err := g.do(ctx, "status", http.MethodGet, "/auth/"+connector.AuthNamespace()+"/status", q, nil, false)
	if err != nil {
		return false, err
	}
	var resp struct {
		Connected bool `json:"connected"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, fmt.Errorf("parse status response: %w", err)
	}
	return resp.Connected, nil
}

// Connect issues one GET /auth/{connector}/login and returns the URL the
// user must visit to authorize the external account.
func (g *Gateway) Connect(ctx context.Context, connector types.ConnectorID, identity string) (string, error) {
	q := url.Values{"username": {identity}}
	_, data, err := g.do(ctx, "connect", http.MethodGet, "/auth/"+connector.AuthNamespace()+"/login", q, nil, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse connect response: %w", err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("connect %s: backend returned no redirect url", connector)
	}
	return resp.URL, nil
}

// Disconnect issues one DELETE /auth/{connector}/disconnect.
func (g *Gateway) Disconnect(ctx context.Context, connector types.ConnectorID, identity string) error {
	q := url.Values{"username": {identity}}
	_, _, err := g.do(ctx, "disconnect", http.MethodDelete, "/auth/"+connector.AuthNamespace()+"/disconnect", q, nil, false)
	return err
}

// AggregateStatus fetches GET /auth/connectors/status, which authenticates
// with the stored credential and reports every connector at once.
func (g *Gateway) AggregateStatus(ctx context.Context) (map[types.ConnectorID]bool, error) {
	_, data, err := g.do(ctx, "aggregate status", http.MethodGet, "/auth/connectors/status", nil, nil, true)
	if err != nil {
		return nil, err
	}
	var resp map[string]bool
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse aggregate status: %w", err)
	}
	out := make(map[types.ConnectorID]bool, len(types.AllConnectors))
	for _, c := range types.AllConnectors {
		out[c] = resp[c.AuthNamespace()]
	}
	return out, nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login verifies username/password with the backend. It does not touch
// the session store; callers persist the session on success.
func (g *Gateway) Login(ctx context.Context, username, password string) (types.Session, error) {
	body, err := json.Marshal(credentials{Username: username, Password: password})
	if err != nil {
		return types.Session{}, fmt.Errorf("marshal login request: %w", err)
	}
	if _, _, err := g.do(ctx, "login", http.MethodPost, "/auth/login", nil, body, false); err != nil {
		return types.Session{}, err
	}
	return types.NewSession(username, password), nil
}

// Register creates a backend account.
func (g *Gateway) Register(ctx context.Context, username, password string) error {
	body, err := json.Marshal(credentials{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("marshal register request: %w", err)
	}
	_, _, err = g.do(ctx, "register", http.MethodPost, "/auth/register", nil, body, false)
	return err
}

// Chat sends one query to POST /chat/agent and returns the agent reply.
func (g *Gateway) Chat(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	_, data, err := g.do(ctx, "chat", http.MethodPost, "/chat/agent", nil, body, true)
	if err != nil {
		return "", err
	}
	var resp struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse chat response: %w", err)
	}
	return resp.Response, nil
}

// do performs one request under the concurrency limit. Network failures
// and non-2xx answers come back as *TransportError.
func (g *Gateway) do(ctx context.Context, op, method, path string, query url.Values, body []byte, requireAuth bool) (types.RequestID, []byte, error) {
	reqID := types.NewRequestID()

	authHeader := ""
	if requireAuth || g.sendAuth {
		var sess types.Session
		ok := false
		if g.sessions != nil {
			sess, ok = g.sessions.GetSession()
		}
		if ok {
			authHeader = sess.AuthorizationHeader()
		} else if requireAuth {
			return reqID, nil, fmt.Errorf("%s: %w", op, ErrNoSession)
		}
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return reqID, nil, &TransportError{Op: op, Err: err}
	}
	defer g.sem.Release(1)
	metrics.IncInflight()
	defer metrics.DecInflight()

	target := g.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return reqID, nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", string(reqID))
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		slog.Debug("backend request failed", "op", op, "request_id", reqID, "error", err)
		return reqID, nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return reqID, nil, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	slog.Debug("backend request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", reqID,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return reqID, data, &TransportError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return reqID, data, nil
}
