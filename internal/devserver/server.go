// Package devserver is an in-memory backend that speaks the connector
// wire protocol. It serves local development and end-to-end tests.
package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/user/connhub/internal/types"
)

// Options configures a Server.
type Options struct {
	// PublicURL is used to build connect redirect URLs.
	PublicURL  string
	BcryptCost int
	Now        func() time.Time
}

// Server is the in-memory backend.
type Server struct {
	opts   Options
	router chi.Router

	mu          sync.Mutex
	users       map[string][]byte
	connections map[string]map[string]bool
	world       *fixtures
}

// NewServer creates a Server with seeded fixtures and no users.
func NewServer(opts Options) *Server {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts:        opts,
		users:       make(map[string][]byte),
		connections: make(map[string]map[string]bool),
		world:       seedFixtures(opts.Now()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Get("/connectors/status", s.handleAggregateStatus)
		r.Get("/{provider}/status", s.handleStatus)
		r.Get("/{provider}/login", s.handleConnect)
		r.Get("/{provider}/callback", s.handleCallback)
		r.Delete("/{provider}/disconnect", s.handleDisconnect)
	})
	r.Post("/mcp/{service}/execute", s.handleExecute)
	r.Post("/chat/agent", s.handleChat)
	s.router = r
	return s
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) now() time.Time { return s.opts.Now() }

// AddUser registers a user directly, bypassing the HTTP endpoint.
func (s *Server) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("user %q already exists", username)
	}
	s.users[username] = hash
	return nil
}

// SetConnected marks a provider as authorized for username.
func (s *Server) SetConnected(username string, c types.ConnectorID, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConnectedLocked(username, c.AuthNamespace(), connected)
}

func (s *Server) setConnectedLocked(username, provider string, connected bool) {
	if s.connections[username] == nil {
		s.connections[username] = make(map[string]bool)
	}
	s.connections[username][provider] = connected
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("devserver request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", r.Header.Get("X-Request-ID"),
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeDetail(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if err := s.AddUser(req.Username, req.Password); err != nil {
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": "User created successfully"})
}

func (s *Server) verify(username, password string) bool {
	s.mu.Lock()
	hash, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.verify(req.Username, req.Password) {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": "Login successful"})
}

// basicUser authenticates the Authorization header.
func (s *Server) basicUser(r *http.Request) (string, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok || !s.verify(user, pass) {
		return "", false
	}
	return user, true
}

func (s *Server) knownUser(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// provider resolves the {provider} path segment to an auth namespace.
func provider(r *http.Request) (string, bool) {
	c, ok := types.ParseConnector(chi.URLParam(r, "provider"))
	if !ok {
		return "", false
	}
	return c.AuthNamespace(), true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := provider(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "unknown provider")
		return
	}
	username := r.URL.Query().Get("username")
	if !s.knownUser(username) {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	s.mu.Lock()
	connected := s.connections[username][p]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	p, ok := provider(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "unknown provider")
		return
	}
	username := r.URL.Query().Get("username")
	if !s.knownUser(username) {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	base := s.opts.PublicURL
	if base == "" {
		base = "http://" + r.Host
	}
	q := url.Values{"username": {username}}
	writeJSON(w, http.StatusOK, map[string]string{
		"url": strings.TrimSuffix(base, "/") + "/auth/" + p + "/callback?" + q.Encode(),
	})
}

// handleCallback completes the simulated authorization.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := provider(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "unknown provider")
		return
	}
	username := r.URL.Query().Get("username")
	if !s.knownUser(username) {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	s.mu.Lock()
	s.setConnectedLocked(username, p, true)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<html><body>Connected. You can close this window.</body></html>"))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	p, ok := provider(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "unknown provider")
		return
	}
	username := r.URL.Query().Get("username")
	if !s.knownUser(username) {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	s.mu.Lock()
	s.setConnectedLocked(username, p, false)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"msg": "Disconnected successfully"})
}

func (s *Server) handleAggregateStatus(w http.ResponseWriter, r *http.Request) {
	username, ok := s.basicUser(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	s.mu.Lock()
	out := make(map[string]bool, len(types.AllConnectors))
	for _, c := range types.AllConnectors {
		out[c.AuthNamespace()] = s.connections[username][c.AuthNamespace()]
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

type executeRequest struct {
	Username  string         `json:"username"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

var notConnected = map[string]string{
	"google": "Google Drive not connected",
	"github": "GitHub not connected",
	"slack":  "Slack not connected",
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	c, ok := types.ParseConnector(chi.URLParam(r, "service"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "unknown service")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON")
		return
	}
	if !s.knownUser(req.Username) {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := c.AuthNamespace()
	if !s.connections[req.Username][p] {
		writeDetail(w, http.StatusBadRequest, notConnected[p])
		return
	}

	var tools map[string]toolFunc
	switch c {
	case types.ConnectorDrive:
		tools = driveTools
	case types.ConnectorRepoHost:
		tools = repoTools
	case types.ConnectorMessaging:
		tools = messagingTools
	}
	fn, ok := tools[req.ToolName]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"response": "Error: unknown tool " + req.ToolName})
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": fn(s, req.Arguments)})
}

type chatRequest struct {
	Query string `json:"query"`
}

// handleChat answers with a summary of the user's connections. The real
// agent runs tools on the user's behalf; this stand-in only reports what
// it could reach.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	username, ok := s.basicUser(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeDetail(w, http.StatusBadRequest, "query is required")
		return
	}

	s.mu.Lock()
	var connected []string
	for _, c := range types.AllConnectors {
		if s.connections[username][c.AuthNamespace()] {
			connected = append(connected, string(c))
		}
	}
	s.mu.Unlock()

	reply := fmt.Sprintf("You asked: %q. ", req.Query)
	if len(connected) == 0 {
		reply += "No services are connected yet."
	} else {
		reply += "I can reach: " + strings.Join(connected, ", ") + "."
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}
