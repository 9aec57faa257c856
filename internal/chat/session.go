// Package chat holds the ordered turn history of an agent conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/connhub/internal/types"
)

// FailureReply is appended as the assistant turn when a send fails.
const FailureReply = "Sorry, something went wrong."

var (
	ErrBusy       = errors.New("a message is already pending")
	ErrEmptyQuery = errors.New("empty message")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message. Turns are never edited once appended.
type Turn struct {
	ID        types.TurnID
	Role      Role
	Content   string
	CreatedAt time.Time
	Failed    bool
}

// Agent answers one query.
type Agent interface {
	Chat(ctx context.Context, query string) (string, error)
}

// Session is an append-only conversation with at most one pending send.
type Session struct {
	agent Agent

	mu      sync.Mutex
	turns   []Turn
	pending bool
	subs    map[types.ListenerID]func(Turn)
}

func NewSession(agent Agent) *Session {
	return &Session{agent: agent, subs: make(map[types.ListenerID]func(Turn))}
}

// Send appends the user turn, waits for the agent and appends its reply.
// On failure the fixed FailureReply is appended and the error returned.
func (s *Session) Send(ctx context.Context, query string) (Turn, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Turn{}, ErrEmptyQuery
	}

	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return Turn{}, ErrBusy
	}
	s.pending = true
	s.mu.Unlock()

	s.append(Turn{Role: RoleUser, Content: query})

	reply, err := s.agent.Chat(ctx, query)
	var out Turn
	if err != nil {
		slog.Warn("chat send failed", "error", err)
		out = s.append(Turn{Role: RoleAssistant, Content: FailureReply, Failed: true})
		err = fmt.Errorf("send message: %w", err)
	} else {
		out = s.append(Turn{Role: RoleAssistant, Content: reply})
	}

	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
	return out, err
}

func (s *Session) append(t Turn) Turn {
	t.ID = types.NewTurnID()
	t.CreatedAt = time.Now()

	s.mu.Lock()
	s.turns = append(s.turns, t)
	fns := make([]func(Turn), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
	return t
}

// Turns returns a copy of the history in order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Pending reports whether a send is awaiting its reply.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Subscribe registers fn for every appended turn.
func (s *Session) Subscribe(fn func(Turn)) (unsubscribe func()) {
	id := types.NewListenerID()
	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
