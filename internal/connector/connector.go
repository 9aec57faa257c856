// Package connector maps generic browsing actions onto the tool calls of
// each external service and projects their results onto resource nodes.
package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/user/connhub/internal/types"
)

var (
	// ErrUnsupported is returned when a connector lacks a capability.
	ErrUnsupported = errors.New("operation not supported by connector")
	// ErrUnknownConnector is returned by Registry lookups.
	ErrUnknownConnector = errors.New("unknown connector")
)

// Capabilities describes what a connector can do. MaxDepth bounds the
// breadcrumb trail length including the root entry; zero means unbounded.
// SortDepth is the deepest level whose listing honors Sorts, likewise
// zero for every level.
type Capabilities struct {
	Search    bool
	Mutate    bool
	Detail    bool
	Content   bool
	MaxDepth  int
	Sorts     []types.SortField
	SortDepth int
}

// Request is one tool invocation, minus the identity which the caller
// supplies from the session.
type Request struct {
	Tool      string
	Arguments map[string]any
}

// Call binds the request to a connector and identity.
func (r Request) Call(c types.ConnectorID, identity string) types.ToolCall {
	return types.ToolCall{
		Connector: c,
		ToolName:  r.Tool,
		Identity:  identity,
		Arguments: r.Arguments,
	}
}

type MutationOp string

const (
	OpCreateFolder MutationOp = "create-folder"
	OpCreateFile   MutationOp = "create-file"
	OpRename       MutationOp = "rename"
	OpDelete       MutationOp = "delete"
)

// Mutation describes a create, rename or delete. NodeID is the target of
// rename and delete; Name is the new or created name.
type Mutation struct {
	Op      MutationOp
	NodeID  string
	Name    string
	Content string
}

// Adapter builds tool requests for one connector. depth is the current
// breadcrumb length, 1 at the root.
type Adapter interface {
	ID() types.ConnectorID
	Capabilities() Capabilities
	Root() types.Crumb
	Listing(scope types.Crumb, depth int, s types.Sort) (Request, error)
	Search(query string, scope types.Crumb, depth int, s types.Sort) (Request, error)
	Mutation(m Mutation, scope types.Crumb) (Request, error)
	Content(ref string, scope types.Crumb, depth int) (Request, error)
	// Project converts one element of a listing payload. ok is false for
	// elements that cannot be shown.
	Project(item json.RawMessage, depth int) (node types.ResourceNode, ok bool)
}

// ProjectAll converts every projectable element of items.
func ProjectAll(a Adapter, items []json.RawMessage, depth int) []types.ResourceNode {
	nodes := make([]types.ResourceNode, 0, len(items))
	for _, item := range items {
		if n, ok := a.Project(item, depth); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Registry holds the adapters known to the client.
type Registry struct {
	adapters map[types.ConnectorID]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.ConnectorID]Adapter)}
}

// DefaultRegistry returns a registry with every built-in adapter.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewDrive())
	r.Register(NewRepoHost())
	r.Register(NewMessaging())
	return r
}

// Register adds an adapter, replacing any previous one for the same id.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

// Get returns the adapter for id.
func (r *Registry) Get(id types.ConnectorID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("get adapter %q: %w", id, ErrUnknownConnector)
	}
	return a, nil
}

// All returns every adapter ordered by connector id.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// fields decodes a JSON object into its members. ok is false for any
// other JSON value.
func fields(item json.RawMessage) (map[string]json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// str renders a member as a string: strings are unquoted, null and
// missing members are empty, anything else keeps its JSON text.
func str(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// metadata copies the named members that are present and non-empty.
func metadata(obj map[string]json.RawMessage, keys ...string) map[string]string {
	md := make(map[string]string, len(keys))
	for _, k := range keys {
		if v := str(obj, k); v != "" {
			md[k] = v
		}
	}
	return md
}
