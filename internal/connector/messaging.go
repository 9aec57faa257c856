package connector

import (
	"encoding/json"
	"fmt"

	"github.com/user/connhub/internal/types"
)

// Messaging lists channels and shows one channel's message history. It
// has no search, sort or mutation support.
type Messaging struct{}

func NewMessaging() *Messaging { return &Messaging{} }

func (m *Messaging) ID() types.ConnectorID { return types.ConnectorMessaging }

func (m *Messaging) Capabilities() Capabilities {
	return Capabilities{Detail: true, MaxDepth: 2}
}

func (m *Messaging) Root() types.Crumb {
	return types.Crumb{ID: "channels", DisplayName: "Channels"}
}

func (m *Messaging) Listing(scope types.Crumb, depth int, _ types.Sort) (Request, error) {
	if depth <= 1 {
		return Request{Tool: "list_channels", Arguments: map[string]any{}}, nil
	}
	return Request{Tool: "get_channel_history", Arguments: map[string]any{
		"channel_id": scope.ID,
	}}, nil
}

func (m *Messaging) Search(string, types.Crumb, int, types.Sort) (Request, error) {
	return Request{}, fmt.Errorf("search channels: %w", ErrUnsupported)
}

func (m *Messaging) Mutation(mu Mutation, _ types.Crumb) (Request, error) {
	return Request{}, fmt.Errorf("mutation %q: %w", mu.Op, ErrUnsupported)
}

func (m *Messaging) Content(string, types.Crumb, int) (Request, error) {
	return Request{}, fmt.Errorf("read content: %w", ErrUnsupported)
}

func (m *Messaging) Project(item json.RawMessage, depth int) (types.ResourceNode, bool) {
	obj, ok := fields(item)
	if !ok {
		return types.ResourceNode{}, false
	}
	if depth <= 1 {
		id := str(obj, "id")
		if id == "" {
			return types.ResourceNode{}, false
		}
		name := str(obj, "name")
		if name == "" {
			name = id
		}
		return types.ResourceNode{
			ID:          id,
			DisplayName: name,
			Kind:        types.KindContainer,
			Metadata:    metadata(obj, "num_members", "topic", "purpose", "is_im", "is_group"),
		}, true
	}
	ts := str(obj, "ts")
	if ts == "" {
		return types.ResourceNode{}, false
	}
	return types.ResourceNode{
		ID:          ts,
		DisplayName: str(obj, "text"),
		Kind:        types.KindLeaf,
		Metadata:    metadata(obj, "user", "ts", "thread_ts", "type"),
	}, true
}
