// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

// RawResult is the undecoded body of a transport-successful tool call.
// Payload holds the raw JSON of the "response" field, which is usually a
// JSON string wrapping either an error sentinel, JSON text or prose.
//
// Body keeps the full response text for diagnostics when the envelope
// itself could not be parsed, in which case Payload is empty.
type RawResult struct {
	RequestID RequestID       `json:"-"`
	Payload   json.RawMessage `json:"response"`
	Body      string          `json:"-"`
}

type SessionReader interface {
	GetSession() (Session, bool)
}

type ToolInvoker interface {
	Execute(ctx context.Context, call ToolCall) (RawResult, error)
}

type ConnectionManager interface {
	CheckStatus(ctx context.Context, connector ConnectorID, identity string) (bool, error)
	Connect(ctx context.Context, connector ConnectorID, identity string) (string, error)
	Disconnect(ctx context.Context, connector ConnectorID, identity string) error
}
