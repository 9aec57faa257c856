// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type RequestID string
type ListenerID string
type TurnID string

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func NewListenerID() ListenerID {
	return ListenerID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// ConnectorID identifies which adapter and backend namespace a browsing
// session is bound to.
type ConnectorID string

const (
	ConnectorDrive     ConnectorID = "drive"
	ConnectorRepoHost  ConnectorID = "repo-host"
	ConnectorMessaging ConnectorID = "messaging-host"
)

// AllConnectors lists every known connector in display order.
var AllConnectors = []ConnectorID{ConnectorDrive, ConnectorRepoHost, ConnectorMessaging}

// ExecNamespace returns the path segment used by /mcp/{connector}/execute.
func (c ConnectorID) ExecNamespace() string {
	switch c {
	case ConnectorDrive:
		return "google-drive"
	case ConnectorRepoHost:
		return "github"
	case ConnectorMessaging:
		return "slack"
	}
	return string(c)
}

// AuthNamespace returns the path segment used by the /auth/{connector}/...
// endpoints and the key in the aggregate status response.
func (c ConnectorID) AuthNamespace() string {
	switch c {
	case ConnectorDrive:
		return "google"
	case ConnectorRepoHost:
		return "github"
	case ConnectorMessaging:
		return "slack"
	}
	return string(c)
}

// ParseConnector accepts either the canonical id or one of its namespaces.
func ParseConnector(s string) (ConnectorID, bool) {
	for _, c := range AllConnectors {
		if s == string(c) || s == c.ExecNamespace() || s == c.AuthNamespace() {
			return c, true
		}
	}
	return "", false
}
