// internal/types/models.go
package types

import (
	"encoding/base64"
	"strings"
)

// Session is the signed-in identity together with its opaque credential.
// The credential is a Basic-auth style base64("identity:secret") token.
type Session struct {
	Identity   string `json:"identity"`
	Credential string `json:"credential"`
}

// NewSession encodes identity and secret into a Session.
func NewSession(identity, secret string) Session {
	token := base64.StdEncoding.EncodeToString([]byte(identity + ":" + secret))
	return Session{Identity: identity, Credential: token}
}

// ParseCredential decodes a stored credential. Malformed tokens, and tokens
// whose identity part is empty, report ok=false.
func ParseCredential(token string) (Session, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Session{}, false
	}
	identity, _, _ := strings.Cut(string(raw), ":")
	if identity == "" {
		return Session{}, false
	}
	return Session{Identity: identity, Credential: token}, true
}

// AuthorizationHeader returns the value replayed in the Authorization header.
func (s Session) AuthorizationHeader() string {
	return "Basic " + s.Credential
}

type NodeKind string

const (
	KindContainer NodeKind = "container"
	KindLeaf      NodeKind = "leaf"
)

// ResourceNode is a backend-reported item. It is a read-through projection
// of the latest fetch and is never patched locally.
type ResourceNode struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Kind        NodeKind          `json:"kind"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Crumb is one entry of a breadcrumb trail.
type Crumb struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type SortField string

const (
	SortByName         SortField = "name"
	SortByModifiedTime SortField = "modifiedTime"
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

type Sort struct {
	Field SortField `json:"field"`
	Order SortOrder `json:"order"`
}

// DefaultSort is name ascending.
var DefaultSort = Sort{Field: SortByName, Order: SortAsc}

// Toggle returns the sort that results from selecting field: the order flips
// when field is unchanged, otherwise the new field starts ascending.
func (s Sort) Toggle(field SortField) Sort {
	if field == s.Field {
		if s.Order == SortAsc {
			return Sort{Field: field, Order: SortDesc}
		}
		return Sort{Field: field, Order: SortAsc}
	}
	return Sort{Field: field, Order: SortAsc}
}

// ToolCall is constructed per invocation and never persisted.
type ToolCall struct {
	Connector ConnectorID    `json:"-"`
	ToolName  string         `json:"tool_name"`
	Identity  string         `json:"username"`
	Arguments map[string]any `json:"arguments"`
}
