package browser

import (
	"fmt"

	"github.com/user/connhub/internal/types"
)

// Phase is the controller's position in the fetch state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLoaded
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseError:
		return "error"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type fetchKind int

const (
	fetchListing fetchKind = iota
	fetchSearch
)

// State is a copy of a controller's navigation state. The last
// breadcrumb always has CurrentLocationID as its id.
type State struct {
	Connector         types.ConnectorID
	Phase             Phase
	CurrentLocationID string
	Breadcrumbs       []types.Crumb
	Sort              types.Sort
	SearchQuery       string
	IsLoading         bool
	LastError         error
	Nodes             []types.ResourceNode

	// MutationError holds the failure of the last mutation, which is
	// reported separately because the refresh that follows it decides
	// Phase and LastError.
	MutationError error
	// SignedOut is set when the session store reports the credential
	// is gone; the presentation layer should send the user to log in.
	SignedOut bool
}

// Depth is the breadcrumb length, 1 at the root.
func (s State) Depth() int { return len(s.Breadcrumbs) }

// Scope returns the last breadcrumb entry.
func (s State) Scope() types.Crumb {
	if len(s.Breadcrumbs) == 0 {
		return types.Crumb{}
	}
	return s.Breadcrumbs[len(s.Breadcrumbs)-1]
}

func (s State) clone() State {
	out := s
	out.Breadcrumbs = append([]types.Crumb(nil), s.Breadcrumbs...)
	out.Nodes = append([]types.ResourceNode(nil), s.Nodes...)
	return out
}
