package connector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/connhub/internal/types"
)

// RepoHost lists repositories and drills down into a repository's issues.
type RepoHost struct{}

func NewRepoHost() *RepoHost { return &RepoHost{} }

func (r *RepoHost) ID() types.ConnectorID { return types.ConnectorRepoHost }

func (r *RepoHost) Capabilities() Capabilities {
	return Capabilities{
		Search:   true,
		Detail:   true,
		Content:  true,
		MaxDepth: 2,
		Sorts:    []types.SortField{types.SortByName, types.SortByModifiedTime},
		// list_issues takes no ordering.
		SortDepth: 1,
	}
}

func (r *RepoHost) Root() types.Crumb {
	return types.Crumb{ID: "repos", DisplayName: "Repositories"}
}

func repoSort(s types.Sort) (string, string) {
	field := "full_name"
	if s.Field == types.SortByModifiedTime {
		field = "updated"
	}
	dir := "asc"
	if s.Order == types.SortDesc {
		dir = "desc"
	}
	return field, dir
}

func (r *RepoHost) Listing(scope types.Crumb, depth int, s types.Sort) (Request, error) {
	if depth <= 1 {
		field, dir := repoSort(s)
		return Request{Tool: "list_repos", Arguments: map[string]any{
			"sort":      field,
			"direction": dir,
		}}, nil
	}
	return Request{Tool: "list_issues", Arguments: map[string]any{
		"repo_full_name": scope.ID,
	}}, nil
}

// Search only covers the repository list.
func (r *RepoHost) Search(query string, _ types.Crumb, depth int, _ types.Sort) (Request, error) {
	if depth > 1 {
		return Request{}, fmt.Errorf("search issues: %w", ErrUnsupported)
	}
	return Request{Tool: "search_repos", Arguments: map[string]any{"query": query}}, nil
}

func (r *RepoHost) Mutation(m Mutation, _ types.Crumb) (Request, error) {
	return Request{}, fmt.Errorf("mutation %q: %w", m.Op, ErrUnsupported)
}

// Content reads a file from a repository. Inside a repository ref is the
// file path; at the root it must be "owner/repo/path".
func (r *RepoHost) Content(ref string, scope types.Crumb, depth int) (Request, error) {
	repo, path := scope.ID, ref
	if depth <= 1 {
		parts := strings.SplitN(ref, "/", 3)
		if len(parts) != 3 || parts[2] == "" {
			return Request{}, fmt.Errorf("read content: %q is not owner/repo/path", ref)
		}
		repo, path = parts[0]+"/"+parts[1], parts[2]
	}
	return Request{Tool: "get_file_content", Arguments: map[string]any{
		"repo_full_name": repo,
		"file_path":      path,
	}}, nil
}

func (r *RepoHost) Project(item json.RawMessage, depth int) (types.ResourceNode, bool) {
	obj, ok := fields(item)
	if !ok {
		return types.ResourceNode{}, false
	}
	if depth <= 1 {
		name := str(obj, "full_name")
		if name == "" {
			return types.ResourceNode{}, false
		}
		return types.ResourceNode{
			ID:          name,
			DisplayName: name,
			Kind:        types.KindContainer,
			Metadata:    metadata(obj, "description", "html_url", "updated_at", "private", "language", "stargazers_count"),
		}, true
	}
	number := str(obj, "number")
	if number == "" {
		return types.ResourceNode{}, false
	}
	title := str(obj, "title")
	if title == "" {
		title = "#" + number
	}
	return types.ResourceNode{
		ID:          number,
		DisplayName: title,
		Kind:        types.KindLeaf,
		Metadata:    metadata(obj, "state", "user", "created_at", "html_url"),
	}, true
}
