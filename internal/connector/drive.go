package connector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/connhub/internal/types"
)

// FolderMimeType marks drive containers.
const FolderMimeType = "application/vnd.google-apps.folder"

// Drive is the hierarchical file-storage connector.
type Drive struct{}

func NewDrive() *Drive { return &Drive{} }

func (d *Drive) ID() types.ConnectorID { return types.ConnectorDrive }

func (d *Drive) Capabilities() Capabilities {
	return Capabilities{
		Search:  true,
		Mutate:  true,
		Detail:  true,
		Content: true,
		Sorts:   []types.SortField{types.SortByName, types.SortByModifiedTime},
	}
}

func (d *Drive) Root() types.Crumb {
	return types.Crumb{ID: "root", DisplayName: "My Drive"}
}

// orderBy keeps folders first and then applies the selected sort.
func orderBy(s types.Sort) string {
	field := "name"
	if s.Field == types.SortByModifiedTime {
		field = "modifiedTime"
	}
	out := "folder," + field
	if s.Order == types.SortDesc {
		out += " desc"
	}
	return out
}

func (d *Drive) Listing(scope types.Crumb, _ int, s types.Sort) (Request, error) {
	return Request{
		Tool: "list_files",
		Arguments: map[string]any{
			"folder_id": scope.ID,
			"order_by":  orderBy(s),
		},
	}, nil
}

var driveQueryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// Search matches names anywhere in the drive; the scope does not narrow it.
func (d *Drive) Search(query string, _ types.Crumb, _ int, s types.Sort) (Request, error) {
	q := fmt.Sprintf("name contains '%s' and trashed = false", driveQueryEscaper.Replace(query))
	return Request{
		Tool: "search_files",
		Arguments: map[string]any{
			"query":    q,
			"order_by": orderBy(s),
		},
	}, nil
}

func (d *Drive) Mutation(m Mutation, scope types.Crumb) (Request, error) {
	switch m.Op {
	case OpCreateFolder:
		if m.Name == "" {
			return Request{}, fmt.Errorf("create folder: name is required")
		}
		return Request{Tool: "create_folder", Arguments: map[string]any{
			"name":      m.Name,
			"parent_id": scope.ID,
		}}, nil
	case OpCreateFile:
		if m.Name == "" {
			return Request{}, fmt.Errorf("create file: name is required")
		}
		return Request{Tool: "create_text_file", Arguments: map[string]any{
			"name":      m.Name,
			"content":   m.Content,
			"parent_id": scope.ID,
		}}, nil
	case OpRename:
		if m.NodeID == "" || m.Name == "" {
			return Request{}, fmt.Errorf("rename file: node id and name are required")
		}
		return Request{Tool: "rename_file", Arguments: map[string]any{
			"file_id":  m.NodeID,
			"new_name": m.Name,
		}}, nil
	case OpDelete:
		if m.NodeID == "" {
			return Request{}, fmt.Errorf("delete file: node id is required")
		}
		return Request{Tool: "delete_file", Arguments: map[string]any{
			"file_id": m.NodeID,
		}}, nil
	}
	return Request{}, fmt.Errorf("mutation %q: %w", m.Op, ErrUnsupported)
}

func (d *Drive) Content(ref string, _ types.Crumb, _ int) (Request, error) {
	return Request{Tool: "read_file_content", Arguments: map[string]any{"file_id": ref}}, nil
}

func (d *Drive) Project(item json.RawMessage, _ int) (types.ResourceNode, bool) {
	obj, ok := fields(item)
	if !ok {
		return types.ResourceNode{}, false
	}
	id := str(obj, "id")
	if id == "" {
		return types.ResourceNode{}, false
	}
	name := str(obj, "name")
	if name == "" {
		name = id
	}
	kind := types.KindLeaf
	if str(obj, "mimeType") == FolderMimeType {
		kind = types.KindContainer
	}
	return types.ResourceNode{
		ID:          id,
		DisplayName: name,
		Kind:        kind,
		Metadata:    metadata(obj, "mimeType", "modifiedTime", "size", "webViewLink", "description"),
	}, true
}
