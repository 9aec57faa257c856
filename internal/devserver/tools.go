package devserver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const folderMime = "application/vnd.google-apps.folder"

// toolFunc runs one tool against the fixtures and returns the text the
// backend would place in the response field.
type toolFunc func(s *Server, args map[string]any) string

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}

func jsonError(msg string) string {
	return jsonText(map[string]string{"error": msg})
}

var driveTools = map[string]toolFunc{
	"list_files":        listFiles,
	"search_files":      searchFiles,
	"create_folder":     createFolder,
	"create_text_file":  createTextFile,
	"rename_file":       renameFile,
	"delete_file":       deleteFile,
	"read_file_content": readFileContent,
}

var repoTools = map[string]toolFunc{
	"list_repos":       listRepos,
	"search_repos":     searchRepos,
	"list_issues":      listIssues,
	"get_file_content": getFileContent,
}

var messagingTools = map[string]toolFunc{
	"list_channels":       listChannels,
	"get_channel_history": getChannelHistory,
}

func fileJSON(f *driveFile) map[string]any {
	out := map[string]any{
		"id":           f.ID,
		"name":         f.Name,
		"mimeType":     f.MimeType,
		"modifiedTime": f.ModifiedTime.UTC().Format(time.RFC3339),
		"webViewLink":  "https://drive.example/file/" + f.ID,
	}
	if f.MimeType != folderMime {
		out["size"] = fmt.Sprint(len(f.Content))
	}
	return out
}

// sortFiles applies an order_by of the form "folder,<field>[ desc]".
func sortFiles(files []*driveFile, orderBy string) {
	desc := strings.HasSuffix(orderBy, " desc")
	byTime := strings.Contains(orderBy, "modifiedTime")
	sort.SliceStable(files, func(i, j int) bool {
		fi, fj := files[i].MimeType == folderMime, files[j].MimeType == folderMime
		if fi != fj {
			return fi
		}
		var less bool
		if byTime {
			less = files[i].ModifiedTime.Before(files[j].ModifiedTime)
		} else {
			less = strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
		}
		if desc {
			return !less
		}
		return less
	})
}

func listFiles(s *Server, args map[string]any) string {
	folder := argString(args, "folder_id")
	if folder == "" {
		folder = "root"
	}
	if folder != "root" {
		f, ok := s.world.files[folder]
		if !ok || f.Trashed || f.MimeType != folderMime {
			return "Error listing files: folder " + folder + " not found"
		}
	}
	var out []*driveFile
	for _, f := range s.world.files {
		if f.Parent == folder && !f.Trashed {
			out = append(out, f)
		}
	}
	sortFiles(out, argString(args, "order_by"))
	items := make([]map[string]any, 0, len(out))
	for _, f := range out {
		items = append(items, fileJSON(f))
	}
	return jsonText(items)
}

var nameContains = regexp.MustCompile(`name contains '((?:[^'\\]|\\.)*)'`)

func unescapeQuery(q string) string {
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		if q[i] == '\\' && i+1 < len(q) {
			i++
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func searchFiles(s *Server, args map[string]any) string {
	m := nameContains.FindStringSubmatch(argString(args, "query"))
	if m == nil {
		return "Error searching files: unsupported query"
	}
	needle := strings.ToLower(unescapeQuery(m[1]))
	var out []*driveFile
	for _, f := range s.world.files {
		if !f.Trashed && strings.Contains(strings.ToLower(f.Name), needle) {
			out = append(out, f)
		}
	}
	sortFiles(out, argString(args, "order_by"))
	items := make([]map[string]any, 0, len(out))
	for _, f := range out {
		items = append(items, fileJSON(f))
	}
	return jsonText(items)
}

func parentOf(s *Server, args map[string]any) (string, bool) {
	parent := argString(args, "parent_id")
	if parent == "" || parent == "root" {
		return "root", true
	}
	f, ok := s.world.files[parent]
	return parent, ok && !f.Trashed && f.MimeType == folderMime
}

func createFolder(s *Server, args map[string]any) string {
	name := argString(args, "name")
	parent, ok := parentOf(s, args)
	if name == "" || !ok {
		return "Error creating folder: invalid name or parent"
	}
	id := uuid.NewString()
	s.world.files[id] = &driveFile{ID: id, Name: name, MimeType: folderMime, Parent: parent, ModifiedTime: s.now()}
	return fmt.Sprintf("Folder created: %s (ID: %s)", name, id)
}

func createTextFile(s *Server, args map[string]any) string {
	name := argString(args, "name")
	parent, ok := parentOf(s, args)
	if name == "" || !ok {
		return "Error creating file: invalid name or parent"
	}
	id := uuid.NewString()
	s.world.files[id] = &driveFile{
		ID:           id,
		Name:         name,
		MimeType:     "text/plain",
		Parent:       parent,
		ModifiedTime: s.now(),
		Content:      argString(args, "content"),
	}
	return fmt.Sprintf("File created: %s (ID: %s)", name, id)
}

func renameFile(s *Server, args map[string]any) string {
	f, ok := s.world.files[argString(args, "file_id")]
	name := argString(args, "new_name")
	if !ok || f.Trashed || name == "" {
		return "Error renaming file: file not found"
	}
	f.Name = name
	f.ModifiedTime = s.now()
	return "File renamed to " + name
}

// deleteFile trashes the file and, for folders, everything below it.
func deleteFile(s *Server, args map[string]any) string {
	id := argString(args, "file_id")
	f, ok := s.world.files[id]
	if !ok || f.Trashed {
		return "Error deleting file: file not found"
	}
	var trash func(id string)
	trash = func(id string) {
		s.world.files[id].Trashed = true
		for _, child := range s.world.files {
			if child.Parent == id && !child.Trashed {
				trash(child.ID)
			}
		}
	}
	trash(id)
	return "File deleted: " + f.Name
}

func readFileContent(s *Server, args map[string]any) string {
	f, ok := s.world.files[argString(args, "file_id")]
	if !ok || f.Trashed {
		return "Error reading file: file not found"
	}
	if f.MimeType == folderMime {
		return "Error reading file: is a folder"
	}
	return f.Content
}

func repoJSON(r *repo) map[string]any {
	return map[string]any{
		"full_name":   r.FullName,
		"description": r.Description,
		"private":     r.Private,
		"language":    r.Language,
		"updated_at":  r.UpdatedAt.UTC().Format(time.RFC3339),
		"html_url":    "https://github.example/" + r.FullName,
	}
}

func listRepos(s *Server, args map[string]any) string {
	repos := append([]*repo(nil), s.world.repos...)
	field := argString(args, "sort")
	if field == "" {
		field = "updated"
	}
	// GitHub defaults to desc for updated and asc for full_name.
	dir := argString(args, "direction")
	desc := dir == "desc" || (dir == "" && field != "full_name")
	sort.SliceStable(repos, func(i, j int) bool {
		var less bool
		if field == "full_name" {
			less = repos[i].FullName < repos[j].FullName
		} else {
			less = repos[i].UpdatedAt.Before(repos[j].UpdatedAt)
		}
		if desc {
			return !less
		}
		return less
	})
	items := make([]map[string]any, 0, len(repos))
	for _, r := range repos {
		items = append(items, repoJSON(r))
	}
	return jsonText(items)
}

func searchRepos(s *Server, args map[string]any) string {
	q := strings.ToLower(argString(args, "query"))
	if q == "" {
		return jsonError("query is required")
	}
	items := []map[string]any{}
	for _, r := range s.world.repos {
		if strings.Contains(strings.ToLower(r.FullName), q) || strings.Contains(strings.ToLower(r.Description), q) {
			items = append(items, repoJSON(r))
		}
	}
	return jsonText(items)
}

func findRepo(s *Server, name string) *repo {
	for _, r := range s.world.repos {
		if r.FullName == name {
			return r
		}
	}
	return nil
}

func listIssues(s *Server, args map[string]any) string {
	r := findRepo(s, argString(args, "repo_full_name"))
	if r == nil {
		return jsonError("404 Not Found")
	}
	items := make([]map[string]any, 0, len(r.Issues))
	for _, is := range r.Issues {
		items = append(items, map[string]any{
			"number":     is.Number,
			"title":      is.Title,
			"state":      is.State,
			"user":       is.User,
			"created_at": is.CreatedAt.UTC().Format(time.RFC3339),
			"html_url":   fmt.Sprintf("https://github.example/%s/issues/%d", r.FullName, is.Number),
		})
	}
	return jsonText(items)
}

func getFileContent(s *Server, args map[string]any) string {
	r := findRepo(s, argString(args, "repo_full_name"))
	if r == nil {
		return jsonError("404 Not Found")
	}
	content, ok := r.Files[argString(args, "file_path")]
	if !ok {
		return jsonError("404 Not Found")
	}
	return content
}

func listChannels(s *Server, _ map[string]any) string {
	items := make([]map[string]any, 0, len(s.world.channels))
	for _, c := range s.world.channels {
		items = append(items, map[string]any{
			"id":          c.ID,
			"name":        c.Name,
			"is_channel":  true,
			"num_members": c.NumMembers,
			"topic":       c.Topic,
			"purpose":     c.Purpose,
		})
	}
	return jsonText(items)
}

func getChannelHistory(s *Server, args map[string]any) string {
	id := argString(args, "channel_id")
	for _, c := range s.world.channels {
		if c.ID != id {
			continue
		}
		items := make([]map[string]any, 0, len(c.Messages))
		for _, m := range c.Messages {
			item := map[string]any{"ts": m.TS, "user": m.User, "text": m.Text, "type": "message"}
			if m.ThreadTS != "" {
				item["thread_ts"] = m.ThreadTS
			}
			items = append(items, item)
		}
		return jsonText(items)
	}
	return jsonError("Slack API Error: channel_not_found")
}
