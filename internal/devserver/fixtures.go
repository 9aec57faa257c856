package devserver

import (
	"time"
)

type driveFile struct {
	ID           string
	Name         string
	MimeType     string
	Parent       string
	ModifiedTime time.Time
	Content      string
	Trashed      bool
}

type issue struct {
	Number    int
	Title     string
	State     string
	User      string
	CreatedAt time.Time
}

type repo struct {
	FullName    string
	Description string
	Private     bool
	Language    string
	UpdatedAt   time.Time
	Files       map[string]string
	Issues      []issue
}

type message struct {
	TS       string
	User     string
	Text     string
	ThreadTS string
}

type channel struct {
	ID         string
	Name       string
	Topic      string
	Purpose    string
	NumMembers int
	Messages   []message
}

// fixtures is the mutable world served to every user.
type fixtures struct {
	files    map[string]*driveFile
	repos    []*repo
	channels []*channel
}

func seedFixtures(now time.Time) *fixtures {
	day := 24 * time.Hour
	f := &fixtures{files: make(map[string]*driveFile)}
	add := func(id, name, mime, parent string, age time.Duration, content string) {
		f.files[id] = &driveFile{
			ID:           id,
			Name:         name,
			MimeType:     mime,
			Parent:       parent,
			ModifiedTime: now.Add(-age),
			Content:      content,
		}
	}
	add("fld-projects", "Projects", folderMime, "root", 10*day, "")
	add("fld-archive", "Archive", folderMime, "root", 40*day, "")
	add("fld-q3", "Q3 Planning", folderMime, "fld-projects", 5*day, "")
	add("doc-readme", "README.txt", "text/plain", "root", 2*day, "Welcome to the shared drive.\n")
	add("doc-notes", "Meeting notes.html", "text/html", "root", 1*day,
		"<h1>Weekly sync</h1><p>Ship the <strong>connector</strong> browser.</p><ul><li>drive</li><li>repos</li></ul>")
	add("doc-budget", "budget.csv", "text/csv", "fld-projects", 3*day, "item,amount\nservers,1200\n")
	add("doc-roadmap", "Roadmap.txt", "text/plain", "fld-q3", 4*day, "Q3: browsing, search, sort.\n")
	add("doc-old", "2019 report.txt", "text/plain", "fld-archive", 300*day, "Old numbers.\n")

	f.repos = []*repo{
		{
			FullName:    "acme/connhub",
			Description: "Connector browsing client",
			Language:    "Go",
			UpdatedAt:   now.Add(-1 * day),
			Files: map[string]string{
				"README.md": "# connhub\n\nBrowse connected services.\n",
				"main.go":   "package main\n\nfunc main() {}\n",
			},
			Issues: []issue{
				{Number: 1, Title: "Stale results overwrite newer listing", State: "open", User: "dana", CreatedAt: now.Add(-6 * day)},
				{Number: 2, Title: "Support sorting by modified time", State: "open", User: "lee", CreatedAt: now.Add(-3 * day)},
			},
		},
		{
			FullName:    "acme/website",
			Description: "Marketing site",
			Language:    "HTML",
			UpdatedAt:   now.Add(-20 * day),
			Files:       map[string]string{"index.html": "<h1>Acme</h1>"},
		},
		{
			FullName:    "acme/infra",
			Description: "Deployment scripts",
			Private:     true,
			Language:    "Shell",
			UpdatedAt:   now.Add(-7 * day),
			Files:       map[string]string{"deploy.sh": "#!/bin/sh\necho deploy\n"},
			Issues: []issue{
				{Number: 14, Title: "Rotate TLS certificates", State: "open", User: "sam", CreatedAt: now.Add(-12 * day)},
			},
		},
	}

	f.channels = []*channel{
		{
			ID: "C001", Name: "general", Topic: "Company-wide announcements", NumMembers: 42,
			Messages: []message{
				{TS: "1700000000.000100", User: "U01", Text: "Welcome everyone!"},
				{TS: "1700000300.000200", User: "U02", Text: "Release is out."},
			},
		},
		{
			ID: "C002", Name: "engineering", Topic: "Build things", NumMembers: 12,
			Messages: []message{
				{TS: "1700001000.000100", User: "U03", Text: "Who owns the status poller?"},
				{TS: "1700001060.000200", User: "U01", Text: "I do.", ThreadTS: "1700001000.000100"},
			},
		},
	}
	return f
}
