package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/user/connhub/internal/browser"
	"github.com/user/connhub/internal/connector"
	"github.com/user/connhub/internal/state"
	"github.com/user/connhub/internal/types"
)

func init() {
	rootCmd.AddCommand(lsCmd, cdCmd, searchCmd, sortCmd, mkdirCmd, touchCmd, renameCmd, rmCmd, catCmd)
	touchCmd.Flags().String("content", "", "initial file content")
	catCmd.Flags().Bool("raw", false, "print HTML content without converting it to markdown")
}

// navigation is the part of a browser's state kept between invocations.
// Trail excludes the root entry.
type navigation struct {
	Trail []types.Crumb `json:"trail,omitempty"`
	Sort  types.Sort    `json:"sort"`
}

func navKey(id types.ConnectorID) string {
	return "nav-" + string(id)
}

func loadNavigation(b state.Backend, id types.ConnectorID) (navigation, error) {
	var nav navigation
	raw, ok, err := b.Get(navKey(id))
	if err != nil || !ok {
		return nav, err
	}
	if err := json.Unmarshal([]byte(raw), &nav); err != nil {
		// A corrupt file starts over at the root.
		return navigation{}, nil
	}
	return nav, nil
}

func saveNavigation(b state.Backend, id types.ConnectorID, nav navigation) error {
	data, err := json.Marshal(nav)
	if err != nil {
		return fmt.Errorf("marshal navigation: %w", err)
	}
	if err := b.Set(navKey(id), string(data)); err != nil {
		return fmt.Errorf("save navigation: %w", err)
	}
	return nil
}

func clearNavigation(b state.Backend) error {
	for _, id := range types.AllConnectors {
		if err := b.Delete(navKey(id)); err != nil {
			return fmt.Errorf("clear navigation: %w", err)
		}
	}
	return nil
}

// browseSession pairs a controller with the client it persists through.
type browseSession struct {
	c    *client
	ctrl *browser.Controller
}

func (c *client) browse(arg string) (*browseSession, error) {
	id, err := parseConnector(arg)
	if err != nil {
		return nil, err
	}
	adapter, err := connector.DefaultRegistry().Get(id)
	if err != nil {
		return nil, err
	}
	if _, ok := c.store.GetSession(); !ok {
		return nil, errNotLoggedIn
	}
	nav, err := loadNavigation(c.backend, id)
	if err != nil {
		return nil, err
	}
	opts := []browser.Option{browser.WithRoot(nav.Trail...)}
	if nav.Sort.Field != "" {
		opts = append(opts, browser.WithSort(nav.Sort))
	}
	return &browseSession{c: c, ctrl: browser.New(adapter, c.gw, c.store, opts...)}, nil
}

func (s *browseSession) Close() { s.ctrl.Close() }

func (s *browseSession) save() error {
	st := s.ctrl.Snapshot()
	nav := navigation{Sort: st.Sort}
	if st.Depth() > 1 {
		nav.Trail = st.Breadcrumbs[1:]
	}
	return saveNavigation(s.c.backend, st.Connector, nav)
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func trailPath(st browser.State) string {
	names := make([]string, len(st.Breadcrumbs))
	for i, c := range st.Breadcrumbs {
		names[i] = c.DisplayName
	}
	return strings.Join(names, " / ")
}

func details(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + meta[k]
	}
	return strings.Join(parts, " ")
}

// printState writes the listing as a table on a terminal and as JSON
// when piped.
func printState(st browser.State) error {
	if !stdoutIsTerminal() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		nodes := st.Nodes
		if nodes == nil {
			nodes = []types.ResourceNode{}
		}
		return enc.Encode(nodes)
	}

	header := trailPath(st)
	if st.SearchQuery != "" {
		header += fmt.Sprintf(" (search: %q)", st.SearchQuery)
	}
	fmt.Printf("%s  [sort: %s %s]\n", header, st.Sort.Field, st.Sort.Order)
	if len(st.Nodes) == 0 {
		fmt.Println("(empty)")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tID\tDETAILS")
	for _, n := range st.Nodes {
		kind := "-"
		if n.Kind == types.KindContainer {
			kind = "d"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kind, n.DisplayName, n.ID, details(n.Metadata))
	}
	return w.Flush()
}

// withBrowser opens a controller for args[0], runs fn, then persists
// the navigation state and prints the listing.
func withBrowser(args []string, fn func(ctx context.Context, s *browseSession) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	s, err := c.browse(args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	if err := fn(context.Background(), s); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		return err
	}
	return printState(s.ctrl.Snapshot())
}

var lsCmd = &cobra.Command{
	Use:   "ls <connector>",
	Short: "List the current location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(args, func(ctx context.Context, s *browseSession) error {
			return s.ctrl.Load(ctx)
		})
	},
}

// findNode matches target against node ids first, then display names.
func findNode(nodes []types.ResourceNode, target string) (types.ResourceNode, bool) {
	for _, n := range nodes {
		if n.ID == target {
			return n, true
		}
	}
	for _, n := range nodes {
		if n.DisplayName == target {
			return n, true
		}
	}
	return types.ResourceNode{}, false
}

// resolveChild finds the container cd should enter.
func resolveChild(nodes []types.ResourceNode, target string) (types.ResourceNode, error) {
	n, ok := findNode(nodes, target)
	if !ok {
		return n, fmt.Errorf("no such item: %s", target)
	}
	if n.Kind != types.KindContainer {
		return n, fmt.Errorf("not a container: %s (use 'connhub cat' to read it)", n.DisplayName)
	}
	return n, nil
}

var cdCmd = &cobra.Command{
	Use:   "cd <connector> <id|name|..|/>",
	Short: "Change location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[1]
		return withBrowser(args, func(ctx context.Context, s *browseSession) error {
			depth := s.ctrl.Snapshot().Depth()
			switch target {
			case "/":
				return s.ctrl.BreadcrumbClick(ctx, 0)
			case "..":
				if depth <= 1 {
					return s.ctrl.Load(ctx)
				}
				return s.ctrl.BreadcrumbClick(ctx, depth-2)
			}
			if err := s.ctrl.Load(ctx); err != nil {
				return err
			}
			n, err := resolveChild(s.ctrl.Snapshot().Nodes, target)
			if err != nil {
				return err
			}
			return s.ctrl.Navigate(ctx, n.ID, n.DisplayName)
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <connector> <query>",
	Short: "Search from the current location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(args, func(ctx context.Context, s *browseSession) error {
			return s.ctrl.Search(ctx, args[1])
		})
	},
}

var sortCmd = &cobra.Command{
	Use:   "sort <connector> <name|modifiedTime>",
	Short: "Sort by a field, toggling the order when it is already selected",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(args, func(ctx context.Context, s *browseSession) error {
			return s.ctrl.SortChange(ctx, types.SortField(args[1]))
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <connector> <name>",
	Short: "Create a folder in the current location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(args, func(ctx context.Context, s *browseSession) error {
			return s.ctrl.Mutate(ctx, connector.Mutation{Op: connector.OpCreateFolder, Name: args[1]})
		})
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch <connector> <name>",
	Short: "Create a text file in the current location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, _ := cmd.Flags().GetString("content")
		return withBrowser(args, func(ctx context.Context, s *browseSession) error {
			return s.ctrl.Mutate(ctx, connector.Mutation{Op: connector.OpCreateFile, Name: args[1], Content: content})
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <connector> <id> <new-name>",
	Short: "Rename an item",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(args, func(ctx context.Context, s *browseSession) error {
			return s.ctrl.Mutate(ctx, connector.Mutation{Op: connector.OpRename, NodeID: args[1], Name: args[2]})
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <connector> <id>",
	Short: "Delete an item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(args, func(ctx context.Context, s *browseSession) error {
			return s.ctrl.Mutate(ctx, connector.Mutation{Op: connector.OpDelete, NodeID: args[1]})
		})
	},
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(strings.TrimSpace(s))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.Contains(head, "<html") || strings.Contains(head, "<body")
}

var catCmd = &cobra.Command{
	Use:   "cat <connector> <ref>",
	Short: "Print the content of a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		s, err := c.browse(args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		content, err := s.ctrl.ReadContent(context.Background(), args[1])
		if err != nil {
			return err
		}
		if !raw && looksLikeHTML(content) {
			md, err := htmltomarkdown.ConvertString(content)
			if err != nil {
				return fmt.Errorf("convert html: %w", err)
			}
			content = md
		}
		fmt.Fprintln(os.Stdout, content)
		return nil
	},
}
