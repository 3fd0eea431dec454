// Package mcp provides the MCP (Model Context Protocol) server for notegraph.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/service"
)

// Backend defines the operations the server exposes as tools.
type Backend interface {
	QueryString(ctx context.Context, query string, maxNodes int) (*graph.KnowledgeGraph, graph.GraphQuery, error)
	Stats(ctx context.Context) (graph.GraphStats, error)
	ReadNode(ctx context.Context, key string) (*graph.IndexedNode, error)
	ReadEdgesFor(ctx context.Context, key string) ([]graph.Edge, error)
	ReindexNote(ctx context.Context, key string, force bool) (*service.ReindexResult, error)
	RemoveNote(ctx context.Context, key string) ([]string, error)
	ScanCitations(ctx context.Context, key string, force bool) (*graph.ScanResult, error)
	ScanAllCitations(ctx context.Context) (*graph.ScanAllResult, error)
	WriteCitations(ctx context.Context, key string, accepted []string) (*service.WriteResult, error)
	AddManualEdge(ctx context.Context, source, target, annotation string) (bool, error)
	RemoveManualEdge(ctx context.Context, source, target string) error
	SetAnnotation(ctx context.Context, source, target, annotation string) error
}

var _ Backend = (*service.Service)(nil)

// Server represents the MCP server.
type Server struct {
	backend Backend
	server  *mcp.Server
	log     logrus.FieldLogger
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server over backend.
func NewServer(backend Backend, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		backend: backend,
		log:     log.WithField("component", "mcp"),
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "notegraph",
		Version: "0.1.0",
	}, nil)

	s.registerTools()
	s.registerResources()

	return s
}

func keySchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: "Note key"}
}

func edgeSchema(withAnnotation bool, required ...string) *jsonschema.Schema {
	props := map[string]*jsonschema.Schema{
		"source": {Type: "string", Description: "Source note key"},
		"target": {Type: "string", Description: "Target note key"},
	}
	if withAnnotation {
		props["annotation"] = &jsonschema.Schema{Type: "string", Description: "Free-text annotation"}
	}
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name: "graph_query",
			Description: "Query the notes graph. Tokens: from:<key>, depth:<n>, type:<note|paper>, " +
				"category:<name>, has:time, is:orphan, is:hub, links:>n, links:<n, path:<a>-><b>; " +
				"other words filter by title.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query":     {Type: "string", Description: "Query string"},
					"max_nodes": {Type: "integer", Description: "Node budget for centered queries"},
				},
			},
		},
		{
			Name:        "graph_stats",
			Description: "Counts, degree and hub statistics over the whole graph.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
		{
			Name:        "read_node",
			Description: "Show an indexed note with its degrees and every edge touching it.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"key": keySchema()},
				Required:   []string{"key"},
			},
		},
		{
			Name:        "reindex_note",
			Description: "Re-read a note from the vault and reconcile its node and derived edges.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"key":   keySchema(),
					"force": {Type: "boolean", Description: "Reconcile even if the content is unchanged"},
				},
				Required: []string{"key"},
			},
		},
		{
			Name:        "remove_note",
			Description: "Remove a note and every edge touching it from the index.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"key": keySchema()},
				Required:   []string{"key"},
			},
		},
		{
			Name:        "scan_citations",
			Description: "Scan the PDF attached to a paper and link its references to notes in the vault.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"key":   keySchema(),
					"force": {Type: "boolean", Description: "Ignore the cached scan"},
				},
				Required: []string{"key"},
			},
		},
		{
			Name:        "scan_all_citations",
			Description: "Scan every paper with an attached PDF.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
		{
			Name:        "write_citations",
			Description: "Write accepted citations into the paper's managed references section.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"key": keySchema(),
					"accepted": {
						Type:        "array",
						Items:       &jsonschema.Schema{Type: "string"},
						Description: "Cited note keys; empty writes the latest scan's matches",
					},
				},
				Required: []string{"key"},
			},
		},
		{
			Name:        "add_manual_edge",
			Description: "Create a user-asserted link between two notes.",
			InputSchema: edgeSchema(true, "source", "target"),
		},
		{
			Name:        "remove_manual_edge",
			Description: "Delete a user-asserted link.",
			InputSchema: edgeSchema(false, "source", "target"),
		},
		{
			Name:        "set_annotation",
			Description: "Replace the annotation of a user-asserted link.",
			InputSchema: edgeSchema(true, "source", "target", "annotation"),
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "notegraph://stats",
			Name:        "Graph Statistics",
			Description: "Counts and degree statistics of the indexed notes",
			MimeType:    "text/markdown",
		},
		{
			URI:         "notegraph://schema",
			Name:        "Graph Schema",
			Description: "Node types, edge types and query syntax",
			MimeType:    "text/markdown",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.log.WithField("tool", name).Debug("mcp.call_tool")

	switch name {
	case "graph_query":
		query, _ := args["query"].(string)
		maxNodes, _ := args["max_nodes"].(float64)
		return s.handleQuery(ctx, query, int(maxNodes))
	case "graph_stats":
		stats, err := s.backend.Stats(ctx)
		if err != nil {
			return "", err
		}
		return formatStats(stats), nil
	case "read_node":
		key, err := requireString(args, "key")
		if err != nil {
			return "", err
		}
		return s.handleReadNode(ctx, key)
	case "reindex_note":
		key, err := requireString(args, "key")
		if err != nil {
			return "", err
		}
		force, _ := args["force"].(bool)
		return s.handleReindex(ctx, key, force)
	case "remove_note":
		key, err := requireString(args, "key")
		if err != nil {
			return "", err
		}
		return s.handleRemove(ctx, key)
	case "scan_citations":
		key, err := requireString(args, "key")
		if err != nil {
			return "", err
		}
		force, _ := args["force"].(bool)
		r, err := s.backend.ScanCitations(ctx, key, force)
		if err != nil {
			return "", err
		}
		return formatScan(r), nil
	case "scan_all_citations":
		r, err := s.backend.ScanAllCitations(ctx)
		if err != nil {
			return "", err
		}
		return formatScanAll(r), nil
	case "write_citations":
		key, err := requireString(args, "key")
		if err != nil {
			return "", err
		}
		return s.handleWriteCitations(ctx, key, stringsArg(args, "accepted"))
	case "add_manual_edge", "remove_manual_edge", "set_annotation":
		return s.handleEdge(ctx, name, args)
	default:
		return "", fmt.Errorf("unknown tool %q: %w", name, apperr.ErrValidation)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "notegraph://stats":
		stats, err := s.backend.Stats(ctx)
		if err != nil {
			return "", err
		}
		return formatStats(stats), nil
	case "notegraph://schema":
		return getSchema(), nil
	default:
		return "", fmt.Errorf("unknown resource %q: %w", uri, apperr.ErrNotFound)
	}
}

// Serve runs the server on transport until the client disconnects or ctx is
// cancelled. A nil transport serves over stdin and stdout.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	if transport == nil {
		transport = &mcp.StdioTransport{}
	}
	s.log.Info("mcp.serve")
	return s.server.Run(ctx, transport)
}

// Connect attaches the server to one transport and returns the session
// without blocking.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, transport, nil)
}

// Tool Handlers

func (s *Server) handleQuery(ctx context.Context, query string, maxNodes int) (string, error) {
	kg, q, err := s.backend.QueryString(ctx, query, maxNodes)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Query: %s\n\n", q.Describe())
	fmt.Fprintf(&sb, "%d nodes, %d edges", len(kg.Nodes), len(kg.Edges))
	if kg.Pruned {
		sb.WriteString(" (pruned to the node budget)")
	}
	sb.WriteString("\n\n")

	if len(kg.Nodes) == 0 {
		sb.WriteString("No matching notes.\n")
		return sb.String(), nil
	}

	sb.WriteString("### Nodes\n")
	for _, n := range kg.Nodes {
		fmt.Fprintf(&sb, "- **%s** %s (%s", n.Key, n.Title, n.Type)
		if n.Depth >= 0 && q.Center != "" {
			fmt.Fprintf(&sb, ", depth %d", n.Depth)
		}
		fmt.Fprintf(&sb, ", in %d, out %d)\n", n.InDegree, n.OutDegree)
	}

	if len(kg.Edges) > 0 {
		sb.WriteString("\n### Edges\n")
		for _, e := range kg.Edges {
			fmt.Fprintf(&sb, "- %s -> %s (%s, weight %d)", e.Source, e.Target, e.Type, e.Weight)
			if e.Annotation != "" {
				fmt.Fprintf(&sb, ": %s", e.Annotation)
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nNext: Use `read_node` on a key for its full edge list.")
	return sb.String(), nil
}

func (s *Server) handleReadNode(ctx context.Context, key string) (string, error) {
	n, err := s.backend.ReadNode(ctx, key)
	if err != nil {
		return "", err
	}
	edges, err := s.backend.ReadEdgesFor(ctx, key)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", n.Title)
	fmt.Fprintf(&sb, "- Key: `%s`\n", n.Key)
	fmt.Fprintf(&sb, "- Type: %s\n", n.Type)
	if n.Date != "" {
		fmt.Fprintf(&sb, "- Date: %s\n", n.Date)
	}
	if n.ParentKey != "" {
		fmt.Fprintf(&sb, "- Parent: `%s`\n", n.ParentKey)
	}
	fmt.Fprintf(&sb, "- Degree: in %d, out %d\n", n.InDegree, n.OutDegree)
	if n.TimeTotal > 0 {
		fmt.Fprintf(&sb, "- Time: %d min (%s)\n", n.TimeTotal, n.PrimaryCategory)
	}
	if len(n.Unresolved) > 0 {
		fmt.Fprintf(&sb, "- Unresolved: %s\n", strings.Join(n.Unresolved, ", "))
	}

	var out, in []graph.Edge
	for _, e := range edges {
		if e.Source == key {
			out = append(out, e)
		} else {
			in = append(in, e)
		}
	}
	writeEdges(&sb, "Outgoing", out, func(e graph.Edge) string { return e.Target })
	writeEdges(&sb, "Incoming", in, func(e graph.Edge) string { return e.Source })

	return sb.String(), nil
}

func writeEdges(sb *strings.Builder, title string, edges []graph.Edge, other func(graph.Edge) string) {
	if len(edges) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n### %s (%d)\n", title, len(edges))
	for _, e := range edges {
		fmt.Fprintf(sb, "- `%s` (%s, weight %d)", other(e), e.Type, e.Weight)
		if e.Annotation != "" {
			fmt.Fprintf(sb, ": %s", e.Annotation)
		}
		sb.WriteString("\n")
	}
}

func (s *Server) handleReindex(ctx context.Context, key string, force bool) (string, error) {
	r, err := s.backend.ReindexNote(ctx, key, force)
	if err != nil {
		return "", err
	}
	if r.Skipped {
		return fmt.Sprintf("`%s` is unchanged; nothing reindexed.", key), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reindexed `%s` with %d derived edges.\n", key, r.Edges)
	if len(r.Unresolved) > 0 {
		fmt.Fprintf(&sb, "Unresolved references: %s\n", strings.Join(r.Unresolved, ", "))
	}
	if len(r.Cascaded) > 0 {
		fmt.Fprintf(&sb, "Also reconciled: %s\n", strings.Join(r.Cascaded, ", "))
	}
	return sb.String(), nil
}

func (s *Server) handleRemove(ctx context.Context, key string) (string, error) {
	affected, err := s.backend.RemoveNote(ctx, key)
	if err != nil {
		return "", err
	}
	if len(affected) == 0 {
		return fmt.Sprintf("Removed `%s`.", key), nil
	}
	return fmt.Sprintf("Removed `%s`. Re-reconciled notes that linked to it: %s",
		key, strings.Join(affected, ", ")), nil
}

func (s *Server) handleWriteCitations(ctx context.Context, key string, accepted []string) (string, error) {
	r, err := s.backend.WriteCitations(ctx, key, accepted)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if r.Changed {
		fmt.Fprintf(&sb, "Wrote %d citations to `%s`.\n", len(r.Citations), key)
	} else {
		fmt.Fprintf(&sb, "`%s` already cites these %d notes.\n", key, len(r.Citations))
	}
	for _, c := range r.Citations {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	return sb.String(), nil
}

func (s *Server) handleEdge(ctx context.Context, name string, args map[string]any) (string, error) {
	source, err := requireString(args, "source")
	if err != nil {
		return "", err
	}
	target, err := requireString(args, "target")
	if err != nil {
		return "", err
	}
	annotation, _ := args["annotation"].(string)

	switch name {
	case "add_manual_edge":
		created, err := s.backend.AddManualEdge(ctx, source, target, annotation)
		if err != nil {
			return "", err
		}
		if !created {
			return fmt.Sprintf("Edge %s -> %s already exists.", source, target), nil
		}
		return fmt.Sprintf("Created edge %s -> %s.", source, target), nil
	case "remove_manual_edge":
		if err := s.backend.RemoveManualEdge(ctx, source, target); err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed edge %s -> %s.", source, target), nil
	default:
		if err := s.backend.SetAnnotation(ctx, source, target, annotation); err != nil {
			return "", err
		}
		return fmt.Sprintf("Annotated edge %s -> %s.", source, target), nil
	}
}

func formatScan(r *graph.ScanResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Citation scan: %s\n\n", r.SourceKey)
	fmt.Fprintf(&sb, "Status: %s", r.Status)
	if r.Cached {
		sb.WriteString(" (cached)")
	}
	sb.WriteString("\n")
	if r.Status != graph.ScanOK {
		return sb.String()
	}

	resolved := r.ResolvedMatches()
	fmt.Fprintf(&sb, "Matched %d of %d references.\n\n", len(resolved), len(r.Matches))
	for _, m := range resolved {
		fmt.Fprintf(&sb, "- `%s` via %s (%.2f): %s\n", m.TargetKey, m.Method, m.Confidence, truncate(m.RawText, 120))
	}
	if len(resolved) > 0 {
		sb.WriteString("\nNext: Use `write_citations` to record the accepted matches in the note.")
	}
	return sb.String()
}

func formatScanAll(r *graph.ScanAllResult) string {
	var sb strings.Builder
	sb.WriteString("## Citation scan of all papers\n\n")
	fmt.Fprintf(&sb, "- Scanned: %d\n", r.Scanned)
	fmt.Fprintf(&sb, "- Cached: %d\n", r.SkippedCached)
	fmt.Fprintf(&sb, "- Without PDF: %d\n", r.SkippedNoPDF)
	fmt.Fprintf(&sb, "- Unreadable: %d\n", r.Unreadable)
	fmt.Fprintf(&sb, "- Failed: %d\n", r.Failed)
	fmt.Fprintf(&sb, "- Matches: %d\n", r.TotalMatches)

	var failed []string
	for _, it := range r.Items {
		if it.Error != "" {
			failed = append(failed, fmt.Sprintf("- `%s`: %s", it.Key, it.Error))
		}
	}
	if len(failed) > 0 {
		sb.WriteString("\n### Errors\n")
		sb.WriteString(strings.Join(failed, "\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Resource Handlers

func formatStats(s graph.GraphStats) string {
	var sb strings.Builder
	sb.WriteString("# Notes Graph Overview\n\n")
	fmt.Fprintf(&sb, "**Nodes:** %d\n", s.TotalNodes)
	fmt.Fprintf(&sb, "**Edges:** %d\n", s.TotalEdges)
	fmt.Fprintf(&sb, "**Orphans:** %d\n", s.OrphanCount)
	fmt.Fprintf(&sb, "**Hubs (degree >= %d):** %d\n", s.HubThreshold, s.HubCount)
	fmt.Fprintf(&sb, "**Degree:** avg %.2f, max %d\n", s.AvgDegree, s.MaxDegree)

	if len(s.NodesByType) > 0 {
		sb.WriteString("\n## Node Types\n\n")
		types := make([]string, 0, len(s.NodesByType))
		for t := range s.NodesByType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(&sb, "- %s: %d\n", t, s.NodesByType[graph.NodeType(t)])
		}
	}
	if len(s.EdgesByType) > 0 {
		sb.WriteString("\n## Edge Types\n\n")
		types := make([]string, 0, len(s.EdgesByType))
		for t := range s.EdgesByType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(&sb, "- %s: %d\n", t, s.EdgesByType[graph.EdgeType(t)])
		}
	}
	return sb.String()
}

func getSchema() string {
	var sb strings.Builder
	sb.WriteString("# notegraph Schema\n\n")
	sb.WriteString("## Node Types\n\n")
	sb.WriteString("| Type | Description |\n")
	sb.WriteString("|------|-------------|\n")
	sb.WriteString("| `note` | Markdown note |\n")
	sb.WriteString("| `paper` | Note describing a paper, optionally with a PDF and BibTeX |\n")
	sb.WriteString("\n## Edge Types\n\n")
	sb.WriteString("| Type | Source → Target | Origin |\n")
	sb.WriteString("|------|-----------------|--------|\n")
	sb.WriteString("| `crosslink` | Note → Note | `[@key]` in the body, weight = occurrences |\n")
	sb.WriteString("| `parent` | Note → Parent | `parent` frontmatter field |\n")
	sb.WriteString("| `citation` | Paper → Note | PDF reference scan or managed references section |\n")
	sb.WriteString("| `manual` | Note → Note | User-asserted, optional annotation |\n")
	sb.WriteString("\n## Query Syntax\n\n")
	sb.WriteString("| Token | Meaning |\n")
	sb.WriteString("|-------|---------|\n")
	sb.WriteString("| `from:<key>` | Center the query on a note |\n")
	sb.WriteString("| `depth:<n>` | Hops from the center |\n")
	sb.WriteString("| `type:<note\\|paper>` | Node type |\n")
	sb.WriteString("| `category:<name>` | Primary time category |\n")
	sb.WriteString("| `has:time` | Notes with tracked time |\n")
	sb.WriteString("| `is:orphan`, `is:hub` | Degree filters |\n")
	sb.WriteString("| `links:>n`, `links:<n` | Total degree bounds |\n")
	sb.WriteString("| `path:<a>-><b>` | Include a shortest path |\n")
	sb.WriteString("| other words | Title or key contains every word |\n")
	return sb.String()
}

// Helper functions

func requireString(args map[string]any, name string) (string, error) {
	v, _ := args[name].(string)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("argument %q is required: %w", name, apperr.ErrValidation)
	}
	return v, nil
}

func stringsArg(args map[string]any, name string) []string {
	raw, _ := args[name].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func toolError(err error) string {
	return fmt.Sprintf("Error (%s): %v", apperr.Code(err), err)
}

// registerTools registers tools with the MCP server.
func (s *Server) registerTools() {
	for _, tool := range s.ListTools() {
		name := tool.Name
		s.server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args map[string]any
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return nil, fmt.Errorf("decoding arguments of %s: %w", name, err)
				}
			}
			text, err := s.CallTool(ctx, name, args)
			if err != nil {
				s.log.WithError(err).WithField("tool", name).Warn("mcp.tool_failed")
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: toolError(err)}},
				}, nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: text}},
			}, nil
		})
	}
}

// registerResources registers resources with the MCP server.
func (s *Server) registerResources() {
	for _, res := range s.ListResources() {
		mime := res.MimeType
		s.server.AddResource(&mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MimeType,
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.ReadResource(ctx, req.Params.URI)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: mime, Text: text}},
			}, nil
		})
	}
}
