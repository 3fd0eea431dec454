package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/config"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/metrics"
	"github.com/Benny93/notegraph/internal/service"
	"github.com/Benny93/notegraph/internal/storage"
	"github.com/Benny93/notegraph/internal/vault"
)

func setupServer(t *testing.T) *Server {
	t.Helper()

	root := t.TempDir()
	files := map[string]string{
		"a.md": "---\ntitle: Alpha\n---\nLinks to [@b] and [@c].\n",
		"b.md": "---\ntitle: Beta\nparent: a\n---\nBeta body.\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}

	cfg := config.Default(root)
	m := metrics.New(prometheus.NewRegistry())
	idx, err := storage.Open(storage.Options{InMemory: true, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	docs, err := vault.NewStore(cfg, logging.Discard())
	require.NoError(t, err)

	svc := service.New(service.Options{Config: cfg, Index: idx, Documents: docs, Metrics: m})
	for _, k := range []string{"a", "b"} {
		_, err := svc.ReindexNote(context.Background(), k, false)
		require.NoError(t, err)
	}
	return NewServer(svc, nil)
}

func TestServer_Tools(t *testing.T) {
	t.Parallel()

	server := setupServer(t)

	t.Run("ListTools", func(t *testing.T) {
		names := make([]string, 0)
		for _, tool := range server.ListTools() {
			names = append(names, tool.Name)
			assert.NotEmpty(t, tool.Description, tool.Name)
			require.NotNil(t, tool.InputSchema, tool.Name)
			assert.Equal(t, "object", tool.InputSchema.Type, tool.Name)
			for _, req := range tool.InputSchema.Required {
				assert.Contains(t, tool.InputSchema.Properties, req, tool.Name)
			}
		}
		assert.ElementsMatch(t, []string{
			"graph_query", "graph_stats", "read_node", "reindex_note", "remove_note",
			"scan_citations", "scan_all_citations", "write_citations",
			"add_manual_edge", "remove_manual_edge", "set_annotation",
		}, names)
	})

	t.Run("ListResources", func(t *testing.T) {
		resources := server.ListResources()
		require.Len(t, resources, 2)
		assert.Equal(t, "notegraph://stats", resources[0].URI)
		assert.Equal(t, "notegraph://schema", resources[1].URI)
	})
}

func TestServer_HandleToolCalls(t *testing.T) {
	t.Parallel()

	server := setupServer(t)
	ctx := context.Background()

	call := func(t *testing.T, name string, args map[string]any) string {
		t.Helper()
		out, err := server.CallTool(ctx, name, args)
		require.NoError(t, err)
		return out
	}

	t.Run("GraphStats", func(t *testing.T) {
		out := call(t, "graph_stats", nil)
		assert.Contains(t, out, "**Nodes:** 2")
		assert.Contains(t, out, "**Edges:** 2")
		assert.Contains(t, out, "- crosslink: 1")
		assert.Contains(t, out, "- parent: 1")
	})

	t.Run("GraphQuery", func(t *testing.T) {
		out := call(t, "graph_query", map[string]any{"query": "from:a depth:1", "max_nodes": float64(10)})
		assert.Contains(t, out, "centered on a")
		assert.Contains(t, out, "2 nodes, 2 edges")
		assert.Contains(t, out, "**b** Beta (note, depth 1")
		assert.Contains(t, out, "- a -> b (crosslink, weight 1)")
	})

	t.Run("GraphQueryNoMatches", func(t *testing.T) {
		out := call(t, "graph_query", map[string]any{"query": "zebra"})
		assert.Contains(t, out, "No matching notes.")
	})

	t.Run("GraphQueryUnknownCenter", func(t *testing.T) {
		_, err := server.CallTool(ctx, "graph_query", map[string]any{"query": "from:nope"})
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("ReadNode", func(t *testing.T) {
		out := call(t, "read_node", map[string]any{"key": "a"})
		assert.Contains(t, out, "## Alpha")
		assert.Contains(t, out, "- Unresolved: c")
		assert.Contains(t, out, "### Outgoing (1)\n- `b` (crosslink, weight 1)")
		assert.Contains(t, out, "### Incoming (1)\n- `b` (parent, weight 1)")
	})

	t.Run("ReadNodeMissing", func(t *testing.T) {
		_, err := server.CallTool(ctx, "read_node", map[string]any{"key": "zzz"})
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("MissingArgument", func(t *testing.T) {
		_, err := server.CallTool(ctx, "read_node", map[string]any{})
		require.ErrorIs(t, err, apperr.ErrValidation)
		_, err = server.CallTool(ctx, "add_manual_edge", map[string]any{"source": "a"})
		require.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("Reindex", func(t *testing.T) {
		assert.Contains(t, call(t, "reindex_note", map[string]any{"key": "a"}), "unchanged")
		out := call(t, "reindex_note", map[string]any{"key": "a", "force": true})
		assert.Contains(t, out, "Reindexed `a`")
		assert.Contains(t, out, "Unresolved references: c")
	})

	t.Run("ManualEdges", func(t *testing.T) {
		args := map[string]any{"source": "b", "target": "a", "annotation": "see also"}
		assert.Equal(t, "Created edge b -> a.", call(t, "add_manual_edge", args))
		assert.Equal(t, "Edge b -> a already exists.", call(t, "add_manual_edge", args))

		args["annotation"] = "summary"
		assert.Equal(t, "Annotated edge b -> a.", call(t, "set_annotation", args))
		assert.Contains(t, call(t, "read_node", map[string]any{"key": "b"}), "- `a` (manual, weight 1): summary")

		assert.Equal(t, "Removed edge b -> a.", call(t, "remove_manual_edge", args))
		_, err := server.CallTool(ctx, "remove_manual_edge", args)
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("ScanWithoutPDF", func(t *testing.T) {
		out := call(t, "scan_citations", map[string]any{"key": "a"})
		assert.Contains(t, out, "Status: unreadable")

		out = call(t, "scan_all_citations", nil)
		assert.Contains(t, out, "- Scanned: 0")
		assert.Contains(t, out, "- Without PDF: 0")
		assert.Contains(t, out, "- Matches: 0")
	})

	t.Run("WriteCitations", func(t *testing.T) {
		out := call(t, "write_citations", map[string]any{"key": "a", "accepted": []any{"b"}})
		assert.Contains(t, out, "Wrote 1 citations to `a`.")
		assert.Contains(t, out, "- b\n")

		out = call(t, "write_citations", map[string]any{"key": "a", "accepted": []any{"b"}})
		assert.Contains(t, out, "already cites these 1 notes")

		_, err := server.CallTool(ctx, "write_citations", map[string]any{"key": "a", "accepted": []any{"nope"}})
		require.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("UnknownTool", func(t *testing.T) {
		_, err := server.CallTool(ctx, "unknown_tool", nil)
		require.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("RemoveNote", func(t *testing.T) {
		out := call(t, "remove_note", map[string]any{"key": "b"})
		assert.Equal(t, "Removed `b`. Re-reconciled notes that linked to it: a", out)
		assert.Contains(t, call(t, "read_node", map[string]any{"key": "a"}), "- Unresolved: b, c")
	})
}

func TestServer_HandleResourceReads(t *testing.T) {
	t.Parallel()

	server := setupServer(t)
	ctx := context.Background()

	t.Run("ReadStats", func(t *testing.T) {
		content, err := server.ReadResource(ctx, "notegraph://stats")
		require.NoError(t, err)
		assert.Contains(t, content, "# Notes Graph Overview")
		assert.Contains(t, content, "- note: 2")
	})

	t.Run("ReadSchema", func(t *testing.T) {
		content, err := server.ReadResource(ctx, "notegraph://schema")
		require.NoError(t, err)
		assert.Contains(t, content, "`crosslink`")
		assert.Contains(t, content, "`from:<key>`")
	})

	t.Run("ReadUnknownResource", func(t *testing.T) {
		_, err := server.ReadResource(ctx, "notegraph://unknown")
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestServer_Session(t *testing.T) {
	t.Parallel()

	server := setupServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, tools.Tools, len(server.ListTools()))

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "graph_stats"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "**Nodes:** 2")

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "read_node", Arguments: map[string]any{"key": "zzz"}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	text, ok = res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Error (not_found)")

	schema, err := cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "notegraph://schema"})
	require.NoError(t, err)
	require.Len(t, schema.Contents, 1)
	assert.Contains(t, schema.Contents[0].Text, "## Edge Types")
}
