package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/config"
	"github.com/Benny93/notegraph/internal/extract"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/metrics"
	"github.com/Benny93/notegraph/internal/storage"
	"github.com/Benny93/notegraph/internal/vault"
)

var testClock = func() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

// staticExtractor serves one rendering per PDF file name.
type staticExtractor map[string]string

func (e staticExtractor) ExtractText(_ context.Context, path string) ([]string, error) {
	return []string{e[filepath.Base(path)]}, nil
}

type fixture struct {
	svc   *Service
	index *storage.BadgerIndex
	root  string
}

func setupService(t *testing.T, files map[string]string, pdfs staticExtractor) *fixture {
	t.Helper()

	root := t.TempDir()
	writeFiles(t, root, files)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pdfs"), 0o755))
	for name := range pdfs {
		require.NoError(t, os.WriteFile(filepath.Join(root, "pdfs", name), []byte("%PDF-1.4"), 0o644))
	}

	cfg := config.Default(root)
	cfg.Index.InMemory = true

	m := metrics.New(prometheus.NewRegistry())
	idx, err := storage.Open(storage.Options{InMemory: true, Metrics: m, Clock: testClock})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	docs, err := vault.NewStore(cfg, logging.Discard())
	require.NoError(t, err)

	svc := New(Options{
		Config:    cfg,
		Index:     idx,
		Documents: docs,
		Extractor: pdfs,
		Rand:      rand.New(rand.NewPCG(1, 2)),
		Metrics:   m,
		Clock:     testClock,
	})
	return &fixture{svc: svc, index: idx, root: root}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func (f *fixture) reindexAll(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_, err := f.svc.ReindexNote(context.Background(), k, false)
		require.NoError(t, err, k)
	}
}

func (f *fixture) assertDegrees(t *testing.T, key string, in, out int) {
	t.Helper()
	n, err := f.svc.ReadNode(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, in, n.InDegree, "in-degree of %s", key)
	assert.Equal(t, out, n.OutDegree, "out-degree of %s", key)
}

func edgesOfType(edges []graph.Edge, typ graph.EdgeType) []string {
	var out []string
	for _, e := range edges {
		if e.Type == typ {
			out = append(out, e.Source+"->"+e.Target)
		}
	}
	return out
}

func TestService_Crosslinks(t *testing.T) {
	t.Parallel()

	f := setupService(t, map[string]string{
		"a.md":       "---\nkey: a\ntitle: Alpha\n---\nSee [@b], again [@b], and [@c].\n",
		"notes/b.md": "---\ntitle: Beta\n---\nBack to [@a].\n",
	}, nil)
	ctx := context.Background()

	f.reindexAll(t, "a", "b")

	a, err := f.svc.ReadNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, a.Unresolved)
	f.assertDegrees(t, "a", 1, 1)
	f.assertDegrees(t, "b", 1, 1)

	edges, err := f.svc.ReadEdgesFor(ctx, "a")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		if e.Source == "a" {
			assert.Equal(t, 2, e.Weight, "repeated references add weight")
		}
	}

	t.Run("UnchangedIsSkipped", func(t *testing.T) {
		res, err := f.svc.ReindexNote(ctx, "b", false)
		require.NoError(t, err)
		assert.True(t, res.Skipped)

		res, err = f.svc.ReindexNote(ctx, "b", true)
		require.NoError(t, err)
		assert.False(t, res.Skipped)
	})

	t.Run("NewKeyResolvesDependents", func(t *testing.T) {
		writeFiles(t, f.root, map[string]string{"c.md": "---\ntitle: Gamma\n---\nLeaf.\n"})

		res, err := f.svc.ReindexNote(ctx, "c", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, res.Cascaded)

		a, err := f.svc.ReadNode(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, a.Unresolved)
		f.assertDegrees(t, "a", 1, 2)
		f.assertDegrees(t, "c", 1, 0)

		stats, err := f.svc.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalNodes)
		assert.Equal(t, 3, stats.TotalEdges)
		assert.Equal(t, 3, stats.EdgesByType[graph.EdgeCrosslink])

		kg, q, err := f.svc.QueryString(ctx, "from:c depth:1", 0)
		require.NoError(t, err)
		assert.Equal(t, 30, q.MaxNodes)
		require.Len(t, kg.Nodes, 2)
		assert.Equal(t, "a", kg.Nodes[0].Key)
		assert.Equal(t, "c", kg.Nodes[1].Key)
	})

	t.Run("RemovalRecordsUnresolved", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(f.root, "c.md")))

		sources, err := f.svc.RemoveNote(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, sources)

		_, err = f.svc.ReadNode(ctx, "c")
		require.ErrorIs(t, err, apperr.ErrNotFound)

		a, err := f.svc.ReadNode(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, a.Unresolved)
		f.assertDegrees(t, "a", 1, 1)

		sources, err = f.svc.RemoveNote(ctx, "c")
		require.NoError(t, err)
		assert.Empty(t, sources)
	})

	t.Run("MissingNote", func(t *testing.T) {
		_, err := f.svc.ReindexNote(ctx, "nope", false)
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestService_ManualEdges(t *testing.T) {
	t.Parallel()

	f := setupService(t, map[string]string{
		"a.md": "Alpha body.\n",
		"b.md": "Beta body.\n",
	}, nil)
	ctx := context.Background()
	f.reindexAll(t, "a", "b")

	created, err := f.svc.AddManualEdge(ctx, "a", "b", "related")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.AddManualEdge(ctx, "a", "b", "other")
	require.NoError(t, err)
	assert.False(t, created)
	f.assertDegrees(t, "a", 0, 1)

	require.NoError(t, f.svc.SetAnnotation(ctx, "a", "b", "updated"))
	kg, err := f.svc.Query(ctx, graph.GraphQuery{})
	require.NoError(t, err)
	require.Len(t, kg.Edges, 1)
	assert.Equal(t, graph.EdgeManual, kg.Edges[0].Type)
	assert.Equal(t, "updated", kg.Edges[0].Annotation)

	// Reconciling a note leaves its manual edges alone.
	_, err = f.svc.ReindexNote(ctx, "a", true)
	require.NoError(t, err)
	f.assertDegrees(t, "a", 0, 1)

	_, err = f.svc.AddManualEdge(ctx, "a", "missing", "")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.AddManualEdge(ctx, "a", "a", "")
	require.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, f.svc.RemoveManualEdge(ctx, "a", "b"))
	f.assertDegrees(t, "a", 0, 0)
	require.ErrorIs(t, f.svc.RemoveManualEdge(ctx, "a", "b"), apperr.ErrNotFound)
}

func surveyText() string {
	var b strings.Builder
	b.WriteString("A Survey of Things\n")
	for i := range 30 {
		fmt.Fprintf(&b, "Body paragraph %d discusses prior work at some length.\n", i)
	}
	b.WriteString("References\n")
	b.WriteString("[1] A. Vaswani et al. Attention is all you need. arXiv:1706.03762, 2017.\n")
	b.WriteString("[2] Smith, J. (2020). Deep Learning.\n")
	b.WriteString("[3] Doe, J. (1999). Something entirely unrelated to anything here. Journal of Nothing.\n")
	return b.String()
}

func citationFixture(t *testing.T) *fixture {
	t.Helper()
	f := setupService(t, map[string]string{
		"survey.md":        "---\ntitle: A Survey of Things\ntype: paper\npdf: survey.pdf\n---\nWe build on prior work.\n",
		"attention.md":     "---\ntitle: Attention Is All You Need\ntype: paper\narxiv: 1706.03762\n---\nTransformers.\n",
		"deep-learning.md": "---\ntitle: Deep Learning\n---\nA book.\n",
	}, staticExtractor{"survey.pdf": surveyText()})
	f.reindexAll(t, "survey", "attention", "deep-learning")
	return f
}

func TestService_ScanCitations(t *testing.T) {
	t.Parallel()

	f := citationFixture(t)
	ctx := context.Background()

	r, err := f.svc.ScanCitations(ctx, "survey", false)
	require.NoError(t, err)
	assert.Equal(t, graph.ScanOK, r.Status)
	assert.Equal(t, 1, r.Unmatched)

	edges, err := f.svc.ReadEdgesFor(ctx, "survey")
	require.NoError(t, err)
	assert.Equal(t, []string{"survey->attention", "survey->deep-learning"}, edgesOfType(edges, graph.EdgeCitation))
	f.assertDegrees(t, "survey", 0, 2)

	again, err := f.svc.ScanCitations(ctx, "survey", false)
	require.NoError(t, err)
	assert.True(t, again.Cached)

	t.Run("NoPDF", func(t *testing.T) {
		r, err := f.svc.ScanCitations(ctx, "attention", false)
		require.NoError(t, err)
		assert.Equal(t, graph.ScanUnreadable, r.Status)
	})

	t.Run("ScanAll", func(t *testing.T) {
		res, err := f.svc.ScanAllCitations(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.SkippedCached)
		assert.Equal(t, 1, res.SkippedNoPDF)
		assert.Equal(t, 2, res.TotalMatches)

		edges, err := f.svc.ReadEdgesFor(ctx, "survey")
		require.NoError(t, err)
		assert.Len(t, edgesOfType(edges, graph.EdgeCitation), 2)
	})
}

func TestService_WriteCitations(t *testing.T) {
	t.Parallel()

	f := citationFixture(t)
	ctx := context.Background()
	path := filepath.Join(f.root, "survey.md")

	_, err := f.svc.WriteCitations(ctx, "survey", nil)
	require.ErrorIs(t, err, apperr.ErrValidation, "nothing accepted and nothing scanned")

	_, err = f.svc.ScanCitations(ctx, "survey", false)
	require.NoError(t, err)

	first, err := f.svc.WriteCitations(ctx, "survey", nil)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, []string{"attention", "deep-learning"}, first.Citations)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "- [@deep-learning] Deep Learning\n")
	assert.Contains(t, string(content), "- [@attention] Attention Is All You Need\n")
	assert.True(t, strings.HasPrefix(string(content), "---\ntitle: A Survey of Things\n"))

	t.Run("Idempotent", func(t *testing.T) {
		second, err := f.svc.WriteCitations(ctx, "survey", nil)
		require.NoError(t, err)
		assert.False(t, second.Changed)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, string(content), string(after))

		edges, err := f.svc.ReadEdgesFor(ctx, "survey")
		require.NoError(t, err)
		assert.Empty(t, edgesOfType(edges, graph.EdgeCrosslink), "managed block links are not crosslinks")
		assert.Len(t, edgesOfType(edges, graph.EdgeCitation), 2)
		f.assertDegrees(t, "survey", 0, 2)
	})

	t.Run("AcceptedSubset", func(t *testing.T) {
		res, err := f.svc.WriteCitations(ctx, "survey", []string{"deep-learning"})
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, []string{"deep-learning"}, res.Citations)

		edges, err := f.svc.ReadEdgesFor(ctx, "survey")
		require.NoError(t, err)
		assert.Equal(t, []string{"survey->deep-learning"}, edgesOfType(edges, graph.EdgeCitation))

		note, err := f.svc.Documents().Get("survey")
		require.NoError(t, err)
		assert.Equal(t, []string{"deep-learning"}, extract.ManagedCitations(note.Content))

		synced, err := f.svc.SyncManagedCitations(ctx, note)
		require.NoError(t, err)
		assert.True(t, synced)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := f.svc.WriteCitations(ctx, "survey", []string{"deep-learning", "nope"})
		require.ErrorIs(t, err, apperr.ErrValidation)

		_, err = f.svc.WriteCitations(ctx, "survey", []string{"survey"})
		require.ErrorIs(t, err, apperr.ErrValidation)
	})
}
