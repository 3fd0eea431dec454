package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/notegraph/internal/config"
	"github.com/Benny93/notegraph/internal/extract"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/metrics"
	"github.com/Benny93/notegraph/internal/service"
	"github.com/Benny93/notegraph/internal/storage"
	"github.com/Benny93/notegraph/internal/vault"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

type testVault struct {
	root  string
	svc   *service.Service
	store *vault.Store
}

func setupVault(t *testing.T, files map[string]string) *testVault {
	t.Helper()

	root := t.TempDir()
	writeFiles(t, root, files)

	cfg := config.Default(root)
	m := metrics.New(prometheus.NewRegistry())
	idx, err := storage.Open(storage.Options{InMemory: true, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	store, err := vault.NewStore(cfg, logging.Discard())
	require.NoError(t, err)

	return &testVault{
		root:  root,
		store: store,
		svc:   service.New(service.Options{Config: cfg, Index: idx, Documents: store, Metrics: m}),
	}
}

func (v *testVault) path(rel string) string {
	return filepath.Join(v.root, rel)
}

func (v *testVault) node(t *testing.T, key string) *graph.IndexedNode {
	t.Helper()
	n, err := v.svc.Index().ReadNode(context.Background(), key)
	require.NoError(t, err)
	return n
}

const managedSurvey = "---\ntitle: Survey\ntype: paper\n---\nIntro.\n\n" +
	extract.BeginMarker + "\n## References\n\n- [@a] Alpha\n- [@b] Beta\n" + extract.EndMarker + "\n"

func TestRunPipeline(t *testing.T) {
	t.Parallel()

	v := setupVault(t, map[string]string{
		"a.md":      "---\ntitle: Alpha\n---\nLinks to [@b].\n",
		"b.md":      "Beta body.\n",
		"survey.md": managedSurvey,
	})
	ctx := context.Background()

	// A key left over from a note that no longer exists.
	require.NoError(t, v.svc.Index().Reconcile(ctx, &graph.IndexedNode{Key: "ghost"}, []graph.Edge{
		{Source: "ghost", Target: "a", Type: graph.EdgeCrosslink, Weight: 1},
	}))

	var phases []string
	stats, err := RunPipeline(ctx, v.svc, PipelineOptions{
		Progress: func(phase string, p float64) {
			if p == 0 {
				phases = append(phases, phase)
			}
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Walking vault", "Removing stale notes", "Reconciling notes", "Syncing citations"}, phases)
	assert.Equal(t, 3, stats.Notes)
	assert.Equal(t, 3, stats.Reindexed)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 1, stats.CitationsSynced)
	assert.Zero(t, stats.Failed)

	assert.Nil(t, v.node(t, "ghost"))
	a := v.node(t, "a")
	require.NotNil(t, a)
	assert.Equal(t, 1, a.InDegree, "citation from survey only")
	assert.Equal(t, 1, a.OutDegree)

	edges, err := v.svc.ReadEdgesFor(ctx, "survey")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, graph.EdgeCitation, e.Type)
	}

	t.Run("SecondRunIsNoop", func(t *testing.T) {
		stats, err := RunPipeline(ctx, v.svc, PipelineOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Unchanged)
		assert.Zero(t, stats.Reindexed)
		assert.Zero(t, stats.Removed)
		assert.Equal(t, 1, stats.CitationsSynced)

		edges, err := v.svc.ReadEdgesFor(ctx, "survey")
		require.NoError(t, err)
		assert.Len(t, edges, 2)
	})

	t.Run("Force", func(t *testing.T) {
		stats, err := RunPipeline(ctx, v.svc, PipelineOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Reindexed)
		assert.Zero(t, stats.Unchanged)
	})
}

func TestRunPipeline_Cancelled(t *testing.T) {
	t.Parallel()

	v := setupVault(t, map[string]string{"a.md": "Alpha.\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunPipeline(ctx, v.svc, PipelineOptions{})
	require.Error(t, err)
}

func TestWatcher_ProcessChanges(t *testing.T) {
	t.Parallel()

	v := setupVault(t, map[string]string{
		"a.md": "---\ntitle: Alpha\n---\nLinks to [@b].\n",
		"b.md": "Beta body.\n",
	})
	ctx := context.Background()
	_, err := RunPipeline(ctx, v.svc, PipelineOptions{})
	require.NoError(t, err)

	w := NewWatcher(v.svc, v.store, nil)

	t.Run("Modified", func(t *testing.T) {
		writeFiles(t, v.root, map[string]string{"a.md": "---\ntitle: Alpha\n---\nLinks to [@b] and [@c].\n"})
		res := w.ProcessChanges(ctx, []string{v.path("a.md")})
		assert.Equal(t, []string{"a"}, res.Reindexed)
		assert.Equal(t, []string{"c"}, v.node(t, "a").Unresolved)
	})

	t.Run("UnchangedIsSkipped", func(t *testing.T) {
		res := w.ProcessChanges(ctx, []string{v.path("a.md")})
		assert.Empty(t, res.Reindexed)
		assert.Zero(t, res.Failed)
	})

	t.Run("Created", func(t *testing.T) {
		writeFiles(t, v.root, map[string]string{"sub/c.md": "Gamma.\n"})
		res := w.ProcessChanges(ctx, []string{v.path("sub/c.md")})
		assert.Equal(t, []string{"c"}, res.Reindexed)
		assert.Empty(t, v.node(t, "a").Unresolved)
		assert.Equal(t, 1, v.node(t, "c").InDegree)
	})

	t.Run("KeyChanged", func(t *testing.T) {
		writeFiles(t, v.root, map[string]string{"sub/c.md": "---\nkey: gamma\n---\nGamma.\n"})
		res := w.ProcessChanges(ctx, []string{v.path("sub/c.md")})
		assert.Equal(t, []string{"c"}, res.Removed)
		assert.Equal(t, []string{"gamma"}, res.Reindexed)
		assert.Nil(t, v.node(t, "c"))
		assert.Equal(t, []string{"c"}, v.node(t, "a").Unresolved)
	})

	t.Run("Deleted", func(t *testing.T) {
		require.NoError(t, os.Remove(v.path("b.md")))
		res := w.ProcessChanges(ctx, []string{v.path("b.md"), v.path("never-seen.md")})
		assert.Equal(t, []string{"b"}, res.Removed)
		assert.Nil(t, v.node(t, "b"))
		assert.Equal(t, []string{"b", "c"}, v.node(t, "a").Unresolved)
	})
}

func TestWatchVault(t *testing.T) {
	t.Parallel()

	v := setupVault(t, map[string]string{"a.md": "Alpha.\n"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches := make(chan BatchResult, 16)
	done := make(chan error, 1)
	go func() {
		done <- WatchVault(ctx, v.svc, v.store, WatchOptions{
			Debounce: 50 * time.Millisecond,
			OnBatch: func(r BatchResult) {
				select {
				case batches <- r:
				default:
				}
			},
		})
	}()

	// The watcher registers asynchronously; rewrite until a batch lands.
	i := 0
	require.Eventually(t, func() bool {
		i++
		_ = os.MkdirAll(v.path(".git"), 0o755)
		_ = os.WriteFile(v.path(".git/ignored.md"), []byte("ignored"), 0o644)
		_ = os.WriteFile(v.path("new.md"), []byte(fmt.Sprintf("New note, revision %d.\n", i)), 0o644)
		select {
		case r := <-batches:
			return assert.ObjectsAreEqual([]string{"new"}, r.Reindexed)
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	require.NotNil(t, v.node(t, "new"))

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
