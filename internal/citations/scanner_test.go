package citations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/metrics"
)

var testClock = func() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

// countingExtractor serves canned renderings per path and counts calls.
type countingExtractor struct {
	texts map[string][]string
	errs  map[string]error
	block bool
	calls atomic.Int32
}

func (e *countingExtractor) ExtractText(ctx context.Context, path string) ([]string, error) {
	e.calls.Add(1)
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := e.errs[filepath.Base(path)]; err != nil {
		return nil, err
	}
	return e.texts[filepath.Base(path)], nil
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*graph.ScanResult
	saves   int
}

func (c *memoryCache) LoadScanResult(_ context.Context, key, fp string) (*graph.ScanResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key+"\x00"+fp]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (c *memoryCache) SaveScanResult(_ context.Context, r *graph.ScanResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*graph.ScanResult)
	}
	out := *r
	c.entries[r.SourceKey+"\x00"+r.Fingerprint] = &out
	c.saves++
	return nil
}

type fakeDocuments struct {
	notes  []*graph.Note
	pdfDir string
}

func (d *fakeDocuments) List() ([]*graph.Note, error) { return d.notes, nil }

func (d *fakeDocuments) PDFPath(n *graph.Note) string {
	if n.PDF == "" {
		return ""
	}
	return filepath.Join(d.pdfDir, n.PDF)
}

const surveyReferences = `References
[1] A. Vaswani et al. Attention is all you need. arXiv:1706.03762, 2017.
[2] J. Devlin, M. Chang. BERT. https://doi.org/10.18653/V1/N19-1423
[3] Smith, J. (2020). Deep Learning.
[4] Kaiming He, Xiangyu Zhang. 2016. Deep residual learning for image recognition in practice. In CVPR.
[5] Doe, J. (1999). Something entirely unrelated to anything here. Journal of Nothing.
[6] Lamport, L. 1978. Clock paper with a different name. Communications.
[7] Me, A. (2021). A survey of everything important.
[8] Vaswani, A. Attention again. arXiv:1706.03762, 2017.`

type scannerFixture struct {
	scanner   *Scanner
	extractor *countingExtractor
	cache     *memoryCache
	metrics   *metrics.Metrics
	docs      *fakeDocuments
}

func setupScanner(t *testing.T, timeout time.Duration) *scannerFixture {
	t.Helper()

	dir := t.TempDir()
	for _, name := range []string{"survey.pdf", "broken.pdf", "blank.pdf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("%PDF-1.4"), 0o644))
	}

	notes := testNotes()
	for _, n := range notes {
		if n.Key == "survey" {
			n.PDF = "survey.pdf"
		}
	}

	f := &scannerFixture{
		extractor: &countingExtractor{
			texts: map[string][]string{
				"survey.pdf": {"no bibliography in this rendering", paperText("", surveyReferences)},
				"blank.pdf":  {"   \n"},
			},
			errs: map[string]error{"broken.pdf": errors.New("syntax error")},
		},
		cache:   &memoryCache{},
		metrics: metrics.New(prometheus.NewRegistry()),
		docs:    &fakeDocuments{notes: notes, pdfDir: dir},
	}
	f.scanner = NewScanner(ScannerOptions{
		Cache:     f.cache,
		Documents: f.docs,
		Extractor: f.extractor,
		Workers:   2,
		Timeout:   timeout,
		Metrics:   f.metrics,
		Clock:     testClock,
	})
	return f
}

func (f *scannerFixture) note(key string) *graph.Note {
	for _, n := range f.docs.notes {
		if n.Key == key {
			return n
		}
	}
	return nil
}

func targets(matches []graph.CitationMatch) []string {
	var keys []string
	for _, m := range matches {
		if m.Resolved() {
			keys = append(keys, m.TargetKey)
		}
	}
	return keys
}

func TestScanner_Scan(t *testing.T) {
	t.Parallel()

	f := setupScanner(t, time.Second)
	ctx := context.Background()

	r, err := f.scanner.Scan(ctx, f.note("survey"), false)
	require.NoError(t, err)

	assert.Equal(t, graph.ScanOK, r.Status)
	assert.Equal(t, "survey", r.SourceKey)
	assert.Len(t, r.Fingerprint, 64)
	assert.Equal(t, testClock(), r.Timestamp)
	assert.False(t, r.Cached)
	assert.Equal(t, []string{"attention", "bert", "deep-learning", "resnet", "lamport78"}, targets(r.Matches),
		"self citation and repeated target are dropped")
	assert.Equal(t, 1, r.Unmatched)
	assert.Equal(t, 1, f.cache.saves)
}

func TestScanner_CacheHitAndMiss(t *testing.T) {
	t.Parallel()

	f := setupScanner(t, time.Second)
	ctx := context.Background()
	survey := f.note("survey")

	first, err := f.scanner.Scan(ctx, survey, false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CitationMatchRuns))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.CitationCacheHits))

	second, err := f.scanner.Scan(ctx, survey, false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Matches, second.Matches)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CitationMatchRuns), "cache hit must not run the matcher")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CitationCacheHits))

	// Changed text is a miss.
	f.extractor.texts["survey.pdf"] = []string{paperText("", surveyReferences+"\n[9] Extra, E. (2022). An extra reference entry.")}
	third, err := f.scanner.Scan(ctx, survey, false)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CitationMatchRuns))

	// Force bypasses the cache.
	_, err = f.scanner.Scan(ctx, survey, true)
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.CitationMatchRuns))
	assert.Equal(t, 4, int(f.extractor.calls.Load()))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.CitationScans.WithLabelValues("ok")))
}

func TestScanner_Unreadable(t *testing.T) {
	t.Parallel()

	f := setupScanner(t, time.Second)
	ctx := context.Background()

	t.Run("NoPDF", func(t *testing.T) {
		r, err := f.scanner.Scan(ctx, f.note("resnet"), false)
		require.NoError(t, err)
		assert.Equal(t, graph.ScanUnreadable, r.Status)
		assert.Empty(t, r.Matches)
	})

	t.Run("MissingFile", func(t *testing.T) {
		r, err := f.scanner.Scan(ctx, &graph.Note{Key: "gone", PDF: "gone.pdf"}, false)
		require.NoError(t, err)
		assert.Equal(t, graph.ScanUnreadable, r.Status)
	})

	t.Run("EmptyText", func(t *testing.T) {
		r, err := f.scanner.Scan(ctx, &graph.Note{Key: "blank", PDF: "blank.pdf"}, false)
		require.NoError(t, err)
		assert.Equal(t, graph.ScanUnreadable, r.Status)
	})

	assert.Zero(t, f.cache.saves)
}

func TestScanner_Failures(t *testing.T) {
	t.Parallel()

	t.Run("ExtractorError", func(t *testing.T) {
		f := setupScanner(t, time.Second)
		r, err := f.scanner.Scan(context.Background(), &graph.Note{Key: "broken", PDF: "broken.pdf"}, false)
		require.ErrorIs(t, err, apperr.ErrExternalIO)
		require.NotNil(t, r)
		assert.Equal(t, graph.ScanFailed, r.Status)
	})

	t.Run("Timeout", func(t *testing.T) {
		f := setupScanner(t, 20*time.Millisecond)
		f.extractor.block = true
		r, err := f.scanner.Scan(context.Background(), f.note("survey"), false)
		require.ErrorIs(t, err, apperr.ErrExternalIO)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, graph.ScanFailed, r.Status)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CitationScans.WithLabelValues("failed")))
	})
}

func TestScanner_ScanAll(t *testing.T) {
	t.Parallel()

	f := setupScanner(t, time.Second)
	notes := append(f.docs.notes,
		&graph.Note{Key: "plain-note", Type: graph.NodeNote},
		&graph.Note{Key: "broken", Type: graph.NodePaper, PDF: "broken.pdf"},
		&graph.Note{Key: "gone", Type: graph.NodePaper, PDF: "gone.pdf"},
	)

	res := f.scanner.ScanAll(context.Background(), notes)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 0, res.SkippedCached)
	assert.Equal(t, 4, res.SkippedNoPDF, "papers without a PDF")
	assert.Equal(t, 1, res.Unreadable)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 5, res.TotalMatches)
	assert.Len(t, res.Items, 7)
	require.Contains(t, res.Results, "survey")
	assert.NotContains(t, res.Results, "broken")

	again := f.scanner.ScanAll(context.Background(), notes)
	assert.Equal(t, 0, again.Scanned)
	assert.Equal(t, 1, again.SkippedCached)
	assert.Equal(t, 5, again.TotalMatches)
}
