package citations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/notegraph/internal/graph"
)

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func paperNote(key, title string, created time.Time, sources []graph.PaperSource, bibtex ...string) *graph.Note {
	return &graph.Note{
		Key:     key,
		Type:    graph.NodePaper,
		Title:   title,
		Created: created,
		Paper: &graph.PaperMeta{
			BibtexEntries: bibtex,
			Sources:       sources,
		},
	}
}

func testNotes() []*graph.Note {
	return []*graph.Note{
		paperNote("attention", "Attention Is All You Need", day(1),
			[]graph.PaperSource{{Type: "arxiv", Identifier: "1706.03762"}}),
		paperNote("bert", "BERT: Pre-training of Deep Bidirectional Transformers", day(2),
			[]graph.PaperSource{{Type: "doi", Identifier: "https://doi.org/10.18653/v1/N19-1423"}}),
		{Key: "deep-learning", Type: graph.NodeNote, Title: "Deep Learning", Created: day(3)},
		paperNote("resnet", "Deep Residual Learning for Image Recognition", day(4), nil),
		paperNote("lamport78", "Time, Clocks, and the Ordering of Events in a Distributed System", day(5), nil,
			`@article{lamport1978, author = {Leslie Lamport}, title = {Time, Clocks, and the Ordering of Events in a Distributed System}, year = {1978}}`),
		paperNote("survey", "A Survey of Everything Important", day(6), nil),
	}
}

func TestPool_Match(t *testing.T) {
	t.Parallel()

	pool := NewPool(testNotes(), 0)
	require.Equal(t, 6, pool.Len())

	tests := []struct {
		name       string
		raw        string
		key        string
		method     graph.MatchMethod
		confidence float64
	}{
		{"Arxiv", "[1] A. Vaswani et al. Attention is all you need. arXiv:1706.03762, 2017.", "attention", graph.MatchArxiv, 1.0},
		{"DOICaseInsensitive", "[2] J. Devlin, M. Chang. BERT. https://doi.org/10.18653/V1/N19-1423", "bert", graph.MatchDOI, 1.0},
		{"ExactTitle", "[3] Smith, J. (2020). Deep Learning.", "deep-learning", graph.MatchTitle, 0.9},
		{"FuzzyTitle", "[4] Kaiming He, Xiangyu Zhang. 2016. Deep residual learning for image recognition in practice. In CVPR.", "resnet", graph.MatchTitleFuzzy, 0.85 * 12.0 / 14.0},
		{"AuthorYear", "[6] Lamport, L. 1978. Clock paper with a different name. Communications.", "lamport78", graph.MatchAuthorYear, 0.40},
		{"Unmatched", "[5] Doe, J. (1999). Something entirely unrelated to anything here. Journal of Nothing.", "", graph.MatchNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := pool.Match(ParseReference(0, tt.raw))
			assert.Equal(t, tt.key, m.TargetKey)
			assert.Equal(t, tt.method, m.Method)
			assert.InDelta(t, tt.confidence, m.Confidence, 1e-9)
		})
	}
}

func TestPool_TieBreak(t *testing.T) {
	t.Parallel()

	notes := []*graph.Note{
		{Key: "z-older", Title: "Graph Databases in Practice", Created: day(1)},
		{Key: "a-newer", Title: "Graph Databases in Practice", Created: day(9)},
		{Key: "b-same-day", Title: "Graph Databases in Practice", Created: day(1)},
	}
	pool := NewPool(notes, 0)

	m := pool.Match(graph.ExtractedReference{Title: "Graph databases in practice"})
	assert.Equal(t, "b-same-day", m.TargetKey, "earliest created wins, then lowest key")

	m = pool.Match(graph.ExtractedReference{Title: "Graph databases in practice today"})
	assert.Equal(t, graph.MatchTitleFuzzy, m.Method)
	assert.Equal(t, "b-same-day", m.TargetKey)
}

func TestPool_AuthorYearNeedsEvidence(t *testing.T) {
	t.Parallel()

	notes := []*graph.Note{
		paperNote("paxos", "The Part-Time Parliament", day(1), nil,
			`@article{lamport1998, author = {Leslie Lamport and Barbara Liskov}, title = {The Part-Time Parliament}, year = {1998}}`),
		paperNote("other", "Another Paper Entirely", day(2), nil,
			`@article{smith1998, author = {Alice Smith and Leslie Lamport}, title = {Another Paper Entirely}, year = {1998}}`),
	}
	pool := NewPool(notes, 0)

	// A single vote on a non-first author is not enough.
	m := pool.Match(graph.ExtractedReference{Authors: []string{"liskov"}, Year: 1998})
	assert.False(t, m.Resolved())

	// Two unambiguous votes resolve without a first-author match.
	m = pool.Match(graph.ExtractedReference{Authors: []string{"liskov", "barbara"}, Year: 1998})
	assert.Equal(t, "paxos", m.TargetKey)
	assert.InDelta(t, 0.55, m.Confidence, 1e-9)
}

func TestPool_FloorRejectsWeakOverlap(t *testing.T) {
	t.Parallel()

	pool := NewPool([]*graph.Note{{Key: "x", Title: "Deep Residual Learning for Image Recognition"}}, 0.95)
	m := pool.Match(graph.ExtractedReference{Title: "Deep residual learning for image recognition in practice"})
	assert.Equal(t, graph.MatchNone, m.Method)
	assert.Empty(t, m.TargetKey)
}

func TestPool_FuzzyMatchesEveryTitle(t *testing.T) {
	t.Parallel()

	notes := []*graph.Note{
		paperNote("tay22", "Reading Notes on Sequence Models", day(1), nil,
			`@article{tay2022, author = {Yi Tay}, title = {Efficient Transformers for Long Sequence Modeling}, year = {2022}}`),
	}
	pool := NewPool(notes, 0)

	m := pool.Match(graph.ExtractedReference{Title: "Efficient transformers for long sequence modeling in practice"})
	assert.Equal(t, "tay22", m.TargetKey)
	assert.Equal(t, graph.MatchTitleFuzzy, m.Method)
	assert.InDelta(t, 0.85*12.0/14.0, m.Confidence, 1e-9)

	m = pool.Match(graph.ExtractedReference{Title: "Reading notes on sequence models revisited"})
	assert.Equal(t, "tay22", m.TargetKey)
	assert.Equal(t, graph.MatchTitleFuzzy, m.Method)
}
