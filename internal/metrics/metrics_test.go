package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IndexMutations.WithLabelValues("reconcile").Inc()
	m.CitationCacheHits.Inc()
	m.CitationCacheHits.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexMutations.WithLabelValues("reconcile")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CitationCacheHits))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_NilRegistry(t *testing.T) {
	t.Parallel()

	m := New(nil)
	m.CitationMatchRuns.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CitationMatchRuns))
}
