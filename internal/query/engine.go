package query

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/metrics"
)

// Snapshotter returns a consistent snapshot of every stored node and edge.
type Snapshotter interface {
	ScanAll(ctx context.Context) ([]*graph.IndexedNode, []graph.Edge, error)
}

// Options configures an Engine.
type Options struct {
	// Rand samples the overflowing tier when pruning. Defaults to a
	// time-seeded source; tests inject a fixed seed.
	Rand    *rand.Rand
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Engine answers queries against a Snapshotter.
type Engine struct {
	src     Snapshotter
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	// rngMu guards rng, which is not safe for concurrent use.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine creates a query engine over src.
func NewEngine(src Snapshotter, opts Options) *Engine {
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &Engine{src: src, rng: opts.Rand, log: opts.Logger, metrics: opts.Metrics}
}

func (e *Engine) view(ctx context.Context) (*graph.View, error) {
	nodes, edges, err := e.src.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	v := graph.BuildView(nodes, edges)
	e.metrics.IndexedNodes.Set(float64(v.NodeCount()))
	return v, nil
}

// Stats computes aggregate statistics over every stored node and edge.
func (e *Engine) Stats(ctx context.Context) (graph.GraphStats, error) {
	start := time.Now()
	defer func() { e.metrics.QueryDuration.WithLabelValues("stats").Observe(time.Since(start).Seconds()) }()

	v, err := e.view(ctx)
	if err != nil {
		return graph.GraphStats{}, err
	}

	stats := newStats()
	stats.TotalEdges = v.EdgeCount()
	for _, t := range append(append([]graph.EdgeType{}, graph.DerivedTypes...), graph.EdgeManual) {
		if n := v.CountEdgesByType(t); n > 0 {
			stats.EdgesByType[t] = n
		}
	}
	for _, k := range v.Keys() {
		in, out := v.Degree(k)
		stats.addNode(v.Node(k).Type, in+out)
	}
	stats.finish()
	return stats, nil
}

// Query runs q and returns the matching subgraph. A center that is not
// indexed yields apperr.ErrNotFound.
func (e *Engine) Query(ctx context.Context, q graph.GraphQuery) (*graph.KnowledgeGraph, error) {
	start := time.Now()
	defer func() { e.metrics.QueryDuration.WithLabelValues("query").Observe(time.Since(start).Seconds()) }()

	v, err := e.view(ctx)
	if err != nil {
		return nil, err
	}
	if q.Center != "" && v.Node(q.Center) == nil {
		return nil, fmt.Errorf("query center %q: %w", q.Center, apperr.ErrNotFound)
	}

	// Candidate set with hop distances; -1 marks "no center".
	dist := make(map[string]int)
	if q.Center != "" {
		dist = v.Reachable(q.Center, q.Depth)
	} else {
		for _, k := range v.Keys() {
			dist[k] = -1
		}
	}

	pinned := make(map[string]bool)
	if q.Center != "" {
		pinned[q.Center] = true
	}
	if q.PathStart != "" && q.PathEnd != "" {
		for _, k := range v.ShortestPath(q.PathStart, q.PathEnd) {
			pinned[k] = true
			if _, ok := dist[k]; !ok {
				dist[k] = -1
			}
		}
	}

	kept := make(map[string]int, len(dist))
	for k, d := range dist {
		if k == q.Center || matches(v, v.Node(k), q) {
			kept[k] = d
		}
	}

	pruned := false
	if q.Center != "" && q.MaxNodes > 0 {
		kept, pruned = e.prune(kept, pinned, q.MaxNodes)
	}

	kg := buildResult(v, kept)
	kg.Pruned = pruned

	e.log.WithFields(logrus.Fields{
		"query":  q.Describe(),
		"nodes":  len(kg.Nodes),
		"edges":  len(kg.Edges),
		"pruned": pruned,
	}).Debug("query.run")
	return kg, nil
}

// matches applies the scalar filters and text terms to n.
func matches(v *graph.View, n *graph.IndexedNode, q graph.GraphQuery) bool {
	if n == nil {
		return false
	}
	if q.TypeFilter != "" && n.Type != q.TypeFilter {
		return false
	}
	if q.CategoryFilter != "" && n.PrimaryCategory != q.CategoryFilter {
		return false
	}
	if q.HasTime && n.TimeTotal == 0 {
		return false
	}

	in, out := v.Degree(n.Key)
	deg := in + out
	if q.MinLinks != nil && deg <= *q.MinLinks {
		return false
	}
	if q.MaxLinks != nil && deg >= *q.MaxLinks {
		return false
	}
	if q.OrphansOnly && deg > 0 {
		return false
	}
	if q.HubsOnly && deg < graph.HubThreshold {
		return false
	}

	if len(q.Terms) > 0 {
		title := strings.ToLower(n.Title)
		key := strings.ToLower(n.Key)
		for _, t := range q.Terms {
			t = strings.ToLower(t)
			if !strings.Contains(title, t) && !strings.Contains(key, t) {
				return false
			}
		}
	}
	return true
}

// prune keeps every node within one hop of the center plus pinned nodes,
// then admits deeper tiers whole while they fit the budget. The first tier
// that overflows is randomly sampled down to the remaining budget and no
// deeper tier is admitted. The budget grows to the size of the one-hop set
// when that alone exceeds maxNodes.
func (e *Engine) prune(kept map[string]int, pinned map[string]bool, maxNodes int) (map[string]int, bool) {
	out := make(map[string]int, len(kept))
	tiers := make(map[int][]string)
	for k, d := range kept {
		if d <= 1 || pinned[k] {
			out[k] = d
			continue
		}
		tiers[d] = append(tiers[d], k)
	}
	budget := max(maxNodes, len(out))

	depths := make([]int, 0, len(tiers))
	for d := range tiers {
		depths = append(depths, d)
	}
	sort.Ints(depths)

	for _, d := range depths {
		tier := tiers[d]
		sort.Strings(tier)
		room := budget - len(out)
		if len(tier) <= room {
			for _, k := range tier {
				out[k] = d
			}
			continue
		}

		e.rngMu.Lock()
		e.rng.Shuffle(len(tier), func(a, b int) { tier[a], tier[b] = tier[b], tier[a] })
		e.rngMu.Unlock()
		for _, k := range tier[:max(room, 0)] {
			out[k] = d
		}
		return out, true
	}
	return out, false
}

// buildResult assembles result nodes and aggregated edges for the kept keys.
func buildResult(v *graph.View, kept map[string]int) *graph.KnowledgeGraph {
	keys := make([]string, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kg := &graph.KnowledgeGraph{Nodes: make([]graph.ResultNode, 0, len(keys)), Edges: []graph.ResultEdge{}}
	stats := newStats()
	for _, k := range keys {
		n := v.Node(k)
		in, out := v.Degree(k)
		kg.Nodes = append(kg.Nodes, graph.ResultNode{
			Key:             n.Key,
			Title:           n.Title,
			Type:            n.Type,
			ShortLabel:      n.ShortLabel,
			Date:            n.Date,
			TimeTotal:       n.TimeTotal,
			PrimaryCategory: n.PrimaryCategory,
			InDegree:        in,
			OutDegree:       out,
			Parent:          n.ParentKey,
			Depth:           kept[k],
		})
		stats.addNode(n.Type, in+out)
	}

	type pair struct{ src, tgt string }
	agg := make(map[pair]*graph.ResultEdge)
	var order []pair
	for _, e := range v.Edges() {
		if _, ok := kept[e.Source]; !ok {
			continue
		}
		if _, ok := kept[e.Target]; !ok {
			continue
		}
		p := pair{e.Source, e.Target}
		re, ok := agg[p]
		if !ok {
			re = &graph.ResultEdge{Source: e.Source, Target: e.Target, Type: e.Type}
			agg[p] = re
			order = append(order, p)
		}
		re.Weight += max(e.Weight, 1)
		if edgePriority(e.Type) > edgePriority(re.Type) {
			re.Type = e.Type
		}
		if e.Type == graph.EdgeManual && e.Annotation != "" {
			re.Annotation = e.Annotation
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].src != order[j].src {
			return order[i].src < order[j].src
		}
		return order[i].tgt < order[j].tgt
	})
	for _, p := range order {
		re := agg[p]
		kg.Edges = append(kg.Edges, *re)
		stats.EdgesByType[re.Type]++
	}

	stats.TotalEdges = len(kg.Edges)
	stats.finish()
	kg.Stats = stats
	return kg
}

func edgePriority(t graph.EdgeType) int {
	switch t {
	case graph.EdgeManual:
		return 4
	case graph.EdgeCitation:
		return 3
	case graph.EdgeCrosslink:
		return 2
	case graph.EdgeParent:
		return 1
	}
	return 0
}

// statsBuilder accumulates GraphStats one node at a time.
type statsBuilder struct {
	graph.GraphStats
	totalDegree int
}

func newStats() *statsBuilder {
	return &statsBuilder{GraphStats: graph.GraphStats{
		EdgesByType:  make(map[graph.EdgeType]int),
		NodesByType:  make(map[graph.NodeType]int),
		HubThreshold: graph.HubThreshold,
	}}
}

func (s *statsBuilder) addNode(t graph.NodeType, degree int) {
	s.TotalNodes++
	s.NodesByType[t]++
	s.totalDegree += degree
	if degree == 0 {
		s.OrphanCount++
	}
	if degree >= graph.HubThreshold {
		s.HubCount++
	}
	s.MaxDegree = max(s.MaxDegree, degree)
}

func (s *statsBuilder) finish() {
	if s.TotalNodes > 0 {
		s.AvgDegree = float64(s.totalDegree) / float64(s.TotalNodes)
	}
}
