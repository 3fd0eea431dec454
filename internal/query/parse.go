// Package query answers traversal and statistics queries over the graph
// index. Every call rebuilds an in-memory view from a snapshot of the stored
// facts; the package holds no graph state between calls.
package query

import (
	"strconv"
	"strings"

	"github.com/Benny93/notegraph/internal/graph"
)

// DefaultDepth is the BFS bound of a centered query without depth:.
const DefaultDepth = 2

// Parse reads a whitespace-separated query string. Recognized tokens are
// from:<key>, depth:<n>, type:<t>, category:<c>, has:time, orphans, hubs,
// links:>N, links:<N and path:<a>-><b>. Anything else is a text term.
// Malformed values fall back to defaults rather than failing.
func Parse(s string) graph.GraphQuery {
	return ParseWithDepth(s, DefaultDepth)
}

// ParseWithDepth is Parse with a configurable depth for centered queries
// that carry no depth: token.
func ParseWithDepth(s string, defaultDepth int) graph.GraphQuery {
	if defaultDepth <= 0 {
		defaultDepth = DefaultDepth
	}
	var q graph.GraphQuery
	depthSet := false

	for _, part := range strings.Fields(s) {
		switch {
		case strings.HasPrefix(part, "from:"):
			q.Center = strings.TrimPrefix(part, "from:")
		case strings.HasPrefix(part, "depth:"):
			d, err := strconv.Atoi(strings.TrimPrefix(part, "depth:"))
			if err != nil || d <= 0 {
				d = defaultDepth
			}
			q.Depth, depthSet = d, true
		case strings.HasPrefix(part, "type:"):
			q.TypeFilter = graph.NodeType(strings.ToLower(strings.TrimPrefix(part, "type:")))
		case strings.HasPrefix(part, "category:"):
			q.CategoryFilter = strings.TrimPrefix(part, "category:")
		case part == "has:time":
			q.HasTime = true
		case part == "orphans":
			q.OrphansOnly = true
		case part == "hubs":
			q.HubsOnly = true
		case strings.HasPrefix(part, "links:>"):
			q.MinLinks = parseBound(strings.TrimPrefix(part, "links:>"))
		case strings.HasPrefix(part, "links:<"):
			q.MaxLinks = parseBound(strings.TrimPrefix(part, "links:<"))
		case isPath(part):
			q.PathStart, q.PathEnd, _ = strings.Cut(strings.TrimPrefix(part, "path:"), "->")
		default:
			q.Terms = append(q.Terms, part)
		}
	}

	switch {
	case q.Center == "":
		q.Depth = 0
	case !depthSet:
		q.Depth = defaultDepth
	}
	return q
}

// isPath reports whether part is a well-formed path:<a>-><b> token.
func isPath(part string) bool {
	rest, ok := strings.CutPrefix(part, "path:")
	if !ok {
		return false
	}
	a, b, ok := strings.Cut(rest, "->")
	return ok && a != "" && b != ""
}

func parseBound(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}
