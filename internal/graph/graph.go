package graph

import "sort"

// View is an in-memory snapshot of the index's base facts, rebuilt for each
// query. It holds indexed nodes and stored edges with adjacency indexes so
// that traversal and degree lookups are O(result) rather than O(graph).
//
// A View is built by a single goroutine and read-only afterwards.
type View struct {
	nodes map[string]*IndexedNode
	edges []Edge

	// Secondary indexes over edges, by position in edges.
	byType   map[EdgeType][]int
	outgoing map[string][]int
	incoming map[string][]int
}

// NewView creates an empty view.
func NewView() *View {
	return &View{
		nodes:    make(map[string]*IndexedNode),
		byType:   make(map[EdgeType][]int),
		outgoing: make(map[string][]int),
		incoming: make(map[string][]int),
	}
}

// BuildView creates a view from a snapshot of nodes and edges.
func BuildView(nodes []*IndexedNode, edges []Edge) *View {
	v := NewView()
	for _, n := range nodes {
		v.AddNode(n)
	}
	for _, e := range edges {
		v.AddEdge(e)
	}
	return v
}

// AddNode adds a node, replacing any node with the same key.
func (v *View) AddNode(node *IndexedNode) {
	v.nodes[node.Key] = node
}

// AddEdge appends an edge and indexes it.
func (v *View) AddEdge(e Edge) {
	idx := len(v.edges)
	v.edges = append(v.edges, e)
	v.byType[e.Type] = append(v.byType[e.Type], idx)
	v.outgoing[e.Source] = append(v.outgoing[e.Source], idx)
	v.incoming[e.Target] = append(v.incoming[e.Target], idx)
}

// Node returns the node with the given key, or nil.
func (v *View) Node(key string) *IndexedNode {
	return v.nodes[key]
}

// NodeCount returns the number of nodes.
func (v *View) NodeCount() int {
	return len(v.nodes)
}

// EdgeCount returns the number of stored edges.
func (v *View) EdgeCount() int {
	return len(v.edges)
}

// Keys returns all node keys in sorted order.
func (v *View) Keys() []string {
	keys := make([]string, 0, len(v.nodes))
	for k := range v.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Edges returns all stored edges.
func (v *View) Edges() []Edge {
	return v.edges
}

// CountEdgesByType returns the number of stored edges of type t.
func (v *View) CountEdgesByType(t EdgeType) int {
	return len(v.byType[t])
}

// Outgoing returns edges whose source is key.
func (v *View) Outgoing(key string) []Edge {
	return v.collect(v.outgoing[key])
}

// Incoming returns edges whose target is key.
func (v *View) Incoming(key string) []Edge {
	return v.collect(v.incoming[key])
}

// Degree returns the in- and out-degree of key over stored edges.
func (v *View) Degree(key string) (in, out int) {
	return len(v.incoming[key]), len(v.outgoing[key])
}

// Neighbors returns the distinct keys adjacent to key in either direction.
func (v *View) Neighbors(key string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, idx := range v.outgoing[key] {
		if t := v.edges[idx].Target; !seen[t] && t != key {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, idx := range v.incoming[key] {
		if s := v.edges[idx].Source; !seen[s] && s != key {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Reachable runs a breadth-first search from center over the undirected union
// of all edges and returns the hop distance of every reached node. Only nodes
// present in the view are visited. maxDepth <= 0 means unbounded.
func (v *View) Reachable(center string, maxDepth int) map[string]int {
	dist := make(map[string]int)
	if _, ok := v.nodes[center]; !ok {
		return dist
	}

	dist[center] = 0
	queue := []string{center}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		d := dist[cur]
		if maxDepth > 0 && d >= maxDepth {
			continue
		}
		for _, next := range v.Neighbors(cur) {
			if _, seen := dist[next]; seen {
				continue
			}
			if _, ok := v.nodes[next]; !ok {
				continue
			}
			dist[next] = d + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// ShortestPath returns the keys on one shortest undirected path from start
// to end, both included, or nil when either is unknown or end is unreachable.
// Neighbors are visited in key order, so the path is deterministic.
func (v *View) ShortestPath(start, end string) []string {
	if v.nodes[start] == nil || v.nodes[end] == nil {
		return nil
	}
	prev := map[string]string{start: ""}
	queue := []string{start}
	for len(queue) > 0 && prev[end] == "" && start != end {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range v.Neighbors(cur) {
			if _, seen := prev[next]; seen || v.nodes[next] == nil {
				continue
			}
			prev[next] = cur
			queue = append(queue, next)
		}
	}
	if _, ok := prev[end]; !ok {
		return nil
	}

	var path []string
	for k := end; k != ""; k = prev[k] {
		path = append(path, k)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func (v *View) collect(idxs []int) []Edge {
	if len(idxs) == 0 {
		return nil
	}
	out := make([]Edge, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, v.edges[idx])
	}
	return out
}
