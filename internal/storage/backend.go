// Package storage provides the persisted graph index for notegraph.
//
// It defines the Index interface that the service and the query layer use,
// along with the BadgerDB implementation. The index stores indexed nodes,
// derived edges, manual edges and the citation scan cache under namespaced
// key prefixes of a single badger database.
package storage

import (
	"context"

	"github.com/Benny93/notegraph/internal/graph"
)

// Index defines the graph index operations.
//
// Implementations must be safe for concurrent use. Every mutation is atomic:
// either all of its writes are visible or none are.
type Index interface {
	// Derived edges

	// Reconcile replaces the crosslink and parent edges sourced at node.Key
	// with derived, writes the node and recomputes the degrees of the node
	// and of every old or new neighbour.
	Reconcile(ctx context.Context, node *graph.IndexedNode, derived []graph.Edge) error

	// RemoveNote deletes the node and every edge touching it. An absent key
	// is a no-op.
	RemoveNote(ctx context.Context, key string) error

	// SyncCitations replaces the citation edges sourced at key.
	SyncCitations(ctx context.Context, key string, matches []graph.CitationMatch) error

	// Manual edges

	// AddManualEdge ensures a manual edge exists. It reports whether the edge
	// was created by this call.
	AddManualEdge(ctx context.Context, source, target, annotation string) (bool, error)

	// RemoveManualEdge deletes a manual edge.
	RemoveManualEdge(ctx context.Context, source, target string) error

	// SetAnnotation replaces the annotation of a manual edge.
	SetAnnotation(ctx context.Context, source, target, annotation string) error

	// Reads

	// ReadNode returns the indexed node, or nil if absent.
	ReadNode(ctx context.Context, key string) (*graph.IndexedNode, error)

	// ReadEdgesFor returns every stored edge where key is source or target.
	ReadEdgesFor(ctx context.Context, key string) ([]graph.Edge, error)

	// ScanAll returns all nodes and edges from one consistent snapshot.
	ScanAll(ctx context.Context) ([]*graph.IndexedNode, []graph.Edge, error)

	// NodeKeys returns every indexed key in sorted order.
	NodeKeys(ctx context.Context) ([]string, error)

	// Citation cache

	// SaveScanResult stores r under (r.SourceKey, r.Fingerprint).
	SaveScanResult(ctx context.Context, r *graph.ScanResult) error

	// LoadScanResult returns the cached result for (key, fingerprint), or nil.
	LoadScanResult(ctx context.Context, key, fingerprint string) (*graph.ScanResult, error)

	// LatestScanResult returns the most recent cached result for key, or nil.
	LatestScanResult(ctx context.Context, key string) (*graph.ScanResult, error)

	// Lifecycle

	// Close releases all resources held by the index.
	Close() error
}

// Compile-time check.
var _ Index = (*BadgerIndex)(nil)
