package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/config"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/keylock"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/metrics"
)

// Key prefixes for different data types
const (
	prefixNode          = "n:"  // indexed node
	prefixEdge          = "e:"  // derived edge, source-major
	prefixEdgeReverse   = "ei:" // derived edge, target-major
	prefixManual        = "m:"  // manual edge, source-major
	prefixManualReverse = "mi:" // manual edge, target-major
	prefixCache         = "c:"  // citation scan cache

	sep = "\x00"
)

// Options configures a BadgerIndex.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	// Clock stamps indexed nodes and manual edges. Defaults to time.Now.
	Clock func() time.Time
}

// OptionsFromConfig builds Options from the index section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Path:       cfg.IndexPath(),
		InMemory:   cfg.Index.InMemory,
		SyncWrites: cfg.Index.SyncWrites,
	}
}

// BadgerIndex is a BadgerDB-backed Index.
type BadgerIndex struct {
	db      *badger.DB
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	// locks serializes mutations of the same source key.
	locks keylock.Map
}

// Open opens or creates the index described by opts.
func Open(opts Options) (*BadgerIndex, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Path).
			WithNumCompactors(2).
			WithNumMemtables(5).
			WithSyncWrites(opts.SyncWrites)
	}
	bopts = bopts.WithLogger(logging.NewBadgerLogger(opts.Logger))

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger DB: %w: %w", apperr.ErrStore, err)
	}

	return &BadgerIndex{
		db:      db,
		log:     opts.Logger.WithField("component", "index"),
		metrics: opts.Metrics,
		now:     opts.Clock,
	}, nil
}

// Close releases all resources held by the index.
func (b *BadgerIndex) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Reconcile replaces the crosslink and parent edges sourced at node.Key.
// Duplicate (target, type) pairs in derived are merged by summing weights.
// Citation and manual edges are left untouched. Idempotent.
func (b *BadgerIndex) Reconcile(ctx context.Context, node *graph.IndexedNode, derived []graph.Edge) error {
	if node == nil || !validKey(node.Key) {
		return fmt.Errorf("reconciling node: %w: invalid key", apperr.ErrValidation)
	}
	key := node.Key

	unlock := b.locks.Lock(key)
	defer unlock()

	merged := make(map[edgeID]int)
	for _, e := range derived {
		if e.Type != graph.EdgeCrosslink && e.Type != graph.EdgeParent {
			continue
		}
		if e.Target == key || !validKey(e.Target) {
			continue
		}
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		merged[edgeID{Source: key, Target: e.Target, Type: e.Type}] += w
	}

	err := b.update(ctx, func(txn *badger.Txn) error {
		touched := map[string]struct{}{key: {}}

		old, err := sourceEdges(txn, key)
		if err != nil {
			return err
		}
		for _, id := range old {
			if id.Type != graph.EdgeCrosslink && id.Type != graph.EdgeParent {
				continue
			}
			if err := deleteEdge(txn, id); err != nil {
				return err
			}
			touched[id.Target] = struct{}{}
		}

		for id, w := range merged {
			if err := setEdge(txn, id, w); err != nil {
				return err
			}
			touched[id.Target] = struct{}{}
		}

		stored := *node
		if stored.IndexedAt.IsZero() {
			stored.IndexedAt = b.now()
		}
		if err := putNode(txn, &stored); err != nil {
			return err
		}

		return refreshDegrees(txn, touched)
	})
	if err != nil {
		return wrapErr(fmt.Sprintf("reconciling %q", key), err)
	}

	b.metrics.IndexMutations.WithLabelValues("reconcile").Inc()
	b.log.WithFields(logrus.Fields{"key": key, "edges": len(merged)}).Debug("index.reconcile")
	return nil
}

// RemoveNote deletes the node, every derived edge where key is source or
// target and every manual edge touching key. Absent keys are a no-op.
func (b *BadgerIndex) RemoveNote(ctx context.Context, key string) error {
	if !validKey(key) {
		return nil
	}

	unlock := b.locks.Lock(key)
	defer unlock()

	removed := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		removed = false
		node, err := getNode(txn, key)
		if err != nil {
			return err
		}
		if node == nil {
			return nil
		}
		removed = true

		touched := make(map[string]struct{})

		out, err := sourceEdges(txn, key)
		if err != nil {
			return err
		}
		in, err := targetEdges(txn, key)
		if err != nil {
			return err
		}
		for _, id := range append(out, in...) {
			if err := deleteEdge(txn, id); err != nil {
				return err
			}
			touched[id.Source] = struct{}{}
			touched[id.Target] = struct{}{}
		}

		manualOut, err := manualSourceEdges(txn, key)
		if err != nil {
			return err
		}
		manualIn, err := manualTargetEdges(txn, key)
		if err != nil {
			return err
		}
		for _, id := range append(manualOut, manualIn...) {
			if err := deleteManual(txn, id.Source, id.Target); err != nil {
				return err
			}
			touched[id.Source] = struct{}{}
			touched[id.Target] = struct{}{}
		}

		if err := txn.Delete([]byte(nodeKey(key))); err != nil {
			return err
		}
		delete(touched, key)

		return refreshDegrees(txn, touched)
	})
	if err != nil {
		return wrapErr(fmt.Sprintf("removing %q", key), err)
	}

	if removed {
		b.metrics.IndexMutations.WithLabelValues("remove").Inc()
		b.log.WithField("key", key).Debug("index.remove")
	}
	return nil
}

// SyncCitations replaces the citation edges sourced at key with one edge per
// distinct resolved target. Unresolved matches, self matches, targets that
// are not indexed and targets already linked from key by a crosslink or
// parent edge produce no edge. Nothing is written when key is not indexed.
func (b *BadgerIndex) SyncCitations(ctx context.Context, key string, matches []graph.CitationMatch) error {
	if !validKey(key) {
		return fmt.Errorf("syncing citations: %w: invalid key", apperr.ErrValidation)
	}

	unlock := b.locks.Lock(key)
	defer unlock()

	written := 0
	err := b.update(ctx, func(txn *badger.Txn) error {
		written = 0
		node, err := getNode(txn, key)
		if err != nil {
			return err
		}
		if node == nil {
			return nil
		}

		touched := map[string]struct{}{key: {}}

		out, err := sourceEdges(txn, key)
		if err != nil {
			return err
		}
		linked := make(map[string]bool)
		for _, id := range out {
			if id.Type != graph.EdgeCitation {
				linked[id.Target] = true
				continue
			}
			if err := deleteEdge(txn, id); err != nil {
				return err
			}
			touched[id.Target] = struct{}{}
		}

		seen := make(map[string]bool)
		for _, m := range matches {
			tgt := m.TargetKey
			if !m.Resolved() || tgt == key || !validKey(tgt) || seen[tgt] || linked[tgt] {
				continue
			}
			target, err := getNode(txn, tgt)
			if err != nil {
				return err
			}
			if target == nil {
				continue
			}
			seen[tgt] = true
			if err := setEdge(txn, edgeID{Source: key, Target: tgt, Type: graph.EdgeCitation}, 1); err != nil {
				return err
			}
			touched[tgt] = struct{}{}
			written++
		}

		return refreshDegrees(txn, touched)
	})
	if err != nil {
		return wrapErr(fmt.Sprintf("syncing citations of %q", key), err)
	}

	b.metrics.IndexMutations.WithLabelValues("sync_citations").Inc()
	b.log.WithFields(logrus.Fields{"key": key, "citations": written}).Debug("index.sync_citations")
	return nil
}

// AddManualEdge ensures the manual edge source -> target exists. An existing
// edge is left as is and false is returned.
func (b *BadgerIndex) AddManualEdge(ctx context.Context, source, target, annotation string) (bool, error) {
	if !validKey(source) || !validKey(target) {
		return false, fmt.Errorf("adding manual edge: %w: source and target are required", apperr.ErrValidation)
	}
	if source == target {
		return false, fmt.Errorf("adding manual edge: %w: self loop on %q", apperr.ErrValidation, source)
	}

	unlock := b.locks.Lock(source)
	defer unlock()

	created := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		created = false
		for _, k := range []string{source, target} {
			n, err := getNode(txn, k)
			if err != nil {
				return err
			}
			if n == nil {
				return fmt.Errorf("%w: node %q", apperr.ErrNotFound, k)
			}
		}

		existing, err := getManual(txn, source, target)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		if err := putManual(txn, source, target, &graph.ManualEdge{
			Annotation: annotation,
			Created:    b.now(),
		}); err != nil {
			return err
		}
		if err := txn.Set([]byte(manualReverseKey(source, target)), nil); err != nil {
			return err
		}
		created = true

		return refreshDegrees(txn, map[string]struct{}{source: {}, target: {}})
	})
	if err != nil {
		return false, wrapErr("adding manual edge", err)
	}

	if created {
		b.metrics.IndexMutations.WithLabelValues("add_manual").Inc()
		b.log.WithFields(logrus.Fields{"source": source, "target": target}).Debug("index.add_manual")
	}
	return created, nil
}

// RemoveManualEdge deletes the manual edge source -> target.
func (b *BadgerIndex) RemoveManualEdge(ctx context.Context, source, target string) error {
	if !validKey(source) || !validKey(target) {
		return fmt.Errorf("removing manual edge: %w: source and target are required", apperr.ErrValidation)
	}

	unlock := b.locks.Lock(source)
	defer unlock()

	err := b.update(ctx, func(txn *badger.Txn) error {
		existing, err := getManual(txn, source, target)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: manual edge %s -> %s", apperr.ErrNotFound, source, target)
		}
		if err := deleteManual(txn, source, target); err != nil {
			return err
		}
		return refreshDegrees(txn, map[string]struct{}{source: {}, target: {}})
	})
	if err != nil {
		return wrapErr("removing manual edge", err)
	}

	b.metrics.IndexMutations.WithLabelValues("remove_manual").Inc()
	return nil
}

// SetAnnotation replaces the annotation of the manual edge source -> target.
// An empty annotation clears it.
func (b *BadgerIndex) SetAnnotation(ctx context.Context, source, target, annotation string) error {
	if !validKey(source) || !validKey(target) {
		return fmt.Errorf("setting annotation: %w: source and target are required", apperr.ErrValidation)
	}

	unlock := b.locks.Lock(source)
	defer unlock()

	err := b.update(ctx, func(txn *badger.Txn) error {
		existing, err := getManual(txn, source, target)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: manual edge %s -> %s", apperr.ErrNotFound, source, target)
		}
		existing.Annotation = annotation
		return putManual(txn, source, target, existing)
	})
	if err != nil {
		return wrapErr("setting annotation", err)
	}

	b.metrics.IndexMutations.WithLabelValues("annotate").Inc()
	return nil
}

// ReadNode returns the indexed node for key, or nil if absent.
func (b *BadgerIndex) ReadNode(ctx context.Context, key string) (*graph.IndexedNode, error) {
	var node *graph.IndexedNode
	err := b.view(ctx, func(txn *badger.Txn) error {
		var err error
		node, err = getNode(txn, key)
		return err
	})
	if err != nil {
		return nil, wrapErr("reading node", err)
	}
	return node, nil
}

// ReadEdgesFor returns every stored edge where key is source or target,
// sorted by source, target and type.
func (b *BadgerIndex) ReadEdgesFor(ctx context.Context, key string) ([]graph.Edge, error) {
	var edges []graph.Edge
	err := b.view(ctx, func(txn *badger.Txn) error {
		out, err := sourceEdges(txn, key)
		if err != nil {
			return err
		}
		in, err := targetEdges(txn, key)
		if err != nil {
			return err
		}
		for _, id := range append(out, in...) {
			w, err := getWeight(txn, id)
			if err != nil {
				return err
			}
			edges = append(edges, graph.Edge{Source: id.Source, Target: id.Target, Type: id.Type, Weight: w})
		}

		manualOut, err := manualSourceEdges(txn, key)
		if err != nil {
			return err
		}
		manualIn, err := manualTargetEdges(txn, key)
		if err != nil {
			return err
		}
		for _, id := range append(manualOut, manualIn...) {
			me, err := getManual(txn, id.Source, id.Target)
			if err != nil {
				return err
			}
			if me == nil {
				continue
			}
			edges = append(edges, manualToEdge(id.Source, id.Target, me))
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("reading edges", err)
	}

	sortEdges(edges)
	return edges, nil
}

// ScanAll returns all nodes and all edges, derived and manual, read from one
// snapshot. Nodes are sorted by key and edges by source, target and type.
func (b *BadgerIndex) ScanAll(ctx context.Context) ([]*graph.IndexedNode, []graph.Edge, error) {
	var (
		nodes []*graph.IndexedNode
		edges []graph.Edge
	)
	err := b.view(ctx, func(txn *badger.Txn) error {
		if err := iteratePrefix(txn, prefixNode, true, func(_, val []byte) error {
			var n graph.IndexedNode
			if err := json.Unmarshal(val, &n); err != nil {
				return fmt.Errorf("unmarshaling node: %w", err)
			}
			nodes = append(nodes, &n)
			return nil
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixEdge, true, func(k, val []byte) error {
			id, ok := parseEdgeKey(string(k), prefixEdge)
			if !ok {
				return nil
			}
			w, err := decodeWeight(val)
			if err != nil {
				return err
			}
			edges = append(edges, graph.Edge{Source: id.Source, Target: id.Target, Type: id.Type, Weight: w})
			return nil
		}); err != nil {
			return err
		}

		return iteratePrefix(txn, prefixManual, true, func(k, val []byte) error {
			src, tgt, ok := parsePair(string(k), prefixManual)
			if !ok {
				return nil
			}
			var me graph.ManualEdge
			if err := json.Unmarshal(val, &me); err != nil {
				return fmt.Errorf("unmarshaling manual edge: %w", err)
			}
			edges = append(edges, manualToEdge(src, tgt, &me))
			return nil
		})
	})
	if err != nil {
		return nil, nil, wrapErr("scanning index", err)
	}

	sortEdges(edges)
	return nodes, edges, nil
}

// NodeKeys returns every indexed key in sorted order.
func (b *BadgerIndex) NodeKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.view(ctx, func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixNode, false, func(k, _ []byte) error {
			keys = append(keys, strings.TrimPrefix(string(k), prefixNode))
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("listing node keys", err)
	}
	return keys, nil
}

// SaveScanResult stores r under (r.SourceKey, r.Fingerprint), replacing any
// entry with the same fingerprint.
func (b *BadgerIndex) SaveScanResult(ctx context.Context, r *graph.ScanResult) error {
	if r == nil || !validKey(r.SourceKey) || r.Fingerprint == "" {
		return fmt.Errorf("saving scan result: %w: key and fingerprint are required", apperr.ErrValidation)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling scan result: %w", err)
	}
	err = b.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(cacheKey(r.SourceKey, r.Fingerprint)), data)
	})
	return wrapErr("saving scan result", err)
}

// LoadScanResult returns the cached result for (key, fingerprint), or nil.
func (b *BadgerIndex) LoadScanResult(ctx context.Context, key, fingerprint string) (*graph.ScanResult, error) {
	var r *graph.ScanResult
	err := b.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cacheKey(key, fingerprint)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r = &graph.ScanResult{}
			return json.Unmarshal(val, r)
		})
	})
	if err != nil {
		return nil, wrapErr("loading scan result", err)
	}
	return r, nil
}

// LatestScanResult returns the cached result for key with the newest
// timestamp, or nil when key was never scanned.
func (b *BadgerIndex) LatestScanResult(ctx context.Context, key string) (*graph.ScanResult, error) {
	var latest *graph.ScanResult
	err := b.view(ctx, func(txn *badger.Txn) error {
		return iteratePrefix(txn, cachePrefix(key), true, func(_, val []byte) error {
			var r graph.ScanResult
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("unmarshaling scan result: %w", err)
			}
			if latest == nil || r.Timestamp.After(latest.Timestamp) {
				latest = &r
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("loading latest scan result", err)
	}
	return latest, nil
}

// maxConflictBackoff caps the jittered pause between conflict retries.
const maxConflictBackoff = 32 * time.Millisecond

// update runs fn in a read-write transaction, retrying on badger.ErrConflict
// until the commit succeeds or ctx is done. A conflict means another
// transaction committed, so contended writers always make progress.
func (b *BadgerIndex) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		txn := b.db.NewTransaction(true)
		err := fn(txn)
		if err == nil {
			err = txn.Commit()
		}
		txn.Discard()

		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.log.WithField("attempt", attempt+1).Debug("index.conflict_retry")

		timer := time.NewTimer(conflictBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// conflictBackoff returns a random pause that grows with attempt up to
// maxConflictBackoff.
func conflictBackoff(attempt int) time.Duration {
	ceiling := time.Millisecond << min(attempt, 5)
	if ceiling > maxConflictBackoff {
		ceiling = maxConflictBackoff
	}
	return time.Duration(rand.Int64N(int64(ceiling))) + time.Microsecond
}

// view runs fn in a read-only snapshot transaction.
func (b *BadgerIndex) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := b.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// wrapErr prefixes err with op. Errors not already classified are marked as
// store failures.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrStore) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, apperr.ErrStore, err)
}

func validKey(key string) bool {
	return key != "" && !strings.Contains(key, sep)
}

// Key builders

func nodeKey(key string) string {
	return prefixNode + key
}

type edgeID struct {
	Source string
	Target string
	Type   graph.EdgeType
}

func edgeKey(id edgeID) string {
	return prefixEdge + id.Source + sep + id.Target + sep + string(id.Type)
}

func edgeReverseKey(id edgeID) string {
	return prefixEdgeReverse + id.Target + sep + id.Source + sep + string(id.Type)
}

func manualKey(source, target string) string {
	return prefixManual + source + sep + target
}

func manualReverseKey(source, target string) string {
	return prefixManualReverse + target + sep + source
}

func cachePrefix(key string) string {
	return prefixCache + key + sep
}

func cacheKey(key, fingerprint string) string {
	return cachePrefix(key) + fingerprint
}

// parseEdgeKey splits a forward or reverse derived-edge key.
func parseEdgeKey(k, prefix string) (edgeID, bool) {
	parts := strings.SplitN(strings.TrimPrefix(k, prefix), sep, 3)
	if len(parts) != 3 {
		return edgeID{}, false
	}
	if prefix == prefixEdgeReverse {
		return edgeID{Source: parts[1], Target: parts[0], Type: graph.EdgeType(parts[2])}, true
	}
	return edgeID{Source: parts[0], Target: parts[1], Type: graph.EdgeType(parts[2])}, true
}

// parsePair splits a manual-edge key into its two keys, in key order.
func parsePair(k, prefix string) (first, second string, ok bool) {
	first, second, ok = strings.Cut(strings.TrimPrefix(k, prefix), sep)
	return first, second, ok
}

// Transaction helpers. Read-write transactions allow one open iterator at a
// time, so every scan collects its keys before the caller mutates them.

func iteratePrefix(txn *badger.Txn, prefix string, values bool, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = values
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var val []byte
		if values {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			val = v
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

func countPrefix(txn *badger.Txn, prefix string) (int, error) {
	n := 0
	err := iteratePrefix(txn, prefix, false, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func sourceEdges(txn *badger.Txn, key string) ([]edgeID, error) {
	return collectEdges(txn, prefixEdge+key+sep, prefixEdge)
}

func targetEdges(txn *badger.Txn, key string) ([]edgeID, error) {
	return collectEdges(txn, prefixEdgeReverse+key+sep, prefixEdgeReverse)
}

func collectEdges(txn *badger.Txn, scan, prefix string) ([]edgeID, error) {
	var ids []edgeID
	err := iteratePrefix(txn, scan, false, func(k, _ []byte) error {
		if id, ok := parseEdgeKey(string(k), prefix); ok {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func manualSourceEdges(txn *badger.Txn, key string) ([]edgeID, error) {
	var ids []edgeID
	err := iteratePrefix(txn, prefixManual+key+sep, false, func(k, _ []byte) error {
		if src, tgt, ok := parsePair(string(k), prefixManual); ok {
			ids = append(ids, edgeID{Source: src, Target: tgt, Type: graph.EdgeManual})
		}
		return nil
	})
	return ids, err
}

func manualTargetEdges(txn *badger.Txn, key string) ([]edgeID, error) {
	var ids []edgeID
	err := iteratePrefix(txn, prefixManualReverse+key+sep, false, func(k, _ []byte) error {
		if tgt, src, ok := parsePair(string(k), prefixManualReverse); ok {
			ids = append(ids, edgeID{Source: src, Target: tgt, Type: graph.EdgeManual})
		}
		return nil
	})
	return ids, err
}

func getNode(txn *badger.Txn, key string) (*graph.IndexedNode, error) {
	item, err := txn.Get([]byte(nodeKey(key)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}

	var node graph.IndexedNode
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	return &node, nil
}

func putNode(txn *badger.Txn, node *graph.IndexedNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshaling node: %w", err)
	}
	return txn.Set([]byte(nodeKey(node.Key)), data)
}

func setEdge(txn *badger.Txn, id edgeID, weight int) error {
	if err := txn.Set([]byte(edgeKey(id)), binary.AppendUvarint(nil, uint64(weight))); err != nil {
		return err
	}
	return txn.Set([]byte(edgeReverseKey(id)), nil)
}

func deleteEdge(txn *badger.Txn, id edgeID) error {
	if err := txn.Delete([]byte(edgeKey(id))); err != nil {
		return err
	}
	return txn.Delete([]byte(edgeReverseKey(id)))
}

func getWeight(txn *badger.Txn, id edgeID) (int, error) {
	item, err := txn.Get([]byte(edgeKey(id)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return decodeWeight(val)
}

func decodeWeight(val []byte) (int, error) {
	w, n := binary.Uvarint(val)
	if n <= 0 {
		return 0, fmt.Errorf("decoding edge weight: malformed value")
	}
	return int(w), nil
}

func getManual(txn *badger.Txn, source, target string) (*graph.ManualEdge, error) {
	item, err := txn.Get([]byte(manualKey(source, target)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting manual edge: %w", err)
	}

	var me graph.ManualEdge
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &me)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling manual edge: %w", err)
	}
	return &me, nil
}

func putManual(txn *badger.Txn, source, target string, me *graph.ManualEdge) error {
	data, err := json.Marshal(me)
	if err != nil {
		return fmt.Errorf("marshaling manual edge: %w", err)
	}
	return txn.Set([]byte(manualKey(source, target)), data)
}

func deleteManual(txn *badger.Txn, source, target string) error {
	if err := txn.Delete([]byte(manualKey(source, target))); err != nil {
		return err
	}
	return txn.Delete([]byte(manualReverseKey(source, target)))
}

func manualToEdge(source, target string, me *graph.ManualEdge) graph.Edge {
	return graph.Edge{
		Source:     source,
		Target:     target,
		Type:       graph.EdgeManual,
		Weight:     1,
		Annotation: me.Annotation,
		Created:    me.Created,
	}
}

// refreshDegrees recounts the stored edges of every key in keys and rewrites
// the nodes whose degrees changed. Keys without a node are skipped.
func refreshDegrees(txn *badger.Txn, keys map[string]struct{}) error {
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		node, err := getNode(txn, key)
		if err != nil {
			return err
		}
		if node == nil {
			continue
		}

		out, in := 0, 0
		for _, p := range []string{prefixEdge, prefixManual} {
			n, err := countPrefix(txn, p+key+sep)
			if err != nil {
				return err
			}
			out += n
		}
		for _, p := range []string{prefixEdgeReverse, prefixManualReverse} {
			n, err := countPrefix(txn, p+key+sep)
			if err != nil {
				return err
			}
			in += n
		}

		if node.InDegree == in && node.OutDegree == out {
			continue
		}
		node.InDegree, node.OutDegree = in, out
		if err := putNode(txn, node); err != nil {
			return err
		}
	}
	return nil
}

func sortEdges(edges []graph.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Type < b.Type
	})
}
