// Package service is the collaborator API of notegraph. It ties the vault,
// the graph index, the citation scanner and the query engine together and
// owns the cross-component rules: when a note is reconciled, which notes are
// re-reconciled when a key appears or disappears, and how accepted citations
// reach both the note file and the index.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/citations"
	"github.com/Benny93/notegraph/internal/config"
	"github.com/Benny93/notegraph/internal/extract"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/keylock"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/metrics"
	"github.com/Benny93/notegraph/internal/query"
	"github.com/Benny93/notegraph/internal/storage"
	"github.com/Benny93/notegraph/internal/vault"
)

// Documents is the document store the service reads notes from and writes
// managed citation blocks to. *vault.Store implements it.
type Documents interface {
	citations.Documents
	Get(key string) (*graph.Note, error)
	ContentHash(key string) (string, error)
	WriteContent(key, content string) error
}

var _ Documents = (*vault.Store)(nil)

// Options configures a Service.
type Options struct {
	Config    *config.Config
	Index     storage.Index
	Documents Documents

	// Extractor overrides the pdftotext extractor built from Config.
	Extractor citations.TextExtractor

	// Rand seeds query pruning. Nil uses a time-seeded source.
	Rand *rand.Rand

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Service is the collaborator API. It does not own the index or the vault;
// the caller closes them.
type Service struct {
	cfg     *config.Config
	index   storage.Index
	docs    Documents
	scanner *citations.Scanner
	engine  *query.Engine
	log     logrus.FieldLogger
	now     func() time.Time

	// locks serializes reindex and write-back of the same note key.
	locks keylock.Map
}

// New creates a service. Config, Index and Documents are required.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	scanner := citations.NewScanner(citations.ScannerOptions{
		Cache:     opts.Index,
		Documents: opts.Documents,
		Extractor: opts.Extractor,
		Logger:    opts.Logger.WithField("component", "citations"),
		Metrics:   opts.Metrics,
		Clock:     opts.Clock,
	}.WithConfig(opts.Config.Citations))

	engine := query.NewEngine(opts.Index, query.Options{
		Rand:    opts.Rand,
		Logger:  opts.Logger.WithField("component", "query"),
		Metrics: opts.Metrics,
	})

	return &Service{
		cfg:     opts.Config,
		index:   opts.Index,
		docs:    opts.Documents,
		scanner: scanner,
		engine:  engine,
		log:     opts.Logger.WithField("component", "service"),
		now:     opts.Clock,
	}
}

// Index returns the graph index the service writes to.
func (s *Service) Index() storage.Index { return s.index }

// Documents returns the document store the service reads from.
func (s *Service) Documents() Documents { return s.docs }

// ReindexResult reports the outcome of reconciling one note.
type ReindexResult struct {
	Key string `json:"key"`

	// Skipped is set when the stored content hash matched and nothing was written.
	Skipped    bool     `json:"skipped"`
	Edges      int      `json:"edges"`
	Unresolved []string `json:"unresolved,omitempty"`

	// Cascaded lists notes re-reconciled because of this one.
	Cascaded []string `json:"cascaded,omitempty"`
}

// ReindexNote reconciles the index with the current content of the note
// with key. Unless force is set, a note whose content hash matches the
// stored node is skipped. When the key is new to the index, notes that
// listed it as unresolved are re-reconciled.
func (s *Service) ReindexNote(ctx context.Context, key string, force bool) (*ReindexResult, error) {
	note, err := s.docs.Get(key)
	if err != nil {
		return nil, fmt.Errorf("reindexing %q: %w", key, err)
	}
	exists, err := s.keySet()
	if err != nil {
		return nil, err
	}

	prev, err := s.index.ReadNode(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reindexing %q: %w", key, err)
	}

	res, err := s.ReconcileNote(ctx, note, exists, force)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		res.Cascaded, err = s.resolveDependents(ctx, key, exists)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// ReconcileNote writes the node and derived edges of note. exists decides
// which referenced keys resolve. The full reconcile pipeline calls it with
// one key set for the whole vault.
func (s *Service) ReconcileNote(ctx context.Context, note *graph.Note, exists func(string) bool, force bool) (*ReindexResult, error) {
	unlock := s.locks.Lock(note.Key)
	defer unlock()
	return s.reconcileLocked(ctx, note, exists, force)
}

func (s *Service) reconcileLocked(ctx context.Context, note *graph.Note, exists func(string) bool, force bool) (*ReindexResult, error) {
	hash := vault.HashContent(note.Content)
	if !force {
		prev, err := s.index.ReadNode(ctx, note.Key)
		if err != nil {
			return nil, fmt.Errorf("reindexing %q: %w", note.Key, err)
		}
		if prev != nil && prev.ContentHash == hash {
			return &ReindexResult{Key: note.Key, Skipped: true, Unresolved: prev.Unresolved}, nil
		}
	}

	edges, unresolved := extract.DerivedEdges(note, exists)
	node := extract.BuildIndexedNode(note, hash, unresolved, s.now())
	if err := s.index.Reconcile(ctx, node, edges); err != nil {
		return nil, fmt.Errorf("reindexing %q: %w", note.Key, err)
	}

	s.log.WithFields(logrus.Fields{
		"key":        note.Key,
		"edges":      len(edges),
		"unresolved": len(unresolved),
	}).Debug("service.reindex")
	return &ReindexResult{Key: note.Key, Edges: len(edges), Unresolved: unresolved}, nil
}

// resolveDependents re-reconciles every indexed note whose unresolved
// references name key.
func (s *Service) resolveDependents(ctx context.Context, key string, exists func(string) bool) ([]string, error) {
	nodes, _, err := s.index.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding dependents of %q: %w", key, err)
	}

	var dependents []string
	for _, n := range nodes {
		if n.Key != key && slices.Contains(n.Unresolved, key) {
			dependents = append(dependents, n.Key)
		}
	}
	return dependents, s.reconcileKeys(ctx, dependents, exists)
}

func (s *Service) reconcileKeys(ctx context.Context, keys []string, exists func(string) bool) error {
	var errs []error
	for _, k := range keys {
		note, err := s.docs.Get(k)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.ReconcileNote(ctx, note, exists, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveNote deletes key and every edge touching it from the index. Notes
// that linked to key are re-reconciled so the reference is recorded as
// unresolved. Removing an absent key is a no-op.
func (s *Service) RemoveNote(ctx context.Context, key string) ([]string, error) {
	unlock := s.locks.Lock(key)
	edges, err := s.index.ReadEdgesFor(ctx, key)
	if err == nil {
		err = s.index.RemoveNote(ctx, key)
	}
	unlock()
	if err != nil {
		return nil, fmt.Errorf("removing %q: %w", key, err)
	}

	seen := make(map[string]bool)
	var sources []string
	for _, e := range edges {
		if e.Target == key && e.Source != key && e.Type.IsDerived() && !seen[e.Source] {
			seen[e.Source] = true
			sources = append(sources, e.Source)
		}
	}
	sort.Strings(sources)

	exists, err := s.keySet()
	if err != nil {
		return nil, err
	}
	without := func(k string) bool { return k != key && exists(k) }

	s.log.WithFields(logrus.Fields{"key": key, "dependents": len(sources)}).Debug("service.remove")
	return sources, s.reconcileKeys(ctx, sources, without)
}

// keySet lists the vault once and returns a membership test over its keys.
func (s *Service) keySet() (func(string) bool, error) {
	notes, err := s.docs.List()
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	keys := make(map[string]struct{}, len(notes))
	for _, n := range notes {
		keys[n.Key] = struct{}{}
	}
	return func(k string) bool {
		_, ok := keys[k]
		return ok
	}, nil
}
