package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/query"
)

// Query runs a parsed graph query.
func (s *Service) Query(ctx context.Context, q graph.GraphQuery) (*graph.KnowledgeGraph, error) {
	return s.engine.Query(ctx, q)
}

// QueryString parses s and runs it. maxNodes <= 0 uses the configured budget.
func (s *Service) QueryString(ctx context.Context, str string, maxNodes int) (*graph.KnowledgeGraph, graph.GraphQuery, error) {
	q := query.ParseWithDepth(str, s.cfg.Query.DefaultDepth)
	q.MaxNodes = maxNodes
	if q.MaxNodes <= 0 {
		q.MaxNodes = s.cfg.Query.MaxNodes
	}
	kg, err := s.engine.Query(ctx, q)
	return kg, q, err
}

// Stats returns statistics over the whole index.
func (s *Service) Stats(ctx context.Context) (graph.GraphStats, error) {
	return s.engine.Stats(ctx)
}

// ReadNode returns the indexed node with key, or an ErrNotFound error.
func (s *Service) ReadNode(ctx context.Context, key string) (*graph.IndexedNode, error) {
	n, err := s.index.ReadNode(ctx, key)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("node %q: %w", key, apperr.ErrNotFound)
	}
	return n, nil
}

// ReadEdgesFor returns every stored edge touching key.
func (s *Service) ReadEdgesFor(ctx context.Context, key string) ([]graph.Edge, error) {
	return s.index.ReadEdgesFor(ctx, key)
}

// AddManualEdge creates the manual edge source -> target. Both notes must be
// indexed. It reports false when the edge already existed.
func (s *Service) AddManualEdge(ctx context.Context, source, target, annotation string) (bool, error) {
	created, err := s.index.AddManualEdge(ctx, source, target, annotation)
	if err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{"source": source, "target": target, "created": created}).
		Info("service.add_manual_edge")
	return created, nil
}

// RemoveManualEdge deletes the manual edge source -> target.
func (s *Service) RemoveManualEdge(ctx context.Context, source, target string) error {
	if err := s.index.RemoveManualEdge(ctx, source, target); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"source": source, "target": target}).Info("service.remove_manual_edge")
	return nil
}

// SetAnnotation replaces the annotation of a manual edge.
func (s *Service) SetAnnotation(ctx context.Context, source, target, annotation string) error {
	return s.index.SetAnnotation(ctx, source, target, annotation)
}
