package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/citations"
	"github.com/Benny93/notegraph/internal/extract"
	"github.com/Benny93/notegraph/internal/graph"
)

// ScanCitations scans the PDF of the note with key and replaces its citation
// edges with the resolved matches. Unreadable PDFs leave the edges as they
// are. A failed extraction returns the failed result together with an error
// wrapping apperr.ErrExternalIO.
func (s *Service) ScanCitations(ctx context.Context, key string, force bool) (*graph.ScanResult, error) {
	note, err := s.docs.Get(key)
	if err != nil {
		return nil, fmt.Errorf("scanning %q: %w", key, err)
	}

	r, err := s.scanner.Scan(ctx, note, force)
	if err != nil {
		return r, fmt.Errorf("scanning %q: %w", key, err)
	}
	if r.Status == graph.ScanOK {
		if err := s.index.SyncCitations(ctx, key, r.Matches); err != nil {
			return r, fmt.Errorf("scanning %q: %w", key, err)
		}
	}
	return r, nil
}

// ScanAllCitations scans every paper concurrently, then syncs the citation
// edges of each successful scan one paper at a time. Per-paper failures are
// recorded in the result items; only a failure to list the vault is returned.
func (s *Service) ScanAllCitations(ctx context.Context) (*graph.ScanAllResult, error) {
	notes, err := s.docs.List()
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}

	res := s.scanner.ScanAll(ctx, notes)

	keys := make([]string, 0, len(res.Results))
	for k := range res.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := s.index.SyncCitations(ctx, k, res.Results[k].Matches); err != nil {
			s.log.WithError(err).WithField("key", k).Warn("service.sync_citations")
			for i := range res.Items {
				if res.Items[i].Key == k {
					res.Items[i].Error = err.Error()
				}
			}
		}
	}
	return res, nil
}

// WriteResult reports a citation write-back.
type WriteResult struct {
	Key string `json:"key"`

	// Citations are the keys listed in the managed block, sorted.
	Citations []string `json:"citations"`

	// Changed is false when the note already carried the same block.
	Changed bool `json:"changed"`
}

// WriteCitations renders the managed citation block of the note with key,
// writes it to the note file, reconciles the note and replaces its citation
// edges with the listed keys.
//
// accepted names the cited keys; every one must be a note in the vault. When
// accepted is empty the resolved matches of the latest cached scan are
// written instead. Writing the same set twice leaves the file unchanged.
func (s *Service) WriteCitations(ctx context.Context, key string, accepted []string) (*WriteResult, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	note, err := s.docs.Get(key)
	if err != nil {
		return nil, fmt.Errorf("writing citations of %q: %w", key, err)
	}
	notes, err := s.docs.List()
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	titles := make(map[string]string, len(notes))
	for _, n := range notes {
		titles[n.Key] = n.Title
	}

	matches, err := s.acceptedMatches(ctx, key, accepted, titles)
	if err != nil {
		return nil, err
	}

	content := citations.Write(note.Content, matches, titles)
	changed := content != note.Content
	if changed {
		if err := s.docs.WriteContent(key, content); err != nil {
			return nil, fmt.Errorf("writing citations of %q: %w", key, err)
		}
		if note, err = s.docs.Get(key); err != nil {
			return nil, fmt.Errorf("writing citations of %q: %w", key, err)
		}
	}

	exists := func(k string) bool {
		_, ok := titles[k]
		return ok
	}
	if _, err := s.reconcileLocked(ctx, note, exists, false); err != nil {
		return nil, err
	}
	if err := s.index.SyncCitations(ctx, key, matches); err != nil {
		return nil, fmt.Errorf("writing citations of %q: %w", key, err)
	}

	written := extract.ManagedCitations(content)
	sort.Strings(written)
	s.log.WithFields(logrus.Fields{"key": key, "citations": len(written), "changed": changed}).
		Info("service.write_citations")
	return &WriteResult{Key: key, Citations: written, Changed: changed}, nil
}

func (s *Service) acceptedMatches(ctx context.Context, key string, accepted []string, titles map[string]string) ([]graph.CitationMatch, error) {
	if len(accepted) == 0 {
		r, err := s.index.LatestScanResult(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("writing citations of %q: %w", key, err)
		}
		if r == nil {
			return nil, fmt.Errorf("writing citations of %q: %w: no accepted keys and no scan result", key, apperr.ErrValidation)
		}
		return r.ResolvedMatches(), nil
	}

	var unknown []string
	matches := make([]graph.CitationMatch, 0, len(accepted))
	for _, k := range accepted {
		k = strings.TrimSpace(k)
		if _, ok := titles[k]; !ok || k == key {
			unknown = append(unknown, k)
			continue
		}
		matches = append(matches, graph.CitationMatch{TargetKey: k, Confidence: 1, Method: graph.MatchManual})
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("writing citations of %q: %w: unknown or self keys %s",
			key, apperr.ErrValidation, strings.Join(unknown, ", "))
	}
	return matches, nil
}

// SyncManagedCitations replaces the citation edges of note with the keys its
// managed block lists. It reports whether the note has a managed block; notes
// without one keep their edges.
func (s *Service) SyncManagedCitations(ctx context.Context, note *graph.Note) (bool, error) {
	if _, _, ok := extract.ManagedBlock(note.Content); !ok {
		return false, nil
	}
	keys := extract.ManagedCitations(note.Content)
	matches := make([]graph.CitationMatch, 0, len(keys))
	for _, k := range keys {
		matches = append(matches, graph.CitationMatch{TargetKey: k, Confidence: 1, Method: graph.MatchManual})
	}
	if err := s.index.SyncCitations(ctx, note.Key, matches); err != nil {
		return true, fmt.Errorf("syncing managed citations of %q: %w", note.Key, err)
	}
	return true, nil
}
