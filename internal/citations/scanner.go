package citations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/config"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/metrics"
)

// Cache stores scan results keyed by paper key and text fingerprint.
type Cache interface {
	LoadScanResult(ctx context.Context, key, fingerprint string) (*graph.ScanResult, error)
	SaveScanResult(ctx context.Context, r *graph.ScanResult) error
}

// Documents is the note pool and PDF locator the scanner reads from.
type Documents interface {
	List() ([]*graph.Note, error)
	PDFPath(note *graph.Note) string
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	Cache     Cache
	Documents Documents
	Extractor TextExtractor

	// Workers bounds concurrent scans in ScanAll.
	Workers int

	// Timeout bounds text extraction of one PDF.
	Timeout    time.Duration
	FuzzyFloor float64

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// WithConfig fills the tunables of o from the citations section of cfg.
func (o ScannerOptions) WithConfig(cfg config.CitationsConfig) ScannerOptions {
	o.Workers = cfg.Workers
	o.Timeout = cfg.ExtractTimeout
	o.FuzzyFloor = cfg.FuzzyFloor
	if o.Extractor == nil {
		o.Extractor = NewPdftotextExtractor(cfg.Pdftotext)
	}
	return o
}

// Scanner scans paper PDFs for citations of other notes. It reads the index
// only through its cache namespace and never touches edges.
type Scanner struct {
	cache     Cache
	docs      Documents
	extractor TextExtractor
	workers   int
	timeout   time.Duration
	floor     float64
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time

	flight singleflight.Group
}

// NewScanner creates a scanner. Cache, Documents and Extractor are required.
func NewScanner(opts ScannerOptions) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scanner{
		cache:     opts.Cache,
		docs:      opts.Documents,
		extractor: opts.Extractor,
		workers:   opts.Workers,
		timeout:   opts.Timeout,
		floor:     opts.FuzzyFloor,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Clock,
	}
}

// Scan extracts the references of note's PDF and matches them against the
// note pool. A cached result for the same text fingerprint is returned
// without matching unless force is set.
//
// A missing PDF or empty text yields an unreadable result and no error. A
// failed or timed-out extraction yields a failed result and an error wrapping
// apperr.ErrExternalIO. Concurrent scans of the same key share one run.
func (s *Scanner) Scan(ctx context.Context, note *graph.Note, force bool) (*graph.ScanResult, error) {
	pool := sync.OnceValues(s.loadPool)
	return s.scan(ctx, note, force, pool)
}

func (s *Scanner) scan(ctx context.Context, note *graph.Note, force bool, pool func() (*Pool, error)) (*graph.ScanResult, error) {
	flightKey := note.Key
	if force {
		flightKey += "\x00force"
	}
	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		r, err := s.scanOnce(ctx, note, force, pool)
		if r != nil {
			s.metrics.CitationScans.WithLabelValues(string(r.Status)).Inc()
		}
		return r, err
	})
	r, _ := v.(*graph.ScanResult)
	if r == nil {
		return nil, err
	}
	out := *r
	return &out, err
}

func (s *Scanner) scanOnce(ctx context.Context, note *graph.Note, force bool, pool func() (*Pool, error)) (*graph.ScanResult, error) {
	log := s.log.WithField("key", note.Key)
	result := &graph.ScanResult{
		SourceKey: note.Key,
		Status:    graph.ScanUnreadable,
		Matches:   []graph.CitationMatch{},
		Timestamp: s.now().UTC(),
	}

	path := s.docs.PDFPath(note)
	if path == "" {
		return result, nil
	}
	if _, err := os.Stat(path); err != nil {
		log.WithError(err).Debug("citations.pdf_missing")
		return result, nil
	}

	text, err := s.extract(ctx, path)
	if err != nil {
		result.Status = graph.ScanFailed
		log.WithError(err).Warn("citations.extract_failed")
		return result, fmt.Errorf("extracting text of %s: %w: %w", note.Key, apperr.ErrExternalIO, err)
	}
	if strings.TrimSpace(text) == "" {
		return result, nil
	}

	result.Fingerprint = Fingerprint(text)
	if !force {
		cached, err := s.cache.LoadScanResult(ctx, note.Key, result.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("loading cached scan of %s: %w", note.Key, err)
		}
		if cached != nil {
			s.metrics.CitationCacheHits.Inc()
			cached.Cached = true
			log.WithField("fingerprint", result.Fingerprint[:12]).Debug("citations.cache_hit")
			return cached, nil
		}
	}

	p, err := pool()
	if err != nil {
		return nil, err
	}
	s.metrics.CitationMatchRuns.Inc()
	result.Status = graph.ScanOK
	result.Matches, result.Unmatched = MatchReferences(p, note.Key, text)

	if err := s.cache.SaveScanResult(ctx, result); err != nil {
		return nil, fmt.Errorf("saving scan of %s: %w", note.Key, err)
	}
	log.WithFields(logrus.Fields{
		"matches":   len(result.ResolvedMatches()),
		"unmatched": result.Unmatched,
	}).Debug("citations.scanned")
	return result, nil
}

// extract runs the extractor under the scan timeout and returns the
// rendering that yields the most references.
func (s *Scanner) extract(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	texts, err := s.extractor.ExtractText(ctx, path)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("timed out after %s: %w", s.timeout, err)
		}
		return "", err
	}

	best, bestCount := "", -1
	for _, t := range texts {
		if n := CountReferences(t); n > bestCount {
			best, bestCount = t, n
		}
	}
	return best, nil
}

// MatchReferences matches every reference in text against pool. Self
// citations and repeated targets are dropped. Unresolved references are kept
// with MatchNone and counted in unmatched.
func MatchReferences(pool *Pool, sourceKey, text string) (matches []graph.CitationMatch, unmatched int) {
	matches = []graph.CitationMatch{}
	seen := make(map[string]bool)
	for ref := range ExtractReferences(text) {
		m := pool.Match(ref)
		if !m.Resolved() {
			unmatched++
			matches = append(matches, *m)
			continue
		}
		if m.TargetKey == sourceKey || seen[m.TargetKey] {
			continue
		}
		seen[m.TargetKey] = true
		matches = append(matches, *m)
	}
	return matches, unmatched
}

// Fingerprint is the hex SHA-256 of extracted text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (s *Scanner) loadPool() (*Pool, error) {
	notes, err := s.docs.List()
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	return NewPool(notes, s.floor), nil
}

// ScanAll scans every paper in notes with bounded concurrency. Papers
// without a PDF are skipped. Per-paper failures are recorded in the result
// and never abort the batch.
func (s *Scanner) ScanAll(ctx context.Context, notes []*graph.Note) *graph.ScanAllResult {
	pool := sync.OnceValues(s.loadPool)

	var papers []*graph.Note
	res := &graph.ScanAllResult{Items: []graph.ScanItem{}, Results: make(map[string]*graph.ScanResult)}
	for _, n := range notes {
		if !n.IsPaper() && n.PDF == "" {
			continue
		}
		if n.PDF == "" {
			res.SkippedNoPDF++
			res.Items = append(res.Items, graph.ScanItem{Key: n.Key, Status: graph.ScanUnreadable})
			continue
		}
		papers = append(papers, n)
	}

	items := make([]graph.ScanItem, len(papers))
	results := make([]*graph.ScanResult, len(papers))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, n := range papers {
		g.Go(func() error {
			r, err := s.scan(ctx, n, false, pool)
			item := graph.ScanItem{Key: n.Key, Status: graph.ScanFailed}
			if r != nil {
				item.Status = r.Status
				item.Cached = r.Cached
				item.Matches = len(r.ResolvedMatches())
			}
			if err != nil {
				item.Error = err.Error()
			}
			items[i], results[i] = item, r
			return nil
		})
	}
	_ = g.Wait()

	for i, item := range items {
		res.Items = append(res.Items, item)
		switch {
		case item.Error != "" || item.Status == graph.ScanFailed:
			res.Failed++
		case item.Status == graph.ScanUnreadable:
			res.Unreadable++
		case item.Cached:
			res.SkippedCached++
			res.TotalMatches += item.Matches
			res.Results[item.Key] = results[i]
		default:
			res.Scanned++
			res.TotalMatches += item.Matches
			res.Results[item.Key] = results[i]
		}
	}

	s.log.WithFields(logrus.Fields{
		"scanned":        res.Scanned,
		"skipped_cached": res.SkippedCached,
		"skipped_no_pdf": res.SkippedNoPDF,
		"unreadable":     res.Unreadable,
		"failed":         res.Failed,
		"total_matches":  res.TotalMatches,
	}).Info("citations.scan_all")
	return res
}
