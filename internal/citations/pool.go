package citations

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/vault"
)

// Confidence per match tier.
const (
	ConfidenceIdentifier = 1.0
	ConfidenceTitle      = 0.9
	fuzzyScale           = 0.85

	// DefaultFuzzyFloor is the minimum Dice score for a fuzzy title match.
	DefaultFuzzyFloor = 0.8

	minTitleLen = 5
)

var authorYearConfidence = [...]float64{0, 0.40, 0.55, 0.65}

var bibtexNameRe = regexp.MustCompile(`\b([A-Z][a-z]{1,20})\b`)

type poolEntry struct {
	key string
	// titles holds the token set of every qualifying title of the note.
	titles  []map[string]struct{}
	authors []string
}

// Pool indexes the notes that references can resolve to. A Pool is
// immutable after NewPool and safe for concurrent use.
type Pool struct {
	floor float64

	// entries is ordered by creation time then key, so the first hit in any
	// scan is the tie-break winner.
	entries []*poolEntry

	arxiv      map[string]string
	doi        map[string]string
	title      map[string]string
	authorYear map[string][]string
}

// NewPool builds a pool over notes. floor <= 0 selects DefaultFuzzyFloor.
func NewPool(notes []*graph.Note, floor float64) *Pool {
	if floor <= 0 {
		floor = DefaultFuzzyFloor
	}
	p := &Pool{
		floor:      floor,
		arxiv:      make(map[string]string),
		doi:        make(map[string]string),
		title:      make(map[string]string),
		authorYear: make(map[string][]string),
	}

	sorted := make([]*graph.Note, 0, len(notes))
	for _, n := range notes {
		if n != nil && n.Key != "" {
			sorted = append(sorted, n)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Created.Equal(sorted[j].Created) {
			return sorted[i].Created.Before(sorted[j].Created)
		}
		return sorted[i].Key < sorted[j].Key
	})

	for _, n := range sorted {
		p.add(n)
	}
	return p
}

// Len returns the number of notes in the pool.
func (p *Pool) Len() int {
	return len(p.entries)
}

func (p *Pool) add(n *graph.Note) {
	entry := &poolEntry{key: n.Key}
	titles := []string{n.Title}

	if n.Paper != nil {
		for _, src := range n.Paper.Sources {
			switch src.Type {
			case "arxiv":
				if id := ExtractArxivID(src.Identifier); id != "" {
					putFirst(p.arxiv, id, n.Key)
				} else {
					putFirst(p.arxiv, strings.TrimSpace(src.Identifier), n.Key)
				}
			case "doi":
				if doi := ExtractDOI(src.Identifier); doi != "" {
					putFirst(p.doi, strings.ToLower(doi), n.Key)
				}
			}
		}

		if bib := vault.CanonicalBibtex(n.Paper); bib != nil {
			if id := ExtractArxivID(bib.Eprint); id != "" {
				putFirst(p.arxiv, id, n.Key)
			}
			if doi := ExtractDOI(bib.DOI); doi != "" {
				putFirst(p.doi, strings.ToLower(doi), n.Key)
			}
			if bib.Title != "" {
				titles = append(titles, bib.Title)
			}
			if bib.Year > 0 {
				year := strconv.Itoa(bib.Year)
				for _, m := range bibtexNameRe.FindAllStringSubmatch(bib.Author, -1) {
					ak := strings.ToLower(m[1]) + "_" + year
					p.authorYear[ak] = appendUnique(p.authorYear[ak], n.Key)
				}
			}
			if last := bib.FirstAuthorLastName(); last != "" {
				entry.authors = []string{strings.ToLower(last)}
			}
		}
	}

	for _, t := range titles {
		norm := NormalizeTitle(t)
		if len(norm) < minTitleLen {
			continue
		}
		putFirst(p.title, norm, n.Key)
		entry.titles = append(entry.titles, titleTokens(norm))
	}
	p.entries = append(p.entries, entry)
}

// Match resolves a reference against the pool. Tiers are tried in order
// arXiv id, DOI, exact title, fuzzy title, author-year; the first tier that
// resolves wins. An unresolved reference yields MatchNone with no target.
func (p *Pool) Match(ref graph.ExtractedReference) *graph.CitationMatch {
	m := &graph.CitationMatch{RawText: ref.RawText, Method: graph.MatchNone}

	if ref.ArxivID != "" {
		if key, ok := p.arxiv[ref.ArxivID]; ok {
			return p.resolved(m, key, ConfidenceIdentifier, graph.MatchArxiv)
		}
	}
	if ref.DOI != "" {
		if key, ok := p.doi[strings.ToLower(ref.DOI)]; ok {
			return p.resolved(m, key, ConfidenceIdentifier, graph.MatchDOI)
		}
	}

	if ref.Title != "" {
		norm := NormalizeTitle(ref.Title)
		if len(norm) >= minTitleLen {
			if key, ok := p.title[norm]; ok {
				return p.resolved(m, key, ConfidenceTitle, graph.MatchTitle)
			}
			if key, score := p.bestFuzzy(titleTokens(norm)); key != "" {
				return p.resolved(m, key, fuzzyScale*score, graph.MatchTitleFuzzy)
			}
		}
	}

	if key, confidence := p.authorYearMatch(ref); key != "" {
		return p.resolved(m, key, confidence, graph.MatchAuthorYear)
	}
	return m
}

func (p *Pool) resolved(m *graph.CitationMatch, key string, confidence float64, method graph.MatchMethod) *graph.CitationMatch {
	m.TargetKey = key
	m.Confidence = confidence
	m.Method = method
	return m
}

// bestFuzzy returns the entry with the highest Dice score at or above the
// floor. Entries are visited in tie-break order, so only a strictly higher
// score replaces the current best.
func (p *Pool) bestFuzzy(tokens map[string]struct{}) (string, float64) {
	bestKey, bestScore := "", 0.0
	for _, e := range p.entries {
		for _, title := range e.titles {
			score := dice(tokens, title)
			if score >= p.floor && score > bestScore {
				bestKey, bestScore = e.key, score
			}
		}
	}
	return bestKey, bestScore
}

// authorYearMatch votes for notes whose (author, year) pairs are unambiguous
// in the pool. A candidate needs two votes, or one vote on the reference's
// first author.
func (p *Pool) authorYearMatch(ref graph.ExtractedReference) (string, float64) {
	if ref.Year == 0 || len(ref.Authors) == 0 {
		return "", 0
	}
	year := strconv.Itoa(ref.Year)

	votes := make(map[string]int)
	for _, a := range ref.Authors {
		keys := p.authorYear[a+"_"+year]
		if len(keys) == 1 {
			votes[keys[0]]++
		}
	}
	if len(votes) == 0 {
		return "", 0
	}

	bestKey, bestVotes := "", 0
	for _, e := range p.entries {
		v := votes[e.key]
		if v == 0 || v <= bestVotes {
			continue
		}
		firstAuthor := len(e.authors) > 0 && e.authors[0] == ref.Authors[0]
		if v < 2 && !firstAuthor {
			continue
		}
		bestKey, bestVotes = e.key, v
	}
	if bestKey == "" {
		return "", 0
	}
	return bestKey, authorYearConfidence[min(bestVotes, len(authorYearConfidence)-1)]
}

func putFirst(m map[string]string, k, v string) {
	if k == "" {
		return
	}
	if _, ok := m[k]; !ok {
		m[k] = v
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
