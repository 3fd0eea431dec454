// Package graph provides the notegraph data model.
//
// It defines the notes read from the vault, the facts the index derives from
// them (indexed nodes and typed edges), the citation scan results, and the
// query and result types served by the query layer.
package graph

import (
	"fmt"
	"strings"
	"time"
)

// NodeType is the type tag of a note.
type NodeType string

const (
	NodeNote  NodeType = "note"
	NodePaper NodeType = "paper"
)

// EdgeType is the type of a relation between two notes.
type EdgeType string

const (
	EdgeCrosslink EdgeType = "crosslink"
	EdgeParent    EdgeType = "parent"
	EdgeCitation  EdgeType = "citation"
	EdgeManual    EdgeType = "manual"
)

// DerivedTypes are the edge types owned by reconciliation of their source note.
var DerivedTypes = []EdgeType{EdgeCrosslink, EdgeParent, EdgeCitation}

// IsDerived reports whether t is computed from note content.
func (t EdgeType) IsDerived() bool {
	return t != EdgeManual
}

// TimeEntry is one time-tracking record in a note's frontmatter.
type TimeEntry struct {
	Date        string `yaml:"date" json:"date"`
	Minutes     int    `yaml:"minutes" json:"minutes"`
	Category    string `yaml:"category" json:"category"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// PaperSource is an external identifier attached to a paper.
type PaperSource struct {
	// Type is "arxiv", "doi" or "url".
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// PaperMeta holds the bibliographic metadata of a paper note.
type PaperMeta struct {
	BibtexEntries []string      `json:"bibtex_entries,omitempty"`
	CanonicalKey  string        `json:"canonical_key,omitempty"`
	Sources       []PaperSource `json:"sources,omitempty"`
}

// Note is a document owned by the vault. The index never owns note content.
type Note struct {
	// Key is the stable identity of the note.
	Key string

	// Path is the file path relative to the vault root.
	Path string

	Type  NodeType
	Title string

	// Date is the frontmatter date (YYYY-MM-DD), empty when absent.
	Date string

	// Created orders notes for deterministic tie-breaks: the frontmatter date
	// when present, otherwise the file modification time.
	Created time.Time

	// ParentKey is the structural parent link, empty when absent.
	ParentKey string

	// Body is the content after the frontmatter.
	Body string

	// Content is the full file content.
	Content string

	TimeEntries []TimeEntry
	Paper       *PaperMeta

	// PDF is the attached PDF file name, relative to the vault's PDF directory.
	PDF string

	Hidden bool
}

// IsPaper reports whether the note is a paper.
func (n *Note) IsPaper() bool {
	return n.Type == NodePaper
}

// IndexedNode mirrors one note inside the graph index.
type IndexedNode struct {
	Key        string   `json:"key"`
	Type       NodeType `json:"type"`
	Title      string   `json:"title"`
	ShortLabel string   `json:"short_label"`
	Date       string   `json:"date,omitempty"`

	// InDegree and OutDegree count stored edges of every type, manual included.
	InDegree  int `json:"in_degree"`
	OutDegree int `json:"out_degree"`

	// TimeTotal is the sum of time-entry minutes.
	TimeTotal       int    `json:"time_total"`
	PrimaryCategory string `json:"primary_category,omitempty"`
	ParentKey       string `json:"parent_key,omitempty"`
	Hidden          bool   `json:"hidden,omitempty"`

	// ContentHash is the SHA-256 of the note file at last reconcile.
	ContentHash string `json:"content_hash"`

	// Unresolved lists referenced keys that had no note at last reconcile.
	Unresolved []string `json:"unresolved,omitempty"`

	IndexedAt time.Time `json:"indexed_at"`
}

// Degree returns in-degree plus out-degree.
func (n *IndexedNode) Degree() int {
	return n.InDegree + n.OutDegree
}

// Edge is a stored relation. Identity is (Source, Target, Type).
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   EdgeType `json:"type"`
	Weight int      `json:"weight"`

	// Annotation and Created are set on manual edges only.
	Annotation string    `json:"annotation,omitempty"`
	Created    time.Time `json:"created,omitempty"`
}

// ManualEdge is the stored value of a user-drawn edge.
type ManualEdge struct {
	Annotation string    `json:"annotation,omitempty"`
	Created    time.Time `json:"created"`
}

// ExtractedReference is one bibliography entry parsed from PDF text.
type ExtractedReference struct {
	// Index is the position of the entry in document order.
	Index   int      `json:"index"`
	RawText string   `json:"raw_text"`
	ArxivID string   `json:"arxiv_id,omitempty"`
	DOI     string   `json:"doi,omitempty"`
	Title   string   `json:"title,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Year    int      `json:"year,omitempty"`
}

// MatchMethod names the tier that resolved a citation.
type MatchMethod string

const (
	MatchArxiv      MatchMethod = "arxiv"
	MatchDOI        MatchMethod = "doi"
	MatchTitle      MatchMethod = "title"
	MatchTitleFuzzy MatchMethod = "title_fuzzy"
	MatchAuthorYear MatchMethod = "author_year"
	MatchManual     MatchMethod = "manual"
	MatchNone       MatchMethod = "none"
)

// CitationMatch pairs a raw reference with the note it resolved to, if any.
type CitationMatch struct {
	RawText string `json:"raw_text"`

	// TargetKey is empty for unresolved references.
	TargetKey  string      `json:"target_key,omitempty"`
	Confidence float64     `json:"confidence"`
	Method     MatchMethod `json:"method"`
}

// Resolved reports whether the reference matched a note.
func (m CitationMatch) Resolved() bool {
	return m.TargetKey != ""
}

// ScanStatus is the per-paper outcome of a citation scan.
type ScanStatus string

const (
	// ScanOK means text was extracted and matched.
	ScanOK ScanStatus = "ok"

	// ScanUnreadable means the PDF was missing or yielded no text.
	ScanUnreadable ScanStatus = "unreadable"

	// ScanFailed means extraction failed or timed out.
	ScanFailed ScanStatus = "failed"
)

// ScanResult is a citation cache entry, keyed by (SourceKey, Fingerprint).
type ScanResult struct {
	SourceKey   string          `json:"source_key"`
	Fingerprint string          `json:"fingerprint"`
	Status      ScanStatus      `json:"status"`
	Matches     []CitationMatch `json:"matches"`

	// Unmatched counts references that resolved to no note.
	Unmatched int       `json:"unmatched"`
	Timestamp time.Time `json:"timestamp"`

	// Cached is set on results served from the cache; never persisted.
	Cached bool `json:"-"`
}

// ResolvedMatches returns the matches that carry a target key.
func (r *ScanResult) ResolvedMatches() []CitationMatch {
	out := make([]CitationMatch, 0, len(r.Matches))
	for _, m := range r.Matches {
		if m.Resolved() {
			out = append(out, m)
		}
	}
	return out
}

// ScanItem is one paper's line in a batch scan.
type ScanItem struct {
	Key     string     `json:"key"`
	Status  ScanStatus `json:"status"`
	Cached  bool       `json:"cached"`
	Matches int        `json:"matches"`
	Error   string     `json:"error,omitempty"`
}

// ScanAllResult summarizes a batch scan.
type ScanAllResult struct {
	Scanned       int        `json:"scanned"`
	SkippedCached int        `json:"skipped_cached"`
	SkippedNoPDF  int        `json:"skipped_no_pdf"`
	Unreadable    int        `json:"unreadable"`
	Failed        int        `json:"failed"`
	TotalMatches  int        `json:"total_matches"`
	Items         []ScanItem `json:"items"`

	// Results holds the successful scan results keyed by paper key.
	Results map[string]*ScanResult `json:"-"`
}

// GraphQuery is a parsed graph query.
type GraphQuery struct {
	// Center is the start key for reachability; empty means the full graph.
	Center string

	// Depth bounds BFS hops from Center. Zero means unbounded.
	Depth int

	// Terms are AND-combined case-insensitive substring filters on title or key.
	Terms []string

	// MaxNodes is the pruning budget. Zero disables pruning.
	MaxNodes int

	TypeFilter     NodeType
	CategoryFilter string
	HasTime        bool
	OrphansOnly    bool
	HubsOnly       bool

	// MinLinks and MaxLinks are exclusive degree bounds; nil disables.
	MinLinks *int
	MaxLinks *int

	// PathStart and PathEnd add the nodes of one shortest path between them.
	PathStart string
	PathEnd   string
}

// Describe renders the query as a short human-readable summary.
func (q GraphQuery) Describe() string {
	var parts []string
	if q.Center != "" {
		parts = append(parts, "centered on "+q.Center)
		if q.Depth > 0 {
			parts = append(parts, fmt.Sprintf("%d hops", q.Depth))
		}
	}
	if q.TypeFilter != "" {
		parts = append(parts, "type="+string(q.TypeFilter))
	}
	if q.CategoryFilter != "" {
		parts = append(parts, "category="+q.CategoryFilter)
	}
	if q.HasTime {
		parts = append(parts, "with time tracking")
	}
	if q.MinLinks != nil {
		parts = append(parts, fmt.Sprintf("links>%d", *q.MinLinks))
	}
	if q.MaxLinks != nil {
		parts = append(parts, fmt.Sprintf("links<%d", *q.MaxLinks))
	}
	if q.OrphansOnly {
		parts = append(parts, "orphans only")
	}
	if q.HubsOnly {
		parts = append(parts, "hubs only")
	}
	if q.PathStart != "" && q.PathEnd != "" {
		parts = append(parts, "path "+q.PathStart+"->"+q.PathEnd)
	}
	if len(q.Terms) > 0 {
		parts = append(parts, fmt.Sprintf("matching %q", strings.Join(q.Terms, " ")))
	}
	if len(parts) == 0 {
		return "Full graph"
	}
	return strings.Join(parts, ", ")
}

// HubThreshold is the degree at which a node counts as a hub.
const HubThreshold = 5

// ResultNode is a node in a query result.
type ResultNode struct {
	Key             string   `json:"id"`
	Title           string   `json:"title"`
	Type            NodeType `json:"node_type"`
	ShortLabel      string   `json:"short_label"`
	Date            string   `json:"date,omitempty"`
	TimeTotal       int      `json:"time_total"`
	PrimaryCategory string   `json:"primary_category,omitempty"`
	InDegree        int      `json:"in_degree"`
	OutDegree       int      `json:"out_degree"`
	Parent          string   `json:"parent,omitempty"`

	// Depth is the hop distance from the query center, -1 without a center.
	Depth int `json:"depth"`
}

// ResultEdge is an aggregated edge between two result nodes.
type ResultEdge struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Weight     int      `json:"weight"`
	Type       EdgeType `json:"edge_type"`
	Annotation string   `json:"annotation,omitempty"`
}

// GraphStats aggregates counts over stored facts.
type GraphStats struct {
	TotalNodes   int              `json:"total_nodes"`
	TotalEdges   int              `json:"total_edges"`
	EdgesByType  map[EdgeType]int `json:"edges_by_type"`
	NodesByType  map[NodeType]int `json:"nodes_by_type"`
	OrphanCount  int              `json:"orphan_count"`
	HubThreshold int              `json:"hub_threshold"`
	HubCount     int              `json:"hub_count"`
	AvgDegree    float64          `json:"avg_degree"`
	MaxDegree    int              `json:"max_degree"`
}

// KnowledgeGraph is the result of a query.
type KnowledgeGraph struct {
	Nodes []ResultNode `json:"nodes"`
	Edges []ResultEdge `json:"edges"`

	// Pruned is true when the node budget dropped reachable nodes.
	Pruned bool       `json:"pruned"`
	Stats  GraphStats `json:"stats"`
}
