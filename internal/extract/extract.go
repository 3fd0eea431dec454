// Package extract derives index facts from a note: the keys it references
// inline, its parent link, and the metadata mirrored on its indexed node.
package extract

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/vault"
)

// Markers delimiting the managed auto-citation block of a note.
const (
	BeginMarker = "<!-- BEGIN AUTO-CITATIONS -->"
	EndMarker   = "<!-- END AUTO-CITATIONS -->"
)

// shortLabelRunes is the title length above which short labels are truncated.
const shortLabelRunes = 16

var referenceRe = regexp.MustCompile(`\[@([^\]]*)\]`)

// managedEntryRe matches the leading key of a list item in the managed block.
var managedEntryRe = regexp.MustCompile(`(?m)^[ \t]*[-*][ \t]+\[@([^\]]*)\]`)

// References returns the keys of every [@key] token in content, in order of
// appearance and with repetitions. Empty keys are skipped.
func References(content string) []string {
	var refs []string
	for _, m := range referenceRe.FindAllStringSubmatch(content, -1) {
		if key := strings.TrimSpace(m[1]); key != "" {
			refs = append(refs, key)
		}
	}
	return refs
}

// ManagedBlock locates the managed block in content. end is the offset just
// past the END marker, or len(content) when the END marker is missing.
func ManagedBlock(content string) (start, end int, ok bool) {
	start = strings.Index(content, BeginMarker)
	if start < 0 {
		return 0, 0, false
	}
	rel := strings.Index(content[start:], EndMarker)
	if rel < 0 {
		return start, len(content), true
	}
	return start, start + rel + len(EndMarker), true
}

// StripManagedBlock returns content without its managed block.
func StripManagedBlock(content string) string {
	start, end, ok := ManagedBlock(content)
	if !ok {
		return content
	}
	return content[:start] + content[end:]
}

// ManagedCitations returns the distinct keys listed in the managed block, in
// order of appearance.
func ManagedCitations(content string) []string {
	start, end, ok := ManagedBlock(content)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	for _, m := range managedEntryRe.FindAllStringSubmatch(content[start:end], -1) {
		k := strings.TrimSpace(m[1])
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// DerivedEdges computes the crosslink and parent edges of note. A crosslink
// is emitted per distinct referenced key with its occurrence count as weight;
// references inside the managed block are not crosslinks. Keys for which
// exists reports false are returned as unresolved, sorted and deduplicated.
// Self references are dropped.
func DerivedEdges(note *graph.Note, exists func(key string) bool) (edges []graph.Edge, unresolved []string) {
	counts := make(map[string]int)
	var order []string
	missing := make(map[string]bool)

	for _, ref := range References(StripManagedBlock(note.Content)) {
		if ref == note.Key {
			continue
		}
		if !exists(ref) {
			missing[ref] = true
			continue
		}
		if counts[ref] == 0 {
			order = append(order, ref)
		}
		counts[ref]++
	}
	sort.Strings(order)
	for _, ref := range order {
		edges = append(edges, graph.Edge{
			Source: note.Key,
			Target: ref,
			Type:   graph.EdgeCrosslink,
			Weight: counts[ref],
		})
	}

	if p := note.ParentKey; p != "" && p != note.Key {
		if exists(p) {
			edges = append(edges, graph.Edge{Source: note.Key, Target: p, Type: graph.EdgeParent, Weight: 1})
		} else {
			missing[p] = true
		}
	}

	for k := range missing {
		unresolved = append(unresolved, k)
	}
	sort.Strings(unresolved)
	return edges, unresolved
}

// BuildIndexedNode mirrors note into an indexed node. Degrees are left for
// the index to compute.
func BuildIndexedNode(note *graph.Note, contentHash string, unresolved []string, now time.Time) *graph.IndexedNode {
	total, primary := TimeSummary(note.TimeEntries)
	return &graph.IndexedNode{
		Key:             note.Key,
		Type:            note.Type,
		Title:           note.Title,
		ShortLabel:      ShortLabel(note),
		Date:            note.Date,
		TimeTotal:       total,
		PrimaryCategory: primary,
		ParentKey:       note.ParentKey,
		Hidden:          note.Hidden,
		ContentHash:     contentHash,
		Unresolved:      unresolved,
		IndexedAt:       now,
	}
}

// ShortLabel returns the first author's last name for papers with a BibTeX
// author list, suffixed with " et al." for several authors. Otherwise it is
// the title, truncated.
func ShortLabel(note *graph.Note) string {
	if note.IsPaper() {
		if b := vault.CanonicalBibtex(note.Paper); b != nil {
			if last := b.FirstAuthorLastName(); last != "" {
				if len(b.Authors()) > 1 {
					return last + " et al."
				}
				return last
			}
		}
	}

	if utf8.RuneCountInString(note.Title) > shortLabelRunes {
		return string([]rune(note.Title)[:shortLabelRunes]) + "…"
	}
	return note.Title
}

// TimeSummary returns the total minutes of entries and the category with
// the most minutes. Ties go to the lexically smallest category.
func TimeSummary(entries []graph.TimeEntry) (total int, primary string) {
	byCategory := make(map[string]int)
	for _, e := range entries {
		total += e.Minutes
		if e.Category != "" {
			byCategory[e.Category] += e.Minutes
		}
	}

	best := -1
	for cat, mins := range byCategory {
		if mins > best || (mins == best && cat < primary) {
			primary, best = cat, mins
		}
	}
	return total, primary
}
