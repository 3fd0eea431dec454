package citations

import (
	"iter"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"github.com/Benny93/notegraph/internal/graph"
)

var venueIndicators = []string{
	"In ", "In:", "Proceedings", "Proc.", "Journal of", "Trans.", "IEEE ", "ACM ",
	"SIGMOD", "VLDB", "ICSE", "PLDI", "POPL", "ICFP", "OOPSLA", "ECOOP", "SAS ", "CAV ",
	"LICS", "ICALP", "Springer", "Lecture Notes", "LNCS", "arXiv:", "https://", "http://",
	"pp.", "vol.", "Vol.", "pages ", "Technical Report", "Ph.D.", "PhD", "Master",
	"Dissertation", "thesis",
}

// venueMatcher finds venue indicators. Matching is case-sensitive so that
// "In " does not fire inside ordinary words. The automaton is shared by
// concurrent scans and guarded by venueMu.
var (
	venueMu      sync.Mutex
	venueMatcher = ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: false,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	}).Build(venueIndicators)
)

// venueStarts returns the byte offsets of venue indicators in s.
func venueStarts(s string) []int {
	venueMu.Lock()
	matches := venueMatcher.FindAll(s)
	venueMu.Unlock()

	starts := make([]int, 0, len(matches))
	for _, m := range matches {
		starts = append(starts, m.Start())
	}
	return starts
}

var skipNames = map[string]bool{
	"The": true, "And": true, "For": true, "With": true, "From": true, "This": true,
	"That": true, "Into": true, "Over": true, "Under": true, "Vol": true, "Proc": true,
	"IEEE": true, "ACM": true, "Int": true, "Conf": true, "Proceedings": true,
	"Conference": true, "International": true, "Workshop": true, "Journal": true,
	"University": true, "Department": true, "Technical": true, "Report": true,
	"Available": true, "Accessed": true, "Retrieved": true, "Lecture": true, "Notes": true,
	"Computer": true, "Science": true, "Society": true, "Press": true, "Springer": true,
	"Chapter": true, "Section": true, "Part": true, "New": true, "York": true,
}

var smallWords = map[string]bool{
	"of": true, "the": true, "and": true, "in": true, "on": true, "for": true, "a": true,
	"an": true, "to": true, "with": true, "by": true, "from": true, "or": true, "as": true,
	"at": true, "its": true, "via": true, "vs": true,
}

var (
	entryNumberRe     = regexp.MustCompile(`^\s*(?:\[\d+\]\s*|\d+\.\s*)`)
	yearCaptureRe     = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)
	authorCutRe       = regexp.MustCompile(`(?:19|20)\d{2}|["“”]`)
	sentenceBreakRe   = regexp.MustCompile(`\.\s+[A-Z][a-z]`)
	explicitAuthorRe  = regexp.MustCompile(`\b([A-Z][a-z]{1,20}(?:-[A-Z][a-z]{1,20})?)\s*,\s*[A-Z]\.`)
	capitalizedWordRe = regexp.MustCompile(`\b([A-Z][a-z]{1,20}(?:-[A-Z][a-z]{1,20})?)\b`)
	quotedTitleRe     = regexp.MustCompile(`["“]([^"”]{10,}?)["”]`)
	periodVenueRe     = regexp.MustCompile(`\.\s+(?:In\b|Proceedings|Proc\.|Journal|Trans\.|IEEE|ACM|Springer|Lecture|LNCS|Ph\.D|vol\.|pp\.|Technical|\d{4})`)
)

// ExtractReferences returns the bibliography entries of a document's text in
// document order. The sequence is empty when no reference section is found.
// Each call to the returned sequence re-parses text.
func ExtractReferences(text string) iter.Seq[graph.ExtractedReference] {
	return func(yield func(graph.ExtractedReference) bool) {
		section, ok := referenceSection(text)
		if !ok {
			return
		}
		for i, raw := range splitEntries(stripPageNoise(section)) {
			if !yield(ParseReference(i, raw)) {
				return
			}
		}
	}
}

// CountReferences returns the number of entries ExtractReferences would yield.
func CountReferences(text string) int {
	section, ok := referenceSection(text)
	if !ok {
		return 0
	}
	return len(splitEntries(stripPageNoise(section)))
}

// ParseReference extracts identifiers, title, authors and year from one raw
// bibliography entry.
func ParseReference(index int, raw string) graph.ExtractedReference {
	raw = strings.Join(strings.Fields(raw), " ")
	ref := graph.ExtractedReference{
		Index:   index,
		RawText: raw,
		ArxivID: ExtractArxivID(raw),
		DOI:     ExtractDOI(raw),
		Authors: parseAuthors(raw),
		Title:   parseTitle(raw),
	}
	if years := yearCaptureRe.FindAllStringSubmatch(raw, -1); len(years) > 0 {
		ref.Year, _ = strconv.Atoi(years[len(years)-1][1])
	}
	return ref
}

// parseAuthors returns lowercased author last names from the head of an entry.
func parseAuthors(raw string) []string {
	text := entryNumberRe.ReplaceAllString(raw, "")

	head := text
	if loc := authorCutRe.FindStringIndex(text); loc != nil {
		head = text[:loc[0]]
	} else if loc := sentenceBreakRe.FindStringIndex(text); loc != nil {
		head = text[:loc[0]+1]
	} else if len(text) > 200 {
		head = text[:200]
	}
	if i := strings.Index(head, "et al"); i >= 0 {
		head = head[:i]
	}

	names := explicitAuthorRe.FindAllStringSubmatch(head, -1)
	if len(names) < 2 {
		names = capitalizedWordRe.FindAllStringSubmatch(head, -1)
	}

	seen := make(map[string]bool)
	var out []string
	for _, m := range names {
		if skipNames[m[1]] {
			continue
		}
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// parseTitle tries a quoted title, then the text between the year and the
// venue, then the longest title-cased sentence.
func parseTitle(raw string) string {
	text := entryNumberRe.ReplaceAllString(raw, "")

	if m := quotedTitleRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if t := titleAfterAuthors(text); t != "" {
		return t
	}
	return titleCaseSentence(text)
}

func titleAfterAuthors(text string) string {
	var start int
	if loc := yearCaptureRe.FindStringIndex(text); loc != nil {
		start = loc[1]
		for start < len(text) && strings.IndexByte(".), ]", text[start]) >= 0 {
			start++
		}
	} else if loc := sentenceBreakRe.FindStringIndex(text); loc != nil {
		start = loc[0] + 2
	} else {
		return ""
	}
	rest := text[start:]

	end := len(rest)
	for _, pos := range venueStarts(rest) {
		if pos > 0 && pos < end {
			end = pos
		}
	}
	if loc := periodVenueRe.FindStringIndex(rest); loc != nil && loc[0] > 0 && loc[0] < end {
		end = loc[0]
	}

	title := strings.TrimSuffix(strings.TrimSpace(rest[:end]), ".")
	if len(title) < 10 {
		return ""
	}
	return title
}

func titleCaseSentence(text string) string {
	best, bestWords := "", 0
	for _, sentence := range strings.Split(text, ". ") {
		words := strings.Fields(sentence)
		if len(words) < 4 {
			continue
		}

		titled, initials := 0, 0
		for _, w := range words {
			first := []rune(w)[0]
			if unicode.IsUpper(first) || smallWords[strings.ToLower(w)] {
				titled++
			}
			if len(w) <= 2 && unicode.IsUpper(first) {
				initials++
			}
		}
		if titled*100/len(words) < 60 || initials*3 > len(words) {
			continue
		}
		if len(words) > bestWords {
			best, bestWords = sentence, len(words)
		}
	}
	return strings.TrimSuffix(strings.TrimSpace(best), ".")
}
