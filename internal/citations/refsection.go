package citations

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	sectionPrefix   = `(?:\d+[\.\)]\s*|[IVXLC]+[\.\)]\s*|[A-Z][\.\)]\s*)?`
	sectionHeadings = `references|bibliography|works cited|cited references|references and notes|literature cited|literature`

	// densityWindow is the number of lines in the identifier-density fallback.
	densityWindow = 20
	minDensity    = 3
)

var (
	strictHeadingRe  = regexp.MustCompile(`(?i)^\s*` + sectionPrefix + `(` + sectionHeadings + `)\s*$`)
	lenientHeadingRe = regexp.MustCompile(`(?i)^\s*` + sectionPrefix + `(` + sectionHeadings + `)\s`)
	identifierRe     = regexp.MustCompile(`10\.\d{4,}/|arxiv\.org/|doi\.org/|https?://`)
	bracketStartRe   = regexp.MustCompile(`^\s*\[\d+\]`)

	pageNumberRe = regexp.MustCompile(`^\s*\d{1,4}\s*$`)
	timestampRe  = regexp.MustCompile(`^\s*\d+:\d+\s*$`)

	bracketedRe     = regexp.MustCompile(`(?m)^\s*\[(\d+)\]`)
	dotNumberedRe   = regexp.MustCompile(`(?m)^\s*(\d+)\.\s+[A-Z]`)
	spaceNumberedRe = regexp.MustCompile(`(?m)^\s*(\d+)\s{2,}[A-Z]`)
	bareNumberRe    = regexp.MustCompile(`(?m)^\s*(\d+)\s*$`)
	authorStartRe   = regexp.MustCompile(`(?m)^[A-Z][a-z]{1,20}[\s,]+(?:(?:de|van|von|le|la|di|del|den|der)\s+)?[A-Z][a-z]`)
	yearRe          = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	blankLineRe     = regexp.MustCompile(`\n\s*\n`)
)

// referenceSection returns the text after the bibliography heading, or the
// densest identifier window when no heading is found. ok is false when
// neither locates a section.
func referenceSection(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	n := len(lines)
	if n == 0 {
		return "", false
	}

	searchFrom := n - n*2/5
	for _, re := range []*regexp.Regexp{strictHeadingRe, lenientHeadingRe} {
		for i := n - 1; i >= searchFrom; i-- {
			if re.MatchString(lines[i]) {
				return strings.Join(lines[i+1:], "\n"), true
			}
		}
	}

	start, ok := densestWindow(lines)
	if !ok {
		return "", false
	}
	return strings.Join(lines[start:], "\n"), true
}

// densestWindow slides a fixed window over the last 30% of lines and returns
// the start of the window with the most identifiers, walked back to the blank
// line that precedes a bracketed entry when there is one.
func densestWindow(lines []string) (int, bool) {
	n := len(lines)
	last30 := n - n*3/10
	bestStart, bestCount := 0, minDensity-1
	for start := last30; start+densityWindow < n; start++ {
		count := 0
		for _, l := range lines[start : start+densityWindow] {
			if identifierRe.MatchString(l) {
				count++
			}
		}
		if count > bestCount {
			bestStart, bestCount = start, count
		}
	}
	if bestCount < minDensity {
		return 0, false
	}

	for scan := bestStart; scan > last30; scan-- {
		if strings.TrimSpace(lines[scan]) == "" && scan+1 < n && bracketStartRe.MatchString(lines[scan+1]) {
			return scan + 1, true
		}
	}
	return bestStart, true
}

// stripPageNoise drops running headers and footers, form feeds, page numbers
// and timestamps that pdftotext interleaves with the bibliography.
func stripPageNoise(section string) string {
	lines := strings.Split(section, "\n")

	counts := make(map[string]int)
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t != "" && len(t) < 60 {
			counts[strings.ToLower(t)]++
		}
	}

	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" {
			kept = append(kept, l)
			continue
		}
		if strings.Contains(l, "\x0c") {
			continue
		}
		if counts[strings.ToLower(t)] >= 2 {
			if pageNumberRe.MatchString(t) {
				if v, _ := strconv.Atoi(t); v <= 200 {
					kept = append(kept, l)
				}
			}
			continue
		}
		if pageNumberRe.MatchString(t) {
			if v, _ := strconv.Atoi(t); v > 200 {
				continue
			}
		}
		if timestampRe.MatchString(t) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// splitEntries splits a reference section into raw entries, trying numbered
// layouts before author-year and blank-line heuristics.
func splitEntries(section string) []string {
	for _, re := range []*regexp.Regexp{bracketedRe, dotNumberedRe, spaceNumberedRe} {
		if entries := splitByPattern(section, re, 3); entries != nil {
			return entries
		}
	}
	if entries := splitBareNumbers(section); entries != nil {
		return entries
	}
	if entries := splitAuthorYear(section); entries != nil {
		return entries
	}
	return splitBlankLines(section)
}

// splitByPattern cuts text at each match start. It returns nil when re
// matches fewer than minMatches times.
func splitByPattern(text string, re *regexp.Regexp, minMatches int) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) < minMatches {
		return nil
	}
	entries := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if e := strings.TrimSpace(text[loc[0]:end]); e != "" {
			entries = append(entries, e)
		}
	}
	return entries
}

// splitBareNumbers handles layouts where each entry number sits alone on its
// line followed by the entry text.
func splitBareNumbers(text string) []string {
	if len(bareNumberRe.FindAllStringIndex(text, 3)) < 3 {
		return nil
	}

	var entries []string
	var cur []string
	started := false
	flush := func() {
		if e := strings.Join(cur, " "); len(e) > 20 {
			entries = append(entries, e)
		}
		cur = cur[:0]
	}
	for _, l := range strings.Split(text, "\n") {
		t := strings.TrimSpace(l)
		if bareNumberRe.MatchString(l) {
			if started {
				flush()
			}
			started = true
			continue
		}
		if started && t != "" {
			cur = append(cur, t)
		}
	}
	if started {
		flush()
	}
	if len(entries) < 3 {
		return nil
	}
	return entries
}

func splitAuthorYear(text string) []string {
	entries := splitByPattern(text, authorStartRe, 5)
	if entries == nil {
		return nil
	}
	withYear := 0
	for _, e := range entries {
		if yearRe.MatchString(e) {
			withYear++
		}
	}
	if withYear*2 < len(entries) {
		return nil
	}
	return entries
}

// splitBlankLines treats each blank-line separated block as an entry, folding
// short fragments into the previous block.
func splitBlankLines(text string) []string {
	var entries []string
	for _, block := range blankLineRe.Split(text, -1) {
		b := strings.TrimSpace(block)
		if len(b) <= 40 {
			continue
		}
		if len(b) < 60 && len(entries) > 0 {
			entries[len(entries)-1] += " " + b
			continue
		}
		entries = append(entries, b)
	}
	return entries
}
