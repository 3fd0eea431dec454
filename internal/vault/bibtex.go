package vault

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Benny93/notegraph/internal/graph"
)

// Bibtex is the subset of a BibTeX entry notegraph reads.
type Bibtex struct {
	EntryType string
	CiteKey   string
	Title     string
	Author    string
	DOI       string
	Eprint    string
	Year      int
	Venue     string
}

var bibtexEntryRe = regexp.MustCompile(`@(\w+)\s*\{\s*([^,\s]+)`)

// ParseBibtex parses a single BibTeX entry. It returns nil when entry has no
// "@type{key" header.
func ParseBibtex(entry string) *Bibtex {
	entry = strings.TrimSpace(entry)
	m := bibtexEntryRe.FindStringSubmatch(entry)
	if m == nil {
		return nil
	}

	b := &Bibtex{
		EntryType: strings.ToLower(m[1]),
		CiteKey:   m[2],
		Title:     bibtexField(entry, "title"),
		Author:    bibtexField(entry, "author"),
		DOI:       bibtexField(entry, "doi"),
		Eprint:    bibtexField(entry, "eprint"),
	}
	if y, err := strconv.Atoi(bibtexField(entry, "year")); err == nil {
		b.Year = y
	}
	for _, f := range []string{"journal", "booktitle", "howpublished"} {
		if v := bibtexField(entry, f); v != "" {
			b.Venue = v
			break
		}
	}
	return b
}

// Authors splits the author field on " and ".
func (b *Bibtex) Authors() []string {
	if strings.TrimSpace(b.Author) == "" {
		return nil
	}
	var out []string
	for _, a := range strings.Split(b.Author, " and ") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// FirstAuthorLastName returns the last name of the first author: the part
// before a comma, or else the last capitalized word.
func (b *Bibtex) FirstAuthorLastName() string {
	authors := b.Authors()
	if len(authors) == 0 {
		return ""
	}
	first := authors[0]
	if before, _, ok := strings.Cut(first, ","); ok {
		return strings.TrimSpace(before)
	}

	last := ""
	for _, w := range strings.Fields(strings.NewReplacer("{", "", "}", "").Replace(first)) {
		if r, _ := utf8.DecodeRuneInString(w); unicode.IsUpper(r) {
			last = w
		}
	}
	if last == "" {
		return strings.TrimSpace(first)
	}
	return last
}

// CanonicalBibtex returns the parsed canonical entry of a paper: the entry
// whose cite key matches meta.CanonicalKey, or else the first parseable one.
func CanonicalBibtex(meta *graph.PaperMeta) *Bibtex {
	if meta == nil {
		return nil
	}
	var first *Bibtex
	for _, e := range meta.BibtexEntries {
		b := ParseBibtex(e)
		if b == nil {
			continue
		}
		if meta.CanonicalKey != "" && b.CiteKey == meta.CanonicalKey {
			return b
		}
		if first == nil {
			first = b
		}
	}
	return first
}

var bibtexFields = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp)
	for _, f := range []string{"title", "author", "doi", "eprint", "year", "journal", "booktitle", "howpublished"} {
		m[f] = regexp.MustCompile(fmt.Sprintf(`(?i)\b%s\s*=\s*(?:\{([^}]*)\}|"([^"]*)"|(\d+))`, f))
	}
	return m
}()

func bibtexField(entry, field string) string {
	m := bibtexFields[field].FindStringSubmatch(entry)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if g != "" {
			return strings.TrimSpace(strings.NewReplacer("{", "", "}", "").Replace(g))
		}
	}
	return ""
}
