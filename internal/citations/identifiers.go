// Package citations finds the bibliography of a paper's PDF text, parses
// its entries and resolves them against the note pool. Results are cached
// by text fingerprint and rendered into a managed block of the paper note.
package citations

import (
	"regexp"
	"strings"
)

var arxivPatterns = []*regexp.Regexp{
	regexp.MustCompile(`arxiv\.org/(?:abs|pdf)/(\d{4}\.\d{4,5})`),
	regexp.MustCompile(`arxiv\.org/(?:abs|pdf)/([a-z-]+/\d{7})`),
	regexp.MustCompile(`arXiv:(\d{4}\.\d{4,5})`),
	regexp.MustCompile(`^(\d{4}\.\d{4,5})$`),
}

// Publisher landing pages first, then any URL path segment, then a bare DOI.
var doiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:doi\.org|dx\.doi\.org)/?(10\.\d{4,}/[^\s\]"'<>]+)`),
	regexp.MustCompile(`dl\.acm\.org/doi/(10\.\d{4,}/[^\s\]"'<>]+)`),
	regexp.MustCompile(`link\.springer\.com/(?:article|chapter)/(10\.\d{4,}/[^\s\]"'<>]+)`),
	regexp.MustCompile(`onlinelibrary\.wiley\.com/doi/(?:abs/|full/)?(10\.\d{4,}/[^\s\]"'<>]+)`),
	regexp.MustCompile(`nature\.com/articles/(10\.\d{4,}/[^\s\]"'<>]+)`),
	regexp.MustCompile(`sciencedirect\.com/science/article/pii/[^?]+\?.*doi=(10\.\d{4,}/[^\s\]"'<>&]+)`),
	regexp.MustCompile(`journals\.plos\.org/\w+/article\?id=(10\.\d{4,}/[^\s\]"'<>&]+)`),
	regexp.MustCompile(`/(10\.\d{4,}/[^\s\]"'<>/?#]+)`),
	regexp.MustCompile(`^(10\.\d{4,}/[^\s\]"'<>]+)$`),
	regexp.MustCompile(`\b(10\.\d{4,}/[^\s\]"'<>]+)`),
}

// ExtractArxivID returns the first arXiv identifier found in s, or "".
func ExtractArxivID(s string) string {
	s = strings.TrimSpace(s)
	for _, re := range arxivPatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

// ExtractDOI returns the first DOI found in s with trailing punctuation
// removed, or "".
func ExtractDOI(s string) string {
	s = strings.TrimSpace(s)
	for _, re := range doiPatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			return strings.TrimRight(m[1], ".,;")
		}
	}
	return ""
}
