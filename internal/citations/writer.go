package citations

import (
	"sort"
	"strings"

	"github.com/Benny93/notegraph/internal/extract"
	"github.com/Benny93/notegraph/internal/graph"
)

// Write renders the managed citation block for matches and places it in
// content. An existing block is replaced; a block missing its END marker is
// replaced from BEGIN to the end of content; otherwise the block is appended
// after one blank line. titles maps target keys to display titles.
//
// Write is pure: identical input yields byte-identical output, and writing
// the same matches twice leaves content unchanged.
func Write(content string, matches []graph.CitationMatch, titles map[string]string) string {
	block := renderBlock(matches, titles)

	if start, end, ok := extract.ManagedBlock(content); ok {
		if !strings.Contains(content[start:end], extract.EndMarker) {
			return content[:start] + block + "\n"
		}
		return content[:start] + block + content[end:]
	}
	return strings.TrimRight(content, " \t\r\n") + "\n\n" + block + "\n"
}

func renderBlock(matches []graph.CitationMatch, titles map[string]string) string {
	seen := make(map[string]bool)
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		if !m.Resolved() || seen[m.TargetKey] {
			continue
		}
		seen[m.TargetKey] = true
		keys = append(keys, m.TargetKey)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(extract.BeginMarker)
	b.WriteString("\n## References\n\n")
	for _, k := range keys {
		title := sanitizeTitle(titles[k])
		if title == "" {
			title = "Unknown"
		}
		b.WriteString("- [@")
		b.WriteString(k)
		b.WriteString("] ")
		b.WriteString(title)
		b.WriteByte('\n')
	}
	b.WriteString(extract.EndMarker)
	return b.String()
}

// titleCleaner keeps a rendered title on one line and free of [@key] tokens.
var titleCleaner = strings.NewReplacer("[@", "[", "\r\n", " ", "\n", " ", "\r", " ")

func sanitizeTitle(title string) string {
	return strings.TrimSpace(titleCleaner.Replace(title))
}
