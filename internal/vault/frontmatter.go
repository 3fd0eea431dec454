package vault

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Benny93/notegraph/internal/graph"
)

// Frontmatter is the YAML header of a note.
type Frontmatter struct {
	Key    string `yaml:"key"`
	Title  string `yaml:"title"`
	Date   string `yaml:"date"`
	Type   string `yaml:"type"`
	Parent string `yaml:"parent"`

	// Bibtex holds one or more BibTeX entries, written either as a single
	// block scalar or as a list.
	Bibtex       BibtexEntries `yaml:"bibtex"`
	CanonicalKey string        `yaml:"canonical_key"`
	Canonical    string        `yaml:"canonical"`

	Arxiv     string `yaml:"arxiv"`
	DOI       string `yaml:"doi"`
	URL       string `yaml:"url"`
	SourceURL string `yaml:"source_url"`

	Time   []graph.TimeEntry `yaml:"time"`
	PDF    string            `yaml:"pdf"`
	Hidden bool              `yaml:"hidden"`
}

// BibtexEntries accepts a scalar or a sequence of BibTeX entries.
type BibtexEntries []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *BibtexEntries) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if s := strings.TrimSpace(value.Value); s != "" {
			*b = BibtexEntries{s}
		}
		return nil
	case yaml.SequenceNode:
		var entries []string
		if err := value.Decode(&entries); err != nil {
			return err
		}
		for _, e := range entries {
			if s := strings.TrimSpace(e); s != "" {
				*b = append(*b, s)
			}
		}
		return nil
	default:
		return fmt.Errorf("bibtex: expected string or list, got node kind %d", value.Kind)
	}
}

// Sources returns the external identifiers declared in the frontmatter.
func (fm *Frontmatter) Sources() []graph.PaperSource {
	var sources []graph.PaperSource
	if v := strings.TrimSpace(fm.Arxiv); v != "" {
		sources = append(sources, graph.PaperSource{Type: "arxiv", Identifier: v})
	}
	if v := strings.TrimSpace(fm.DOI); v != "" {
		sources = append(sources, graph.PaperSource{Type: "doi", Identifier: v})
	}
	for _, v := range []string{fm.URL, fm.SourceURL} {
		if v = strings.TrimSpace(v); v != "" {
			sources = append(sources, graph.PaperSource{Type: "url", Identifier: v})
		}
	}
	return sources
}

// ParseFrontmatter splits content into its frontmatter and body. Content
// without a leading "---" line, or without a closing one, has no frontmatter
// and is returned whole as the body. A malformed header is reported as an
// error together with the whole content as body.
func ParseFrontmatter(content string) (*Frontmatter, string, error) {
	fm := &Frontmatter{}

	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return fm, content, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return fm, content, nil
	}

	header := strings.Join(lines[1:end], "\n")
	if err := yaml.Unmarshal([]byte(header), fm); err != nil {
		return &Frontmatter{}, content, fmt.Errorf("parsing frontmatter: %w", err)
	}

	return fm, strings.Join(lines[end+1:], "\n"), nil
}
