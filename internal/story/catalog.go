// Package story loads the story catalog the game draws its phrase templates
// and vocabularies from.
package story

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Blank is the placeholder a selected word replaces.
const Blank = "___"

var (
	ErrStoryNotFound = errors.New("story not found")
	ErrEmptyCatalog  = errors.New("catalog has no stories")
)

//go:embed stories.yaml
var defaultStories []byte

type Catalog struct {
	stories []*Story
	byTitle map[string]*Story
}

type catalogFile struct {
	Stories []*Story `yaml:"stories"`
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultStories)
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(filepath.Clean(path)) //nolint:gosec // operator-supplied catalog path
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes and validates a YAML catalog.
func Parse(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Stories) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{byTitle: make(map[string]*Story, len(f.Stories))}
	for i, s := range f.Stories {
		if s == nil || strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("story %d: title is required", i)
		}
		if len(s.Sections) == 0 {
			return nil, fmt.Errorf("story %q: no sections", s.Title)
		}
		for j, sec := range s.Sections {
			if !strings.Contains(sec.Phrase, Blank) {
				return nil, fmt.Errorf("story %q section %d: phrase has no blank", s.Title, j)
			}
			if len(sec.Words) == 0 {
				return nil, fmt.Errorf("story %q section %d: no words", s.Title, j)
			}
		}
		if _, dup := c.byTitle[s.Title]; dup {
			return nil, fmt.Errorf("story %q: duplicate title", s.Title)
		}
		c.byTitle[s.Title] = s
		c.stories = append(c.stories, s)
	}
	return c, nil
}

// New builds a catalog from already constructed stories.
func New(stories ...*Story) *Catalog {
	c := &Catalog{byTitle: make(map[string]*Story, len(stories))}
	for _, s := range stories {
		c.byTitle[s.Title] = s
		c.stories = append(c.stories, s)
	}
	return c
}

// Get returns the story with the exact title.
func (c *Catalog) Get(title string) (*Story, error) {
	s, ok := c.byTitle[title]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStoryNotFound, title)
	}
	return s, nil
}

// Lookup returns the titled story, falling back to the first story in the
// catalog for unknown titles.
func (c *Catalog) Lookup(title string) *Story {
	if s, ok := c.byTitle[title]; ok {
		return s
	}
	if len(c.stories) == 0 {
		return nil
	}
	return c.stories[0]
}

// Titles lists story titles in catalog order.
func (c *Catalog) Titles() []string {
	out := make([]string, 0, len(c.stories))
	for _, s := range c.stories {
		out = append(out, s.Title)
	}
	return out
}

// Vocabulary returns the section's words in a stable order.
func (sec Section) Vocabulary() []string {
	out := make([]string, 0, len(sec.Words))
	for w := range sec.Words {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Fill replaces the first blank in the phrase with word.
func (sec Section) Fill(word string) string {
	return strings.Replace(sec.Phrase, Blank, word, 1)
}
