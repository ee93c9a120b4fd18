package story

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("embedded catalog should parse: %v", err)
	}
	titles := c.Titles()
	if len(titles) < 2 || titles[0] != "Jungle Adventure" {
		t.Fatalf("unexpected titles %v", titles)
	}
	s, err := c.Get("Space Adventure")
	if err != nil {
		t.Fatalf("expected Space Adventure: %v", err)
	}
	if len(s.Sections) != 8 {
		t.Fatalf("expected 8 sections, got %d", len(s.Sections))
	}
}

func TestLookupFallsBackToFirstStory(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Lookup("No Such Story"); got == nil || got.Title != "Jungle Adventure" {
		t.Fatalf("expected fallback to first story, got %+v", got)
	}
	if _, err := c.Get("No Such Story"); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound, got %v", err)
	}
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"empty":     "stories: []",
		"no title":  "stories:\n  - sections:\n      - phrase: \"a ___\"\n        words: { x: { image: x.png } }",
		"no blank":  "stories:\n  - title: T\n    sections:\n      - phrase: \"no blank\"\n        words: { x: { image: x.png } }",
		"no words":  "stories:\n  - title: T\n    sections:\n      - phrase: \"a ___\"",
		"malformed": "stories: [",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stories.yaml")
	doc := "stories:\n  - title: Tiny\n    sections:\n      - phrase: \"The ___ sat.\"\n        words:\n          cat: { image: cat.png, x: 1, y: 2 }\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := c.Lookup("Tiny")
	if s.Sections[0].Words["cat"].Image != "cat.png" {
		t.Fatalf("unexpected word mapping %+v", s.Sections[0].Words)
	}
}

func TestDifficultyPhrases(t *testing.T) {
	if Easy.Phrases() != 4 || Medium.Phrases() != 8 || Hard.Phrases() != 12 {
		t.Fatal("unexpected phrase counts")
	}
	if Difficulty("weird").Phrases() != 8 {
		t.Fatal("unknown difficulty should default to 8 phrases")
	}
	if ParseDifficulty("hard") != Hard || ParseDifficulty("") != Easy {
		t.Fatal("unexpected difficulty parse")
	}
}

func TestPlayedCapsAtStoryLength(t *testing.T) {
	c, _ := Default()
	space := c.Lookup("Space Adventure")
	if n := len(space.Played(Hard)); n != 8 {
		t.Fatalf("expected hard space story capped to 8 sections, got %d", n)
	}
	if n := len(space.Played(Easy)); n != 4 {
		t.Fatalf("expected 4 easy sections, got %d", n)
	}
}

func TestSectionFill(t *testing.T) {
	sec := Section{Phrase: "The ___ met the ___.", Words: map[string]Word{"cat": {}, "ant": {}}}
	if got := sec.Fill("cat"); got != "The cat met the ___." {
		t.Fatalf("only the first blank should be filled, got %q", got)
	}
	v := sec.Vocabulary()
	if len(v) != 2 || v[0] != "ant" || v[1] != "cat" {
		t.Fatalf("vocabulary should be sorted, got %v", v)
	}
}
