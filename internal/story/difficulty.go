package story

type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// ParseDifficulty maps unknown values to Easy.
func ParseDifficulty(s string) Difficulty {
	switch Difficulty(s) {
	case Medium:
		return Medium
	case Hard:
		return Hard
	default:
		return Easy
	}
}

// Phrases is the number of sections a game of this difficulty plays.
func (d Difficulty) Phrases() int {
	switch d {
	case Easy:
		return 4
	case Medium:
		return 8
	case Hard:
		return 12
	}
	return 8
}

// Played returns the sections played at difficulty d, capped by the story length.
func (s *Story) Played(d Difficulty) []Section {
	n := d.Phrases()
	if n > len(s.Sections) {
		n = len(s.Sections)
	}
	return s.Sections[:n]
}
