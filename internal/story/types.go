package story

// Story is one fill-in-the-blank story from the catalog.
type Story struct {
	Title           string     `yaml:"title" json:"title"`
	ColorTheme      ColorTheme `yaml:"colorTheme" json:"colorTheme"`
	BackgroundImage string     `yaml:"backgroundImage" json:"backgroundImage"`
	Sections        []Section  `yaml:"sections" json:"sections"`
}

// ColorTheme styles the AAC keyboard for a story.
type ColorTheme struct {
	BackgroundColor string `yaml:"backgroundColor" json:"backgroundColor"`
	ButtonColor     string `yaml:"buttonColor" json:"buttonColor"`
}

// Section is one phrase template with a blank and the words that may fill it.
type Section struct {
	Phrase string          `yaml:"phrase" json:"phrase"`
	Words  map[string]Word `yaml:"words" json:"words"`
}

// Word maps a vocabulary entry to the image placed in the scene.
type Word struct {
	Image  string  `yaml:"image" json:"image"`
	X      float64 `yaml:"x" json:"x"`
	Y      float64 `yaml:"y" json:"y"`
	Effect string  `yaml:"effect" json:"effect,omitempty"`
}
