package narration

import "strings"

// DefaultLocale is the locale narration asks for.
const DefaultLocale = "en-US"

// PreferredVoices is the ranked list of voices tried first.
var PreferredVoices = []string{
	"Google US English",
	"Samantha",
	"Microsoft Zira Desktop",
	"Microsoft Aria Online (Natural)",
	"Google US Female",
}

// SelectVoice picks a voice from the catalog: a preferred name with the exact
// locale, then any voice with the exact locale, then any voice sharing the
// language prefix, then the first voice. The result depends only on the
// inputs.
func SelectVoice(voices []Voice, preferred []string, locale string) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}
	for _, name := range preferred {
		for _, v := range voices {
			if v.Name == name && v.Locale == locale {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if v.Locale == locale {
			return v, true
		}
	}
	lang, _, _ := strings.Cut(locale, "-")
	for _, v := range voices {
		if strings.HasPrefix(v.Locale, lang) {
			return v, true
		}
	}
	return voices[0], true
}
