package artifact

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Zero-width characters scammers insert to defeat naive extraction.
var zeroWidthReplacer = strings.NewReplacer(
	"\u200B", "", // zero width space
	"\u200C", "", // zero width non-joiner
	"\u200D", "", // zero width joiner
	"\u2060", "", // word joiner
	"\uFEFF", "", // zero width no-break space
)

// Indic digit blocks mapped to ASCII 0-9. Obfuscated numbers frequently mix
// scripts mid-run.
var indicDigitRanges = []struct{ start, end rune }{
	{'०', '९'}, // Devanagari
	{'௦', '௯'}, // Tamil
	{'೦', '೯'}, // Kannada
	{'౦', '౯'}, // Telugu
	{'൦', '൯'}, // Malayalam
	{'૦', '૯'}, // Gujarati
	{'੦', '੯'}, // Gurmukhi
	{'෦', '෯'}, // Sinhala
}

var separatorReplacer = strings.NewReplacer(
	"·", ".", "•", ".", "．", ".",
	"–", "-", "—", "-",
)

var whitespaceRE = regexp.MustCompile(`\s+`)

// NormalizeText prepares raw message text for extraction:
//   - NFC unicode normalization
//   - strip zero-width characters
//   - fold Indic digits to ASCII
//   - unify decorative separators (middle dots, long dashes)
//   - collapse runs of whitespace
//
// NormalizeText is idempotent.
func NormalizeText(s string) string {
	if s == "" {
		return s
	}
	s = norm.NFC.String(s)
	s = zeroWidthReplacer.Replace(s)
	s = foldIndicDigits(s)
	s = separatorReplacer.Replace(s)
	s = whitespaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func foldIndicDigits(s string) string {
	return strings.Map(func(r rune) rune {
		for _, rng := range indicDigitRanges {
			if r >= rng.start && r <= rng.end {
				return '0' + (r - rng.start)
			}
		}
		return r
	}, s)
}

var nonDigitRE = regexp.MustCompile(`\D+`)

func onlyDigits(s string) string {
	return nonDigitRE.ReplaceAllString(s, "")
}
