package pronounce

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// wordRe matches letter runs; the corrector only rewrites whole words,
// leaving punctuation and spacing alone.
var wordRe = regexp.MustCompile(`[A-Za-z][A-Za-z']*`)

// correctNouns repairs configured proper nouns the STT provider is likely to
// mangle. A transcript word is replaced when its Double Metaphone primary
// encoding matches a configured noun's and the spelling differs.
func (e *Engine) correctNouns(text string) string {
	if len(e.nouns) == 0 {
		return text
	}
	type enc struct{ noun, primary string }
	encs := make([]enc, 0, len(e.nouns))
	for _, n := range e.nouns {
		p, _ := matchr.DoubleMetaphone(n)
		if p != "" {
			encs = append(encs, enc{noun: n, primary: p})
		}
	}

	return wordRe.ReplaceAllStringFunc(text, func(word string) string {
		for _, c := range encs {
			if strings.EqualFold(word, c.noun) {
				return word // already right, modulo case
			}
			p, _ := matchr.DoubleMetaphone(word)
			if p != "" && p == c.primary {
				if e.logSubs {
					e.logger.Debug("pronounce: phonetic correction", "from", word, "to", c.noun)
				}
				return c.noun
			}
		}
		return word
	})
}
