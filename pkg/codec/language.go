package codec

import (
	"strings"
	"unicode"
)

// Stop-word tables for the European-language frequency vote. Deliberately
// small: the goal is a cheap routing hint, not real language identification.
var stopWords = map[string][]string{
	"es": {"el", "la", "los", "las", "de", "en", "que", "es", "un", "una", "con", "por", "para", "muchas", "este", "texto"},
	"fr": {"le", "la", "les", "de", "des", "et", "est", "un", "une", "dans", "pour", "que", "avec", "sur", "ce", "pas"},
	"de": {"der", "die", "das", "und", "ist", "ein", "eine", "mit", "für", "auf", "nicht", "von", "zu", "den", "im", "sie"},
	"it": {"il", "la", "le", "di", "che", "è", "un", "una", "con", "per", "non", "sono", "del", "della", "questo", "molto"},
	"pt": {"o", "a", "os", "as", "de", "que", "é", "um", "uma", "com", "para", "não", "em", "do", "da", "este"},
	"nl": {"de", "het", "een", "en", "is", "van", "in", "op", "dat", "met", "voor", "niet", "zijn", "aan", "ook", "deze"},
	"en": {"the", "and", "is", "of", "to", "in", "that", "it", "with", "for", "was", "are", "this", "have", "not", "you"},
}

// languagePrecedence keeps the vote deterministic on ties.
var languagePrecedence = []string{"en", "es", "fr", "de", "it", "pt", "nl"}

const languageMatchThreshold = 3

// DetectLanguage returns a best-guess ISO-639-1 code for text. Non-Latin
// scripts are detected by Unicode range and take precedence; Latin text is
// classified by a stop-word frequency vote. The default is "en" when no
// language clears the minimum match threshold.
func DetectLanguage(text string) string {
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			return "zh"
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			return "ja"
		case unicode.Is(unicode.Hangul, r):
			return "ko"
		case unicode.Is(unicode.Arabic, r):
			return "ar"
		case unicode.Is(unicode.Hebrew, r):
			return "he"
		case unicode.Is(unicode.Cyrillic, r):
			return "ru"
		case unicode.Is(unicode.Greek, r):
			return "el"
		case unicode.Is(unicode.Thai, r):
			return "th"
		case unicode.Is(unicode.Devanagari, r):
			return "hi"
		}
	}

	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) > 100 {
		tokens = tokens[:100]
	}

	seen := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		seen[strings.Trim(tok, ".,;:!?'\"()")]++
	}

	best, bestScore := "en", 0
	for _, lang := range languagePrecedence {
		score := 0
		for _, w := range stopWords[lang] {
			score += seen[w]
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}

	if bestScore <= languageMatchThreshold {
		return "en"
	}
	return best
}
