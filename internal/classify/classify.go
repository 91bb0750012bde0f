// Package classify holds the table-driven text policies of the pipeline:
// intent routing, image prompt extraction, dangerous-content filtering and
// reply language inference.
package classify

import (
	"strings"
	"unicode"
)

// DetectIntent returns the intent of the first matching rule, or IntentText.
func DetectIntent(text string) Intent {
	for _, r := range intentRules {
		if r.match.MatchString(text) {
			return r.intent
		}
	}
	return IntentText
}

// ExtractImagePrompt strips generation trigger phrases from text. It never
// returns an empty prompt: if nothing is left, text is returned unchanged.
func ExtractImagePrompt(text string) string {
	prompt := text
	for _, re := range promptStrips {
		prompt = re.ReplaceAllString(prompt, "")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return text
	}
	return prompt
}

// FilterResult is the outcome of FilterContent. Reason is the user-facing
// refusal when Blocked is set.
type FilterResult struct {
	Blocked  bool
	Category string
	Reason   string
}

// FilterContent reports whether text matches any dangerous-content rule.
func FilterContent(text string) FilterResult {
	for _, r := range filterRules {
		subject := text
		if r.unless != nil {
			subject = r.unless.ReplaceAllString(text, " ")
		}
		if r.match.MatchString(subject) {
			return FilterResult{Blocked: true, Category: r.category, Reason: r.reason}
		}
	}
	return FilterResult{}
}

// DetectLanguage scores text against each language vocabulary and returns the
// best language with at least MinLanguageMatches hits. Otherwise, or when the
// fallback ties with the best, fallback is returned.
func DetectLanguage(text, fallback string) string {
	words := tokenize(text)
	if len(words) == 0 {
		return fallback
	}

	scores := make(map[string]int, len(languageOrder))
	for _, lang := range languageOrder {
		for _, w := range languageVocab[lang] {
			if _, ok := words[w]; ok {
				scores[lang]++
			}
		}
	}

	best, bestScore := "", 0
	for _, lang := range languageOrder {
		if scores[lang] > bestScore {
			best, bestScore = lang, scores[lang]
		}
	}
	if bestScore < MinLanguageMatches || scores[fallback] == bestScore {
		return fallback
	}
	return best
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\'' && r != '’'
	})
	words := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, "’", "'")
		words[strings.Trim(f, "'")] = struct{}{}
	}
	return words
}
