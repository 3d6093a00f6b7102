package voice

import (
	"strings"
	"unicode"
)

// stopWordWindow is how many trailing words are searched for a stop word.
const stopWordWindow = 3

var DefaultStopWords = []string{"goose", "hey goose", "stop", "cancel"}

// stopWordMatcher finds stop phrases among the last few words of a transcript.
// Matching is by whole words, so "mongoose" does not match "goose".
type stopWordMatcher struct {
	phrases [][]string
}

func newStopWordMatcher(words []string) *stopWordMatcher {
	m := &stopWordMatcher{}
	for _, w := range words {
		tokens := tokenizeWords(w)
		if len(tokens) == 0 || len(tokens) > stopWordWindow {
			continue
		}
		m.phrases = append(m.phrases, tokens)
	}
	return m
}

func (m *stopWordMatcher) Match(text string) bool {
	tokens := tokenizeWords(text)
	if len(tokens) > stopWordWindow {
		tokens = tokens[len(tokens)-stopWordWindow:]
	}
	for _, phrase := range m.phrases {
		if containsRun(tokens, phrase) {
			return true
		}
	}
	return false
}

func containsRun(tokens, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
