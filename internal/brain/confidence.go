package brain

import (
	"strings"
	"unicode/utf8"
)

const (
	baseConfidence   = 0.7
	forcedConfidence = 0.2
	minConfidence    = 0.1
	maxConfidence    = 0.99
)

var (
	hedgingPhrases = []string{"i don't know", "i'm not sure", "não sei", "não tenho acesso", "no sé"}
	echoPhrases    = []string{"as you mentioned", "você mencionou", "como disse", "anteriormente"}
)

// ScoreConfidence rates a provider response heuristically. The result is
// always within [0.1, 0.99].
func ScoreConfidence(response string) float64 {
	text := strings.TrimSpace(response)
	lower := strings.ToLower(text)
	c := baseConfidence

	switch n := utf8.RuneCountInString(text); {
	case n < 10:
		c -= 0.2
	case n > 100:
		c += 0.1
	}
	if containsAny(lower, hedgingPhrases) {
		c -= 0.3
	}
	if strings.HasSuffix(text, "?") {
		c -= 0.1
	}
	if containsAny(lower, echoPhrases) {
		c += 0.1
	}

	if c < minConfidence {
		return minConfidence
	}
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
