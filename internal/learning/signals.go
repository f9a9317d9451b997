package learning

import (
	"strings"
	"unicode"
)

// normalize lowercases s and replaces everything but letters, digits and
// spaces with a space, collapsing runs of whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenSet(normalized string) map[string]struct{} {
	fields := strings.Fields(normalized)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccard is |a∩b| / |a∪b| over token sets; empty sets score 0.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// text is a message prepared for keyword matching.
type text struct {
	padded string
}

func newText(message string) text {
	return text{padded: " " + normalize(message) + " "}
}

// has reports whether term occurs as whole words.
func (t text) has(term string) bool {
	return strings.Contains(t.padded, " "+normalize(term)+" ")
}

func (t text) count(terms []string) int {
	n := 0
	for _, term := range terms {
		if t.has(term) {
			n++
		}
	}
	return n
}

func (t text) any(terms []string) bool {
	for _, term := range terms {
		if t.has(term) {
			return true
		}
	}
	return false
}

func (t text) words() int {
	return len(strings.Fields(t.padded))
}

var (
	positiveSignals = []string{
		"obrigado", "obrigada", "valeu", "perfeito", "ótimo", "excelente", "muito bom",
		"ajudou", "resolveu", "funcionou", "top", "thanks", "thank you", "perfect", "great",
	}
	negativeSignals = []string{
		"não entendi", "errado", "incorreto", "não é isso", "péssimo", "ruim",
		"não funcionou", "problema continua", "não ajudou", "confuso",
		"didn't understand", "wrong", "incorrect", "not helpful",
	}

	formalMarkers = []string{
		"por favor", "poderia", "gostaria", "senhor", "senhora", "prezado", "cordialmente",
		"please", "could you", "would you", "kindly",
	}
	casualMarkers = []string{
		"vc", "blz", "beleza", "valeu", "kkk", "haha", "pra", "tb", "e aí", "mano", "hey", "lol",
	}

	detailMarkers = []string{
		"detalhe", "detalhes", "detalhado", "explique", "explica", "aprofunde", "passo a passo",
		"in detail", "explain", "step by step",
	}
	briefMarkers = []string{
		"resumo", "resumido", "resuma", "curto", "rápido", "direto", "brief", "short", "tldr", "summary",
	}

	technicalTerms = []string{
		"api", "sql", "query", "json", "kpi", "ebitda", "roi", "dre", "capex", "opex",
		"margem", "regressão", "regression", "pipeline", "endpoint", "schema",
	}
	beginnerMarkers = []string{
		"o que é", "o que significa", "what is", "what does", "não entendo", "iniciante", "beginner",
	}
)

// sentiment returns positive and negative signal counts in message.
func sentiment(t text) (pos, neg int) {
	return t.count(positiveSignals), t.count(negativeSignals)
}

type preferenceRule struct {
	key     string
	phrases []string
}

// Negative phrasings come first so "não gosto de" is not read as "gosto de".
var preferenceRules = []preferenceRule{
	{key: "dislikes", phrases: []string{"não gosto de", "nao gosto de", "i don't like", "i do not like", "i dislike"}},
	{key: "prefers", phrases: []string{"prefiro", "i prefer", "i'd prefer"}},
	{key: "likes", phrases: []string{"gosto de", "i like", "i love", "adoro"}},
}

const maxPreferenceRunes = 120

// detectPreferences extracts explicit preference statements from message.
// Each key captures the rest of the clause after its phrase.
func detectPreferences(message string) map[string]string {
	lower := strings.ToLower(message)
	source := message
	if len(lower) != len(message) {
		source = lower
	}
	out := map[string]string{}
	consumed := make([]bool, len(lower))
	for _, rule := range preferenceRules {
		for _, phrase := range rule.phrases {
			i := freeIndex(lower, phrase, consumed)
			if i < 0 {
				continue
			}
			for j := i; j < i+len(phrase); j++ {
				consumed[j] = true
			}
			rest := source[i+len(phrase):]
			if end := strings.IndexAny(rest, ".,!?;\n"); end >= 0 {
				rest = rest[:end]
			}
			rest = strings.TrimSpace(strings.TrimLeft(rest, " :"))
			if rest == "" {
				continue
			}
			if r := []rune(rest); len(r) > maxPreferenceRunes {
				rest = string(r[:maxPreferenceRunes])
			}
			out[rule.key] = rest
			break
		}
	}
	return out
}

// freeIndex finds phrase in s at a word boundary, skipping matches that
// start inside an already consumed span.
func freeIndex(s, phrase string, consumed []bool) int {
	from := 0
	for from < len(s) {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return -1
		}
		i += from
		if (i == 0 || !isWordByte(s[i-1])) && !consumed[i] {
			return i
		}
		from = i + 1
	}
	return -1
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b >= 0x80
}
