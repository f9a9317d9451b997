package brain

import (
	"fmt"
	"sort"
	"strings"

	"mesh-assistant/internal/domain"
	"mesh-assistant/internal/learning"
)

const (
	promptTurns        = 5
	promptTurnRunes    = 200
	promptPatterns     = 3
	promptDocumentRune = 300
)

// DefaultSystemPrompt stands in for a personality template.
const DefaultSystemPrompt = "You are Mesh, a financial assistant. Answer in the language the user writes in " +
	"and say plainly when you do not have the information needed."

// turnContext is everything gathered for one turn before generation.
type turnContext struct {
	history     []domain.ConversationTurn
	preferences map[string]string
	profile     *domain.UserProfile
	hints       []string
	patterns    []domain.Pattern
	documents   []domain.Document
	// docLimit caps documents in the prompt; zero means DefaultDocuments.
	docLimit int
}

// keys lists the populated context sections in a stable order.
func (tc turnContext) keys() []string {
	var keys []string
	if len(tc.history) > 0 {
		keys = append(keys, "conversation_history")
	}
	if len(tc.preferences) > 0 {
		keys = append(keys, "user_preferences")
	}
	if tc.profile != nil {
		keys = append(keys, "user_profile")
	}
	if len(tc.hints) > 0 {
		keys = append(keys, "personalization")
	}
	if len(tc.patterns) > 0 {
		keys = append(keys, "patterns")
	}
	if len(tc.documents) > 0 {
		keys = append(keys, "retrieved_documents")
	}
	return keys
}

// buildPrompt renders the enhanced prompt. History is expected newest first
// and is rendered in that order.
func buildPrompt(tc turnContext, message string) string {
	var parts []string

	var turns []string
	for _, t := range tc.history {
		if len(turns) == promptTurns*2 {
			break
		}
		msg, resp := truncate(t.Message, promptTurnRunes), truncate(t.Response, promptTurnRunes)
		if msg == "" || resp == "" {
			continue
		}
		turns = append(turns, "User: "+msg, "Assistant: "+resp)
	}
	if len(turns) > 0 {
		parts = append(parts, section("Previous conversation (most recent first)", turns))
	}

	if len(tc.preferences) > 0 {
		keys := make([]string, 0, len(tc.preferences))
		for k, v := range tc.preferences {
			if strings.TrimSpace(v) != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("- %s: %s", k, tc.preferences[k]))
		}
		if len(lines) > 0 {
			parts = append(parts, section("About the user", lines))
		}
	}

	if len(tc.hints) > 0 {
		lines := make([]string, 0, len(tc.hints))
		for _, h := range tc.hints {
			lines = append(lines, "- "+h)
		}
		parts = append(parts, section("Personalization", lines))
	}

	if top := learning.TopPatterns(tc.patterns, promptPatterns); len(top) > 0 {
		lines := make([]string, 0, len(top))
		for _, p := range top {
			lines = append(lines, fmt.Sprintf("- %s (confidence %.2f)", p.Description, p.Confidence))
		}
		parts = append(parts, section("Observed patterns", lines))
	}

	docLimit := tc.docLimit
	if docLimit <= 0 {
		docLimit = DefaultDocuments
	}
	var docs []string
	for _, d := range tc.documents {
		if len(docs) == docLimit {
			break
		}
		if content := truncate(d.Content, promptDocumentRune); content != "" {
			docs = append(docs, fmt.Sprintf("- [%s] %s", d.Source, content))
		}
	}
	if len(docs) > 0 {
		parts = append(parts, section("Relevant documents", docs))
	}

	if len(turns) > 0 || len(tc.preferences) > 0 {
		parts = append(parts, section("Instructions", []string{
			"Take the context above into account and stay consistent with what was already discussed.",
		}))
	}

	parts = append(parts, section("Current message", []string{message}))
	return strings.Join(parts, "\n\n")
}

func section(title string, lines []string) string {
	return "### " + title + " ###\n" + strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
