package provider

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

const StaticName = "static"

// Canned responses served when every real provider is exhausted.
const (
	StaticGreeting = "Olá! Sou o Mesh, seu assistente financeiro. Como posso ajudá-lo hoje?"
	StaticStatus   = "Estou operacional, mas com recursos limitados no momento. Os serviços de IA estão temporariamente indisponíveis."
	StaticApology  = "Desculpe, estou com dificuldades técnicas para processar sua mensagem no momento. Por favor, tente novamente mais tarde ou entre em contato com o suporte."
)

var (
	greetingWords  = []string{"oi", "olá", "hello", "hi"}
	greetingPhrase = []string{"bom dia", "boa tarde", "boa noite"}
	statusWords    = []string{"status", "funcionando", "working", "ok"}
)

// ErrStaticEmbed is returned by Static.Embed; the offline provider has no vectors.
var ErrStaticEmbed = errors.New("provider: static provider does not embed")

// Static is the deterministic offline provider. It never fails to generate.
type Static struct{}

func (Static) Name() string    { return StaticName }
func (Static) Available() bool { return true }

// Generate picks a canned response by keyword, reading the raw user message
// from req.Context when present so prompt scaffolding does not match.
func (s Static) Generate(_ context.Context, req Request) (Answer, error) {
	msg, ok := req.Context["message"].(string)
	if !ok {
		msg = req.Prompt
	}
	text, _ := s.Respond(msg)
	return Answer{Text: text}, nil
}

// Respond returns the canned text for message and whether it is the apology.
func (Static) Respond(message string) (text string, apology bool) {
	lower := strings.ToLower(message)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	switch {
	case containsWord(words, greetingWords) || containsPhrase(lower, greetingPhrase):
		return StaticGreeting, false
	case containsWord(words, statusWords):
		return StaticStatus, false
	default:
		return StaticApology, true
	}
}

func (Static) Embed(context.Context, string) ([]float32, error) {
	return nil, &Error{Provider: StaticName, Kind: KindNotFound, Err: ErrStaticEmbed}
}

func containsWord(words, wanted []string) bool {
	for _, w := range words {
		for _, x := range wanted {
			if w == x {
				return true
			}
		}
	}
	return false
}

func containsPhrase(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
