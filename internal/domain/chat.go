package domain

// ChatMessage is the provider-agnostic chat message shape sent to LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting returned by a provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// AttemptStatus is the outcome of a single provider attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// ProviderAttempt records one fallback attempt. It lives only for the
// request/response cycle that produced it.
type ProviderAttempt struct {
	Provider string        `json:"provider"`
	Status   AttemptStatus `json:"status"`
	Kind     string        `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Document is a reference snippet retrieved to ground a response.
type Document struct {
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
}
