package providers

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Family string

const (
	FamilyOpenAI    Family = "OPENAI"
	FamilyAnthropic Family = "ANTHROPIC"
	FamilyLocal     Family = "LOCAL"
	FamilyGeneric   Family = "GENERIC"
)

// ParseFamily normalizes a stored provider tag. Unrecognized tags are kept as-is
// so the registry can fall back to the generic codec for them.
func ParseFamily(v string) Family {
	return Family(strings.ToUpper(strings.TrimSpace(v)))
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the provider-independent chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config is the resolved, decrypted provider configuration for a single call.
type Config struct {
	Family      Family
	Endpoint    string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

type WireRequest struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Codec is the build/parse pair registered for one provider family.
type Codec struct {
	Build func(cfg Config, messages []Message) (WireRequest, error)
	Parse func(body []byte) (string, error)
}

type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
	}
	return "provider request failed: " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse provider response: %s: %v", e.Reason, e.Err)
	}
	return "parse provider response: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

var modelPlaceholders = []string{"{model}", "{modelName}"}

// ResolveEndpoint substitutes the model name into the endpoint when it carries a
// placeholder. inURL reports whether the substitution happened.
func ResolveEndpoint(endpoint, model string) (resolved string, inURL bool) {
	resolved = strings.TrimSpace(endpoint)
	for _, p := range modelPlaceholders {
		if strings.Contains(resolved, p) {
			resolved = strings.ReplaceAll(resolved, p, model)
			inURL = true
		}
	}
	return resolved, inURL
}

func BearerHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if strings.TrimSpace(apiKey) != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}
