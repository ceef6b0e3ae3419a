package openai_compat

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatgate/internal/providers"
)

// Codec speaks the chat-completions shape used by OpenAI and most compatible gateways.
func Codec() providers.Codec {
	return providers.Codec{Build: Build, Parse: Parse}
}

func Build(cfg providers.Config, messages []providers.Message) (providers.WireRequest, error) {
	body, endpointURL, err := BuildPayload(cfg, messages)
	if err != nil {
		return providers.WireRequest{}, err
	}
	return providers.WireRequest{
		URL:    endpointURL,
		Header: providers.BearerHeader(cfg.APIKey),
		Body:   body,
	}, nil
}

// BuildPayload renders the chat-completions body. The model is left out of the
// body when the endpoint already carries it.
func BuildPayload(cfg providers.Config, messages []providers.Message) ([]byte, string, error) {
	endpointURL, modelInURL := providers.ResolveEndpoint(cfg.Endpoint, cfg.Model)
	if endpointURL == "" {
		return nil, "", fmt.Errorf("endpoint url is empty")
	}
	if messages == nil {
		messages = []providers.Message{}
	}

	payload := map[string]any{
		"messages":    messages,
		"max_tokens":  cfg.MaxTokens,
		"temperature": cfg.Temperature,
	}
	if !modelInURL {
		payload["model"] = cfg.Model
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func Parse(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &providers.ParseError{Reason: "decode chat completion response", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &providers.ParseError{Reason: "empty choices in chat completion response"}
	}
	if content := ContentText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		return content, nil
	}
	return "", &providers.ParseError{Reason: "missing choices[0].message.content"}
}

// ContentText accepts both string content and the array-of-parts form.
func ContentText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
