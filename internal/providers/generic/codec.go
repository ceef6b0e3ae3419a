package generic

import (
	"encoding/json"
	"strings"

	"chatgate/internal/providers"
	"chatgate/internal/providers/openai_compat"
)

// Codec is used for local models and any family without a dedicated entry:
// chat-completions request shape with a lenient response reader.
func Codec() providers.Codec {
	return providers.Codec{Build: openai_compat.Build, Parse: Parse}
}

// Parse tries choices[0].message.content, then content[0].text, then a flat
// content string.
func Parse(body []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", &providers.ParseError{Reason: "decode response", Err: err}
	}

	if choices, ok := doc["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content := openai_compat.ContentText(msg["content"]); strings.TrimSpace(content) != "" {
					return content, nil
				}
			}
		}
	}

	if blocks, ok := doc["content"].([]any); ok && len(blocks) > 0 {
		if b0, ok := blocks[0].(map[string]any); ok {
			if text, ok := b0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	if content, ok := doc["content"].(string); ok && strings.TrimSpace(content) != "" {
		return content, nil
	}

	return "", &providers.ParseError{Reason: "response does not contain a known text field"}
}
