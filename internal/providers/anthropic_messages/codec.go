package anthropic_messages

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"chatgate/internal/providers"
)

const APIVersion = "2023-06-01"

func Codec() providers.Codec {
	return providers.Codec{Build: Build, Parse: Parse}
}

func Build(cfg providers.Config, messages []providers.Message) (providers.WireRequest, error) {
	endpointURL, _ := providers.ResolveEndpoint(cfg.Endpoint, cfg.Model)
	if endpointURL == "" {
		return providers.WireRequest{}, fmt.Errorf("endpoint url is empty")
	}

	system, turns := SplitSystem(messages)
	payload := map[string]any{
		"model":       cfg.Model,
		"max_tokens":  cfg.MaxTokens,
		"temperature": cfg.Temperature,
		"messages":    turns,
	}
	if system != "" {
		payload["system"] = system
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return providers.WireRequest{}, fmt.Errorf("marshal messages payload: %w", err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if strings.TrimSpace(cfg.APIKey) != "" {
		h.Set("x-api-key", cfg.APIKey)
	}
	h.Set("anthropic-version", APIVersion)

	return providers.WireRequest{URL: endpointURL, Header: h, Body: b}, nil
}

// SplitSystem pulls system turns out of the list. Several system turns are
// joined with a blank line; the remaining turns keep their order.
func SplitSystem(messages []providers.Message) (string, []providers.Message) {
	var system []string
	turns := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == providers.RoleSystem {
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}

func Parse(body []byte) (string, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &providers.ParseError{Reason: "decode messages response", Err: err}
	}
	if len(resp.Content) == 0 || strings.TrimSpace(resp.Content[0].Text) == "" {
		return "", &providers.ParseError{Reason: "missing content[0].text"}
	}
	return resp.Content[0].Text, nil
}
