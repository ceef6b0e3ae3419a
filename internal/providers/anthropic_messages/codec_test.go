package anthropic_messages

import (
	"encoding/json"
	"errors"
	"testing"

	"chatgate/internal/providers"
)

func TestBuildExtractsSystem(t *testing.T) {
	req, err := Build(providers.Config{
		Family:      providers.FamilyAnthropic,
		Endpoint:    "https://api.anthropic.com/v1/messages",
		Model:       "claude-3-5-sonnet",
		APIKey:      "ant-key",
		MaxTokens:   512,
		Temperature: 0.2,
	}, []providers.Message{
		{Role: providers.RoleSystem, Content: "be terse"},
		{Role: providers.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var payload struct {
		Model    string              `json:"model"`
		System   string              `json:"system"`
		Messages []providers.Message `json:"messages"`
	}
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.System != "be terse" {
		t.Fatalf("expected system field, got %q", payload.System)
	}
	if len(payload.Messages) != 1 || payload.Messages[0] != (providers.Message{Role: "user", Content: "hi"}) {
		t.Fatalf("unexpected messages %#v", payload.Messages)
	}
	if payload.Model != "claude-3-5-sonnet" {
		t.Fatalf("unexpected model %q", payload.Model)
	}
	if req.Header.Get("x-api-key") != "ant-key" || req.Header.Get("anthropic-version") != APIVersion {
		t.Fatalf("unexpected headers %#v", req.Header)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("anthropic requests must not carry a bearer token")
	}
}

func TestBuildWithoutSystemOmitsField(t *testing.T) {
	req, err := Build(providers.Config{Endpoint: "https://api.anthropic.com/v1/messages", Model: "m"}, []providers.Message{
		{Role: providers.RoleUser, Content: "a"},
		{Role: providers.RoleAssistant, Content: "b"},
		{Role: providers.RoleUser, Content: "c"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := payload["system"]; ok {
		t.Fatalf("system must be omitted when absent")
	}
	if msgs := payload["messages"].([]any); len(msgs) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(msgs))
	}
}

func TestSplitSystemJoinsMultiple(t *testing.T) {
	system, turns := SplitSystem([]providers.Message{
		{Role: providers.RoleSystem, Content: "one"},
		{Role: providers.RoleUser, Content: "q"},
		{Role: providers.RoleSystem, Content: "two"},
	})
	if system != "one\n\ntwo" {
		t.Fatalf("unexpected system %q", system)
	}
	if len(turns) != 1 || turns[0].Content != "q" {
		t.Fatalf("unexpected turns %#v", turns)
	}
}

func TestParse(t *testing.T) {
	text, err := Parse([]byte(`{"id":"msg_1","content":[{"type":"text","text":"hello"}]}`))
	if err != nil || text != "hello" {
		t.Fatalf("unexpected parse %q err=%v", text, err)
	}

	_, err = Parse([]byte(`{"choices":[{"message":{"content":"x"}}]}`))
	var pe *providers.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
