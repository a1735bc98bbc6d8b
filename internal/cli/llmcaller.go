package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentmesh/controller/internal/config"
	"github.com/agentmesh/controller/internal/planner"
)

// buildPlanner selects the stub or live planner per §4.2/§6.5 based on
// cfg.LLMProvider. The live variant's LLMCaller is a thin net/http client
// against the vendor's plain REST API.
func buildPlanner(cfg *config.Config) planner.Planner {
	switch cfg.LLMProvider {
	case "anthropic":
		return planner.NewLive(anthropicCaller{apiKey: cfg.AnthropicAPIKey, client: httpClient()})
	case "openai":
		return planner.NewLive(planner.LLMCallerFunc(openAICaller(cfg.OpenAIAPIKey)))
	default:
		return planner.NewStub()
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

// anthropicCaller wraps the Anthropic Messages API.
type anthropicCaller struct {
	apiKey string
	client *http.Client
}

func (a anthropicCaller) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := map[string]any{
		"model":      "claude-3-5-sonnet-latest",
		"max_tokens": 2048,
		"system":     systemPrompt,
		"messages": []map[string]any{
			{"role": "user", "content": userPrompt},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("cli: marshaling anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("cli: building anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cli: calling anthropic: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("cli: reading anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cli: anthropic returned %d: %s", resp.StatusCode, respBody)
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("cli: parsing anthropic response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("cli: anthropic response had no content blocks")
	}
	return parsed.Content[0].Text, nil
}

// openAICaller returns an LLMCallerFunc wrapping the OpenAI Chat Completions
// API, closing over apiKey rather than carrying a one-field struct.
func openAICaller(apiKey string) func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	client := httpClient()
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		body := map[string]any{
			"model": "gpt-4o",
			"messages": []map[string]any{
				{"role": "system", "content": systemPrompt},
				{"role": "user", "content": userPrompt},
			},
		}
		data, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("cli: marshaling openai request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("cli: building openai request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("cli: calling openai: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("cli: reading openai response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("cli: openai returned %d: %s", resp.StatusCode, respBody)
		}

		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return "", fmt.Errorf("cli: parsing openai response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return "", fmt.Errorf("cli: openai response had no choices")
		}
		return parsed.Choices[0].Message.Content, nil
	}
}
