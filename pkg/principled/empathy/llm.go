// Package empathy implements conversation analysis: buffering forwarded
// messages per user and running them through an LLM with a structured
// four-sides ("four ears") communication-model prompt.
//
// llm.go is the LLM client. Uses the OpenAI-compatible chat completions
// API, which works with OpenAI and any compatible endpoint; structured
// results are requested via response_format json_schema with a raw-text
// fallback when the model returns something else.
package empathy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client handles communication with the LLM provider API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientConfig holds LLM endpoint configuration.
type ClientConfig struct {
	// BaseURL is the API root (default https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests. Resolved keyring → env → config.
	APIKey string `yaml:"api_key"`

	// Model is the default model; users can override per-user via /model.
	Model string `yaml:"model"`
}

// NewClient creates an LLM client from config.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.With("component", "llm"),
	}
}

// DefaultModel returns the configured default model name.
func (c *Client) DefaultModel() string { return c.model }

// ---------- Analysis result types ----------

// SenderAnalysis is the four-sides breakdown of one participant's messages.
type SenderAnalysis struct {
	Sender             string `json:"sender"`
	FactualInformation string `json:"factual_information"`
	SelfRevelation     string `json:"self_revelation"`
	Relationship       string `json:"relationship"`
	Appeal             string `json:"appeal"`
	BidForConnection   string `json:"bid_for_connection"`
}

// Continuation suggests example replies for one participant.
type Continuation struct {
	Sender               string   `json:"sender"`
	ExampleContinuations []string `json:"example_continuations"`
}

// Analysis is the structured result of a conversation analysis.
type Analysis struct {
	Analysis      []SenderAnalysis `json:"analysis"`
	Continuations []Continuation   `json:"continuations"`
}

// ---------- Wire types (OpenAI-compatible) ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// analysisSchema constrains the model to the Analysis shape.
const analysisSchema = `{
  "type": "json_schema",
  "json_schema": {
    "name": "conversation_analysis",
    "strict": true,
    "schema": {
      "type": "object",
      "properties": {
        "analysis": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "sender": {"type": "string"},
              "factual_information": {"type": "string"},
              "self_revelation": {"type": "string"},
              "relationship": {"type": "string"},
              "appeal": {"type": "string"},
              "bid_for_connection": {"type": "string"}
            },
            "required": ["sender", "factual_information", "self_revelation", "relationship", "appeal", "bid_for_connection"],
            "additionalProperties": false
          }
        },
        "continuations": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "sender": {"type": "string"},
              "example_continuations": {"type": "array", "items": {"type": "string"}}
            },
            "required": ["sender", "example_continuations"],
            "additionalProperties": false
          }
        }
      },
      "required": ["analysis", "continuations"],
      "additionalProperties": false
    }
  }
}`

// ---------- Public methods ----------

// Analyze sends the prompt with the structured-output schema. Returns a
// parsed Analysis when the model honored the schema, or the raw response
// text when it did not (never both).
func (c *Client) Analyze(ctx context.Context, prompt, model string) (*Analysis, string, error) {
	content, err := c.complete(ctx, prompt, model, json.RawMessage(analysisSchema))
	if err != nil {
		return nil, "", err
	}

	var result Analysis
	if err := json.Unmarshal([]byte(content), &result); err != nil || len(result.Analysis) == 0 {
		// Model ignored the schema; hand the raw text through.
		c.logger.Debug("structured parse failed, falling back to raw text", "model", model)
		return nil, content, nil
	}
	return &result, "", nil
}

// complete sends one user message and returns the assistant text.
func (c *Client) complete(ctx context.Context, prompt, model string, responseFormat json.RawMessage) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured. Run 'principled setup' or set PRINCIPLED_API_KEY")
	}
	if model == "" {
		model = c.model
	}

	reqBody := chatRequest{
		Model:          model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		ResponseFormat: responseFormat,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	c.logger.Info("chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", chatResp.Choices[0].FinishReason,
	)

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
