package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"speechflow/internal/domain"
	"speechflow/internal/infra"
)

// CostModel converts token usage to USD.
type CostModel struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost returns the price of one call, rounded to 6 decimals.
func (c CostModel) Cost(promptTokens, completionTokens int) float64 {
	cost := float64(promptTokens)/1000*c.InputPer1K + float64(completionTokens)/1000*c.OutputPer1K
	return math.Round(cost*1e6) / 1e6
}

// AIOptions controls how the AI-task client is configured.
type AIOptions struct {
	BaseURL    string
	APIKey     string
	Deployment string
	APIVersion string
	Cost       CostModel
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// HTTPAITask runs summarization and translation against an OpenAI-compatible
// chat-completions endpoint, tracking token usage and cost per call.
type HTTPAITask struct {
	baseURL    string
	apiKey     string
	deployment string
	apiVersion string
	cost       CostModel
	httpClient *http.Client
	logger     *infra.Logger
}

// NewHTTPAITask builds an AI-task client.
func NewHTTPAITask(opts AIOptions) *HTTPAITask {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPAITask{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		deployment: opts.Deployment,
		apiVersion: opts.APIVersion,
		cost:       opts.Cost,
		httpClient: client,
		logger:     opts.Logger,
	}
}

func (c *HTTPAITask) Model() (string, string) { return c.deployment, c.apiVersion }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *HTTPAITask) Run(ctx context.Context, task, text string, params map[string]string) (*AIResult, error) {
	if text == "" {
		return nil, classified(CodeMissingInput, "no input text provided")
	}

	var system string
	switch task {
	case domain.TaskSummarize:
		system = "Summarize the following transcript concisely, keeping key decisions and action items."
	case domain.TaskTranslate:
		target := params["target_lang"]
		if target == "" {
			target = "en"
		}
		if source := params["source_lang"]; source != "" {
			system = fmt.Sprintf("Translate the following text from %s to %s. Return only the translation.", source, target)
		} else {
			system = fmt.Sprintf("Translate the following text to %s. Return only the translation.", target)
		}
	default:
		return nil, classified(CodeUnknownTask, fmt.Sprintf("unknown task %q", task))
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.deployment,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return nil, classified(CodeAIAPI, fmt.Sprintf("encode chat request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, classified(CodeAIAPI, fmt.Sprintf("build chat request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classified(CodeAIAPI, fmt.Sprintf("chat request: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classified(CodeAIAPI, fmt.Sprintf("ai service returned %d: %s", resp.StatusCode, body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, classified(CodeAIAPI, fmt.Sprintf("decode chat response: %v", err))
	}
	if len(out.Choices) == 0 {
		return nil, classified(CodeAIAPI, "ai service returned no choices")
	}

	cost := c.cost.Cost(out.Usage.PromptTokens, out.Usage.CompletionTokens)
	if c.logger != nil {
		c.logger.Debug().
			Str("task", task).
			Int("total_tokens", out.Usage.TotalTokens).
			Float64("cost_usd", cost).
			Msg("ai: task complete")
	}

	return &AIResult{
		Output:           out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		CostUSD:          cost,
	}, nil
}
