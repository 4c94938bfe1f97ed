package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mitsuri-ai/dispatcher/internal/config"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// OpenAIAdapter talks to OpenAI-compatible chat completion APIs. Groq,
// Cerebras and SambaNova all speak this format.
type OpenAIAdapter struct {
	transport
}

func NewOpenAIAdapter(name string, cfg config.ProviderConfig, client *http.Client) *OpenAIAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIAdapter{transport{name: name, cfg: cfg, client: client}}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) Call(ctx context.Context, call Call) (*types.Result, error) {
	return a.do(ctx, a, call)
}

func (a *OpenAIAdapter) TransformRequest(ctx context.Context, call Call) (*http.Request, error) {
	req := call.Request
	body := openAIRequestBody{
		Model:       call.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	return httpReq, nil
}

func (a *OpenAIAdapter) TransformResponse(body []byte) (*types.Result, error) {
	var oaiResp openAIResponseBody
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return nil, fmt.Errorf("unmarshal openai response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, errEmptyCompletion
	}

	content := strings.TrimSpace(oaiResp.Choices[0].Message.Content)
	if content == "" {
		return nil, errEmptyCompletion
	}

	result := &types.Result{
		Content: content,
		Model:   oaiResp.Model,
	}
	if u := oaiResp.Usage; u != nil {
		result.Usage = &types.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return result, nil
}

type openAIRequestBody struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
}

type openAIResponseBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      types.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
