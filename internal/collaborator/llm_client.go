package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_completion_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// LLMClient OpenAI 兼容的 chat completions 客户端（并发安全）
type LLMClient struct {
	httpClient *resty.Client
	model      string
	logger     *zap.Logger
}

// NewLLMClient 创建客户端
func NewLLMClient(baseURL, apiKey, model string, timeout time.Duration, logger *zap.Logger) *LLMClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &LLMClient{
		httpClient: client,
		model:      model,
		logger:     logger,
	}
}

// Complete 发送一次对话，jsonMode 要求模型返回 JSON 对象
func (c *LLMClient) Complete(ctx context.Context, system, user string, jsonMode bool, temperature float64) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
	}
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var result chatResponse
	var apiErr chatError
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("failed to call chat completions: %w", err)
	}
	if resp.IsError() {
		c.logger.Warn("Chat completions returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", apiErr.Error.Message),
		)
		return "", fmt.Errorf("chat completions error: %s (status: %d)", apiErr.Error.Message, resp.StatusCode())
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}

	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// CompleteJSON 要求 JSON 输出并解析到 out
func (c *LLMClient) CompleteJSON(ctx context.Context, system, user string, out interface{}) error {
	content, err := c.Complete(ctx, system, user, true, 0)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// stripCodeFence 去掉部分模型包裹的 ```json 代码块
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
