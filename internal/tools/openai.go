package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/registry"
)

const (
	// OpenAIToolID 是大模型补全工具的注册标识。
	OpenAIToolID = "openai-gpt"

	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// OpenAIConfig 描述了调用 OpenAI Chat Completions API 所需的信息。
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIClient 通过 HTTP 调用 OpenAI 提供的大模型能力。
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient 根据配置创建 OpenAI 客户端。
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Complete 调用大模型生成一段补全文本。
func (c *OpenAIClient) Complete(ctx context.Context, prompt, system string, temperature float64) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := make([]message, 0, 2)
	if system = strings.TrimSpace(system); system != "" {
		messages = append(messages, message{Role: "system", Content: system})
	}
	messages = append(messages, message{Role: "user", Content: prompt})

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 响应内容为空")
	}
	return content, nil
}

// NewOpenAI 把大模型客户端包装成可注册的工具能力。
func NewOpenAI(client *OpenAIClient, timeout time.Duration) registry.Capability {
	return registry.Capability{
		ID:          OpenAIToolID,
		Description: "调用 OpenAI Chat Completions 生成文本",
		InputSchema: registry.Schema{
			Fields: map[string]registry.FieldKind{
				"prompt":      registry.KindString,
				"system":      registry.KindString,
				"temperature": registry.KindNumber,
			},
			Required: []string{"prompt"},
		},
		OutputSchema: registry.Schema{
			Fields: map[string]registry.FieldKind{
				"text": registry.KindString,
			},
			Required: []string{"text"},
		},
		MaxExecutionTime: timeout,
		Run: func(ctx context.Context, payload mech.ResolvedPayload) ([]byte, error) {
			prompt, _ := payload.Fields["prompt"].(string)
			system, _ := payload.Fields["system"].(string)
			temperature := 0.2
			if t, ok := payload.Fields["temperature"].(float64); ok {
				temperature = t
			}

			text, err := client.Complete(ctx, prompt, system, temperature)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"text": text})
		},
	}
}
