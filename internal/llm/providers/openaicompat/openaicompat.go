// internal/llm/providers/openaicompat/openaicompat.go
package openaicompat

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

	"github.com/Corphon/StoryLoom/internal/llm"
)

// endpoints 每个注册名对应的默认地址与模型
var endpoints = map[string]struct {
	name    string
	baseURL string
	model   string
	models  []string
}{
	"openai": {
		name:    "OpenAI",
		baseURL: "https://api.openai.com/v1",
		model:   "gpt-4o-mini",
		models:  []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini"},
	},
	"openrouter": {
		name:    "OpenRouter",
		baseURL: "https://openrouter.ai/api/v1",
		model:   "qwen/qwen3-235b-a22b:free",
		models:  []string{"qwen/qwen3-235b-a22b:free", "mistralai/devstral-2512:free", "nousresearch/hermes-3-llama-3.1-405b:free"},
	},
	"deepseek": {
		name:    "DeepSeek",
		baseURL: "https://api.deepseek.com/v1",
		model:   "deepseek-chat",
		models:  []string{"deepseek-chat", "deepseek-reasoner"},
	},
}

func init() {
	for key := range endpoints {
		llm.Register(key, func() llm.Provider { return New(key) })
	}
	// 任意兼容端点，需要显式配置 base_url 与 default_model
	llm.Register("custom", func() llm.Provider { return New("custom") })
}

// Provider 兼容 OpenAI chat/completions 协议的提供者
type Provider struct {
	key          string
	name         string
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
	models       []string
	httpReferer  string
	appName      string
}

// New 返回指定注册名的未初始化提供者，未知名称按通用兼容端点处理
func New(key string) *Provider {
	ep, ok := endpoints[key]
	if !ok {
		return &Provider{key: key, name: key}
	}
	return &Provider{
		key:          key,
		name:         ep.name,
		baseURL:      ep.baseURL,
		defaultModel: ep.model,
		models:       ep.models,
	}
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return fmt.Errorf("%s API key not provided", p.name)
	}
	p.apiKey = apiKey

	if baseURL := config["base_url"]; baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
	if p.baseURL == "" {
		return fmt.Errorf("%s base_url not provided", p.name)
	}
	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	}
	if p.defaultModel == "" {
		return fmt.Errorf("%s default_model not provided", p.name)
	}

	// 超时由调用方的 context 控制
	p.client = &http.Client{Transport: http.DefaultTransport}
	if raw := config["http_timeout"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			p.client.Timeout = d
		}
	}

	p.appName = config["app_name"]
	if p.appName == "" {
		p.appName = "StoryLoom"
	}
	p.httpReferer = config["http_referer"]

	if customModels := config["custom_models"]; customModels != "" {
		var models []string
		if err := json.Unmarshal([]byte(customModels), &models); err == nil && len(models) > 0 {
			p.models = models
		}
	}

	return nil
}

func (p *Provider) GetName() string {
	return p.name
}

func (p *Provider) GetSupportedModels() []string {
	return p.models
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []llm.Message `json:"messages"`
	Temperature    float32       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// buildBody 序列化请求体，ExtraParams 覆盖同名字段
func (p *Provider) buildBody(req llm.CompletionRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	body := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat != "" {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: req.ResponseFormat}
	}

	data, err := json.Marshal(body)
	if err != nil || len(req.ExtraParams) == 0 {
		return data, err
	}

	merged := map[string]interface{}{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range req.ExtraParams {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.client == nil {
		return nil, fmt.Errorf("%s provider not initialized", p.name)
	}

	jsonData, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("X-Title", p.appName)
	if p.httpReferer != "" {
		httpReq.Header.Set("HTTP-Referer", p.httpReferer)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &llm.StatusError{Provider: p.name, StatusCode: httpResp.StatusCode, Body: string(body)}
	}

	var response chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", p.name, err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New(p.name + " returned no choices")
	}

	return &llm.CompletionResponse{
		Text:         response.Choices[0].Message.Content,
		FinishReason: response.Choices[0].FinishReason,
		TokensUsed:   response.Usage.TotalTokens,
		PromptTokens: response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		ModelName:    response.Model,
		ProviderName: p.name,
	}, nil
}
