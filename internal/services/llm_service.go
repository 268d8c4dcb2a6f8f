// internal/services/llm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StoryLoom/internal/config"
	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/utils"
)

var ErrLLMNotReady = errors.New("llm service not ready")

// ModelClient is what the workflow needs from a language model.
type ModelClient interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
	CompleteJSON(ctx context.Context, projectID, purpose string, req llm.CompletionRequest, out interface{}) error
}

// PayloadArchiver stores raw model output that failed to parse.
type PayloadArchiver interface {
	Archive(projectID, purpose, raw string) (string, error)
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	isReady            bool
	readyState         string
	activeDefaultModel string

	archive PayloadArchiver
	metrics *utils.Metrics
	logger  *utils.Logger
}

// NewLLMService 根据配置初始化提供商，失败时返回未就绪的服务而不是错误
func NewLLMService(cfg *config.AppConfig, archive PayloadArchiver, metrics *utils.Metrics, logger *utils.Logger) *LLMService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	s := &LLMService{
		readyState: "Uninitialized",
		archive:    archive,
		metrics:    metrics,
		logger:     logger,
	}

	if cfg == nil {
		s.readyState = "Failed to retrieve configuration"
		return s
	}
	if cfg.LLMProvider == "" || cfg.LLMConfig["api_key"] == "" {
		s.readyState = "API key not configured"
		return s
	}

	if err := s.UpdateProvider(cfg.LLMProvider, cfg.LLMConfig); err != nil {
		logger.Warn("llm provider initialization failed", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"error":    err.Error(),
		})
	}
	return s
}

// UseProvider installs an already initialized provider.
func (s *LLMService) UseProvider(name string, provider llm.Provider, defaultModel string) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.provider = provider
	s.providerName = name
	s.activeDefaultModel = defaultModel
	s.isReady = provider != nil
	if s.isReady {
		s.readyState = "Ready"
	}
}

// UpdateProvider 更新LLM服务的提供商
func (s *LLMService) UpdateProvider(providerName string, cfg map[string]string) error {
	provider, err := llm.GetProvider(providerName, cfg)
	if err != nil {
		s.providerMutex.Lock()
		s.isReady = false
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		s.providerMutex.Unlock()
		return err
	}

	s.UseProvider(providerName, provider, strings.TrimSpace(cfg["default_model"]))
	return nil
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// GetProviderName 当前提供商注册名
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// resolveModel 请求未指定模型时使用当前默认模型
func (s *LLMService) resolveModel(requested string, provider llm.Provider, activeDefault string) string {
	if trimmed := strings.TrimSpace(requested); trimmed != "" {
		return trimmed
	}
	if activeDefault != "" {
		return activeDefault
	}
	if models := provider.GetSupportedModels(); len(models) > 0 {
		return models[0]
	}
	return ""
}

// Complete sends one request and returns the raw text.
func (s *LLMService) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	s.providerMutex.RLock()
	provider, ready, state := s.provider, s.isReady, s.readyState
	activeDefault := s.activeDefaultModel
	s.providerMutex.RUnlock()

	if provider == nil || !ready {
		return "", apperrors.NewProviderUnavailableError(state, ErrLLMNotReady)
	}

	req.Model = s.resolveModel(req.Model, provider, activeDefault)

	start := time.Now()
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", apperrors.NewTimeoutError("model call timed out", err)
		}
		return "", fmt.Errorf("%s completion: %w", provider.GetName(), err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("%s returned an empty completion (finish_reason=%s)", provider.GetName(), resp.FinishReason)
	}

	s.logger.Debug("llm completion", map[string]interface{}{
		"provider":      provider.GetName(),
		"model":         req.Model,
		"output_tokens": resp.OutputTokens,
		"elapsed_ms":    time.Since(start).Milliseconds(),
	})
	return resp.Text, nil
}

// CompleteJSON requests JSON output and decodes it through the sanitizer. A
// payload that still fails to parse is logged in full, archived, counted and
// returned as a malformed output error.
func (s *LLMService) CompleteJSON(ctx context.Context, projectID, purpose string, req llm.CompletionRequest, out interface{}) error {
	if req.ResponseFormat == "" {
		req.ResponseFormat = llm.ResponseFormatJSON
	}
	raw, err := s.Complete(ctx, req)
	if err != nil {
		return err
	}

	if err := ParseModelJSON(raw, out); err != nil {
		s.reportMalformed(projectID, purpose, raw, err)
		return err
	}
	return nil
}

func (s *LLMService) reportMalformed(projectID, purpose, raw string, parseErr error) {
	if s.metrics != nil {
		s.metrics.SanitizerFailures.Inc()
	}
	fields := map[string]interface{}{
		"project_id":  projectID,
		"purpose":     purpose,
		"error":       parseErr.Error(),
		"raw_payload": raw,
	}
	if s.archive != nil {
		if name, err := s.archive.Archive(projectID, purpose, raw); err != nil {
			fields["archive_error"] = err.Error()
		} else {
			fields["archived_as"] = name
		}
	}
	s.logger.Error("malformed model output", fields)
}
