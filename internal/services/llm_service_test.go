package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StoryLoom/internal/config"
	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/utils"
)

type stubProvider struct {
	text string
	err  error
	last llm.CompletionRequest
}

func (p *stubProvider) Initialize(map[string]string) error { return nil }
func (p *stubProvider) GetName() string                    { return "stub" }
func (p *stubProvider) GetSupportedModels() []string       { return []string{"stub-large", "stub-small"} }

func (p *stubProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Text: p.text}, nil
}

type memoryArchive struct {
	mu       sync.Mutex
	payloads map[string]string
}

func (a *memoryArchive) Archive(projectID, purpose, raw string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.payloads == nil {
		a.payloads = map[string]string{}
	}
	name := projectID + "/" + purpose
	a.payloads[name] = raw
	return name, nil
}

func TestLLMServiceNotReadyWithoutKey(t *testing.T) {
	svc := NewLLMService(&config.AppConfig{LLMProvider: "openai", LLMConfig: map[string]string{}}, nil, nil, utils.NewDiscardLogger())
	assert.False(t, svc.IsReady())
	assert.Equal(t, "API key not configured", svc.GetReadyState())

	_, err := svc.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderUnavailable(err))
}

func TestLLMServiceUnknownProvider(t *testing.T) {
	svc := NewLLMService(nil, nil, nil, utils.NewDiscardLogger())
	err := svc.UpdateProvider("no-such-provider", map[string]string{"api_key": "k"})
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
	assert.False(t, svc.IsReady())
	assert.Contains(t, svc.GetReadyState(), "Configuration failed")
}

func TestLLMServiceResolvesModel(t *testing.T) {
	provider := &stubProvider{text: "hello"}
	svc := NewLLMService(nil, nil, nil, utils.NewDiscardLogger())

	svc.UseProvider("stub", provider, "")
	_, err := svc.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "stub-large", provider.last.Model)

	svc.UseProvider("stub", provider, "stub-small")
	_, err = svc.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "stub-small", provider.last.Model)

	_, err = svc.Complete(context.Background(), llm.CompletionRequest{Model: " explicit "})
	require.NoError(t, err)
	assert.Equal(t, "explicit", provider.last.Model)
	assert.Equal(t, "stub", svc.GetProviderName())
}

func TestLLMServiceErrors(t *testing.T) {
	provider := &stubProvider{text: "   "}
	svc := NewLLMService(nil, nil, nil, utils.NewDiscardLogger())
	svc.UseProvider("stub", provider, "m")

	_, err := svc.Complete(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)

	provider.err = context.DeadlineExceeded
	_, err = svc.Complete(context.Background(), llm.CompletionRequest{})
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeTimeout, appErr.Type)
}

func TestCompleteJSONDecodesWrappedOutput(t *testing.T) {
	provider := &stubProvider{text: "<think>plan</think>\n```json\n{\"title\": \"Harbor\"}\n```"}
	svc := NewLLMService(nil, nil, nil, utils.NewDiscardLogger())
	svc.UseProvider("stub", provider, "m")

	var out struct {
		Title string `json:"title"`
	}
	require.NoError(t, svc.CompleteJSON(context.Background(), "p1", "blueprint", llm.CompletionRequest{}, &out))
	assert.Equal(t, "Harbor", out.Title)
	assert.Equal(t, llm.ResponseFormatJSON, provider.last.ResponseFormat)
}

func TestCompleteJSONArchivesMalformedOutput(t *testing.T) {
	provider := &stubProvider{text: "I cannot produce JSON today"}
	archive := &memoryArchive{}
	metrics := utils.NewMetrics(prometheus.NewRegistry())
	svc := NewLLMService(nil, archive, metrics, utils.NewDiscardLogger())
	svc.UseProvider("stub", provider, "m")

	var out map[string]interface{}
	err := svc.CompleteJSON(context.Background(), "p1", "evaluation", llm.CompletionRequest{}, &out)
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedOutput(err))

	assert.Equal(t, "I cannot produce JSON today", archive.payloads["p1/evaluation"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SanitizerFailures))
}
