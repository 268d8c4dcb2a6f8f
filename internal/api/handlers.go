// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Corphon/StoryLoom/internal/config"
	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/utils"
	"github.com/gin-gonic/gin"
)

// Pinger 健康检查依赖的存储探活接口
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler 处理API请求
type Handler struct {
	Workflow *services.NovelWorkflowService // 工作流编排
	Progress *services.ProgressService      // 进度跟踪服务
	LLM      *services.LLMService           // LLM服务
	Store    Pinger                         // 存储探活
	WS       *WebSocketManager              // 项目事件推送
	Response *ResponseHelper                // 响应助手
	Logger   *utils.Logger
}

// CreateProjectRequest 创建项目的请求结构
type CreateProjectRequest struct {
	Title         string `json:"title"`          // 书名，可空
	InitialPrompt string `json:"initial_prompt"` // 第一条构思消息，可空
}

// AppendConversationRequest 追加构思对话
type AppendConversationRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BlueprintRequest 生成蓝图
type BlueprintRequest struct {
	ForceRegenerate bool `json:"force_regenerate"`
}

// ChapterOutlinesRequest 按数量生成章节大纲，0 表示使用蓝图总章数
type ChapterOutlinesRequest struct {
	Count int `json:"count"`
}

// GenerateChapterRequest 生成章节，0 表示使用默认候选数
type GenerateChapterRequest struct {
	CandidateCount int `json:"candidate_count"`
}

// RetryVersionRequest 重写单个版本
type RetryVersionRequest struct {
	CustomPrompt string `json:"custom_prompt"`
}

// RevertPhaseRequest 回退阶段
type RevertPhaseRequest struct {
	Target string `json:"target"`
}

// UpdateLLMConfigRequest 更新LLM配置
type UpdateLLMConfigRequest struct {
	Provider string            `json:"provider"`
	Config   map[string]string `json:"config"`
}

// bindOptionalJSON 空请求体视为零值
func bindOptionalJSON(c *gin.Context, out interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		h.Response.BadRequest(c, fmt.Sprintf("invalid %s", name), c.Param(name))
		return 0, false
	}
	return v, true
}

// ------------------------------------------------
// 项目

// ListProjects 列出所有项目
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.Workflow.ListProjects(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, projects)
}

// CreateProject 创建项目
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	project, err := h.Workflow.CreateProject(c.Request.Context(), req.Title, req.InitialPrompt)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Created(c, project)
}

// GetProject 返回项目概览：阶段、可用转换、产物数量与运行中的任务
func (h *Handler) GetProject(c *gin.Context) {
	overview, err := h.Workflow.GetProjectOverview(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, overview)
}

// ListConversation 构思对话记录
func (h *Handler) ListConversation(c *gin.Context) {
	turns, err := h.Workflow.ListConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, turns)
}

// AppendConversation 追加构思对话
func (h *Handler) AppendConversation(c *gin.Context) {
	var req AppendConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}

	turn, err := h.Workflow.AppendConversation(c.Request.Context(), c.Param("id"), req.Role, req.Content)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Created(c, turn)
}

// ------------------------------------------------
// 蓝图与大纲

// GetBlueprint 读取蓝图
func (h *Handler) GetBlueprint(c *gin.Context) {
	bp, err := h.Workflow.GetBlueprint(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, bp)
}

// GenerateBlueprint 根据构思对话生成蓝图
func (h *Handler) GenerateBlueprint(c *gin.Context) {
	var req BlueprintRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	result, err := h.Workflow.GenerateBlueprint(c.Request.Context(), c.Param("id"), req.ForceRegenerate)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, result)
}

// GenerateOutlines 启动完整大纲流程。默认异步返回任务ID，?sync=true 时同步执行
func (h *Handler) GenerateOutlines(c *gin.Context) {
	projectID := c.Param("id")
	if sync, _ := strconv.ParseBool(c.Query("sync")); sync {
		result, err := h.Workflow.GenerateOutlines(c.Request.Context(), projectID)
		if err != nil {
			h.Response.FromError(c, err)
			return
		}
		h.Response.Success(c, result)
		return
	}

	tracker, err := h.Workflow.StartOutlineGeneration(projectID)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Accepted(c, gin.H{
		"task_id":      tracker.TaskID,
		"project_id":   projectID,
		"progress_url": "/api/progress/" + tracker.TaskID,
		"task":         tracker.Snapshot(),
	}, "outline generation started")
}

// ListPartOutlines 读取分部大纲
func (h *Handler) ListPartOutlines(c *gin.Context) {
	parts, err := h.Workflow.ListPartOutlines(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, parts)
}

// GeneratePartOutlines 生成分部大纲
func (h *Handler) GeneratePartOutlines(c *gin.Context) {
	result, err := h.Workflow.GeneratePartOutlines(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, result)
}

// ListChapterOutlines 读取章节大纲
func (h *Handler) ListChapterOutlines(c *gin.Context) {
	outlines, err := h.Workflow.ListChapterOutlines(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, outlines)
}

// GenerateChapterOutlines 按数量生成章节大纲
func (h *Handler) GenerateChapterOutlines(c *gin.Context) {
	var req ChapterOutlinesRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	result, err := h.Workflow.GenerateChapterOutlinesByCount(c.Request.Context(), c.Param("id"), req.Count)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, result)
}

// ------------------------------------------------
// 章节

// GetChapter 读取章节及全部版本
func (h *Handler) GetChapter(c *gin.Context) {
	number, ok := h.intParam(c, "number")
	if !ok {
		return
	}
	chapter, err := h.Workflow.GetChapter(c.Request.Context(), c.Param("id"), number)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, chapter)
}

// GenerateChapter 并发生成候选版本；部分失败时返回成功版本与失败明细
func (h *Handler) GenerateChapter(c *gin.Context) {
	number, ok := h.intParam(c, "number")
	if !ok {
		return
	}
	var req GenerateChapterRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	result, err := h.Workflow.GenerateChapter(c.Request.Context(), c.Param("id"), number, req.CandidateCount)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, result)
}

// RetryVersion 重写指定版本
func (h *Handler) RetryVersion(c *gin.Context) {
	number, ok := h.intParam(c, "number")
	if !ok {
		return
	}
	index, ok := h.intParam(c, "index")
	if !ok {
		return
	}
	var req RetryVersionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	version, err := h.Workflow.RetryVersion(c.Request.Context(), c.Param("id"), number, index, req.CustomPrompt)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, version)
}

// SelectVersion 选定版本
func (h *Handler) SelectVersion(c *gin.Context) {
	number, ok := h.intParam(c, "number")
	if !ok {
		return
	}
	index, ok := h.intParam(c, "index")
	if !ok {
		return
	}

	chapter, err := h.Workflow.SelectVersion(c.Request.Context(), c.Param("id"), number, index)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, chapter)
}

// EvaluateChapter 对候选版本评审，仅给出推荐
func (h *Handler) EvaluateChapter(c *gin.Context) {
	number, ok := h.intParam(c, "number")
	if !ok {
		return
	}

	evaluation, err := h.Workflow.EvaluateChapter(c.Request.Context(), c.Param("id"), number)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, evaluation)
}

// ------------------------------------------------
// 阶段

// RevertPhase 沿阶段表回退，并级联删除下游产物
func (h *Handler) RevertPhase(c *gin.Context) {
	var req RevertPhaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	target := models.ProjectPhase(strings.ToLower(strings.TrimSpace(req.Target)))

	result, err := h.Workflow.RevertPhase(c.Request.Context(), c.Param("id"), target)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, result)
}

// CompleteProject 标记完成
func (h *Handler) CompleteProject(c *gin.Context) {
	project, err := h.Workflow.CompleteProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, project)
}

// ------------------------------------------------
// 任务进度

// SubscribeProgress 订阅任务进度的SSE端点
func (h *Handler) SubscribeProgress(c *gin.Context) {
	taskID := c.Param("taskID")

	tracker, exists := h.Progress.GetTracker(taskID)
	if !exists {
		h.Response.NotFound(c, "task", taskID)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()

	// 订阅时立即收到当前状态
	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"task_id\":%q}\n\n", taskID)
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updateChan:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", string(data))
			c.Writer.Flush()

			if update.Status == services.TaskCompleted || update.Status == services.TaskFailed {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// GetTask 任务当前状态
func (h *Handler) GetTask(c *gin.Context) {
	tracker, exists := h.Progress.GetTracker(c.Param("taskID"))
	if !exists {
		h.Response.NotFound(c, "task", c.Param("taskID"))
		return
	}
	h.Response.Success(c, tracker.Snapshot())
}

// ------------------------------------------------
// 系统

// Health 服务健康状态
func (h *Handler) Health(c *gin.Context) {
	status := http.StatusOK
	storeState := "ok"
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			storeState = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	llmReady := h.LLM != nil && h.LLM.IsReady()
	llmState := "not configured"
	if h.LLM != nil {
		llmState = h.LLM.GetReadyState()
	}

	overall := "ok"
	if status != http.StatusOK || !llmReady {
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status": overall,
		"store":  storeState,
		"llm": gin.H{
			"ready": llmReady,
			"state": llmState,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// GetLLMStatus 获取LLM服务状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	if h.LLM == nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable, "LLM service not initialized")
		return
	}
	cfg := config.GetCurrentConfig()
	h.Response.Success(c, gin.H{
		"ready":    h.LLM.IsReady(),
		"state":    h.LLM.GetReadyState(),
		"provider": h.LLM.GetProviderName(),
		"model":    cfg.LLMConfig["default_model"],
	})
}

// UpdateLLMConfig 更新LLM配置，先验证提供商再持久化
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req UpdateLLMConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		h.Response.BadRequest(c, "provider is required")
		return
	}
	if h.LLM == nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable, "LLM service not initialized")
		return
	}

	if err := h.LLM.UpdateProvider(req.Provider, req.Config); err != nil {
		h.Response.FromError(c, apperrors.NewValidationError("provider configuration rejected", err))
		return
	}
	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		h.Logger.Warn("llm config not persisted", map[string]interface{}{"error": err.Error()})
	}

	h.Response.Success(c, gin.H{
		"provider": h.LLM.GetProviderName(),
		"ready":    h.LLM.IsReady(),
	}, "llm configuration updated")
}

// GetWebSocketStatus 获取 WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := h.WS.GetStatus()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	h.Response.Success(c, status)
}
