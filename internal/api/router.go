// internal/api/router.go
package api

import (
	"fmt"

	"github.com/Corphon/StoryLoom/internal/config"
	"github.com/Corphon/StoryLoom/internal/di"
	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/storage"
	"github.com/Corphon/StoryLoom/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置HTTP路由，服务全部从容器获取
func SetupRouter(container *di.Container, cfg *config.AppConfig) (*gin.Engine, error) {
	workflow, err := di.Resolve[*services.NovelWorkflowService](container, di.ServiceWorkflow)
	if err != nil {
		return nil, fmt.Errorf("工作流服务未正确初始化: %w", err)
	}
	progress, err := di.Resolve[*services.ProgressService](container, di.ServiceProgress)
	if err != nil {
		return nil, fmt.Errorf("进度服务未正确初始化: %w", err)
	}
	llmService, err := di.Resolve[*services.LLMService](container, di.ServiceLLM)
	if err != nil {
		return nil, fmt.Errorf("LLM服务未正确初始化: %w", err)
	}
	store, err := di.Resolve[*storage.NovelStore](container, di.ServiceNovelStore)
	if err != nil {
		return nil, fmt.Errorf("存储未正确初始化: %w", err)
	}
	ws, err := di.Resolve[*WebSocketManager](container, di.ServiceWebSocket)
	if err != nil {
		return nil, fmt.Errorf("WebSocket 管理器未正确初始化: %w", err)
	}
	metrics, err := di.Resolve[*utils.Metrics](container, di.ServiceMetrics)
	if err != nil {
		return nil, fmt.Errorf("指标未正确初始化: %w", err)
	}
	limiter, err := di.Resolve[*RateLimiter](container, di.ServiceRateLimiter)
	if err != nil {
		limiter = NewRateLimiter()
	}

	logger := utils.GetLogger()
	handler := &Handler{
		Workflow: workflow,
		Progress: progress,
		LLM:      llmService,
		Store:    store,
		WS:       ws,
		Response: NewResponseHelper(logger),
		Logger:   logger,
	}

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	return newEngine(handler, metrics, limiter, cfg.Generation.RateLimitPerMinute), nil
}

// newEngine 注册中间件与路由
func newEngine(handler *Handler, metrics *utils.Metrics, limiter *RateLimiter, perMinute int) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(handler.Logger))
	r.Use(MetricsMiddleware(metrics))
	r.Use(corsMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	// WebSocket 支持
	r.GET("/ws/projects/:id", handler.ProjectWebSocket)

	// 模型调用路由限流
	generation := GenerationRateLimit(limiter, perMinute)
	if perMinute <= 0 {
		generation = func(c *gin.Context) { c.Next() }
	}

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)

		// ===============================
		// 项目相关路由
		// ===============================
		projects := api.Group("/projects")
		{
			projects.GET("", handler.ListProjects)
			projects.POST("", handler.CreateProject)
			projects.GET("/:id", handler.GetProject)

			projects.GET("/:id/conversation", handler.ListConversation)
			projects.POST("/:id/conversation", handler.AppendConversation)

			projects.GET("/:id/blueprint", handler.GetBlueprint)
			projects.POST("/:id/blueprint", generation, handler.GenerateBlueprint)

			projects.POST("/:id/outlines", generation, handler.GenerateOutlines)
			projects.GET("/:id/part-outlines", handler.ListPartOutlines)
			projects.POST("/:id/part-outlines", generation, handler.GeneratePartOutlines)
			projects.GET("/:id/chapter-outlines", handler.ListChapterOutlines)
			projects.POST("/:id/chapter-outlines", generation, handler.GenerateChapterOutlines)

			// 章节相关路由
			chapters := projects.Group("/:id/chapters/:number")
			{
				chapters.GET("", handler.GetChapter)
				chapters.POST("/generate", generation, handler.GenerateChapter)
				chapters.POST("/evaluate", generation, handler.EvaluateChapter)
				chapters.POST("/versions/:index/retry", generation, handler.RetryVersion)
				chapters.POST("/versions/:index/select", handler.SelectVersion)
			}

			projects.POST("/:id/phase/revert", handler.RevertPhase)
			projects.POST("/:id/complete", handler.CompleteProject)
		}

		// ===============================
		// 任务进度
		// ===============================
		api.GET("/tasks/:taskID", handler.GetTask)
		api.GET("/progress/:taskID", handler.SubscribeProgress)

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return r
}
