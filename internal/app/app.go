// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/StoryLoom/internal/api"
	"github.com/Corphon/StoryLoom/internal/config"
	"github.com/Corphon/StoryLoom/internal/di"
	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/storage"
	"github.com/Corphon/StoryLoom/internal/utils"
	"golang.org/x/sync/semaphore"

	// 注册 OpenAI 兼容提供商
	_ "github.com/Corphon/StoryLoom/internal/llm/providers/openaicompat"
)

const (
	janitorInterval = 5 * time.Minute
	taskRetention   = time.Hour
	archiveKeep     = 50 // 每个项目保留的原始输出条数
	shutdownTimeout = 30 * time.Second
)

// App 持有进程内全部服务及其生命周期
type App struct {
	config    *config.AppConfig
	container *di.Container
	logger    *utils.Logger
	router    http.Handler

	store    *storage.NovelStore
	index    *storage.ContextIndex
	archive  *storage.RawPayloadArchive
	locks    *services.LockManager
	ws       *api.WebSocketManager
	workflow *services.NovelWorkflowService
	progress *services.ProgressService
	limiter  *api.RateLimiter

	stopChan    chan struct{}
	cleanupOnce sync.Once
}

// New 按依赖顺序初始化所有服务并注册到容器
func New(cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	a := &App{
		config:    cfg,
		container: di.NewContainer(),
		logger:    utils.GetLogger(),
		stopChan:  make(chan struct{}),
	}
	if err := a.initServices(); err != nil {
		a.Cleanup()
		return nil, err
	}

	router, err := api.SetupRouter(a.container, cfg)
	if err != nil {
		a.Cleanup()
		return nil, fmt.Errorf("设置路由失败: %w", err)
	}
	a.router = router
	return a, nil
}

// InitLogger 配置全局日志文件与级别
func InitLogger(cfg *config.AppConfig) error {
	logger := utils.GetLogger()
	logger.SetLogLevel(utils.ParseLogLevel(cfg.LogLevel))
	if cfg.DebugMode {
		logger.SetLogLevel(utils.DEBUG)
	}
	if cfg.LogDir == "" {
		return nil
	}
	return utils.InitLogger(filepath.Join(cfg.LogDir, "storyloom.log"))
}

func (a *App) initServices() error {
	cfg := a.config
	gen := cfg.Generation
	metrics := utils.GetMetrics()
	a.container.Register(di.ServiceMetrics, metrics)

	var err error
	a.archive, err = storage.NewRawPayloadArchive(filepath.Join(cfg.DataDir, "raw_payloads"))
	if err != nil {
		return err
	}
	a.container.Register(di.ServiceRawArchive, a.archive)

	a.store, err = storage.OpenNovelStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("打开项目存储失败: %w", err)
	}
	a.container.Register(di.ServiceNovelStore, a.store)

	a.index, err = storage.OpenContextIndex(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("打开检索索引失败: %w", err)
	}
	a.container.Register(di.ServiceContextIndex, a.index)

	llmService := services.NewLLMService(cfg, a.archive, metrics, a.logger)
	a.container.Register(di.ServiceLLM, llmService)
	if !llmService.IsReady() {
		a.logger.Warn("llm service not ready", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"state":    llmService.GetReadyState(),
		})
	}

	presets := config.DefaultStylePresets()
	if gen.StylePresetsFile != "" {
		presets, err = config.LoadStylePresets(gen.StylePresetsFile)
		if err != nil {
			return fmt.Errorf("加载风格预设失败: %w", err)
		}
	}

	a.ws = api.NewWebSocketManager(a.logger)
	a.container.Register(di.ServiceWebSocket, a.ws)
	a.container.Register(di.ServiceEvents, a.ws)

	a.progress = services.NewProgressService(a.ws)
	a.container.Register(di.ServiceProgress, a.progress)

	stateMachine := services.NewProjectStateMachine(a.logger, metrics)
	a.container.Register(di.ServiceStateMachine, stateMachine)

	a.locks = services.NewLockManager()
	a.container.Register(di.ServiceLockManager, a.locks)

	// 所有项目共享同一请求预算
	sem := semaphore.NewWeighted(int64(gen.MaxConcurrentRequests))
	coordinator := services.NewGenerationCoordinator(a.store, llmService, a.index, sem,
		services.CoordinatorConfigFrom(gen, presets), a.ws, metrics, a.logger)
	a.container.Register(di.ServiceCoordinator, coordinator)

	a.workflow = services.NewNovelWorkflowService(services.WorkflowDeps{
		Store:        a.store,
		Model:        llmService,
		Coordinator:  coordinator,
		Retriever:    a.index,
		StateMachine: stateMachine,
		Locks:        a.locks,
		Progress:     a.progress,
		Events:       a.ws,
		Metrics:      metrics,
		Logger:       a.logger,
		Config:       services.WorkflowConfigFrom(gen),
	})
	a.container.Register(di.ServiceWorkflow, a.workflow)

	a.limiter = api.NewRateLimiter()
	a.container.Register(di.ServiceRateLimiter, a.limiter)

	a.logger.Info("services initialized", map[string]interface{}{
		"services":        a.container.GetNames(),
		"max_concurrency": gen.MaxConcurrentRequests,
		"candidates":      gen.CandidateCount,
		"presets":         len(presets),
	})
	return nil
}

// Run 启动HTTP服务，ctx 取消后优雅关闭
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.config.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go a.ws.Run()
	go a.janitor()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		a.Cleanup()
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	a.Cleanup()
	return err
}

// janitor 定期清理已结束的任务与过期的限流计数
func (a *App) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tasks := a.progress.CleanupCompletedTasks(taskRetention)
			visitors := a.limiter.Cleanup()
			payloads := a.pruneArchive()
			if tasks > 0 || visitors > 0 || payloads > 0 {
				a.logger.Debug("janitor pass", map[string]interface{}{
					"tasks":    tasks,
					"visitors": visitors,
					"payloads": payloads,
				})
			}
		case <-a.stopChan:
			return
		}
	}
}

// pruneArchive 限制每个项目的原始输出存档数量
func (a *App) pruneArchive() int {
	projects, err := a.store.ListProjects(context.Background())
	if err != nil {
		a.logger.Warn("list projects for archive prune failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	removed := 0
	for _, p := range projects {
		n, err := a.archive.Prune(p.ID, archiveKeep)
		if err != nil {
			a.logger.Warn("archive prune failed", map[string]interface{}{
				"project_id": p.ID,
				"error":      err.Error(),
			})
			continue
		}
		removed += n
	}
	return removed
}

// Cleanup 停止后台任务并关闭存储，可重复调用
func (a *App) Cleanup() {
	a.cleanupOnce.Do(func() {
		close(a.stopChan)
		if a.workflow != nil {
			a.workflow.Shutdown()
		}
		if a.ws != nil {
			a.ws.Shutdown()
		}
		if a.locks != nil {
			a.locks.Stop()
		}
		if a.index != nil {
			if err := a.index.Close(); err != nil {
				a.logger.Warn("close context index failed", map[string]interface{}{"error": err.Error()})
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.Warn("close novel store failed", map[string]interface{}{"error": err.Error()})
			}
		}
	})
}

// Handler 返回已配置的路由
func (a *App) Handler() http.Handler { return a.router }

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.AppConfig { return a.config }

// GetDIContainer 返回依赖注入容器
func (a *App) GetDIContainer() *di.Container { return a.container }

// IsDebugMode 是否调试模式
func (a *App) IsDebugMode() bool { return a.config.DebugMode }
