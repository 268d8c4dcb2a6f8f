// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// 服务名称常量
const (
	ServiceNovelStore   = "novel_store"
	ServiceContextIndex = "context_index"
	ServiceLLM          = "llm"
	ServiceLockManager  = "lock_manager"
	ServiceStateMachine = "state_machine"
	ServiceCoordinator  = "generation_coordinator"
	ServiceWorkflow     = "novel_workflow"
	ServiceProgress     = "progress"
	ServiceEvents       = "events"
	ServiceRawArchive   = "raw_payload_archive"
	ServiceMetrics      = "metrics"
	ServiceWebSocket    = "websocket"
	ServiceRateLimiter  = "rate_limiter"
)

// Container 是一个简单的依赖注入容器
type Container struct {
	services map[string]interface{}
	mutex    sync.RWMutex
}

// NewContainer 创建一个新的依赖注入容器
func NewContainer() *Container {
	return &Container{
		services: make(map[string]interface{}),
	}
}

// Register 在容器中注册一个服务实例
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.services[name] = service
}

// Get 从容器中获取一个服务实例
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.services[name]
}

// Has 检查容器中是否存在指定名称的服务
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, exists := c.services[name]
	return exists
}

// GetNames 获取所有已注册服务的名称
func (c *Container) GetNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 按名称取出服务并断言为 T
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	raw := c.Get(name)
	if raw == nil {
		return zero, fmt.Errorf("service %q not registered", name)
	}
	svc, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("service %q has type %T, want %T", name, raw, zero)
	}
	return svc, nil
}

// MustResolve 与 Resolve 相同，失败时 panic，仅用于启动阶段
func MustResolve[T any](c *Container, name string) T {
	svc, err := Resolve[T](c, name)
	if err != nil {
		panic(err)
	}
	return svc
}
