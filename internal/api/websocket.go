// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/utils"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketClient 表示一个订阅项目事件的连接
type WebSocketClient struct {
	conn      WebSocketConnection
	projectID string
	send      chan []byte
	quit      chan struct{}
	closed    int32 // 原子操作标志，0=开启，1=关闭
	lastPing  atomic.Int64
	createdAt time.Time
}

func newWebSocketClient(conn WebSocketConnection, projectID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		projectID: projectID,
		send:      make(chan []byte, 256),
		quit:      make(chan struct{}),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		close(client.quit)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后ping时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// trySend queues msg without blocking; a full queue reports false.
func (client *WebSocketClient) trySend(msg []byte) bool {
	if client.IsClosed() {
		return false
	}
	select {
	case client.send <- msg:
		return true
	default:
		return false
	}
}

// WebSocketManager fans project events out to connected clients. It
// implements services.EventPublisher.
type WebSocketManager struct {
	connections   map[string]map[*WebSocketClient]struct{} // projectID -> clients
	register      chan *WebSocketClient
	unregister    chan *WebSocketClient
	done          chan struct{}
	stopOnce      sync.Once
	mutex         sync.RWMutex
	pingTimeout   time.Duration
	cleanupPeriod time.Duration
	logger        *utils.Logger
}

var _ services.EventPublisher = (*WebSocketManager)(nil)

// NewWebSocketManager 创建管理器，调用 Run 启动主循环
func NewWebSocketManager(logger *utils.Logger) *WebSocketManager {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &WebSocketManager{
		connections:   make(map[string]map[*WebSocketClient]struct{}),
		register:      make(chan *WebSocketClient, 256),
		unregister:    make(chan *WebSocketClient, 256),
		done:          make(chan struct{}),
		pingTimeout:   90 * time.Second,
		cleanupPeriod: 30 * time.Second,
		logger:        logger,
	}
}

// Run 运行 WebSocket 管理器主循环，Shutdown 后返回
func (manager *WebSocketManager) Run() {
	ticker := time.NewTicker(manager.cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case client := <-manager.register:
			manager.registerClient(client)
		case client := <-manager.unregister:
			manager.unregisterClient(client)
		case <-ticker.C:
			manager.cleanupExpiredConnections()
		case <-manager.done:
			manager.closeAll()
			return
		}
	}
}

// Shutdown 关闭所有连接并停止主循环
func (manager *WebSocketManager) Shutdown() {
	manager.stopOnce.Do(func() { close(manager.done) })
}

func (manager *WebSocketManager) registerClient(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.projectID] == nil {
		manager.connections[client.projectID] = make(map[*WebSocketClient]struct{})
	}
	manager.connections[client.projectID][client] = struct{}{}

	manager.logger.Debug("websocket client connected", map[string]interface{}{
		"project_id": client.projectID,
	})
}

func (manager *WebSocketManager) unregisterClient(client *WebSocketClient) {
	manager.mutex.Lock()
	if clients, exists := manager.connections[client.projectID]; exists {
		delete(clients, client)
		if len(clients) == 0 {
			delete(manager.connections, client.projectID)
		}
	}
	manager.mutex.Unlock()

	client.Close()
	manager.logger.Debug("websocket client disconnected", map[string]interface{}{
		"project_id": client.projectID,
	})
}

// cleanupExpiredConnections 清理过期和死连接
func (manager *WebSocketManager) cleanupExpiredConnections() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	removed := 0
	for projectID, clients := range manager.connections {
		for client := range clients {
			if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
				delete(clients, client)
				client.Close()
				removed++
			}
		}
		if len(clients) == 0 {
			delete(manager.connections, projectID)
		}
	}
	return removed
}

func (manager *WebSocketManager) closeAll() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for _, clients := range manager.connections {
		for client := range clients {
			client.Close()
		}
	}
	manager.connections = make(map[string]map[*WebSocketClient]struct{})
}

// Publish sends an event to every client watching the project. Slow clients
// whose queue is full are disconnected rather than waited on.
func (manager *WebSocketManager) Publish(projectID string, event services.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		manager.logger.Error("failed to encode event", map[string]interface{}{
			"project_id": projectID,
			"type":       event.Type,
			"error":      err.Error(),
		})
		return
	}

	manager.mutex.RLock()
	clients := make([]*WebSocketClient, 0, len(manager.connections[projectID]))
	for client := range manager.connections[projectID] {
		clients = append(clients, client)
	}
	manager.mutex.RUnlock()

	for _, client := range clients {
		if client.trySend(msg) || client.IsClosed() {
			continue
		}
		client.Close()
		select {
		case manager.unregister <- client:
		default:
		}
	}
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	projects := make(map[string]int, len(manager.connections))
	total := 0
	for projectID, clients := range manager.connections {
		active := 0
		for client := range clients {
			if !client.IsClosed() {
				active++
			}
		}
		projects[projectID] = active
		total += active
	}
	return map[string]interface{}{
		"total_projects":    len(manager.connections),
		"total_connections": total,
		"projects":          projects,
	}
}
