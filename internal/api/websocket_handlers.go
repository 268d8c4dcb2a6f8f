// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingPeriod   = 54 * time.Second
)

// ProjectWebSocket 订阅单个项目的实时事件
func (h *Handler) ProjectWebSocket(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := h.Workflow.GetProject(c.Request.Context(), projectID); err != nil {
		h.Response.FromError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", map[string]interface{}{
			"project_id": projectID,
			"error":      err.Error(),
		})
		return
	}

	client := newWebSocketClient(conn, projectID)
	select {
	case h.WS.register <- client:
	default:
		h.Logger.Warn("websocket register queue full", map[string]interface{}{"project_id": projectID})
		conn.Close()
		return
	}
	defer func() {
		client.Close()
		select {
		case h.WS.unregister <- client:
		case <-time.After(5 * time.Second):
			h.Logger.Warn("websocket unregister timed out", map[string]interface{}{"project_id": projectID})
		}
	}()

	go h.writePump(client)
	h.sendJSON(client, map[string]interface{}{
		"type":       "connected",
		"project_id": projectID,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
	h.readPump(client)
}

// readPump 读取客户端消息直到连接断开
func (h *Handler) readPump(client *WebSocketClient) {
	client.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for !client.IsClosed() {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.Logger.Warn("websocket read failed", map[string]interface{}{
					"project_id": client.projectID,
					"error":      err.Error(),
				})
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var message struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &message); err != nil {
			h.sendJSON(client, map[string]interface{}{"type": "error", "error": "invalid message"})
			continue
		}
		switch message.Type {
		case "ping":
			h.sendJSON(client, map[string]interface{}{"type": "pong", "timestamp": time.Now().Unix()})
		default:
			// 客户端只读，其余消息忽略
		}
	}
}

// writePump 串行写出事件与心跳
func (h *Handler) writePump(client *WebSocketClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.quit:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (h *Handler) sendJSON(client *WebSocketClient, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if !client.trySend(data) {
		h.Logger.Debug("websocket send queue full", map[string]interface{}{"project_id": client.projectID})
	}
}
