package ws

import (
	"log"
	"net/http"
	"strings"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h        *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	presence cache.PresenceCache
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, presence cache.PresenceCache) *Manager {
	return &Manager{h: h, svc: svc, sem: sem, presence: presence}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	// 身份从查询参数取；鉴权由网关完成，这里只透传
	userID := c.Query("userId")
	if userID == "" {
		c.String(http.StatusBadRequest, "missing userId")
		return
	}
	displayName := c.Query("displayName")
	if displayName == "" {
		displayName = userID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	// defer：用于延迟执行（延迟至return处）
	defer conn.Close()

	wsConn := NewConn(conn, m.h, userID, displayName, m.svc, m.sem, m.presence)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 发送 welcome 消息
	wsConn.SendMessage_Enqueue(ServerMessage{Type: "welcome", Content: "connected"})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
