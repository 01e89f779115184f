package ws

import (
	"context"
	"sync"

	"collabEngine/backend/internal/collab"
)

// Hub 维护 sessionID -> 连接集合 的房间表，并实现引擎的 Notifier 接口：
// 提交后的事件由这里扇出到房间。房间里存的是连接而不是 userID——
// 一个用户可开多个标签页/设备，广播要逐连接发。
type Hub struct {
	mu sync.RWMutex
	// sessionID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定会话房间
func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

// Leave 将连接从指定会话房间移除
func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

func (h *Hub) connsOf(sessionID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		conns = append(conns, c)
	}
	return conns
}

// Publish 实现 collab.Notifier：把引擎事件广播给房间。
// ChangeDeferred 只发给作者的连接（别人不需要知道谁被锁挡了）。
// 没有订阅者不算失败；入队失败（慢客户端被丢弃）也不算，
// 客户端靠 changes_since 追平。
func (h *Hub) Publish(_ context.Context, evt collab.Event) collab.NotificationResult {
	msg := EventMessage{Type: evt.EventType(), SessionID: evt.Session(), Event: evt}

	var authorOnly string
	if d, ok := evt.(collab.ChangeDeferredEvent); ok {
		authorOnly = d.AuthorID
	}

	for _, c := range h.connsOf(evt.Session()) {
		if authorOnly != "" && c.userID != authorOnly {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
	return collab.NotificationResult{Event: evt}
}
