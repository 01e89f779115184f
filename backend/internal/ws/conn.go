package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"

	"github.com/gorilla/websocket"
)

const presenceTTL = 600 * time.Second

type Conn struct {
	ws          *websocket.Conn
	hub         *Hub
	sessionID   string
	userID      string
	displayName string
	// send 是该连接的出站队列，writeLoop 持续消费。
	// Hub 的扇出和 readLoop 的断连清理并发触碰这个通道，
	// 入队与关闭都必须持 mu 并检查 closed，否则会写已关闭的通道。
	mu     sync.Mutex
	closed bool
	send   chan OutboundMessage
	// 协作引擎服务
	svc collab.Service
	// 信号量控制：限制同时在途的提交数
	sem *collab.SemaphoreControl
	// 跨实例在线状态镜像
	presence cache.PresenceCache
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, displayName string, svc collab.Service, sem *collab.SemaphoreControl, presence cache.PresenceCache) *Conn {
	return &Conn{
		ws:          ws,
		hub:         hub,
		userID:      userID,
		displayName: displayName,
		send:        make(chan OutboundMessage, 32),
		svc:         svc,
		sem:         sem,
		presence:    presence,
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// 连接已下线：广播方可能拿的是关闭前的房间快照，直接丢弃
		return
	}
	select {
	case c.send <- msg:
	default:
		// 队列满了就丢弃：慢客户端靠 changes_since 追平
	}
}

// closeSend 幂等关闭出站队列，writeLoop 随之退出。
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) sendError(err error) {
	c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: err.Error()})
}

func (c *Conn) handleSubmitChange(ctx context.Context, msg ClientMessage) {
	if msg.Change == nil {
		c.sendError(collab.ErrInvalidChange)
		return
	}
	change := *msg.Change
	change.AuthorID = c.userID

	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.sendError(err)
		return
	}
	defer c.sem.Release()

	res, err := c.svc.SubmitChange(submitCtx, msg.SessionID, change)
	if err != nil {
		c.sendError(err)
		return
	}
	c.SendMessage_Enqueue(ChangeResultMessage{Type: "change_result", ChangeID: change.ChangeID, Result: res})
}

func (c *Conn) handleCursorMove(ctx context.Context, msg ClientMessage) {
	if err := c.svc.UpdateCursor(ctx, msg.SessionID, c.userID, msg.Position, msg.Selection); err != nil {
		c.sendError(err)
		return
	}
	if c.presence != nil {
		snapshot, err := json.Marshal(map[string]any{"position": msg.Position, "selection": msg.Selection})
		if err == nil {
			if err := c.presence.SetCursor(ctx, msg.SessionID, c.userID, snapshot, presenceTTL); err != nil {
				log.Printf("set cursor cache error: %v", err)
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		// 断连清理：离开会话会释放该用户的区域锁并触发 deferred 重试
		if c.sessionID != "" {
			c.hub.Leave(c.sessionID, c)
			_ = c.svc.LeaveSession(ctx, c.sessionID, c.userID)
			if c.presence != nil {
				_ = c.presence.RemoveMember(ctx, c.sessionID, c.userID)
			}
		}
		c.closeSend()
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%s, session=%s): %v", c.userID, c.sessionID, err)
			return
		}
		switch msg.Type {
		case "create_session":
			sessionID, err := c.svc.CreateSession(ctx, msg.ProjectID, msg.ResourcePath, msg.Reuse)
			if err != nil {
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(SessionCreatedMessage{Type: "session_created", SessionID: sessionID})

		case "join_session":
			if msg.DisplayName != "" {
				c.displayName = msg.DisplayName
			}
			info := collab.Participant{UserID: c.userID, DisplayName: c.displayName, Color: msg.Color}
			snap, err := c.svc.JoinSession(ctx, msg.SessionID, info)
			if err != nil {
				c.sendError(err)
				continue
			}
			if c.sessionID != "" && c.sessionID != msg.SessionID {
				// 先离开旧房间
				c.hub.Leave(c.sessionID, c)
				_ = c.svc.LeaveSession(ctx, c.sessionID, c.userID)
			}
			c.sessionID = msg.SessionID
			c.hub.Join(c.sessionID, c)
			if c.presence != nil {
				if err := c.presence.AddMember(ctx, c.sessionID, c.userID, c.displayName, presenceTTL); err != nil {
					log.Printf("add member error: %v", err)
				}
			}
			c.SendMessage_Enqueue(SnapshotMessage{Type: "snapshot", Snapshot: snap})

		case "leave_session":
			c.hub.Leave(msg.SessionID, c)
			_ = c.svc.LeaveSession(ctx, msg.SessionID, c.userID)
			if c.presence != nil {
				_ = c.presence.RemoveMember(ctx, msg.SessionID, c.userID)
			}
			if c.sessionID == msg.SessionID {
				c.sessionID = ""
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "leave_session", Content: "left"})

		case "submit_change":
			c.handleSubmitChange(ctx, msg)

		case "cursor_move":
			c.handleCursorMove(ctx, msg)

		case "lock_region":
			ttl := time.Duration(msg.TTLSeconds) * time.Second
			lock, err := c.svc.LockRegion(ctx, msg.SessionID, c.userID, msg.Range, msg.Reason, ttl)
			if err != nil {
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(LockGrantedMessage{Type: "lock_granted", Lock: lock})

		case "unlock_region":
			if err := c.svc.UnlockRegion(ctx, msg.SessionID, c.userID, msg.LockID); err != nil {
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "unlock_region", Content: "released"})

		case "changes_since":
			changes, err := c.svc.ChangesSince(ctx, msg.SessionID, msg.FromVersion)
			if err != nil {
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(ChangesSinceMessage{Type: "changes_since", SessionID: msg.SessionID, Changes: changes})

		case "save_snapshot":
			if err := c.svc.SaveSnapshot(ctx, msg.SessionID); err != nil {
				log.Printf("save snapshot error: %v", err)
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "save_snapshot", Content: "saved"})

		case "heartbeat":
			if err := c.svc.Heartbeat(ctx, c.sessionID, c.userID); err != nil {
				c.sendError(err)
				continue
			}
			if c.presence != nil {
				if err := c.presence.AddMember(ctx, c.sessionID, c.userID, c.displayName, presenceTTL); err != nil {
					log.Printf("refresh presence error: %v", err)
				}
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "heartbeat", Content: "ok"})

		case "show_alive_members":
			if c.presence == nil {
				c.SendMessage_Enqueue(PresenceMessage{Type: "presence", SessionID: c.sessionID})
				continue
			}
			members, err := c.presence.GetAliveMembersWithNames(ctx, c.sessionID)
			if err != nil {
				log.Printf("get alive members error: %v", err)
				c.sendError(err)
				continue
			}
			out := make([]PresenceMember, len(members))
			for i, m := range members {
				out[i] = PresenceMember{UserID: m.UserID, DisplayName: m.DisplayName}
			}
			c.SendMessage_Enqueue(PresenceMessage{Type: "presence", SessionID: c.sessionID, Members: out})

		default:
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费出站队列
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
