package collab

import (
	"context"
	"log"
)

// 出站事件：引擎在变更提交之后（临界区之外）调用 Notifier，
// 慢订阅者不会卡住会话。发布结果不会被吞掉：NotificationResult
// 交回引擎统一打日志，传输层可以按需重试。

type Event interface {
	EventType() string
	Session() string
}

type ChangeCommittedEvent struct {
	SessionID string          `json:"sessionId"`
	Change    CommittedChange `json:"change"`
}

type ParticipantJoinedEvent struct {
	SessionID   string      `json:"sessionId"`
	Participant Participant `json:"participant"`
}

type ParticipantLeftEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type CursorMovedEvent struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	Position  Position `json:"position"`
	Selection *Range   `json:"selection,omitempty"`
}

type ChangeDeferredEvent struct {
	SessionID   string `json:"sessionId"`
	ChangeID    string `json:"changeId"`
	AuthorID    string `json:"authorId"`
	Reason      string `json:"reason"`
	LockOwnerID string `json:"lockOwnerId,omitempty"`
}

func (e ChangeCommittedEvent) EventType() string   { return "change_committed" }
func (e ParticipantJoinedEvent) EventType() string { return "participant_joined" }
func (e ParticipantLeftEvent) EventType() string   { return "participant_left" }
func (e CursorMovedEvent) EventType() string       { return "cursor_moved" }
func (e ChangeDeferredEvent) EventType() string    { return "change_deferred" }

func (e ChangeCommittedEvent) Session() string   { return e.SessionID }
func (e ParticipantJoinedEvent) Session() string { return e.SessionID }
func (e ParticipantLeftEvent) Session() string   { return e.SessionID }
func (e CursorMovedEvent) Session() string       { return e.SessionID }
func (e ChangeDeferredEvent) Session() string    { return e.SessionID }

type NotificationResult struct {
	Event Event
	Err   error
}

func (r NotificationResult) Delivered() bool { return r.Err == nil }

// Notifier 由传输层实现（WebSocket 房间、Kafka 管道等），引擎只依赖这个接口。
type Notifier interface {
	Publish(ctx context.Context, evt Event) NotificationResult
}

// MultiNotifier 把同一事件扇出给多个下游。
type MultiNotifier []Notifier

func (m MultiNotifier) Publish(ctx context.Context, evt Event) NotificationResult {
	last := NotificationResult{Event: evt}
	for _, n := range m {
		if res := n.Publish(ctx, evt); res.Err != nil {
			last = res
		}
	}
	return last
}

// NopNotifier 用于测试和不挂传输层的场景。
type NopNotifier struct{}

func (NopNotifier) Publish(_ context.Context, evt Event) NotificationResult {
	return NotificationResult{Event: evt}
}

// emitAll 在会话锁之外把一批事件推给下游，失败只打日志，
// SubmitChange 的应答不受出站通知失败影响。
func emitAll(ctx context.Context, n Notifier, events []Event) {
	if n == nil {
		return
	}
	for _, evt := range events {
		if res := n.Publish(ctx, evt); res.Err != nil {
			log.Printf("notify failed: session=%s event=%s err=%v",
				evt.Session(), evt.EventType(), res.Err)
		}
	}
}
