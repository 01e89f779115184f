package ws

import (
	"collabEngine/backend/internal/collab"
)

// ClientMessage 是入站消息的统一信封，按 Type 分发。
// 变更负载是 collab.Change 的带标签变体，进入引擎前先 Validate。
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// create_session
	ProjectID    string `json:"projectId,omitempty"`
	ResourcePath string `json:"resourcePath,omitempty"`
	Reuse        bool   `json:"reuse,omitempty"`

	// join_session
	DisplayName string `json:"displayName,omitempty"`
	Color       string `json:"color,omitempty"`

	// submit_change
	Change *collab.Change `json:"change,omitempty"`

	// cursor_move
	Position  collab.Position `json:"position,omitempty"`
	Selection *collab.Range   `json:"selection,omitempty"`

	// lock_region / unlock_region
	Range      collab.Range `json:"range,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	LockID     string       `json:"lockId,omitempty"`
	TTLSeconds int          `json:"ttlSeconds,omitempty"`

	// changes_since
	FromVersion uint64 `json:"fromVersion,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type ServerMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SnapshotMessage：join/get 的应答，客户端用它初始化本地副本。
type SnapshotMessage struct {
	Type     string                 `json:"type"` // 固定 "snapshot"
	Snapshot collab.SessionSnapshot `json:"snapshot"`
}

// ChangeResultMessage：SubmitChange 的同步应答（ack），只发给提交者。
type ChangeResultMessage struct {
	Type     string              `json:"type"` // 固定 "change_result"
	ChangeID string              `json:"changeId"`
	Result   collab.ChangeResult `json:"result"`
}

// EventMessage：引擎出站事件的广播形式，房间内所有连接都会收到。
type EventMessage struct {
	Type      string       `json:"type"` // 与 Event.EventType() 一致
	SessionID string       `json:"sessionId"`
	Event     collab.Event `json:"event"`
}

type SessionCreatedMessage struct {
	Type      string `json:"type"` // 固定 "session_created"
	SessionID string `json:"sessionId"`
}

type ChangesSinceMessage struct {
	Type      string                   `json:"type"` // 固定 "changes_since"
	SessionID string                   `json:"sessionId"`
	Changes   []collab.CommittedChange `json:"changes"`
}

type LockGrantedMessage struct {
	Type string              `json:"type"` // 固定 "lock_granted"
	Lock collab.LockedRegion `json:"lock"`
}

type PresenceMessage struct {
	Type      string           `json:"type"` // 固定 "presence"
	SessionID string           `json:"sessionId"`
	Members   []PresenceMember `json:"members"`
}

type PresenceMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

func (m ServerMessage) MessageType() string         { return m.Type }
func (m SnapshotMessage) MessageType() string       { return m.Type }
func (m ChangeResultMessage) MessageType() string   { return m.Type }
func (m EventMessage) MessageType() string          { return m.Type }
func (m SessionCreatedMessage) MessageType() string { return m.Type }
func (m ChangesSinceMessage) MessageType() string   { return m.Type }
func (m LockGrantedMessage) MessageType() string    { return m.Type }
func (m PresenceMessage) MessageType() string       { return m.Type }
