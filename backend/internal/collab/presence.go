package collab

import "time"

const defaultCursorColor = "#3366cc"

// Participant 的光标状态只增不删地被覆盖写：每次 cursor/edit 事件
// 都刷新 LastActivityAt，超时清理由外部调度器触发（引擎不自带定时器）。
type Participant struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Color          string    `json:"color"`
	CursorPosition Position  `json:"cursorPosition"`
	Selection      *Range    `json:"selection,omitempty"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// updateCursorLocked 覆盖参与者的光标状态。参与者不存在返回 PARTICIPANT_NOT_FOUND。
func (s *DocumentSession) updateCursorLocked(userID string, pos Position, sel *Range, now time.Time) (Event, error) {
	p, ok := s.participants[userID]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	p.CursorPosition = pos
	p.Selection = sel
	p.LastActivityAt = now
	return CursorMovedEvent{SessionID: s.ID, UserID: userID, Position: pos, Selection: sel}, nil
}

// touchLocked 只刷新活跃时间（心跳用），不动光标。
func (s *DocumentSession) touchLocked(userID string, now time.Time) error {
	p, ok := s.participants[userID]
	if !ok {
		return ErrParticipantNotFound
	}
	p.LastActivityAt = now
	return nil
}

// pruneStaleLocked 移除 lastActivityAt 早于 now-timeout 的参与者，
// 顺带释放他们持有的区域锁（锁没了之后 deferred 队列会被重试）。
func (s *DocumentSession) pruneStaleLocked(timeout time.Duration, now time.Time) []Event {
	var events []Event
	cutoff := now.Add(-timeout)
	for id, p := range s.participants {
		if p.LastActivityAt.Before(cutoff) {
			delete(s.participants, id)
			s.releaseLocksOfLocked(id)
			events = append(events, ParticipantLeftEvent{SessionID: s.ID, UserID: id})
		}
	}
	if len(events) > 0 {
		events = append(events, s.retryDeferredLocked(now)...)
	}
	return events
}
