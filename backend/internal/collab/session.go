package collab

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// LockedRegion 是建议性的区域预留：拦截其他参与者的编辑，
// 直到持有者释放或到期。它不代表内容所有权。
type LockedRegion struct {
	ID        string    `json:"id"`
	Range     Range     `json:"range"`
	OwnerID   string    `json:"ownerId"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (l LockedRegion) expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// deferredChange 是被锁挡下、放回 pendingChanges 等待重试的变更。
// 变更存的是 rebase 之后的坐标（BaseVersion 已对齐到入队时的版本），
// 这样即使 history 在等待期间被截断也不影响重试。
type deferredChange struct {
	change      Change
	deadline    time.Time
	lockOwnerID string
	reason      string
}

// DocumentSession 是唯一的串行化单元：同一会话的全部状态变更
// （变更应用、进出会话、锁、在线状态）都在 mu 里排队，任意时刻
// 只有一个变更处于 applying 状态。持锁期间绝不做 I/O。
type DocumentSession struct {
	ID           string
	ProjectID    string
	ResourcePath string
	CreatedAt    time.Time

	mu sync.Mutex
	// closed 在注册表删除会话时置位：已经通过 lookup、还没拿到会话锁的
	// join 会被它拒绝，不会把参与者挂到一个不可达的会话上
	closed       bool
	content      string
	version      uint64
	participants map[string]*Participant
	locks        []LockedRegion
	pending      []deferredChange
	history      []CommittedChange
	historyCap   int
	// 幂等窗口：留存在 history 窗口内的 ChangeID 集合，随环形截断一起淘汰
	committedIDs mapset.Set[string]
	resolver     ConflictResolver
	deferTTL     time.Duration
}

func newDocumentSession(id, projectID, resourcePath string, historyCap int, deferTTL time.Duration, now time.Time) *DocumentSession {
	if historyCap <= 0 {
		historyCap = 1024
	}
	return &DocumentSession{
		ID:           id,
		ProjectID:    projectID,
		ResourcePath: resourcePath,
		CreatedAt:    now,
		participants: make(map[string]*Participant),
		history:      make([]CommittedChange, 0, historyCap),
		historyCap:   historyCap,
		committedIDs: mapset.NewThreadUnsafeSet[string](),
		deferTTL:     deferTTL,
	}
}

// SessionSnapshot 是 Join/GetSession 返回给客户端初始化本地副本的快照。
type SessionSnapshot struct {
	SessionID     string         `json:"sessionId"`
	Content       string         `json:"content"`
	Version       uint64         `json:"version"`
	Participants  []Participant  `json:"participants"`
	LockedRegions []LockedRegion `json:"lockedRegions"`
}

func (s *DocumentSession) snapshotLocked() SessionSnapshot {
	parts := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		parts = append(parts, *p)
	}
	locks := make([]LockedRegion, len(s.locks))
	copy(locks, s.locks)
	return SessionSnapshot{
		SessionID:     s.ID,
		Content:       s.content,
		Version:       s.version,
		Participants:  parts,
		LockedRegions: locks,
	}
}

// oldestRebasableVersion 返回还能作为 baseVersion 的最老版本。
// history 截断之后，更老的 base 无法 rebase，只能 STALE_VERSION 逼客户端重新同步。
func (s *DocumentSession) oldestRebasableVersion() uint64 {
	if len(s.history) == 0 {
		return s.version
	}
	return s.history[0].ResultVersion - 1
}

// historySince 返回 fromVersion 之后的已提交变更（升序）。
func (s *DocumentSession) historySince(fromVersion uint64) []CommittedChange {
	var out []CommittedChange
	for _, cc := range s.history {
		if cc.ResultVersion > fromVersion {
			out = append(out, cc)
		}
	}
	return out
}

// evaluateLocked 执行冲突判定与应用，但不负责把 Deferred 的变更入队
// （Submit 和重试路径对入队的处理不同）。
func (s *DocumentSession) evaluateLocked(change Change, now time.Time) (ChangeResult, []Event) {
	// 幂等：窗口内重复的 ChangeID 返回当初的结果，不动 version/content
	if s.committedIDs.Contains(change.ChangeID) {
		for _, cc := range s.history {
			if cc.Change.ChangeID == change.ChangeID {
				return ChangeResult{Status: cc.Status, ResultVersion: cc.ResultVersion, Reason: "DUPLICATE_CHANGE"}, nil
			}
		}
	}

	// base 校验：比当前还新（client 状态异常）或老到 rebase 不动，都要求重新同步
	if change.BaseVersion > s.version || change.BaseVersion < s.oldestRebasableVersion() {
		return ChangeResult{Status: StatusRejected, Reason: ErrStaleVersion.Error()}, nil
	}

	rebased, merged := s.resolver.Rebase(change, s.historySince(change.BaseVersion))

	if lock := s.resolver.BlockingLock(rebased, s.activeLocksLocked(now)); lock != nil {
		return ChangeResult{
				Status:      StatusDeferred,
				Reason:      lock.Reason,
				LockOwnerID: lock.OwnerID,
			}, []Event{ChangeDeferredEvent{
				SessionID:   s.ID,
				ChangeID:    change.ChangeID,
				AuthorID:    change.AuthorID,
				Reason:      lock.Reason,
				LockOwnerID: lock.OwnerID,
			}}
	}

	next, err := applyToContent(s.content, rebased)
	if err != nil {
		return ChangeResult{Status: StatusRejected, Reason: err.Error()}, nil
	}

	status := StatusApplied
	if merged {
		status = StatusMerged
	}

	s.content = next
	s.version++
	rebased.BaseVersion = change.BaseVersion
	committed := CommittedChange{
		Change:        rebased,
		ResultVersion: s.version,
		OperationID:   fmt.Sprintf("o-%d-%d", s.version, now.UnixNano()),
		Status:        status,
		AppliedAt:     now,
	}
	s.appendHistoryLocked(committed)

	if p, ok := s.participants[change.AuthorID]; ok {
		p.LastActivityAt = now
	}

	return ChangeResult{Status: status, ResultVersion: committed.ResultVersion},
		[]Event{ChangeCommittedEvent{SessionID: s.ID, Change: committed}}
}

func applyToContent(content string, c Change) (string, error) {
	switch c.Type {
	case ChangeInsert:
		return ApplyInsert(content, c.Position, c.Text), nil
	case ChangeDelete:
		return ApplyDelete(content, c.Range)
	case ChangeReplace:
		return ApplyReplace(content, c.Range, c.Text)
	}
	return "", ErrInvalidChange
}

// appendHistoryLocked 追加到历史窗口；超过容量丢最老的一条，
// 幂等集合同步淘汰（窗口外的重复提交会先撞上 STALE_VERSION）。
func (s *DocumentSession) appendHistoryLocked(cc CommittedChange) {
	if len(s.history) == s.historyCap {
		s.committedIDs.Remove(s.history[0].Change.ChangeID)
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, cc)
	s.committedIDs.Add(cc.Change.ChangeID)
}

// submitLocked 是提交入口：Deferred 的变更放回 pendingChanges 队尾（FIFO）。
func (s *DocumentSession) submitLocked(change Change, now time.Time) (ChangeResult, []Event) {
	res, events := s.evaluateLocked(change, now)
	if res.Status == StatusDeferred {
		// 同一 ChangeID 已在等待队列里：重复提交只回应答，不再入队、不再通知
		for _, d := range s.pending {
			if d.change.ChangeID == change.ChangeID {
				return res, nil
			}
		}
		// 坐标已对齐到当前版本，重试时从这里继续 rebase
		queued, _ := s.resolver.Rebase(change, s.historySince(change.BaseVersion))
		queued.BaseVersion = s.version
		s.pending = append(s.pending, deferredChange{
			change:      queued,
			deadline:    now.Add(s.deferTTL),
			lockOwnerID: res.LockOwnerID,
			reason:      res.Reason,
		})
	}
	return res, events
}

// retryDeferredLocked 按入队顺序重试 pendingChanges：
// 超过 deadline 的丢弃并通知作者 DEFERRED_TIMEOUT，仍被锁挡的留在队列里。
func (s *DocumentSession) retryDeferredLocked(now time.Time) []Event {
	if len(s.pending) == 0 {
		return nil
	}
	var events []Event
	remaining := s.pending[:0]
	for _, d := range s.pending {
		if now.After(d.deadline) {
			events = append(events, ChangeDeferredEvent{
				SessionID:   s.ID,
				ChangeID:    d.change.ChangeID,
				AuthorID:    d.change.AuthorID,
				Reason:      ErrDeferredTimeout.Error(),
				LockOwnerID: d.lockOwnerID,
			})
			continue
		}
		res, ev := s.evaluateLocked(d.change, now)
		if res.Status == StatusDeferred {
			// 坐标重新对齐到当前版本，等待期间的提交不会丢失
			queued, _ := s.resolver.Rebase(d.change, s.historySince(d.change.BaseVersion))
			queued.BaseVersion = s.version
			d.change = queued
			d.lockOwnerID = res.LockOwnerID
			d.reason = res.Reason
			remaining = append(remaining, d)
			continue
		}
		if res.Status == StatusRejected {
			// 重试失败也不能无声丢弃，作者需要知道去重新同步
			events = append(events, ChangeDeferredEvent{
				SessionID:   s.ID,
				ChangeID:    d.change.ChangeID,
				AuthorID:    d.change.AuthorID,
				Reason:      res.Reason,
				LockOwnerID: d.lockOwnerID,
			})
			continue
		}
		events = append(events, ev...)
	}
	s.pending = remaining
	return events
}

func (s *DocumentSession) activeLocksLocked(now time.Time) []LockedRegion {
	out := s.locks[:0:0]
	for _, l := range s.locks {
		if !l.expired(now) {
			out = append(out, l)
		}
	}
	return out
}

// lockRegionLocked 获取区域锁。与其他参与者的未过期锁相交则拿不到。
func (s *DocumentSession) lockRegionLocked(id string, ownerID string, rng Range, reason string, ttl time.Duration, now time.Time) (LockedRegion, error) {
	if _, ok := s.participants[ownerID]; !ok {
		return LockedRegion{}, ErrParticipantNotFound
	}
	if rng.End.Before(rng.Start) {
		return LockedRegion{}, ErrInvalidRange
	}
	for _, l := range s.activeLocksLocked(now) {
		if l.OwnerID != ownerID && rangesOverlap(rng, l.Range) {
			return LockedRegion{}, ErrRegionLocked
		}
	}
	lock := LockedRegion{ID: id, Range: rng, OwnerID: ownerID, Reason: reason, ExpiresAt: now.Add(ttl)}
	s.locks = append(s.locks, lock)
	return lock, nil
}

// unlockRegionLocked 幂等释放：锁不存在或不属于该用户则是 no-op。
// 释放成功后立刻重试 deferred 队列。
func (s *DocumentSession) unlockRegionLocked(ownerID, lockID string, now time.Time) []Event {
	released := false
	kept := s.locks[:0]
	for _, l := range s.locks {
		if l.ID == lockID && l.OwnerID == ownerID {
			released = true
			continue
		}
		kept = append(kept, l)
	}
	s.locks = kept
	if !released {
		return nil
	}
	return s.retryDeferredLocked(now)
}

// expireLocksLocked 清除到期的锁；清掉任何一把就重试 deferred 队列。
func (s *DocumentSession) expireLocksLocked(now time.Time) []Event {
	kept := s.locks[:0]
	removed := false
	for _, l := range s.locks {
		if l.expired(now) {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	s.locks = kept
	if !removed {
		return nil
	}
	return s.retryDeferredLocked(now)
}

func (s *DocumentSession) releaseLocksOfLocked(ownerID string) {
	kept := s.locks[:0]
	for _, l := range s.locks {
		if l.OwnerID != ownerID {
			kept = append(kept, l)
		}
	}
	s.locks = kept
}

// join 是带关闭检查的加入入口：会话已被关闭时报 SESSION_NOT_FOUND。
func (s *DocumentSession) join(info Participant, now time.Time) (SessionSnapshot, []Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionSnapshot{}, nil, ErrSessionNotFound
	}
	snap, events := s.joinLocked(info, now)
	return snap, events, nil
}

// joinLocked 把参与者加进会话并返回初始化快照。重复 join 刷新资料但不重复计数。
func (s *DocumentSession) joinLocked(info Participant, now time.Time) (SessionSnapshot, []Event) {
	if info.Color == "" {
		info.Color = defaultCursorColor
	}
	if info.CursorPosition == (Position{}) {
		info.CursorPosition = Position{Line: 1, Column: 1}
	}
	info.JoinedAt = now
	info.LastActivityAt = now
	p := info
	s.participants[info.UserID] = &p
	return s.snapshotLocked(), []Event{ParticipantJoinedEvent{SessionID: s.ID, Participant: p}}
}

// leaveLocked 幂等移除参与者；顺带释放其区域锁并重试 deferred 队列。
func (s *DocumentSession) leaveLocked(userID string, now time.Time) []Event {
	if _, ok := s.participants[userID]; !ok {
		return nil
	}
	delete(s.participants, userID)
	s.releaseLocksOfLocked(userID)
	events := []Event{ParticipantLeftEvent{SessionID: s.ID, UserID: userID}}
	return append(events, s.retryDeferredLocked(now)...)
}
