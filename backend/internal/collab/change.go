package collab

import "time"

type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeDelete  ChangeType = "delete"
	ChangeReplace ChangeType = "replace"
)

// Change 是带标签的变体类型：在进入 resolver 之前先在边界上校验，
// 不合法的负载不会进入会话的临界区。
// - insert 用 Position + Text
// - delete 用 Range
// - replace 用 Range + Text
type Change struct {
	Type        ChangeType `json:"type"`
	Position    Position   `json:"position,omitempty"`
	Range       Range      `json:"range,omitempty"`
	Text        string     `json:"text,omitempty"`
	AuthorID    string     `json:"authorId"`
	BaseVersion uint64     `json:"baseVersion"`
	// 客户端生成的幂等键：同一 ChangeID 重复提交不会二次应用
	ChangeID string `json:"changeId"`
}

func (c Change) Validate() error {
	if c.ChangeID == "" || c.AuthorID == "" {
		return ErrInvalidChange
	}
	switch c.Type {
	case ChangeInsert:
		return nil
	case ChangeDelete, ChangeReplace:
		if c.Range.End.Before(c.Range.Start) {
			return ErrInvalidRange
		}
		return nil
	default:
		return ErrInvalidChange
	}
}

// span 返回该变更在其提交坐标系下影响的区间。
// insert 是一个点；delete/replace 是被改写的区域。
func (c Change) span() Range {
	if c.Type == ChangeInsert {
		return Range{Start: c.Position, End: c.Position}
	}
	return c.Range
}

// CommittedChange 记录一次已提交的变更。坐标是实际应用时的坐标
// （经过 rebase 之后的），这样从空文档按序回放 history 一定收敛到当前内容。
// Status 保留提交时的判定（applied / merged），重复提交按原判定应答。
type CommittedChange struct {
	Change        Change       `json:"change"`
	ResultVersion uint64       `json:"resultVersion"`
	OperationID   string       `json:"operationId"`
	Status        ChangeStatus `json:"status"`
	AppliedAt     time.Time    `json:"appliedAt"`
}

type ChangeStatus string

const (
	StatusApplied  ChangeStatus = "applied"
	StatusMerged   ChangeStatus = "merged"
	StatusDeferred ChangeStatus = "deferred"
	StatusRejected ChangeStatus = "rejected"
)

// ChangeResult 是 SubmitChange 的同步应答。Deferred 不是错误：
// 携带占有锁的 ownerId/reason，前端可以据此提示用户。
type ChangeResult struct {
	Status        ChangeStatus `json:"status"`
	ResultVersion uint64       `json:"resultVersion,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	LockOwnerID   string       `json:"lockOwnerId,omitempty"`
}
