package collab

// ConflictResolver 对每个进入的变更走 Proposed → Checked →
// {Applied | Merged | Deferred | Rejected} 的状态机。
//
// rebase 的关键不变量：history 里第 i 条已提交变更的坐标，就是它应用时
// （版本 v_{i-1}）坐标系下的坐标；而进入的变更经过前 i-1 条 rebase 之后
// 恰好也处在 v_{i-1} 坐标系里。所以逐条“先判重叠、再变换”是自洽的。
type ConflictResolver struct{}

// Rebase 把 change 沿 baseVersion 之后的全部已提交变更向前变换。
// 返回变换后的 change，以及途中是否发生过区间重叠（重叠即并发编辑冲突，
// 按拼接策略退化处理：坐标继续顺移，最终紧跟在已提交内容之后落下，
// 状态标记为 Merged）。
func (ConflictResolver) Rebase(change Change, committed []CommittedChange) (Change, bool) {
	merged := false
	for _, cc := range committed {
		if rangesOverlap(change.span(), cc.Change.span()) {
			merged = true
		}
		change = rebaseChange(change, cc.Change)
	}
	return change, merged
}

// BlockingLock 返回第一把与 change（rebase 之后的坐标）相交、且属于
// 其他参与者的未过期区域锁。锁是建议性的：只拦截别人，不拦截持有者自己。
func (ConflictResolver) BlockingLock(change Change, locks []LockedRegion) *LockedRegion {
	span := change.span()
	for i := range locks {
		l := &locks[i]
		if l.OwnerID == change.AuthorID {
			continue
		}
		if rangesOverlap(span, l.Range) {
			return l
		}
	}
	return nil
}

// rangesOverlap 判断两个半开区间是否相交。
// 点（插入位置）只有严格落在对方内部才算相交；恰好贴在边界上不算。
// 两个点只有完全相同才算相交（同一位置的并发插入按 Merged 处理）。
func rangesOverlap(a, b Range) bool {
	switch {
	case a.IsPoint() && b.IsPoint():
		return a.Start.Compare(b.Start) == 0
	case a.IsPoint():
		return b.Start.Compare(a.Start) <= 0 && a.Start.Before(b.End)
	case b.IsPoint():
		return a.Start.Compare(b.Start) <= 0 && b.Start.Before(a.End)
	default:
		return a.Start.Before(b.End) && b.Start.Before(a.End)
	}
}

func rebaseChange(c Change, applied Change) Change {
	switch c.Type {
	case ChangeInsert:
		c.Position = transformPosition(c.Position, applied, false)
	default:
		c.Range.Start = transformPosition(c.Range.Start, applied, false)
		c.Range.End = transformPosition(c.Range.End, applied, true)
		if c.Range.End.Before(c.Range.Start) {
			c.Range.End = c.Range.Start
		}
	}
	return c
}

// transformPosition 把位置 p 穿过一条已应用的变更。
// isEnd 标记 p 是不是某个区间的 End：End 贴在插入点上时不顺移，
// 避免删除区间把紧贴在其末尾新插入的文本一并吞掉。
func transformPosition(p Position, applied Change, isEnd bool) Position {
	switch applied.Type {
	case ChangeInsert:
		return shiftByInsert(p, applied.Position, applied.Text, isEnd)
	case ChangeDelete:
		return shiftByDelete(p, applied.Range)
	case ChangeReplace:
		p = shiftByDelete(p, applied.Range)
		return shiftByInsert(p, applied.Range.Start, applied.Text, isEnd)
	}
	return p
}

func shiftByInsert(p, at Position, text string, isEnd bool) Position {
	cmp := at.Compare(p)
	if cmp > 0 || (cmp == 0 && isEnd) {
		return p
	}
	end := advancePosition(at, text)
	lineDelta := end.Line - at.Line
	if lineDelta == 0 {
		if p.Line == at.Line {
			p.Column += end.Column - at.Column
		}
		return p
	}
	// 插入带换行：同行尾巴整体搬到插入内容的末行
	if p.Line == at.Line {
		return Position{Line: end.Line, Column: end.Column + (p.Column - at.Column)}
	}
	p.Line += lineDelta
	return p
}

func shiftByDelete(p Position, r Range) Position {
	if p.Compare(r.Start) <= 0 {
		return p
	}
	if p.Compare(r.End) < 0 {
		// 位置落在被删除的区域里：收敛到区间起点
		return r.Start
	}
	lineDelta := r.End.Line - r.Start.Line
	if p.Line == r.End.Line {
		return Position{Line: r.Start.Line, Column: r.Start.Column + (p.Column - r.End.Column)}
	}
	p.Line -= lineDelta
	return p
}
