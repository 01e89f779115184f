package collab

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingNotifier 收集引擎发出的事件，便于断言出站通知契约。
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(_ context.Context, evt Event) NotificationResult {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
	return NotificationResult{Event: evt}
}

func (n *recordingNotifier) byType(eventType string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// testClock 注入到 Registry.now，让锁过期和 deferred 超时可控。
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts RegistryOptions) (*Registry, *recordingNotifier, *testClock) {
	t.Helper()
	n := &recordingNotifier{}
	clk := newTestClock()
	r := NewRegistry(n, nil, nil, opts)
	r.now = clk.Now
	return r, n, clk
}

func mustCreateJoined(t *testing.T, r *Registry, users ...string) string {
	t.Helper()
	ctx := context.Background()
	sid, err := r.CreateSession(ctx, "p1", "doc.txt", false)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for _, u := range users {
		if _, err := r.JoinSession(ctx, sid, Participant{UserID: u, DisplayName: u}); err != nil {
			t.Fatalf("JoinSession(%s) error = %v", u, err)
		}
	}
	return sid
}

func TestSubmitChange_InsertIntoEmptyDocument(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice")
	ctx := context.Background()

	res, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if res.Status != StatusApplied || res.ResultVersion != 1 {
		t.Fatalf("SubmitChange() = %+v, want applied v1", res)
	}

	snap, err := r.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if snap.Content != "Hello" || snap.Version != 1 {
		t.Fatalf("snapshot = %q v%d, want %q v1", snap.Content, snap.Version, "Hello")
	}
}

func TestSubmitChange_ConcurrentNonOverlappingRebase(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	// alice 在行首加前缀；bob 基于同一个旧版本在行尾追加
	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: ">> ",
		AuthorID: "alice", BaseVersion: 1, ChangeID: "c2",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	res, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 6}, Text: " World",
		AuthorID: "bob", BaseVersion: 1, ChangeID: "c3",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if res.Status != StatusApplied || res.ResultVersion != 3 {
		t.Fatalf("SubmitChange() = %+v, want applied v3", res)
	}

	snap, _ := r.GetSession(ctx, sid)
	want := ">> Hello World"
	if snap.Content != want {
		t.Fatalf("content = %q, want %q", snap.Content, want)
	}
}

func TestSubmitChange_ConcurrentAppendFromStaleBase(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	// bob 还停留在版本 0，基于自己的本地视图在 (1,6) 追加
	res, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 6}, Text: " World",
		AuthorID: "bob", BaseVersion: 0, ChangeID: "c2",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if res.Status != StatusApplied || res.ResultVersion != 2 {
		t.Fatalf("SubmitChange() = %+v, want applied v2", res)
	}

	snap, _ := r.GetSession(ctx, sid)
	if snap.Content != "Hello World" {
		t.Fatalf("content = %q, want %q", snap.Content, "Hello World")
	}
}

// 不相交的两个变更无论谁先到，最终内容一致（只有中间版本号不同）。
func TestDisjointEditsCommute(t *testing.T) {
	run := func(order []Change) string {
		r, _, _ := newTestRegistry(t, RegistryOptions{})
		sid := mustCreateJoined(t, r, "alice", "bob")
		ctx := context.Background()
		if _, err := r.SubmitChange(ctx, sid, Change{
			Type: ChangeInsert, Position: Position{1, 1}, Text: "abcdef",
			AuthorID: "alice", BaseVersion: 0, ChangeID: "seed",
		}); err != nil {
			t.Fatalf("SubmitChange(seed) error = %v", err)
		}
		for _, c := range order {
			if _, err := r.SubmitChange(ctx, sid, c); err != nil {
				t.Fatalf("SubmitChange(%s) error = %v", c.ChangeID, err)
			}
		}
		snap, _ := r.GetSession(ctx, sid)
		return snap.Content
	}

	head := Change{Type: ChangeInsert, Position: Position{1, 1}, Text: "<", AuthorID: "alice", BaseVersion: 1, ChangeID: "h"}
	tail := Change{Type: ChangeInsert, Position: Position{1, 7}, Text: ">", AuthorID: "bob", BaseVersion: 1, ChangeID: "t"}

	first := run([]Change{head, tail})
	second := run([]Change{tail, head})
	if first != second {
		t.Fatalf("order A = %q, order B = %q, want equal", first, second)
	}
	if first != "<abcdef>" {
		t.Fatalf("content = %q, want %q", first, "<abcdef>")
	}
}

func TestSubmitChange_OverlappingConcurrentEditsMerge(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	// 同一位置的并发插入：两边都落下，后到者标记 merged
	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 6}, Text: " World",
		AuthorID: "alice", BaseVersion: 1, ChangeID: "c2",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	res, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 6}, Text: "!",
		AuthorID: "bob", BaseVersion: 1, ChangeID: "c3",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if res.Status != StatusMerged || res.ResultVersion != 3 {
		t.Fatalf("SubmitChange() = %+v, want merged v3", res)
	}

	snap, _ := r.GetSession(ctx, sid)
	want := "Hello World!"
	if snap.Content != want {
		t.Fatalf("content = %q, want %q", snap.Content, want)
	}
}

func TestSubmitChange_DuplicateChangeIDIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice")
	ctx := context.Background()

	change := Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}
	first, err := r.SubmitChange(ctx, sid, change)
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	second, err := r.SubmitChange(ctx, sid, change)
	if err != nil {
		t.Fatalf("SubmitChange() retry error = %v", err)
	}
	if second.Status != StatusApplied || second.ResultVersion != first.ResultVersion {
		t.Fatalf("retry = %+v, want applied v%d", second, first.ResultVersion)
	}

	snap, _ := r.GetSession(ctx, sid)
	if snap.Content != "Hello" || snap.Version != 1 {
		t.Fatalf("snapshot = %q v%d, want no double apply", snap.Content, snap.Version)
	}
}

func TestSubmitChange_StaleVersionAfterHistoryTruncation(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{HistoryCap: 2})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c", "d"} {
		if _, err := r.SubmitChange(ctx, sid, Change{
			Type: ChangeInsert, Position: Position{1, 1}, Text: text,
			AuthorID: "alice", BaseVersion: uint64(i), ChangeID: "c" + text,
		}); err != nil {
			t.Fatalf("SubmitChange(%q) error = %v", text, err)
		}
	}

	// history 只留最近 2 条：base=0 已经无法 rebase
	res, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "x",
		AuthorID: "bob", BaseVersion: 0, ChangeID: "cx",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if res.Status != StatusRejected || res.Reason != ErrStaleVersion.Error() {
		t.Fatalf("SubmitChange() = %+v, want rejected STALE_VERSION", res)
	}
}

func TestSubmitChange_BaseVersionAheadIsRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice")
	ctx := context.Background()

	res, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "x",
		AuthorID: "alice", BaseVersion: 7, ChangeID: "c1",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if res.Status != StatusRejected || res.Reason != ErrStaleVersion.Error() {
		t.Fatalf("SubmitChange() = %+v, want rejected STALE_VERSION", res)
	}
}

func TestLockRegion_DefersForeignChangeUntilUnlock(t *testing.T) {
	r, notifier, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello World",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	lock, err := r.LockRegion(ctx, sid, "alice", Range{
		Start: Position{1, 1}, End: Position{1, 6},
	}, "refactoring", time.Minute)
	if err != nil {
		t.Fatalf("LockRegion() error = %v", err)
	}

	res, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 3}, Text: "x",
		AuthorID: "bob", BaseVersion: 1, ChangeID: "c2",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if res.Status != StatusDeferred || res.LockOwnerID != "alice" {
		t.Fatalf("SubmitChange() = %+v, want deferred by alice", res)
	}
	if deferred := notifier.byType("change_deferred"); len(deferred) != 1 {
		t.Fatalf("change_deferred events = %d, want 1", len(deferred))
	}

	// 持有者自己的编辑不受影响
	ownRes, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: ">",
		AuthorID: "alice", BaseVersion: 1, ChangeID: "c3",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if ownRes.Status != StatusApplied {
		t.Fatalf("owner SubmitChange() = %+v, want applied", ownRes)
	}

	// 释放锁后 deferred 队列立刻重试
	if err := r.UnlockRegion(ctx, sid, "alice", lock.ID); err != nil {
		t.Fatalf("UnlockRegion() error = %v", err)
	}
	snap, _ := r.GetSession(ctx, sid)
	want := ">Hexllo World"
	if snap.Content != want {
		t.Fatalf("content = %q, want %q", snap.Content, want)
	}
	if snap.Version != 3 {
		t.Fatalf("version = %d, want 3", snap.Version)
	}
}

func TestLockRegion_ExpiryReleasesDeferredChange(t *testing.T) {
	r, _, clk := newTestRegistry(t, RegistryOptions{DeferTTL: time.Hour})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if _, err := r.LockRegion(ctx, sid, "alice", Range{
		Start: Position{1, 1}, End: Position{1, 6},
	}, "wip", 30*time.Second); err != nil {
		t.Fatalf("LockRegion() error = %v", err)
	}

	res, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 2}, Text: "x",
		AuthorID: "bob", BaseVersion: 1, ChangeID: "c2",
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if res.Status != StatusDeferred {
		t.Fatalf("SubmitChange() = %+v, want deferred", res)
	}

	// 锁到期，清理后 deferred 变更落下
	clk.Advance(31 * time.Second)
	r.ExpireLocks(ctx, clk.Now())

	snap, _ := r.GetSession(ctx, sid)
	if snap.Content != "Hxello" || snap.Version != 2 {
		t.Fatalf("snapshot = %q v%d, want %q v2", snap.Content, snap.Version, "Hxello")
	}
	if len(snap.LockedRegions) != 0 {
		t.Fatalf("locks = %d, want 0", len(snap.LockedRegions))
	}
}

func TestRetryDeferred_TimeoutNotifiesAuthor(t *testing.T) {
	r, notifier, clk := newTestRegistry(t, RegistryOptions{DeferTTL: 10 * time.Second})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if _, err := r.LockRegion(ctx, sid, "alice", Range{
		Start: Position{1, 1}, End: Position{1, 6},
	}, "wip", time.Hour); err != nil {
		t.Fatalf("LockRegion() error = %v", err)
	}
	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 2}, Text: "x",
		AuthorID: "bob", BaseVersion: 1, ChangeID: "c2",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	clk.Advance(11 * time.Second)
	r.RetryDeferred(ctx, clk.Now())

	// 超时丢弃：内容不变，作者收到 DEFERRED_TIMEOUT
	snap, _ := r.GetSession(ctx, sid)
	if snap.Content != "Hello" || snap.Version != 1 {
		t.Fatalf("snapshot = %q v%d, want unchanged", snap.Content, snap.Version)
	}
	deferred := notifier.byType("change_deferred")
	if len(deferred) != 2 {
		t.Fatalf("change_deferred events = %d, want 2", len(deferred))
	}
	last := deferred[len(deferred)-1].(ChangeDeferredEvent)
	if last.Reason != ErrDeferredTimeout.Error() || last.AuthorID != "bob" {
		t.Fatalf("timeout event = %+v, want DEFERRED_TIMEOUT for bob", last)
	}
}

func TestLockRegion_ForeignOverlapIsRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.LockRegion(ctx, sid, "alice", Range{
		Start: Position{1, 1}, End: Position{1, 10},
	}, "wip", time.Minute); err != nil {
		t.Fatalf("LockRegion() error = %v", err)
	}

	_, err := r.LockRegion(ctx, sid, "bob", Range{
		Start: Position{1, 5}, End: Position{1, 15},
	}, "wip", time.Minute)
	if err != ErrRegionLocked {
		t.Fatalf("LockRegion() error = %v, want %v", err, ErrRegionLocked)
	}
}

func TestLeaveSession_ReleasesLocksAndRetriesDeferred(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if _, err := r.LockRegion(ctx, sid, "alice", Range{
		Start: Position{1, 1}, End: Position{1, 6},
	}, "wip", time.Hour); err != nil {
		t.Fatalf("LockRegion() error = %v", err)
	}
	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 2}, Text: "x",
		AuthorID: "bob", BaseVersion: 1, ChangeID: "c2",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	// 断连清理：离开释放 alice 的锁，bob 的 deferred 变更随即落下
	if err := r.LeaveSession(ctx, sid, "alice"); err != nil {
		t.Fatalf("LeaveSession() error = %v", err)
	}
	snap, _ := r.GetSession(ctx, sid)
	if snap.Content != "Hxello" {
		t.Fatalf("content = %q, want %q", snap.Content, "Hxello")
	}
	if len(snap.Participants) != 1 || snap.Participants[0].UserID != "bob" {
		t.Fatalf("participants = %+v, want only bob", snap.Participants)
	}
}

func TestChangesSince(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{HistoryCap: 2})
	sid := mustCreateJoined(t, r, "alice")
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		if _, err := r.SubmitChange(ctx, sid, Change{
			Type: ChangeInsert, Position: Position{1, 1}, Text: text,
			AuthorID: "alice", BaseVersion: uint64(i), ChangeID: "c" + text,
		}); err != nil {
			t.Fatalf("SubmitChange(%q) error = %v", text, err)
		}
	}

	changes, err := r.ChangesSince(ctx, sid, 1)
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(changes) != 2 || changes[0].ResultVersion != 2 || changes[1].ResultVersion != 3 {
		t.Fatalf("ChangesSince() = %+v, want versions 2,3", changes)
	}

	// 窗口之外只能重新全量同步
	if _, err := r.ChangesSince(ctx, sid, 0); err != ErrStaleVersion {
		t.Fatalf("ChangesSince(0) error = %v, want %v", err, ErrStaleVersion)
	}
}

func TestCreateSession_DuplicateAndReuse(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	ctx := context.Background()

	first, err := r.CreateSession(ctx, "p1", "doc.txt", false)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := r.CreateSession(ctx, "p1", "doc.txt", false); err != ErrDuplicateSession {
		t.Fatalf("CreateSession() error = %v, want %v", err, ErrDuplicateSession)
	}
	reused, err := r.CreateSession(ctx, "p1", "doc.txt", true)
	if err != nil {
		t.Fatalf("CreateSession(reuse) error = %v", err)
	}
	if reused != first {
		t.Fatalf("CreateSession(reuse) = %q, want %q", reused, first)
	}
}

func TestCloseSession_BusyWithParticipants(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice")
	ctx := context.Background()

	if err := r.CloseSession(ctx, sid); err != ErrSessionBusy {
		t.Fatalf("CloseSession() error = %v, want %v", err, ErrSessionBusy)
	}

	if err := r.LeaveSession(ctx, sid, "alice"); err != nil {
		t.Fatalf("LeaveSession() error = %v", err)
	}
	if err := r.CloseSession(ctx, sid); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if _, err := r.GetSession(ctx, sid); err != ErrSessionNotFound {
		t.Fatalf("GetSession() error = %v, want %v", err, ErrSessionNotFound)
	}
}

func TestCloseSession_RejectsInFlightJoin(t *testing.T) {
	r, _, clk := newTestRegistry(t, RegistryOptions{})
	ctx := context.Background()
	sid, err := r.CreateSession(ctx, "p1", "doc.txt", false)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	// 模拟已经通过 lookup、还没拿到会话锁的并发 join
	s, err := r.lookup(sid)
	if err != nil {
		t.Fatalf("lookup() error = %v", err)
	}

	if err := r.CloseSession(ctx, sid); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}

	// 晚到的 join 拿到的是已关闭的会话，不能把参与者挂上去
	if _, _, err := s.join(Participant{UserID: "late", DisplayName: "late"}, clk.Now()); err != ErrSessionNotFound {
		t.Fatalf("join() error = %v, want %v", err, ErrSessionNotFound)
	}

	// 资源键已释放，同一 (project, path) 可以重新建会话
	if _, err := r.CreateSession(ctx, "p1", "doc.txt", false); err != nil {
		t.Fatalf("CreateSession() after close error = %v", err)
	}
}

func TestSubmitChange_ResubmitWhileDeferredNotDuplicated(t *testing.T) {
	r, notifier, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	lock, err := r.LockRegion(ctx, sid, "alice", Range{
		Start: Position{1, 1}, End: Position{1, 6},
	}, "wip", time.Hour)
	if err != nil {
		t.Fatalf("LockRegion() error = %v", err)
	}

	blocked := Change{
		Type: ChangeInsert, Position: Position{1, 2}, Text: "x",
		AuthorID: "bob", BaseVersion: 1, ChangeID: "c2",
	}
	for i := 0; i < 2; i++ {
		res, err := r.SubmitChange(ctx, sid, blocked)
		if err != nil {
			t.Fatalf("SubmitChange() #%d error = %v", i+1, err)
		}
		if res.Status != StatusDeferred {
			t.Fatalf("SubmitChange() #%d = %+v, want deferred", i+1, res)
		}
	}

	// 重复提交不翻倍：只有一次 deferred 通知、队列里只有一份
	if deferred := notifier.byType("change_deferred"); len(deferred) != 1 {
		t.Fatalf("change_deferred events = %d, want 1", len(deferred))
	}
	if err := r.UnlockRegion(ctx, sid, "alice", lock.ID); err != nil {
		t.Fatalf("UnlockRegion() error = %v", err)
	}
	snap, _ := r.GetSession(ctx, sid)
	if snap.Content != "Hxello" || snap.Version != 2 {
		t.Fatalf("snapshot = %q v%d, want single apply", snap.Content, snap.Version)
	}
}

func TestSubmitChange_DuplicateOfMergedChangeReportsMerged(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello",
		AuthorID: "alice", BaseVersion: 0, ChangeID: "c1",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 6}, Text: " World",
		AuthorID: "alice", BaseVersion: 1, ChangeID: "c2",
	}); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	overlapping := Change{
		Type: ChangeInsert, Position: Position{1, 6}, Text: "!",
		AuthorID: "bob", BaseVersion: 1, ChangeID: "c3",
	}
	first, err := r.SubmitChange(ctx, sid, overlapping)
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if first.Status != StatusMerged {
		t.Fatalf("SubmitChange() = %+v, want merged", first)
	}

	// 重复提交的应答要和第一次一致：merged 不能降级成 applied
	second, err := r.SubmitChange(ctx, sid, overlapping)
	if err != nil {
		t.Fatalf("SubmitChange() retry error = %v", err)
	}
	if second.Status != StatusMerged || second.ResultVersion != first.ResultVersion {
		t.Fatalf("retry = %+v, want merged v%d", second, first.ResultVersion)
	}
}

func TestUpdateCursor_EmitsEventAndUnknownParticipantFails(t *testing.T) {
	r, notifier, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice")
	ctx := context.Background()

	sel := &Range{Start: Position{1, 1}, End: Position{1, 4}}
	if err := r.UpdateCursor(ctx, sid, "alice", Position{1, 4}, sel); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	moved := notifier.byType("cursor_moved")
	if len(moved) != 1 {
		t.Fatalf("cursor_moved events = %d, want 1", len(moved))
	}
	evt := moved[0].(CursorMovedEvent)
	if evt.UserID != "alice" || evt.Position != (Position{1, 4}) {
		t.Fatalf("cursor event = %+v", evt)
	}

	if err := r.UpdateCursor(ctx, sid, "ghost", Position{1, 1}, nil); err != ErrParticipantNotFound {
		t.Fatalf("UpdateCursor(ghost) error = %v, want %v", err, ErrParticipantNotFound)
	}
}

func TestPruneStale_RemovesIdleParticipants(t *testing.T) {
	r, notifier, clk := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	clk.Advance(2 * time.Minute)
	if err := r.Heartbeat(ctx, sid, "alice"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	r.PruneStale(ctx, time.Minute)

	snap, _ := r.GetSession(ctx, sid)
	if len(snap.Participants) != 1 || snap.Participants[0].UserID != "alice" {
		t.Fatalf("participants = %+v, want only alice", snap.Participants)
	}
	left := notifier.byType("participant_left")
	if len(left) != 1 || left[0].(ParticipantLeftEvent).UserID != "bob" {
		t.Fatalf("participant_left events = %+v, want bob", left)
	}
}

func TestSubmitChange_InvalidPayload(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice")
	ctx := context.Background()

	// 缺 ChangeID
	if _, err := r.SubmitChange(ctx, sid, Change{
		Type: ChangeInsert, Position: Position{1, 1}, Text: "x", AuthorID: "alice",
	}); err != ErrInvalidChange {
		t.Fatalf("SubmitChange() error = %v, want %v", err, ErrInvalidChange)
	}

	// delete 的 End 在 Start 之前
	if _, err := r.SubmitChange(ctx, sid, Change{
		Type:     ChangeDelete,
		Range:    Range{Start: Position{1, 5}, End: Position{1, 1}},
		AuthorID: "alice", ChangeID: "c1",
	}); err != ErrInvalidRange {
		t.Fatalf("SubmitChange() error = %v, want %v", err, ErrInvalidRange)
	}
}

// 从空文档按序回放 history 必须收敛到当前内容。
func TestHistoryReplayConverges(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{})
	sid := mustCreateJoined(t, r, "alice", "bob")
	ctx := context.Background()

	submissions := []Change{
		{Type: ChangeInsert, Position: Position{1, 1}, Text: "Hello World", AuthorID: "alice", BaseVersion: 0, ChangeID: "c1"},
		{Type: ChangeInsert, Position: Position{1, 6}, Text: ",", AuthorID: "bob", BaseVersion: 1, ChangeID: "c2"},
		{Type: ChangeReplace, Range: Range{Start: Position{1, 8}, End: Position{1, 13}}, Text: "Go", AuthorID: "alice", BaseVersion: 2, ChangeID: "c3"},
		{Type: ChangeInsert, Position: Position{1, 1}, Text: "say: ", AuthorID: "bob", BaseVersion: 2, ChangeID: "c4"},
		{Type: ChangeDelete, Range: Range{Start: Position{1, 1}, End: Position{1, 4}}, AuthorID: "alice", BaseVersion: 4, ChangeID: "c5"},
	}
	for _, c := range submissions {
		if _, err := r.SubmitChange(ctx, sid, c); err != nil {
			t.Fatalf("SubmitChange(%s) error = %v", c.ChangeID, err)
		}
	}

	changes, err := r.ChangesSince(ctx, sid, 0)
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	replayed := ""
	for _, cc := range changes {
		next, err := applyToContent(replayed, cc.Change)
		if err != nil {
			t.Fatalf("replay %s error = %v", cc.Change.ChangeID, err)
		}
		replayed = next
	}

	snap, _ := r.GetSession(ctx, sid)
	if replayed != snap.Content {
		t.Fatalf("replayed = %q, live = %q", replayed, snap.Content)
	}
}
