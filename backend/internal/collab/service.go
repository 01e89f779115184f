package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 协作引擎接口：传输层（WebSocket / REST / 消息队列）只面向它编程。
type Service interface {
	CreateSession(ctx context.Context, projectID, resourcePath string, reuse bool) (string, error)
	GetSession(ctx context.Context, sessionID string) (SessionSnapshot, error)
	CloseSession(ctx context.Context, sessionID string) error

	JoinSession(ctx context.Context, sessionID string, info Participant) (SessionSnapshot, error)
	LeaveSession(ctx context.Context, sessionID, userID string) error

	SubmitChange(ctx context.Context, sessionID string, change Change) (ChangeResult, error)
	UpdateCursor(ctx context.Context, sessionID, userID string, pos Position, sel *Range) error
	Heartbeat(ctx context.Context, sessionID, userID string) error

	LockRegion(ctx context.Context, sessionID, userID string, rng Range, reason string, ttl time.Duration) (LockedRegion, error)
	UnlockRegion(ctx context.Context, sessionID, userID, lockID string) error

	// 追平/握手：返回 fromVersion 之后的已提交变更
	ChangesSince(ctx context.Context, sessionID string, fromVersion uint64) ([]CommittedChange, error)

	SaveSnapshot(ctx context.Context, sessionID string) error

	// 周期性维护，由外部调度器驱动（引擎不自带后台定时器）
	ExpireLocks(ctx context.Context, now time.Time)
	RetryDeferred(ctx context.Context, now time.Time)
	PruneStale(ctx context.Context, timeout time.Duration)
}

// 快照存储接口
// 只声明，实现在 store 中
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, sessionID string, version uint64, content string) error
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, sessionID, projectID, resourcePath string) error
}

type RegistryOptions struct {
	HistoryCap int
	DeferTTL   time.Duration
	LockTTL    time.Duration
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.HistoryCap <= 0 {
		o.HistoryCap = 1024
	}
	if o.DeferTTL <= 0 {
		o.DeferTTL = 30 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 60 * time.Second
	}
	return o
}

// Registry 持有全部会话，是进程里唯一被多个会话的调用方并发触碰的结构。
// 它自己的锁只管 create/get/close，逐会话的编辑互不相扰。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*DocumentSession
	// (projectID, resourcePath) -> sessionID，用于重复建会话检测
	byResource map[resourceKey]string

	opts     RegistryOptions
	notifier Notifier

	// 依赖注入，可为 nil（纯内存运行）
	snapshots SnapshotStore
	documents DocumentStore

	now func() time.Time
}

type resourceKey struct {
	projectID    string
	resourcePath string
}

// NewRegistry 返回满足 Service 接口的内存实现。
func NewRegistry(notifier Notifier, snapshots SnapshotStore, documents DocumentStore, opts RegistryOptions) *Registry {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Registry{
		sessions:   make(map[string]*DocumentSession),
		byResource: make(map[resourceKey]string),
		opts:       opts.withDefaults(),
		notifier:   notifier,
		snapshots:  snapshots,
		documents:  documents,
		now:        time.Now,
	}
}

func (r *Registry) CreateSession(ctx context.Context, projectID, resourcePath string, reuse bool) (string, error) {
	key := resourceKey{projectID: projectID, resourcePath: resourcePath}

	r.mu.Lock()
	if existing, ok := r.byResource[key]; ok {
		r.mu.Unlock()
		if reuse {
			return existing, nil
		}
		return "", ErrDuplicateSession
	}
	id := uuid.NewString()
	s := newDocumentSession(id, projectID, resourcePath, r.opts.HistoryCap, r.opts.DeferTTL, r.now())
	r.sessions[id] = s
	r.byResource[key] = id
	r.mu.Unlock()

	// 元数据落库在注册表锁之外，失败不影响内存会话
	if r.documents != nil {
		if err := r.documents.CreateDocument(ctx, id, projectID, resourcePath); err != nil {
			log.Printf("create document record failed: session=%s err=%v", id, err)
		}
	}
	return id, nil
}

func (r *Registry) lookup(sessionID string) (*DocumentSession, error) {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (r *Registry) GetSession(_ context.Context, sessionID string) (SessionSnapshot, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return snap, nil
}

// CloseSession 只允许关空会话；有人在的时候返回 SESSION_BUSY。
// 关闭前尽力保存一次快照。
func (r *Registry) CloseSession(ctx context.Context, sessionID string) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.participants) > 0 {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	content, version := s.content, s.version
	s.mu.Unlock()

	if r.snapshots != nil && version > 0 {
		if err := r.snapshots.SaveDocumentSnapshot(ctx, sessionID, version, content); err != nil {
			log.Printf("save snapshot on close failed: session=%s err=%v", sessionID, err)
		}
	}

	// 快照落盘在锁外，期间可能有人 join 进来；删表前在注册表锁和
	// 会话锁里复核一次并置 closed，晚到的 join 会被 join() 拒绝
	r.mu.Lock()
	s.mu.Lock()
	if len(s.participants) > 0 {
		s.mu.Unlock()
		r.mu.Unlock()
		return ErrSessionBusy
	}
	s.closed = true
	s.mu.Unlock()
	delete(r.sessions, sessionID)
	delete(r.byResource, resourceKey{projectID: s.ProjectID, resourcePath: s.ResourcePath})
	r.mu.Unlock()
	return nil
}

func (r *Registry) JoinSession(ctx context.Context, sessionID string, info Participant) (SessionSnapshot, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	snap, events, err := s.join(info, r.now())
	if err != nil {
		return SessionSnapshot{}, err
	}
	emitAll(ctx, r.notifier, events)
	return snap, nil
}

// LeaveSession 幂等：会话或参与者不存在都当作已经离开。
func (r *Registry) LeaveSession(ctx context.Context, sessionID, userID string) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	events := s.leaveLocked(userID, r.now())
	s.mu.Unlock()
	emitAll(ctx, r.notifier, events)
	return nil
}

func (r *Registry) SubmitChange(ctx context.Context, sessionID string, change Change) (ChangeResult, error) {
	if err := change.Validate(); err != nil {
		return ChangeResult{}, err
	}
	s, err := r.lookup(sessionID)
	if err != nil {
		return ChangeResult{}, err
	}
	s.mu.Lock()
	res, events := s.submitLocked(change, r.now())
	s.mu.Unlock()
	// 出站通知在提交之后、临界区之外：通知失败不改变 SubmitChange 的应答
	emitAll(ctx, r.notifier, events)
	return res, nil
}

func (r *Registry) UpdateCursor(ctx context.Context, sessionID, userID string, pos Position, sel *Range) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	evt, err := s.updateCursorLocked(userID, pos, sel, r.now())
	s.mu.Unlock()
	if err != nil {
		return err
	}
	emitAll(ctx, r.notifier, []Event{evt})
	return nil
}

func (r *Registry) Heartbeat(_ context.Context, sessionID, userID string) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	err = s.touchLocked(userID, r.now())
	s.mu.Unlock()
	return err
}

func (r *Registry) LockRegion(_ context.Context, sessionID, userID string, rng Range, reason string, ttl time.Duration) (LockedRegion, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return LockedRegion{}, err
	}
	if ttl <= 0 {
		ttl = r.opts.LockTTL
	}
	s.mu.Lock()
	lock, err := s.lockRegionLocked(uuid.NewString(), userID, rng, reason, ttl, r.now())
	s.mu.Unlock()
	return lock, err
}

func (r *Registry) UnlockRegion(ctx context.Context, sessionID, userID, lockID string) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	events := s.unlockRegionLocked(userID, lockID, r.now())
	s.mu.Unlock()
	emitAll(ctx, r.notifier, events)
	return nil
}

func (r *Registry) ChangesSince(_ context.Context, sessionID string, fromVersion uint64) ([]CommittedChange, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromVersion < s.oldestRebasableVersion() {
		return nil, ErrStaleVersion
	}
	return s.historySince(fromVersion), nil
}

func (r *Registry) SaveSnapshot(ctx context.Context, sessionID string) error {
	if r.snapshots == nil {
		return nil
	}
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	content, version := s.content, s.version
	s.mu.Unlock()
	return r.snapshots.SaveDocumentSnapshot(ctx, sessionID, version, content)
}

func (r *Registry) all() []*DocumentSession {
	r.mu.RLock()
	out := make([]*DocumentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) ExpireLocks(ctx context.Context, now time.Time) {
	for _, s := range r.all() {
		s.mu.Lock()
		events := s.expireLocksLocked(now)
		s.mu.Unlock()
		emitAll(ctx, r.notifier, events)
	}
}

func (r *Registry) RetryDeferred(ctx context.Context, now time.Time) {
	for _, s := range r.all() {
		s.mu.Lock()
		events := s.retryDeferredLocked(now)
		s.mu.Unlock()
		emitAll(ctx, r.notifier, events)
	}
}

func (r *Registry) PruneStale(ctx context.Context, timeout time.Duration) {
	now := r.now()
	for _, s := range r.all() {
		s.mu.Lock()
		events := s.pruneStaleLocked(timeout, now)
		s.mu.Unlock()
		emitAll(ctx, r.notifier, events)
	}
}
