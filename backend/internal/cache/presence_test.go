package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func newTestPresence(t *testing.T) (PresenceCache, *redis.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	return NewRedisPresence(rdb), rdb
}

func TestPresence_AddAndListMembers(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	sid := "test-session-members"
	defer rdb.Del(ctx, roomKey(sid), namesKey(sid))

	if err := p.AddMember(ctx, sid, "u1", "Alice", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, sid, "u2", "Bob", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, sid)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	names := map[string]string{}
	for _, m := range members {
		names[m.UserID] = m.DisplayName
	}
	if names["u1"] != "Alice" || names["u2"] != "Bob" {
		t.Fatalf("names = %v, want Alice/Bob", names)
	}
}

func TestPresence_ExpiredMemberIsSweptOut(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	sid := "test-session-expiry"
	defer rdb.Del(ctx, roomKey(sid), namesKey(sid))

	// 逻辑 TTL 为负：写入即过期，下一次查询的 Lua 清理应把它扫掉
	if err := p.AddMember(ctx, sid, "stale", "Ghost", -time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, sid, "live", "Alice", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, sid)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "live" {
		t.Fatalf("members = %+v, want only live", members)
	}

	// Hash 里的名字也应随成员一起清理
	exists, err := rdb.HExists(ctx, namesKey(sid), "stale").Result()
	if err != nil {
		t.Fatalf("HExists error: %v", err)
	}
	if exists {
		t.Fatalf("stale member name not cleaned up")
	}
}

func TestPresence_RemoveMember(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	sid := "test-session-remove"
	defer rdb.Del(ctx, roomKey(sid), namesKey(sid))

	if err := p.AddMember(ctx, sid, "u1", "Alice", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.SetCursor(ctx, sid, "u1", []byte(`{"position":{"line":1,"column":1}}`), time.Minute); err != nil {
		t.Fatalf("SetCursor error: %v", err)
	}
	if err := p.RemoveMember(ctx, sid, "u1"); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, sid)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %+v, want empty", members)
	}
	if _, err := p.GetCursor(ctx, sid, "u1"); err != redis.Nil {
		t.Fatalf("GetCursor error = %v, want redis.Nil", err)
	}
}

func TestPresence_CursorRoundTrip(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	sid := "test-session-cursor"
	defer rdb.Del(ctx, cursorKey(sid, "u1"))

	payload := []byte(`{"position":{"line":3,"column":7}}`)
	if err := p.SetCursor(ctx, sid, "u1", payload, time.Minute); err != nil {
		t.Fatalf("SetCursor error: %v", err)
	}
	got, err := p.GetCursor(ctx, sid, "u1")
	if err != nil {
		t.Fatalf("GetCursor error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("GetCursor = %q, want %q", got, payload)
	}
}
