package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 是在线状态在进程之外的镜像：权威状态在引擎的
// PresenceTracker 里，这里只服务跨实例的“谁在线/光标在哪”查询。
type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, userID, displayName string, ttl time.Duration) error
	GetSessions(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, sessionID string) ([]PresenceMember, error)
	RemoveMember(ctx context.Context, sessionID, userID string) error
	SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

type PresenceMember struct {
	UserID      string
	DisplayName string
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, userID, displayName string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	// 名字表（Hash）
	tx.HSet(ctx, namesKey(sessionID), userID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	tx.Del(ctx, cursorKey(sessionID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetSessions(ctx context.Context) ([]string, error) {
	var sessions []string
	iter := p.rdb.Scan(ctx, 0, "presence:session:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也以 presence:session: 开头，需要过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		sid := strings.TrimSuffix(strings.TrimPrefix(k, "presence:session:{sid:"), "}")
		if sid != "" {
			sessions = append(sessions, sid)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(sessionID, userID)).Bytes()
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(sessionID)
	-- KEYS[2] = namesKey(sessionID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDs[i], DisplayName: name})
	}
	return members, nil
}
