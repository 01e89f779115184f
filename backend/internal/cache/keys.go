package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):   会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):  会话内 userId→displayName 映射（Hash）
// - cursorKey(sessionID, userID): 光标快照（String，JSON）

const (
	keyRoomFmt   = "presence:session:{sid:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:session:names:{sid:%s}" // Hash<userId -> displayName>
	keyCursorFmt = "presence:cursor:%s:%s"           // String(JSON)
)

func roomKey(sessionID string) string  { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string { return fmt.Sprintf(keyNamesFmt, sessionID) }
func cursorKey(sessionID, userID string) string {
	return fmt.Sprintf(keyCursorFmt, sessionID, userID)
}
