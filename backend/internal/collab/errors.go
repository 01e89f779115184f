package collab

import "errors"

// 错误码统一用 SCREAMING_SNAKE 形式，方便透传给前端做 i18n。
// 所有错误都作为显式返回值交给调用方，引擎内部不吞任何失败。
var (
	ErrSessionNotFound     = errors.New("SESSION_NOT_FOUND")
	ErrDuplicateSession    = errors.New("DUPLICATE_SESSION")
	ErrSessionBusy         = errors.New("SESSION_BUSY")
	ErrParticipantNotFound = errors.New("PARTICIPANT_NOT_FOUND")
	ErrInvalidRange        = errors.New("INVALID_RANGE")
	ErrStaleVersion        = errors.New("STALE_VERSION")
	ErrDeferredTimeout     = errors.New("DEFERRED_TIMEOUT")
	ErrRegionLocked        = errors.New("REGION_LOCKED")
	ErrInvalidChange       = errors.New("INVALID_CHANGE")
)
