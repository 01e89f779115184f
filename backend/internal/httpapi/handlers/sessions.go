package handlers

import (
	"errors"
	"net/http"

	"collabEngine/backend/internal/collab"

	"github.com/gin-gonic/gin"
)

// SessionHandler 暴露会话生命周期的 REST 面：创建 / 查快照 / 关闭。
// 编辑路径全部走 WebSocket，这里只承载管理操作。
type SessionHandler struct {
	svc collab.Service
}

func NewSessionHandler(svc collab.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type createSessionRequest struct {
	ProjectID    string `json:"projectId" binding:"required"`
	ResourcePath string `json:"resourcePath" binding:"required"`
	Reuse        bool   `json:"reuse"`
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID, err := h.svc.CreateSession(c.Request.Context(), req.ProjectID, req.ResourcePath, req.Reuse)
	if err != nil {
		if errors.Is(err, collab.ErrDuplicateSession) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID missing"})
		return
	}

	snap, err := h.svc.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, collab.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *SessionHandler) CloseSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID missing"})
		return
	}

	if err := h.svc.CloseSession(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, collab.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, collab.ErrSessionBusy):
			// 还有参与者在会话里，拒绝关闭
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "closed": true})
}

func (h *SessionHandler) GetChangesSince(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID missing"})
		return
	}
	var q struct {
		FromVersion uint64 `form:"fromVersion"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	changes, err := h.svc.ChangesSince(c.Request.Context(), sessionID, q.FromVersion)
	if err != nil {
		switch {
		case errors.Is(err, collab.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, collab.ErrStaleVersion):
			// 历史已截断，客户端应改用 GET 快照全量同步
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "changes": changes})
}
