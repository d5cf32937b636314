package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bathiste/chat-client-WIP/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	roomSvc   *service.RoomService
	msgSvc    *service.MessageService
	adminSvc  *service.AdminService
	uploadSvc *service.UploadService
	adminAuth *service.AdminAuth
}

func NewHandler(roomSvc *service.RoomService, msgSvc *service.MessageService, adminSvc *service.AdminService,
	uploadSvc *service.UploadService, adminAuth *service.AdminAuth) *Handler {
	return &Handler{roomSvc: roomSvc, msgSvc: msgSvc, adminSvc: adminSvc, uploadSvc: uploadSvc, adminAuth: adminAuth}
}

// writeError 把业务错误映射为 HTTP 状态码，未归类的错误记录日志并返回 500。
func writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRejected):
		c.JSON(http.StatusForbidden, gin.H{"error": "rejected"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrUnavailable):
		log.Warn().Err(err).Msg(op)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	default:
		log.Error().Err(err).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

// ListRooms 处理获取房间列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		writeError(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// ListMessages 处理获取房间最近消息请求。
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.msgSvc.History(c.Request.Context(), c.Param("code"), queryInt(c, "limit", 0))
	if err != nil {
		writeError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// OpenRoom 在房间不存在时创建它。
func (h *Handler) OpenRoom(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
		Token       string `json:"token"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	if len(req.DisplayName) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, created, err := h.roomSvc.Open(c.Request.Context(), c.Param("code"), req.DisplayName, req.Token)
	if err != nil {
		writeError(c, err, "open room")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"room": room, "created": created})
}

// RecordUpload 记录外部存储完成的上传并通知房间。
func (h *Handler) RecordUpload(c *gin.Context) {
	var req service.UploadMeta
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	up, err := h.uploadSvc.Record(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "record upload")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": up.ID, "filename": up.Filename, "url": up.URL, "room": up.RoomCode})
}

// AdminLogin 校验管理员凭据并签发 token。
func (h *Handler) AdminLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.adminAuth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			log.Warn().Str("username", req.Username).Str("addr", c.ClientIP()).Msg("admin login failed")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Msg("admin login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListLive(c *gin.Context) {
	live, err := h.adminSvc.ListLive(c.Request.Context())
	if err != nil {
		writeError(c, err, "list live")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": live})
}

func (h *Handler) LiveByRoom(c *gin.Context) {
	rooms, err := h.adminSvc.LiveByRoom(c.Request.Context())
	if err != nil {
		writeError(c, err, "live by room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

type connRequest struct {
	ConnID string `json:"conn_id" binding:"required"`
	Room   string `json:"room"`
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h *Handler) Kick(c *gin.Context) {
	var req connRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.adminSvc.Kick(c.Request.Context(), req.ConnID); err != nil {
		writeError(c, err, "kick")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) Move(c *gin.Context) {
	var req connRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.adminSvc.Move(c.Request.Context(), req.ConnID, req.Room); err != nil {
		writeError(c, err, "move")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) Ban(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	n, err := h.adminSvc.Ban(c.Request.Context(), req.Token)
	if err != nil {
		writeError(c, err, "ban")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "disconnected": n})
}

func (h *Handler) Unban(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.adminSvc.Unban(c.Request.Context(), req.Token); err != nil {
		writeError(c, err, "unban")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) Identities(c *gin.Context) {
	ids, err := h.adminSvc.Identities(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		writeError(c, err, "list identities")
		return
	}
	c.JSON(http.StatusOK, gin.H{"identities": ids})
}

func (h *Handler) LinkedNames(c *gin.Context) {
	linked, err := h.adminSvc.LinkedNames(c.Request.Context())
	if err != nil {
		writeError(c, err, "linked names")
		return
	}
	c.JSON(http.StatusOK, gin.H{"addresses": linked})
}

func (h *Handler) AdminRooms(c *gin.Context) {
	rooms, err := h.adminSvc.Rooms(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		writeError(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// Logs 处理日志筛选：ip、token、room、text、from、to、page、per_page。
func (h *Handler) Logs(c *gin.Context) {
	var q service.LogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	page, err := h.msgSvc.Query(c.Request.Context(), q)
	if err != nil {
		writeError(c, err, "query logs")
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) Uploads(c *gin.Context) {
	ups, err := h.adminSvc.Uploads(c.Request.Context(), c.Query("room"), queryInt(c, "limit", 0))
	if err != nil {
		writeError(c, err, "list uploads")
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": ups})
}
