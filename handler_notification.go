package chat_backbone

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/venuekit/chat-backbone/response"
)

// -------------------- 未读（Notification）相关接口 --------------------

// GinHandleNotificationCounts 当前用户按频道分组的未读计数
func (c *ChatEngine) GinHandleNotificationCounts(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	counts, err := c.NotificationService.GetNotificationCounts(worldID, userID)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, response.Success(gin.H{"counts": counts}))
}

type MarkReadReq struct {
	LastReadEventID uint64 `json:"last_read_event_id" binding:"required"`
}

// GinHandleMarkRead HTTP 版已读回执（与 WS 的 chat.read_ack 等价）
func (c *ChatEngine) GinHandleMarkRead(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	channelID, ok := pathID(ctx)
	if !ok {
		return
	}
	var req MarkReadReq
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, response.Error(response.CodeParamError, err.Error()))
		return
	}
	moved, err := c.NotificationService.RemoveNotifications(worldID, userID, channelID, req.LastReadEventID)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if moved {
		if err := c.SubscriptionService.MarkUnreadNotify(ctx.Request.Context(), channelID, userID); err != nil {
			log.Printf("GinHandleMarkRead: mark unread notify failed: %v", err)
		}
	}
	ctx.JSON(http.StatusOK, response.Success(gin.H{"moved": moved}))
}

// GinHandleEnforceForcedJoins 对当前用户执行一次强制入频道
// （宿主应用在用户进场/完成资料设置后调用）
func (c *ChatEngine) GinHandleEnforceForcedJoins(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	world, err := c.GetWorld(worldID)
	if err != nil || world == nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, "world not found"))
		return
	}
	user, err := c.GetUser(worldID, userID)
	if err != nil || user == nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, "user not found"))
		return
	}
	if err := c.ForcedJoinService.EnforceForcedJoins(ctx.Request.Context(), world, user); err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, response.Success(nil))
}
