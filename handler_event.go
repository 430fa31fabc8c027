package chat_backbone

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/venuekit/chat-backbone/cons"
	"github.com/venuekit/chat-backbone/message"
	"github.com/venuekit/chat-backbone/response"
	"github.com/venuekit/chat-backbone/service"
)

// -------------------- 事件（Event）相关接口 --------------------

const defaultFetchCount = 50

// GinHandleFetchEvents 拉频道历史（倒着翻页）。
// before_id 不传表示从最新开始；skip_membership=true 跳过成员变更事件。
// users_known 里报过的用户不会重复下发资料。
func (c *ChatEngine) GinHandleFetchEvents(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	channelID, ok := pathID(ctx)
	if !ok {
		return
	}
	world, channel, err := c.resolveChannel(worldID, channelID)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if channel == nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeChannelNotFound, "channel not found"))
		return
	}
	allowed, err := c.canSend(ctx.Request.Context(), userID, channel)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if !allowed {
		ctx.JSON(http.StatusOK, response.Error(response.CodePermissionDeny, "read not permitted"))
		return
	}

	beforeID, _ := strconv.ParseUint(ctx.Query("before_id"), 10, 64)
	count, _ := strconv.Atoi(ctx.DefaultQuery("count", strconv.Itoa(defaultFetchCount)))
	skipMembership, _ := strconv.ParseBool(ctx.Query("skip_membership"))
	known := ctx.QueryArray("users_known")

	events, users, err := c.EventService.GetEvents(world, channelID, beforeID, count, skipMembership, known, false)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, response.Success(gin.H{
		"events": events,
		"users":  users,
	}))
}

type SendEventReq struct {
	Content message.Content `json:"content" binding:"required"`
}

// GinHandleSendEvent HTTP 版发消息（WS 不可用时的回退通道），
// 与 WS 的 chat.send 走完全相同的 PostEvent 流程
func (c *ChatEngine) GinHandleSendEvent(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	channelID, ok := pathID(ctx)
	if !ok {
		return
	}
	var req SendEventReq
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, response.Error(response.CodeParamError, err.Error()))
		return
	}
	if req.Content.Type != message.ContentTypeText && req.Content.Type != message.ContentTypeCall {
		ctx.JSON(http.StatusBadRequest, response.Error(response.CodeParamError, "unsupported content type"))
		return
	}

	world, channel, err := c.resolveChannel(worldID, channelID)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if channel == nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeChannelNotFound, "channel not found"))
		return
	}
	allowed, err := c.canSend(ctx.Request.Context(), userID, channel)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if !allowed {
		ctx.JSON(http.StatusOK, response.Error(response.CodePermissionDeny, "send not permitted"))
		return
	}

	evt, err := c.PostEvent(ctx.Request.Context(), world, channel, cons.EventChannelMessage, req.Content, userID, nil)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, response.Success(gin.H{"event": evt}))
}

type EditEventReq struct {
	Content message.Content `json:"content" binding:"required"`
}

// GinHandleEditEvent 编辑自己发的消息事件。
// 新内容覆盖旧内容并打上 edited 时间戳，频道内所有订阅者收到更新后的事件。
func (c *ChatEngine) GinHandleEditEvent(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	eventID, ok := pathID(ctx)
	if !ok {
		return
	}
	var req EditEventReq
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, response.Error(response.CodeParamError, err.Error()))
		return
	}

	evt, err := c.eventDAO.FindByID(worldID, eventID)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if evt == nil || evt.EventType != cons.EventChannelMessage {
		ctx.JSON(http.StatusOK, response.Error(response.CodeEventNotFound, "event not found"))
		return
	}
	if evt.SenderID != userID {
		ctx.JSON(http.StatusOK, response.Error(response.CodePermissionDeny, "only the sender may edit"))
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

	dto, err := c.EventService.UpdateEvent(world, evt, req.Content, user)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	c.fanOutEvent(evt.ChannelID, dto)
	ctx.JSON(http.StatusOK, response.Success(gin.H{"event": dto}))
}

type ReactionReq struct {
	Reaction string `json:"reaction" binding:"required"`
}

// GinHandleAddReaction 给事件加表情回应（同一人同一表情幂等）
func (c *ChatEngine) GinHandleAddReaction(ctx *gin.Context) {
	c.handleReaction(ctx, c.ReactionService.AddReaction)
}

// GinHandleRemoveReaction 撤回表情回应（不存在也算成功）
func (c *ChatEngine) GinHandleRemoveReaction(ctx *gin.Context) {
	c.handleReaction(ctx, c.ReactionService.RemoveReaction)
}

func (c *ChatEngine) handleReaction(ctx *gin.Context, op func(worldID, eventID, senderID uint64, reaction string) (*service.EventDTO, error)) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	eventID, ok := pathID(ctx)
	if !ok {
		return
	}
	var req ReactionReq
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, response.Error(response.CodeParamError, err.Error()))
		return
	}

	dto, err := op(worldID, eventID, userID, req.Reaction)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if dto == nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeEventNotFound, "event not found"))
		return
	}
	// 把带最新回应集合的事件重新广播给订阅者
	c.fanOutEvent(dto.ChannelID, dto)
	ctx.JSON(http.StatusOK, response.Success(gin.H{"event": dto}))
}
