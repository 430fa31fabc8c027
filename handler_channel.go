package chat_backbone

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/venuekit/chat-backbone/cons"
	"github.com/venuekit/chat-backbone/message"
	"github.com/venuekit/chat-backbone/response"
)

// -------------------- 频道（Channel）相关接口 --------------------

type CreateDirectChannelReq struct {
	Users []uint64 `json:"users" binding:"required"` // 参与者（可不含发起者，会自动补上）
	Hide  bool     `json:"hide"`                     // 建好后先对其他参与者隐藏（发消息时再点亮）
}

// GinHandleCreateDirectChannel 创建（或复用）私聊/群聊频道。
// 同一批人再次发起会拿到已有频道，不会重复建。
func (c *ChatEngine) GinHandleCreateDirectChannel(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	var req CreateDirectChannelReq
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, response.Error(response.CodeParamError, err.Error()))
		return
	}

	userIDs := req.Users
	found := false
	for _, id := range userIDs {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		userIDs = append(userIDs, userID)
	}

	channel, created, users, err := c.ChannelService.GetOrCreateDirectChannel(worldID, userIDs, req.Hide, userID)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if channel == nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeNotEligible, "direct channel not possible with these users"))
		return
	}

	if created {
		if world, err := c.GetWorld(worldID); err == nil && world != nil {
			for i := range users {
				if req.Hide && users[i].ID != userID {
					continue
				}
				c.ChannelService.BroadcastChannelList(world, users[i].ID)
			}
		}
	}

	ctx.JSON(http.StatusOK, response.Success(gin.H{
		"channel_id": channel.ID,
		"created":    created,
	}))
}

// GinHandleListChannels 当前用户的频道列表（不含藏起来的和临时加入的）
func (c *ChatEngine) GinHandleListChannels(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	world, err := c.GetWorld(worldID)
	if err != nil || world == nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, "world not found"))
		return
	}
	volatile, hidden := false, false
	channels, err := c.ChannelService.GetChannelsForUser(world, userID, &volatile, &hidden)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, response.Success(gin.H{"channels": channels}))
}

type JoinChannelReq struct {
	Volatile bool `json:"volatile"` // 临时加入（断开连接即离开，不进频道列表）
}

// GinHandleJoinChannel 加入频道；真正新建成员关系时补发 channel.member 事件
func (c *ChatEngine) GinHandleJoinChannel(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	channelID, ok := pathID(ctx)
	if !ok {
		return
	}
	var req JoinChannelReq
	_ = ctx.ShouldBindJSON(&req)

	world, channel, err := c.resolveChannel(worldID, channelID)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if channel == nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeChannelNotFound, "channel not found"))
		return
	}
	if channel.RoomID != nil && c.config.PermissionOracle != nil {
		allowed, err := c.config.PermissionOracle(ctx.Request.Context(), userID, cons.PermissionRoomChatJoin, *channel.RoomID)
		if err != nil {
			ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
			return
		}
		if !allowed {
			ctx.JSON(http.StatusOK, response.Error(response.CodePermissionDeny, "join not permitted"))
			return
		}
	}

	created, err := c.ChannelService.AddChannelUser(channelID, userID, req.Volatile)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if created && !req.Volatile {
		user, err := c.GetUser(worldID, userID)
		if err == nil && user != nil {
			content := message.Member(cons.MembershipJoin, user.SerializePublic(false, world.TraitBadgesMap()))
			if _, err := c.PostEvent(ctx.Request.Context(), world, channel, cons.EventChannelMember, content, userID, nil); err != nil {
				ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
				return
			}
		}
		c.ChannelService.BroadcastChannelList(world, userID)
	}
	ctx.JSON(http.StatusOK, response.Success(gin.H{"joined": created}))
}

// GinHandleLeaveChannel 退出频道，补发 channel.member leave 事件
func (c *ChatEngine) GinHandleLeaveChannel(ctx *gin.Context) {
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
	member, err := c.membershipDAO.Exists(channelID, userID)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if member {
		if err := c.ChannelService.RemoveChannelUser(channelID, userID); err != nil {
			ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
			return
		}
		if user, err := c.GetUser(worldID, userID); err == nil && user != nil {
			content := message.Member(cons.MembershipLeave, user.SerializePublic(false, world.TraitBadgesMap()))
			if _, err := c.PostEvent(ctx.Request.Context(), world, channel, cons.EventChannelMember, content, userID, nil); err != nil {
				ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
				return
			}
		}
		c.ChannelService.BroadcastChannelList(world, userID)
	}
	ctx.JSON(http.StatusOK, response.Success(nil))
}

// GinHandleHideChannel 把频道从列表藏起来（不退出，新消息会重新点亮）
func (c *ChatEngine) GinHandleHideChannel(ctx *gin.Context) {
	worldID, userID, ok := requestIdentity(ctx)
	if !ok {
		return
	}
	channelID, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := c.ChannelService.HideChannelUser(channelID, userID); err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	if world, err := c.GetWorld(worldID); err == nil && world != nil {
		c.ChannelService.BroadcastChannelList(world, userID)
	}
	ctx.JSON(http.StatusOK, response.Success(nil))
}

// GinHandleChannelUsers 频道成员的公开资料列表
func (c *ChatEngine) GinHandleChannelUsers(ctx *gin.Context) {
	worldID, _, ok := requestIdentity(ctx)
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
	includeAdminInfo, _ := strconv.ParseBool(ctx.Query("admin"))
	users, err := c.ChannelService.GetChannelUsers(world, channelID, includeAdminInfo)
	if err != nil {
		ctx.JSON(http.StatusOK, response.Error(response.CodeInternalError, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, response.Success(gin.H{"users": users}))
}
