package chat_backbone

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/venuekit/chat-backbone/response"
)

// HTTP 接口按领域拆在:
// - handler_channel.go
// - handler_event.go
// - handler_notification.go
// 鉴权由宿主应用的中间件完成，这里只消费注入到 gin 上下文的
// world_id / user_id 两个键。

// RegisterGinRoutes 把全部接口挂到给定的路由组上。
// 也可以不调用它，直接把 GinHandleXxx 挂到自己的路由里。
func (c *ChatEngine) RegisterGinRoutes(r gin.IRouter) {
	r.POST("/channels/direct", c.GinHandleCreateDirectChannel)
	r.GET("/channels", c.GinHandleListChannels)
	r.POST("/channels/:id/join", c.GinHandleJoinChannel)
	r.POST("/channels/:id/leave", c.GinHandleLeaveChannel)
	r.POST("/channels/:id/hide", c.GinHandleHideChannel)
	r.GET("/channels/:id/users", c.GinHandleChannelUsers)

	r.GET("/channels/:id/events", c.GinHandleFetchEvents)
	r.POST("/channels/:id/events", c.GinHandleSendEvent)
	r.PUT("/events/:id", c.GinHandleEditEvent)
	r.POST("/events/:id/reactions", c.GinHandleAddReaction)
	r.DELETE("/events/:id/reactions", c.GinHandleRemoveReaction)

	r.GET("/notifications", c.GinHandleNotificationCounts)
	r.POST("/channels/:id/read", c.GinHandleMarkRead)
	r.POST("/forced-joins", c.GinHandleEnforceForcedJoins)
}

// requestIdentity 从 gin 上下文取鉴权中间件注入的身份；
// 缺失时直接写 401 并返回 false。
func requestIdentity(ctx *gin.Context) (worldID, userID uint64, ok bool) {
	w, exists := ctx.Get("world_id")
	if !exists {
		ctx.JSON(http.StatusUnauthorized, response.Error(response.CodePermissionDeny, "world_id not found"))
		return 0, 0, false
	}
	u, exists := ctx.Get("user_id")
	if !exists {
		ctx.JSON(http.StatusUnauthorized, response.Error(response.CodePermissionDeny, "user_id not found"))
		return 0, 0, false
	}
	return w.(uint64), u.(uint64), true
}

// pathID 解析路径里的 :id
func pathID(ctx *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || id == 0 {
		ctx.JSON(http.StatusBadRequest, response.Error(response.CodeParamError, "invalid id"))
		return 0, false
	}
	return id, true
}
