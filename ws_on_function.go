package chat_backbone

import (
	"context"
	"encoding/json"
	"log"

	"github.com/venuekit/chat-backbone/cons"
	"github.com/venuekit/chat-backbone/message"
	"github.com/venuekit/chat-backbone/models"
	"github.com/venuekit/chat-backbone/service"
)

// WS 上行帧分发从 engine.go 抽出来，避免 engine.go 臃肿。
// 说明：放在包根目录（同 WsServer/engine.go 同级），
// 这样可以直接访问 Instance 与 Client 类型，避免 service 层循环依赖。

// wsReply 给单个连接回帧（连接写缓冲满则丢弃）
func wsReply(client *Client, frame any) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case client.send <- b:
	default:
	}
}

func wsError(client *Client, msg, packetID string) {
	wsReply(client, map[string]any{
		"type":      "error",
		"message":   msg,
		"packet_id": packetID,
	})
}

func (c *ChatEngine) onWsMessage(client *Client, msg []byte) {
	if client == nil {
		return
	}
	var typeProbe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &typeProbe); err != nil {
		log.Printf("Invalid message format: %v", err)
		return
	}

	ctx := context.Background()

	switch typeProbe.Type {
	case cons.WsTypeSend:
		var req message.SendReq
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		c.handleWsSend(ctx, client, &req)

	case cons.WsTypeSubscribe:
		var req message.SubscribeReq
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		c.handleWsSubscribe(ctx, client, req.ChannelID)

	case cons.WsTypeUnsubscribe:
		var req message.SubscribeReq
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		c.handleWsUnsubscribe(ctx, client, req.ChannelID)

	case cons.WsTypeReadAck:
		var ack message.ReadAckReq
		if err := json.Unmarshal(msg, &ack); err != nil {
			return
		}
		c.handleWsReadAck(client, &ack)

	default:
		wsError(client, "unknown message type", "")
	}
}

// handleWsSend 发送消息：成员/权限校验后走统一的 PostEvent 流程
func (c *ChatEngine) handleWsSend(ctx context.Context, client *Client, req *message.SendReq) {
	if req.ChannelID == 0 {
		wsError(client, "channel_id required", req.PacketID)
		return
	}
	if req.Content.Type != message.ContentTypeText && req.Content.Type != message.ContentTypeCall {
		wsError(client, "unsupported content type", req.PacketID)
		return
	}

	world, channel, err := c.resolveChannel(client.WorldID, req.ChannelID)
	if err != nil {
		log.Printf("handleWsSend: %v", err)
		return
	}
	if channel == nil {
		wsError(client, "channel not found", req.PacketID)
		return
	}

	ok, err := c.canSend(ctx, client.UserID, channel)
	if err != nil {
		log.Printf("handleWsSend: permission check failed: %v", err)
		return
	}
	if !ok {
		wsError(client, "not a member of this channel", req.PacketID)
		return
	}

	evt, err := c.PostEvent(ctx, world, channel, cons.EventChannelMessage, req.Content, client.UserID, nil)
	if err != nil {
		log.Printf("handleWsSend: post event failed: %v", err)
		wsError(client, "message could not be stored", req.PacketID)
		return
	}
	wsReply(client, map[string]any{
		"type":      "chat.ack",
		"packet_id": req.PacketID,
		"event":     evt,
	})
}

// handleWsSubscribe 订阅频道：房间频道要求 room.chat.read 权限，
// direct 频道要求已是成员。成功后回执携带 next_event_id，供客户端拉历史。
func (c *ChatEngine) handleWsSubscribe(ctx context.Context, client *Client, channelID uint64) {
	world, channel, err := c.resolveChannel(client.WorldID, channelID)
	if err != nil {
		log.Printf("handleWsSubscribe: %v", err)
		return
	}
	if channel == nil {
		wsError(client, "channel not found", "")
		return
	}

	if channel.RoomID != nil {
		if c.config.PermissionOracle != nil {
			ok, err := c.config.PermissionOracle(ctx, client.UserID, cons.PermissionRoomChatRead, *channel.RoomID)
			if err != nil {
				log.Printf("handleWsSubscribe: permission check failed: %v", err)
				return
			}
			if !ok {
				wsError(client, "permission denied", "")
				return
			}
		}
	} else {
		member, err := c.membershipDAO.Exists(channelID, client.UserID)
		if err != nil {
			log.Printf("handleWsSubscribe: %v", err)
			return
		}
		if !member {
			wsError(client, "not a member of this channel", "")
			return
		}
	}

	c.WsServer.Subscribe(client, service.ChannelGroup(channelID))
	if err := c.SubscriptionService.Track(ctx, client.UserID, channelID, client.SocketID); err != nil {
		log.Printf("handleWsSubscribe: track failed: %v", err)
	}

	lastID, err := c.EventService.GetLastID(ctx, world.ID)
	if err != nil {
		log.Printf("handleWsSubscribe: last id lookup failed: %v", err)
		lastID = 0
	}
	// 频道内最后一条"真消息"的 id，客户端对照已读指针渲染未读角标
	pointer, err := c.EventService.GetHighestNonMemberIDInChannel(channelID)
	if err != nil {
		log.Printf("handleWsSubscribe: unread pointer lookup failed: %v", err)
	}
	wsReply(client, map[string]any{
		"type":           "chat.subscribed",
		"channel_id":     channelID,
		"next_event_id":  lastID + 1,
		"unread_pointer": pointer,
	})
}

func (c *ChatEngine) handleWsUnsubscribe(ctx context.Context, client *Client, channelID uint64) {
	c.WsServer.Unsubscribe(client, service.ChannelGroup(channelID))
	remaining, err := c.SubscriptionService.Untrack(ctx, client.UserID, channelID, client.SocketID)
	if err != nil {
		log.Printf("handleWsUnsubscribe: untrack failed: %v", err)
		return
	}
	if remaining == 0 {
		c.leaveIfVolatile(ctx, client.WorldID, client.UserID, channelID)
	}
}

// handleWsReadAck 已读回执：清掉频道内 <= last_read_event_id 的未读，
// 指针真的动了才把新指针同步给该用户的全部连接（多设备对齐）。
func (c *ChatEngine) handleWsReadAck(client *Client, ack *message.ReadAckReq) {
	if ack.ChannelID == 0 || ack.LastReadEventID == 0 {
		return
	}
	moved, err := c.NotificationService.RemoveNotifications(client.WorldID, client.UserID, ack.ChannelID, ack.LastReadEventID)
	if err != nil {
		log.Printf("handleWsReadAck: %v", err)
		return
	}
	if !moved {
		return
	}
	// 读完重新武装：频道下次变为未读时推提醒
	if err := c.SubscriptionService.MarkUnreadNotify(context.Background(), ack.ChannelID, client.UserID); err != nil {
		log.Printf("handleWsReadAck: mark unread notify failed: %v", err)
	}
	b, err := json.Marshal(map[string]any{
		"type":       cons.WsTypeReadPointer,
		"channel_id": ack.ChannelID,
		"id":         ack.LastReadEventID,
	})
	if err != nil {
		return
	}
	c.WsServer.SendToUser(client.UserID, b)
}

// onWsDisconnect 连接断开：逐频道退订；该用户最后一个 socket 离开且成员是
// volatile 的，视为临时访客离场，删成员并补发 leave 事件。
func (c *ChatEngine) onWsDisconnect(client *Client, groups []string) {
	ctx := context.Background()
	for _, g := range groups {
		channelID, ok := channelFromGroup(g)
		if !ok {
			continue
		}
		remaining, err := c.SubscriptionService.Untrack(ctx, client.UserID, channelID, client.SocketID)
		if err != nil {
			log.Printf("onWsDisconnect: untrack failed: %v", err)
			continue
		}
		if remaining == 0 {
			c.leaveIfVolatile(ctx, client.WorldID, client.UserID, channelID)
		}
	}
}

// leaveIfVolatile volatile 成员离场清理（尽力而为）
func (c *ChatEngine) leaveIfVolatile(ctx context.Context, worldID, userID, channelID uint64) {
	volatile, err := c.ChannelService.MembershipIsVolatile(channelID, userID)
	if err != nil || !volatile {
		if err != nil {
			log.Printf("leaveIfVolatile: %v", err)
		}
		return
	}

	world, err := c.GetWorld(worldID)
	if err != nil || world == nil {
		return
	}
	user, err := c.GetUser(worldID, userID)
	if err != nil || user == nil {
		return
	}
	channel, err := c.ChannelService.GetChannel(worldID, channelID)
	if err != nil || channel == nil {
		return
	}

	if err := c.ChannelService.RemoveChannelUser(channelID, userID); err != nil {
		log.Printf("leaveIfVolatile: remove failed: %v", err)
		return
	}
	content := message.Member(cons.MembershipLeave, user.SerializePublic(false, world.TraitBadgesMap()))
	if _, err := c.PostEvent(ctx, world, channel, cons.EventChannelMember, content, userID, nil); err != nil {
		log.Printf("leaveIfVolatile: leave event failed: %v", err)
	}
}

// resolveChannel 取租户 + 频道（频道不存在时 channel 为 nil）
func (c *ChatEngine) resolveChannel(worldID, channelID uint64) (*models.World, *models.Channel, error) {
	world, err := c.GetWorld(worldID)
	if err != nil {
		return nil, nil, err
	}
	if world == nil {
		return nil, nil, nil
	}
	channel, err := c.ChannelService.GetChannel(worldID, channelID)
	if err != nil {
		return nil, nil, err
	}
	return world, channel, nil
}

// canSend 发消息资格：direct 频道要求成员关系；房间频道要求
// room.chat.read 权限（与订阅一致，读写同权）。
func (c *ChatEngine) canSend(ctx context.Context, userID uint64, channel *models.Channel) (bool, error) {
	if channel.RoomID == nil {
		return c.membershipDAO.Exists(channel.ID, userID)
	}
	if c.config.PermissionOracle == nil {
		return true, nil
	}
	return c.config.PermissionOracle(ctx, userID, cons.PermissionRoomChatRead, *channel.RoomID)
}
