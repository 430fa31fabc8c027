package chat_backbone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"gorm.io/gorm"

	"github.com/venuekit/chat-backbone/cons"
	"github.com/venuekit/chat-backbone/message"
	model "github.com/venuekit/chat-backbone/models"
	"github.com/venuekit/chat-backbone/repository"
	"github.com/venuekit/chat-backbone/service"
)

type ChatEngine struct {
	config *Config

	ChannelService      *service.ChannelService
	EventService        *service.EventService
	ReactionService     *service.ReactionService
	NotificationService *service.NotificationService
	SubscriptionService *service.SubscriptionService
	ForcedJoinService   *service.ForcedJoinService
	WsServer            *WsServer

	membershipDAO *repository.MembershipDAO
	eventDAO      *model.ChatEventDAO
	userDAO       *model.UserDAO
}

var (
	Instance *ChatEngine
	once     sync.Once
)

// NewEngine 创建实例
// 使用选项模式传入配置，Option回调
func NewEngine(opts ...Option) *ChatEngine {
	once.Do(func() {
		c := &Config{
			TablePrefix: "chat_", // Default
		}
		for _, opt := range opts {
			opt(c)
		}

		Instance = &ChatEngine{config: c}

		// 初始化 WS
		Instance.WsServer = NewWsServer()
		go Instance.WsServer.Run()

		// 初始化基础 Service，注入投递回调与外部能力
		baseService := &service.Service{
			DB:               c.DB,
			RDB:              c.RDB,
			TablePrefix:      c.TablePrefix,
			GroupNotifier:    Instance.WsServer.GroupSend,
			UserNotifier:     Instance.WsServer.SendToUser,
			PermissionOracle: c.PermissionOracle,
			CallChooser:      c.CallChooser,
			Sequencer:        service.NewRedisSequencer(c.RDB),
		}

		// 初始化各个 Service
		Instance.ChannelService = service.NewChannelService(baseService)
		Instance.EventService = service.NewEventService(baseService)
		Instance.ReactionService = service.NewReactionService(baseService)
		Instance.NotificationService = service.NewNotificationService(baseService)
		Instance.SubscriptionService = service.NewSubscriptionService(c.RDB)
		Instance.ForcedJoinService = service.NewForcedJoinService(
			baseService,
			Instance.ChannelService,
			Instance.EventService,
			Instance.SubscriptionService,
		)
		Instance.membershipDAO = repository.NewMembershipDAO(c.DB)
		Instance.eventDAO = model.NewChatEventDAO(c.DB)
		Instance.userDAO = model.NewUserDAO(c.DB)

		// 迁移表
		if err := Instance.AutoMigrate(); err != nil {
			log.Printf("AutoMigrate failed: %v", err)
		}

		// 上行帧分发（chat.send / chat.subscribe / chat.read_ack ...）
		Instance.WsServer.onMessage = Instance.onWsMessage

		// 连接断开时清理订阅追踪（最后一个 socket 走后该用户视为离开频道）
		Instance.WsServer.onDisconnect = Instance.onWsDisconnect
	})

	return Instance
}

func (c *ChatEngine) AutoMigrate() error {
	db := c.config.DB
	log.Println("AutoMigrate...")
	return db.AutoMigrate(
		&model.World{},
		&model.User{},
		&model.UserBlock{},
		&model.Room{},
		&model.Channel{},
		&model.Membership{},
		&model.ChatEvent{},
		&model.ChatEventReaction{},
		&model.ChatEventNotification{},
		&model.Call{},
		&model.AuditLog{},
	)
}

// GetWorld 取租户
func (c *ChatEngine) GetWorld(worldID uint64) (*model.World, error) {
	var w model.World
	if err := c.config.DB.First(&w, worldID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// GetUser 取租户内用户（注销用户视为不存在）
func (c *ChatEngine) GetUser(worldID, userID uint64) (*model.User, error) {
	var u model.User
	err := c.config.DB.
		Where("id = ? AND world_id = ? AND deleted = ?", userID, worldID, false).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PostEvent 发事件的统一入口（WS 和 HTTP 共用）：
// 落库取号 → 频道组广播 → 把频道重新亮给藏过它的成员 → 给非临时成员记未读。
// 广播和未读属于尽力而为，失败只记日志，不回滚事件。
func (c *ChatEngine) PostEvent(
	ctx context.Context,
	world *model.World,
	channel *model.Channel,
	eventType string,
	content message.Content,
	senderID uint64,
	replaces *uint64,
) (*service.EventDTO, error) {
	evt, err := c.EventService.CreateEvent(ctx, world, channel, eventType, content, senderID, replaces)
	if err != nil {
		return nil, err
	}

	c.fanOutEvent(channel.ID, evt)

	// direct 频道：新消息把频道重新点亮给藏过它的成员
	if channel.RoomID == nil {
		users, err := c.ChannelService.ShowChannelToHiddenUsers(channel.ID)
		if err != nil {
			log.Printf("PostEvent: show hidden users failed: %v", err)
		}
		for i := range users {
			c.ChannelService.BroadcastChannelList(world, users[i].ID)
		}
	}

	// 记未读：direct 频道给全部正式成员；房间频道只给被 @ 且有权限的用户
	recipients, err := c.eventRecipients(ctx, world, channel, eventType, content, senderID)
	if err != nil {
		log.Printf("PostEvent: resolve recipients failed: %v", err)
		return evt, nil
	}
	if len(recipients) > 0 {
		if err := c.NotificationService.StoreNotification(world.ID, evt.ID, channel.ID, recipients); err != nil {
			log.Printf("PostEvent: store notifications failed: %v", err)
		}
	}

	// 把"频道再次变为未读时提醒我"的用户取出来推一把（已读回执时重新武装）
	armed, err := c.SubscriptionService.TakeUnreadNotify(ctx, channel.ID)
	if err == nil && len(armed) > 0 {
		b, merr := json.Marshal(map[string]any{
			"type":       cons.WsTypeUnreadPointers,
			"channel_id": channel.ID,
			"event_id":   evt.ID,
		})
		if merr == nil {
			for _, uid := range armed {
				if uid != senderID {
					c.WsServer.SendToUser(uid, b)
				}
			}
		}
	}
	return evt, nil
}

// eventRecipients 该事件要给谁记未读。
// direct 频道：除发送者外的全部非临时成员；
// 房间频道：消息正文里被 @ 且通过权限判定的用户。
// 正在盯着频道的用户（有活跃订阅 socket）不记——他们马上就会看到。
func (c *ChatEngine) eventRecipients(
	ctx context.Context,
	world *model.World,
	channel *model.Channel,
	eventType string,
	content message.Content,
	senderID uint64,
) ([]uint64, error) {
	var candidates []uint64

	if channel.RoomID == nil {
		members, err := c.membershipDAO.ListChannelMembers(channel.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if m.Volatile || m.UserID == senderID {
				continue
			}
			candidates = append(candidates, m.UserID)
		}
	} else {
		if eventType != cons.EventChannelMessage {
			return nil, nil
		}
		body := content.TextBody()
		if body == "" {
			return nil, nil
		}
		mentioned := service.ExtractMentionedUIDs(body)
		if len(mentioned) == 0 {
			return nil, nil
		}
		uids := make([]string, 0, len(mentioned))
		for uid := range mentioned {
			uids = append(uids, uid)
		}
		permitted, err := c.ChannelService.FilterMentions(ctx, channel, uids, true)
		if err != nil {
			return nil, err
		}
		if len(permitted) == 0 {
			return nil, nil
		}
		kept := make([]string, 0, len(permitted))
		for uid := range permitted {
			kept = append(kept, uid)
		}
		users, err := c.userDAO.FindByUIDs(world.ID, kept)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.ID != senderID {
				candidates = append(candidates, u.ID)
			}
		}
	}

	recipients := candidates[:0]
	for _, uid := range candidates {
		if sockets, err := c.SubscriptionService.Sockets(ctx, uid, channel.ID); err == nil && len(sockets) > 0 {
			continue
		}
		recipients = append(recipients, uid)
	}
	return recipients, nil
}

func (c *ChatEngine) fanOutEvent(channelID uint64, evt *service.EventDTO) {
	frame := map[string]any{
		"type":  cons.WsTypeChatEvent,
		"event": evt,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.WsServer.GroupSend(service.ChannelGroup(channelID), b)
}

// channelFromGroup 从广播组 key 反解频道 id
func channelFromGroup(groupKey string) (uint64, bool) {
	var id uint64
	if _, err := fmt.Sscanf(groupKey, "chat:%d", &id); err != nil {
		return 0, false
	}
	return id, true
}

// ServeWS 处理 WebSocket 请求，需要传入已经鉴权过的 worldID 和 userID
func (c *ChatEngine) ServeWS(w http.ResponseWriter, r *http.Request, worldID, userID uint64) {
	c.WsServer.ServeWS(w, r, worldID, userID)
}

// HandleWS 返回 WebSocket 的Handler
func (c *ChatEngine) HandleWS(worldID, userID uint64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.WsServer.ServeWS(w, r, worldID, userID)
	}
}
