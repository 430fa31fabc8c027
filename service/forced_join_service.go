package service

import (
	"context"
	"encoding/json"
	"log"

	"github.com/venuekit/chat-backbone/cons"
	"github.com/venuekit/chat-backbone/message"
	"github.com/venuekit/chat-backbone/models"
	"github.com/venuekit/chat-backbone/repository"
)

// ForcedJoinService 强制入频道：force_join 房间里符合条件的用户自动加入，
// 并补发一条合成的 channel.member 事件。
type ForcedJoinService struct {
	*Service
	channels      *ChannelService
	events        *EventService
	subscriptions *SubscriptionService
	membershipDAO *repository.MembershipDAO
}

func NewForcedJoinService(s *Service, channels *ChannelService, events *EventService, subs *SubscriptionService) *ForcedJoinService {
	return &ForcedJoinService{
		Service:       s,
		channels:      channels,
		events:        events,
		subscriptions: subs,
		membershipDAO: repository.NewMembershipDAO(s.DB),
	}
}

// EnforceForcedJoins 对单个用户执行强制入频道。
//
// 幂等：已经是非 volatile 成员的频道不会被选出来；即使并发选出来了，
// AddChannelUser 也只在真正新建成员关系时才补发 join 事件。
// 权限判定不通过的频道静默跳过，不算失败。
// 未完成资料设置（没有展示名）的用户直接返回。
func (s *ForcedJoinService) EnforceForcedJoins(ctx context.Context, world *models.World, user *models.User) error {
	if user.ProfileName == "" {
		return nil
	}

	channels, err := s.membershipDAO.ListForcedJoinChannels(world.ID, user.ID)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}

	badges := world.TraitBadgesMap()

	for i := range channels {
		channel := &channels[i]

		if s.PermissionOracle != nil && channel.RoomID != nil {
			ok, err := s.PermissionOracle(ctx, user.ID, cons.PermissionRoomChatJoin, *channel.RoomID)
			if err != nil {
				log.Printf("EnforceForcedJoins: permission check failed for channel %d: %v", channel.ID, err)
				continue
			}
			if !ok {
				continue
			}
		}

		created, err := s.channels.AddChannelUser(channel.ID, user.ID, false)
		if err != nil {
			return err
		}
		if !created {
			continue
		}

		content := message.Member(cons.MembershipJoin, user.SerializePublic(false, badges))
		evt, err := s.events.CreateEvent(ctx, world, channel, cons.EventChannelMember, content, user.ID, nil)
		if err != nil {
			return err
		}

		s.fanOutEvent(channel.ID, evt)
		s.channels.BroadcastChannelList(world, user.ID)

		if err := s.subscriptions.MarkUnreadNotify(ctx, channel.ID, user.ID); err != nil {
			log.Printf("EnforceForcedJoins: mark unread notify failed: %v", err)
		}
	}
	return nil
}

// fanOutEvent 把事件广播到频道组（尽力而为，失败不影响主流程）
func (s *ForcedJoinService) fanOutEvent(channelID uint64, evt *EventDTO) {
	if s.GroupNotifier == nil || evt == nil {
		return
	}
	frame := map[string]any{
		"type":  cons.WsTypeChatEvent,
		"event": evt,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.GroupNotifier(ChannelGroup(channelID), b)
}
