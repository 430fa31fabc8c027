package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/venuekit/chat-backbone/cons"
	"github.com/venuekit/chat-backbone/models"
	"github.com/venuekit/chat-backbone/repository"
)

// ChannelListItem 频道列表项（客户端未读角标的数据来源）
type ChannelListItem struct {
	ID            uint64                 `json:"id"`
	UnreadPointer uint64                 `json:"unread_pointer"` // 频道内最后一条相关事件 id（不含成员变更）
	Members       []models.PublicProfile `json:"members,omitempty"` // 仅 direct 频道携带
}

// ChannelService 频道与成员管理
type ChannelService struct {
	*Service
	membershipDAO *repository.MembershipDAO
	userDAO       *models.UserDAO
	eventDAO      *models.ChatEventDAO
}

func NewChannelService(s *Service) *ChannelService {
	return &ChannelService{
		Service:       s,
		membershipDAO: repository.NewMembershipDAO(s.DB),
		userDAO:       models.NewUserDAO(s.DB),
		eventDAO:      models.NewChatEventDAO(s.DB),
	}
}

// GetChannel 取频道（带房间）；房间已删除的频道视为不存在
func (s *ChannelService) GetChannel(worldID, channelID uint64) (*models.Channel, error) {
	var c models.Channel
	err := s.DB.Model(&models.Channel{}).
		Preload("Room").
		Where("id = ? AND world_id = ?", channelID, worldID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Room != nil && c.Room.Deleted {
		return nil, nil
	}
	return &c, nil
}

// GetOrCreateDirectChannel 取或建私聊/群聊频道。
//
// 全部校验失败都返回 (nil, false, nil, nil)，属于正常的"没有资格"结果：
// - 有用户不在租户内 / 有效用户少于 2 个
// - 参与者之间存在拉黑关系（任意方向）
// - 有参与者已注销，或是 kiosk/匿名账号
//
// 查重与创建在同一事务里（存在性检查 + 建行必须原子）。精确集合匹配
// 防止给同一批人重复建频道，也绝不会把恰好有交集的不同群合并。
func (s *ChannelService) GetOrCreateDirectChannel(
	worldID uint64,
	userIDs []uint64,
	hide bool,
	hideExcept uint64,
) (channel *models.Channel, created bool, users []models.User, err error) {
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		userDAO := s.userDAO.WithDB(tx)
		membershipDAO := s.membershipDAO.WithDB(tx)

		users, err = userDAO.FindInWorld(worldID, userIDs)
		if err != nil {
			return err
		}
		if len(users) != len(userIDs) || len(users) < 2 {
			users = nil
			return nil
		}
		for _, u := range users {
			if u.Deleted || u.Type == models.UserTypeKiosk || u.Type == models.UserTypeAnonymous {
				users = nil
				return nil
			}
		}
		blocks, err := userDAO.ListBlockedPairs(userIDs)
		if err != nil {
			return err
		}
		if len(blocks) > 0 {
			users = nil
			return nil
		}

		channel, err = membershipDAO.FindExactDirectChannel(worldID, userIDs)
		if err != nil {
			return err
		}
		if channel != nil {
			return nil
		}

		now := time.Now()
		channel = &models.Channel{WorldID: worldID, CreatedAt: now, UpdatedAt: now}
		if err := tx.Create(channel).Error; err != nil {
			return err
		}
		memberships := make([]models.Membership, 0, len(users))
		for _, u := range users {
			memberships = append(memberships, models.Membership{
				ChannelID: channel.ID,
				UserID:    u.ID,
				Volatile:  false,
				Hidden:    hide && u.ID != hideExcept,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if err := tx.Create(&memberships).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, nil, err
	}
	return channel, created, users, nil
}

// AddChannelUser 加入频道（幂等）。返回 created 表示本次是新建的成员关系；
// 已有 volatile 成员收到非 volatile 加入时只清标志。
func (s *ChannelService) AddChannelUser(channelID, userID uint64, volatile bool) (bool, error) {
	var created bool
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		_, created, err = s.membershipDAO.WithDB(tx).GetOrCreate(channelID, userID, volatile)
		return err
	})
	return created, err
}

// RemoveChannelUser 退出频道（直接删行）
func (s *ChannelService) RemoveChannelUser(channelID, userID uint64) error {
	return s.membershipDAO.Delete(channelID, userID)
}

// HideChannelUser 把频道从用户列表里藏起来（不退出）
func (s *ChannelService) HideChannelUser(channelID, userID uint64) error {
	return s.membershipDAO.SetHidden(channelID, userID, true)
}

// ShowChannelToHiddenUsers 新消息到来时把频道重新亮给所有藏过它的成员，
// 返回受影响的用户（调用方据此刷新他们的频道列表）。
func (s *ChannelService) ShowChannelToHiddenUsers(channelID uint64) ([]models.User, error) {
	var users []models.User
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		dao := s.membershipDAO.WithDB(tx)
		var err error
		users, err = dao.ListHiddenUsers(channelID)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}
		return dao.ClearHidden(channelID)
	})
	return users, err
}

// MembershipIsVolatile 查成员是否 volatile（无成员关系视为 false）
func (s *ChannelService) MembershipIsVolatile(channelID, userID uint64) (bool, error) {
	return s.membershipDAO.IsVolatile(channelID, userID)
}

// GetChannelsForUser 用户的频道列表。
// unread_pointer = 频道内最大的非成员变更事件 id。
// isVolatile 传 nil 表示不按 volatile 过滤（保留的默认行为，有测试盯着）；
// isHidden 常规调用传 false，只看没被藏起来的频道。
func (s *ChannelService) GetChannelsForUser(world *models.World, userID uint64, isVolatile, isHidden *bool) ([]ChannelListItem, error) {
	memberships, err := s.membershipDAO.ListByUser(world.ID, userID, isVolatile, isHidden)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return []ChannelListItem{}, nil
	}

	channelIDs := make([]uint64, 0, len(memberships))
	directIDs := make([]uint64, 0)
	for _, m := range memberships {
		channelIDs = append(channelIDs, m.ChannelID)
		if m.Channel.RoomID == nil {
			directIDs = append(directIDs, m.ChannelID)
		}
	}

	// 未读指针：一次分组查询拿全部频道的最大非成员事件 id
	type maxRow struct {
		ChannelID uint64
		M         uint64
	}
	var maxRows []maxRow
	err = s.DB.Model(&models.ChatEvent{}).
		Select("channel_id, MAX(id) AS m").
		Where("channel_id IN ? AND event_type <> ?", channelIDs, cons.EventChannelMember).
		Group("channel_id").
		Scan(&maxRows).Error
	if err != nil {
		return nil, err
	}
	pointerByChannel := make(map[uint64]uint64, len(maxRows))
	for _, r := range maxRows {
		pointerByChannel[r.ChannelID] = r.M
	}

	// direct 频道要附带成员公开资料
	membersByChannel := make(map[uint64][]models.PublicProfile)
	if len(directIDs) > 0 {
		var rows []models.Membership
		err = s.DB.Model(&models.Membership{}).
			Preload("User").
			Where("channel_id IN ?", directIDs).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		badges := world.TraitBadgesMap()
		for _, r := range rows {
			membersByChannel[r.ChannelID] = append(membersByChannel[r.ChannelID], r.User.SerializePublic(false, badges))
		}
	}

	out := make([]ChannelListItem, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, ChannelListItem{
			ID:            m.ChannelID,
			UnreadPointer: pointerByChannel[m.ChannelID],
			Members:       membersByChannel[m.ChannelID],
		})
	}
	return out, nil
}

// GetChannelUsers 频道全部成员的公开资料
func (s *ChannelService) GetChannelUsers(world *models.World, channelID uint64, includeAdminInfo bool) ([]models.PublicProfile, error) {
	memberships, err := s.membershipDAO.ListChannelMembers(channelID)
	if err != nil {
		return nil, err
	}
	badges := world.TraitBadgesMap()
	out := make([]models.PublicProfile, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, m.User.SerializePublic(includeAdminInfo, badges))
	}
	return out, nil
}

// FilterMentions 过滤被 @ 的用户：默认只留频道成员；
// includeAllPermitted 时改为留所有对房间有读权限的用户（权限判定器放行的）。
func (s *ChannelService) FilterMentions(ctx context.Context, channel *models.Channel, uids []string, includeAllPermitted bool) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(uids) == 0 {
		return out, nil
	}

	if includeAllPermitted {
		var users []models.User
		if err := s.DB.Model(&models.User{}).Where("uid IN ?", uids).Find(&users).Error; err != nil {
			return nil, err
		}
		var roomID uint64
		if channel.RoomID != nil {
			roomID = *channel.RoomID
		}
		for _, u := range users {
			if s.PermissionOracle != nil {
				ok, err := s.PermissionOracle(ctx, u.ID, cons.PermissionRoomChatRead, roomID)
				if err != nil || !ok {
					continue
				}
			}
			out[u.UID] = struct{}{}
		}
		return out, nil
	}

	membershipTable := models.Membership{}.TableName()
	userTable := models.User{}.TableName()
	var hit []string
	err := s.DB.Model(&models.Membership{}).
		Select("u.uid").
		Joins("JOIN "+userTable+" u ON u.id = "+membershipTable+".user_id").
		Where(membershipTable+".channel_id = ? AND u.uid IN ?", channel.ID, uids).
		Pluck("u.uid", &hit).Error
	if err != nil {
		return nil, err
	}
	for _, uid := range hit {
		out[uid] = struct{}{}
	}
	return out, nil
}

// BroadcastChannelList 把用户最新的频道列表推给其全部在线连接
func (s *ChannelService) BroadcastChannelList(world *models.World, userID uint64) {
	if s.UserNotifier == nil {
		return
	}
	volatile, hidden := false, false
	channels, err := s.GetChannelsForUser(world, userID, &volatile, &hidden)
	if err != nil {
		log.Printf("BroadcastChannelList: %v", err)
		return
	}
	frame := map[string]any{
		"type":     cons.WsTypeChannelList,
		"channels": channels,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.UserNotifier(userID, b)
}
