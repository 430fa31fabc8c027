package service

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/venuekit/chat-backbone/cons"
	"github.com/venuekit/chat-backbone/message"
	"github.com/venuekit/chat-backbone/models"
)

var mentionRE = regexp.MustCompile(
	`@([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`,
)

// ExtractMentionedUIDs 从文本消息正文提取被 @ 的用户 UID 集合
func ExtractMentionedUIDs(body string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range mentionRE.FindAllStringSubmatch(body, -1) {
		out[m[1]] = struct{}{}
	}
	return out
}

// EventDTO 事件数据传输对象（可直接下发给客户端）
type EventDTO struct {
	ID         uint64              `json:"event_id"`
	WorldID    uint64              `json:"world_id"`
	ChannelID  uint64              `json:"channel_id"`
	EventType  string              `json:"event_type"`
	Content    datatypes.JSON      `json:"content,omitempty"`
	SenderID   uint64              `json:"sender_id"`
	ReplacesID *uint64             `json:"replaces,omitempty"`
	EditedAt   *time.Time          `json:"edited,omitempty"`
	Reactions  map[string][]uint64 `json:"reactions"` // reaction -> 回应者 id 列表
	CreatedAt  time.Time           `json:"timestamp"`
}

func toEventDTO(evt *models.ChatEvent, reactions []models.ChatEventReaction) *EventDTO {
	if evt == nil {
		return nil
	}
	rmap := make(map[string][]uint64)
	for _, r := range reactions {
		rmap[r.Reaction] = append(rmap[r.Reaction], r.SenderID)
	}
	return &EventDTO{
		ID:         evt.ID,
		WorldID:    evt.WorldID,
		ChannelID:  evt.ChannelID,
		EventType:  evt.EventType,
		Content:    evt.Content,
		SenderID:   evt.SenderID,
		ReplacesID: evt.ReplacesID,
		EditedAt:   evt.EditedAt,
		Reactions:  rmap,
		CreatedAt:  evt.CreatedAt,
	}
}

// EventService 事件排序服务：从计数器拿 id，写穿到事件日志，两边失配时自愈。
type EventService struct {
	*Service
	eventDAO *models.ChatEventDAO
	userDAO  *models.UserDAO
}

func NewEventService(s *Service) *EventService {
	return &EventService{Service: s, eventDAO: models.NewChatEventDAO(s.DB), userDAO: models.NewUserDAO(s.DB)}
}

// createAttempts 分配→落库的最大尝试次数。第二次仍冲突说明计数器和日志
// 持续失配，必须致命失败而不是无限重试。
const createAttempts = 2

// CreateEvent 分配事件 id 并落库。
//
// 流程：
//  1. 计数器 INCR 拿候选 id；候选 id 低于水位线（计数器刚被清空）时，
//     用日志最大 id 重算下限后重新取号；
//  2. call 类内容在落库前解析出通话后端（见 resolveCallContent）；
//  3. 按候选 id 插入；主键冲突说明计数器落后于日志（故障切换后常见），
//     重算下限后整体重试一次；再冲突返回 ErrSequenceDiverged。
func (s *EventService) CreateEvent(
	ctx context.Context,
	world *models.World,
	channel *models.Channel,
	eventType string,
	content message.Content,
	senderID uint64,
	replaces *uint64,
) (*EventDTO, error) {
	resolved, err := s.resolveCallContent(world, content)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := s.Sequencer.Increment(ctx, world.ID)
		if err != nil {
			return nil, err
		}
		if id < 2 {
			// 计数器疑似被清空，从日志重算下限后重新取号
			if err := s.healFromLog(ctx, world.ID); err != nil {
				return nil, err
			}
			if id, err = s.Sequencer.Increment(ctx, world.ID); err != nil {
				return nil, err
			}
		}

		evt := &models.ChatEvent{
			WorldID:    world.ID,
			ID:         id,
			ChannelID:  channel.ID,
			EventType:  eventType,
			Content:    datatypes.JSON(raw),
			SenderID:   senderID,
			ReplacesID: replaces,
			CreatedAt:  time.Now(),
		}
		err = s.eventDAO.Create(evt)
		if err == nil {
			return toEventDTO(evt, nil), nil
		}
		if !models.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// id 已被占用：计数器落后于日志，自愈后整体重试一次
		if err := s.healFromLog(ctx, world.ID); err != nil {
			return nil, err
		}
	}
	return nil, ErrSequenceDiverged
}

// healFromLog 用事件日志的最大 id 把计数器抬回来。
// 并发调用者同时发现失配时重复执行无害（SetIfFloor 只升不降）。
func (s *EventService) healFromLog(ctx context.Context, worldID uint64) error {
	maxID, err := s.eventDAO.MaxID(worldID)
	if err != nil {
		return err
	}
	return s.Sequencer.SetIfFloor(ctx, worldID, maxID)
}

// GetLastID 廉价读最新事件 id：优先计数器，计数器丢失时回落到日志扫描
func (s *EventService) GetLastID(ctx context.Context, worldID uint64) (uint64, error) {
	v, ok, err := s.Sequencer.Current(ctx, worldID)
	if err != nil {
		return 0, err
	}
	if ok {
		return v, nil
	}
	return s.eventDAO.MaxID(worldID)
}

// resolveCallContent 落库前解析通话后端。
// janus 开关打开时由客户端自行协商；否则创建 Call 记录并把 id 回填进内容。
// 这是存储这一条事件的本地副作用，与 id 分配无关，单独可测。
func (s *EventService) resolveCallContent(world *models.World, content message.Content) (message.Content, error) {
	if content.Type != message.ContentTypeCall {
		return content, nil
	}
	if world.HasFeatureFlag("janus") {
		return content.WithCallBody(message.CallBody{Type: message.CallTypeJanus}), nil
	}
	var server string
	if s.CallChooser != nil {
		var err error
		if server, err = s.CallChooser(world.ID); err != nil {
			return content, err
		}
	}
	call := &models.Call{ID: uuid.New().String(), WorldID: world.ID, Server: server, CreatedAt: time.Now()}
	if err := s.DB.Create(call).Error; err != nil {
		return content, err
	}
	return content.WithCallBody(message.CallBody{ID: call.ID, Type: message.CallTypeBBB}), nil
}

// GetEvent 取单条事件（带当前回应）
func (s *EventService) GetEvent(worldID, id uint64) (*EventDTO, error) {
	evt, err := s.eventDAO.FindByID(worldID, id)
	if err != nil {
		return nil, err
	}
	reactions, err := s.eventDAO.ListReactions(worldID, []uint64{id})
	if err != nil {
		return nil, err
	}
	return toEventDTO(evt, reactions), nil
}

// GetHighestNonMemberIDInChannel 频道内最大的非成员变更事件 id
func (s *EventService) GetHighestNonMemberIDInChannel(channelID uint64) (uint64, error) {
	return s.eventDAO.HighestNonMemberID(channelID, cons.EventChannelMember)
}

// GetEvents 取频道历史（id 倒序翻页后反转为正序），并附带客户端还不认识的
// 用户公开资料：发送者、回应者、文本里被 @ 的用户。
func (s *EventService) GetEvents(
	world *models.World,
	channelID, beforeID uint64,
	count int,
	skipMembership bool,
	uidsKnownToClient []string,
	includeAdminInfo bool,
) ([]EventDTO, map[string]models.PublicProfile, error) {
	skipType := ""
	if skipMembership {
		skipType = cons.EventChannelMember
	}
	events, err := s.eventDAO.FindByChannel(channelID, beforeID, count, skipType)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]uint64, 0, len(events))
	senderIDs := make(map[uint64]struct{})
	mentionedUIDs := make(map[string]struct{})
	for i := range events {
		ids = append(ids, events[i].ID)
		senderIDs[events[i].SenderID] = struct{}{}

		var c message.Content
		if err := json.Unmarshal(events[i].Content, &c); err == nil && c.Type == message.ContentTypeText {
			for uid := range ExtractMentionedUIDs(c.TextBody()) {
				mentionedUIDs[uid] = struct{}{}
			}
		}
	}

	reactions, err := s.eventDAO.ListReactions(world.ID, ids)
	if err != nil {
		return nil, nil, err
	}
	reactionsByEvent := make(map[uint64][]models.ChatEventReaction)
	for _, r := range reactions {
		reactionsByEvent[r.EventID] = append(reactionsByEvent[r.EventID], r)
		senderIDs[r.SenderID] = struct{}{}
	}

	users, err := s.collectUsers(world, senderIDs, mentionedUIDs, uidsKnownToClient, includeAdminInfo)
	if err != nil {
		return nil, nil, err
	}

	// 倒序查出来的，反转成时间正序
	out := make([]EventDTO, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, *toEventDTO(&events[i], reactionsByEvent[events[i].ID]))
	}
	return out, users, nil
}

// collectUsers 汇总一批用户公开资料，按 UID 建 map，剔除客户端已知的
func (s *EventService) collectUsers(
	world *models.World,
	ids map[uint64]struct{},
	uids map[string]struct{},
	known []string,
	includeAdminInfo bool,
) (map[string]models.PublicProfile, error) {
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}

	idList := make([]uint64, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	uidList := make([]string, 0, len(uids))
	for uid := range uids {
		uidList = append(uidList, uid)
	}

	var users []models.User
	q := s.DB.Model(&models.User{}).Where("world_id = ?", world.ID)
	switch {
	case len(idList) > 0 && len(uidList) > 0:
		q = q.Where("id IN ? OR uid IN ?", idList, uidList)
	case len(idList) > 0:
		q = q.Where("id IN ?", idList)
	case len(uidList) > 0:
		q = q.Where("uid IN ?", uidList)
	default:
		return map[string]models.PublicProfile{}, nil
	}
	if err := q.Find(&users).Error; err != nil {
		return nil, err
	}

	badges := world.TraitBadgesMap()
	out := make(map[string]models.PublicProfile, len(users))
	for i := range users {
		if _, ok := knownSet[users[i].UID]; ok {
			continue
		}
		out[users[i].UID] = users[i].SerializePublic(includeAdminInfo, badges)
	}
	return out, nil
}

// UpdateEvent 编辑事件：替换内容 + 打编辑时间戳 + 写审计日志，单事务。
// 事件默认不可变，这是唯一的变更入口。
func (s *EventService) UpdateEvent(world *models.World, evt *models.ChatEvent, newContent message.Content, byUser *models.User) (*EventDTO, error) {
	raw, err := json.Marshal(newContent)
	if err != nil {
		return nil, err
	}

	oldDTO := toEventDTO(evt, nil)
	now := time.Now()

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ChatEvent{}).
			Where("world_id = ? AND id = ?", evt.WorldID, evt.ID).
			Updates(map[string]any{"content": datatypes.JSON(raw), "edited_at": &now}).Error; err != nil {
			return err
		}
		evt.Content = datatypes.JSON(raw)
		evt.EditedAt = &now

		auditData, err := json.Marshal(map[string]any{
			"object":       evt.ID,
			"by_same_user": byUser.ID == evt.SenderID,
			"old":          oldDTO,
			"new":          toEventDTO(evt, nil),
		})
		if err != nil {
			return err
		}
		return tx.Create(&models.AuditLog{
			WorldID:   world.ID,
			UserID:    byUser.ID,
			Type:      "chat.event.updated",
			Data:      datatypes.JSON(auditData),
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	reactions, err := s.eventDAO.ListReactions(evt.WorldID, []uint64{evt.ID})
	if err != nil {
		return nil, err
	}
	return toEventDTO(evt, reactions), nil
}
