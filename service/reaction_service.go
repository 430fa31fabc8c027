package service

import (
	"time"

	"gorm.io/gorm/clause"

	"github.com/venuekit/chat-backbone/models"
)

// ReactionService 事件回应
type ReactionService struct {
	*Service
	eventDAO *models.ChatEventDAO
}

func NewReactionService(s *Service) *ReactionService {
	return &ReactionService{Service: s, eventDAO: models.NewChatEventDAO(s.DB)}
}

// AddReaction 添加回应。(world, event, sender, reaction) 唯一，
// 重复添加走 OnConflict DoNothing，等价于 no-op。
// 返回带最新回应集合的事件；事件不存在返回 (nil, nil)。
func (s *ReactionService) AddReaction(worldID, eventID, senderID uint64, reaction string) (*EventDTO, error) {
	evt, err := s.eventDAO.FindByID(worldID, eventID)
	if err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, nil
	}
	row := models.ChatEventReaction{
		WorldID:   worldID,
		EventID:   eventID,
		SenderID:  senderID,
		Reaction:  reaction,
		CreatedAt: time.Now(),
	}
	if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, err
	}
	return s.reserialize(worldID, eventID)
}

// RemoveReaction 移除回应。不存在不算错误（幂等删除）。
// 返回带最新回应集合的事件。
func (s *ReactionService) RemoveReaction(worldID, eventID, senderID uint64, reaction string) (*EventDTO, error) {
	err := s.DB.
		Where("world_id = ? AND event_id = ? AND sender_id = ? AND reaction = ?", worldID, eventID, senderID, reaction).
		Delete(&models.ChatEventReaction{}).Error
	if err != nil {
		return nil, err
	}
	return s.reserialize(worldID, eventID)
}

func (s *ReactionService) reserialize(worldID, eventID uint64) (*EventDTO, error) {
	evt, err := s.eventDAO.FindByID(worldID, eventID)
	if err != nil {
		return nil, err
	}
	reactions, err := s.eventDAO.ListReactions(worldID, []uint64{eventID})
	if err != nil {
		return nil, err
	}
	return toEventDTO(evt, reactions), nil
}
