package service

import (
	"errors"
	"time"

	"gorm.io/gorm/clause"

	"github.com/venuekit/chat-backbone/models"
)

// NotificationService 未读标记：事件扇出时批量建，已读回执时批量删。
// 一行 = "recipient 还没读到这条事件"。
type NotificationService struct {
	*Service
}

func NewNotificationService(s *Service) *NotificationService {
	return &NotificationService{Service: s}
}

// StoreNotification 给一批接收者各建一条未读标记。
// 调用方应当每次扇出只调一次；OnConflict DoNothing 兜底并发/重试的重复投递。
func (s *NotificationService) StoreNotification(worldID, eventID, channelID uint64, recipientIDs []uint64) error {
	if eventID == 0 {
		return errors.New("event_id is required")
	}
	if len(recipientIDs) == 0 {
		return nil
	}

	now := time.Now()

	// 去重
	uniq := make(map[uint64]struct{}, len(recipientIDs))
	rows := make([]models.ChatEventNotification, 0, len(recipientIDs))
	for _, uid := range recipientIDs {
		if uid == 0 {
			continue
		}
		if _, ok := uniq[uid]; ok {
			continue
		}
		uniq[uid] = struct{}{}
		rows = append(rows, models.ChatEventNotification{
			WorldID:     worldID,
			EventID:     eventID,
			RecipientID: uid,
			ChannelID:   channelID,
			CreatedAt:   now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// RemoveNotifications 删除用户在频道内 event id <= maxID 的全部未读标记。
// 返回是否真的删掉了东西（"这次回执有没有移动指针"）。
func (s *NotificationService) RemoveNotifications(worldID, userID, channelID, maxID uint64) (bool, error) {
	res := s.DB.
		Where("world_id = ? AND recipient_id = ? AND channel_id = ? AND event_id <= ?",
			worldID, userID, channelID, maxID).
		Delete(&models.ChatEventNotification{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetNotificationCounts 用户的未读计数，按频道分组
func (s *NotificationService) GetNotificationCounts(worldID, userID uint64) (map[uint64]int64, error) {
	type row struct {
		ChannelID uint64
		C         int64
	}
	var rows []row
	err := s.DB.Model(&models.ChatEventNotification{}).
		Select("channel_id, COUNT(id) AS c").
		Where("world_id = ? AND recipient_id = ?", worldID, userID).
		Group("channel_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]int64, len(rows))
	for _, r := range rows {
		out[r.ChannelID] = r.C
	}
	return out, nil
}
