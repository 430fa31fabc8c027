package models

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ChatEventDAO 封装 ChatEvent 相关的数据库操作
type ChatEventDAO struct {
	db *gorm.DB
}

func NewChatEventDAO(db *gorm.DB) *ChatEventDAO {
	return &ChatEventDAO{db: db}
}

// WithDB 用于在事务（tx）中复用 DAO
func (dao *ChatEventDAO) WithDB(db *gorm.DB) *ChatEventDAO {
	if db == nil {
		return dao
	}
	return &ChatEventDAO{db: db}
}

// Create 按指定 (world_id, id) 插入事件。
// 主键冲突（id 已被占用）返回的错误满足 IsDuplicateKeyErr，由上层触发自愈重试。
func (dao *ChatEventDAO) Create(evt *ChatEvent) error {
	return dao.db.Create(evt).Error
}

// IsDuplicateKeyErr 判断错误是否为唯一键/主键冲突。
// gorm 开启 TranslateError 时返回 ErrDuplicatedKey；否则落到 MySQL 1062 的文本。
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// FindByID 取单条事件；不存在返回 (nil, nil)
func (dao *ChatEventDAO) FindByID(worldID, id uint64) (*ChatEvent, error) {
	var evt ChatEvent
	err := dao.db.Where("world_id = ? AND id = ?", worldID, id).First(&evt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// MaxID 租户内事件日志的最大 id（日志为空返回 0）。自愈时用它重算计数器下限。
func (dao *ChatEventDAO) MaxID(worldID uint64) (uint64, error) {
	var row struct{ M *uint64 }
	err := dao.db.Model(&ChatEvent{}).
		Select("MAX(id) AS m").
		Where("world_id = ?", worldID).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.M == nil {
		return 0, nil
	}
	return *row.M, nil
}

// HighestNonMemberID 频道内最大的非成员变更事件 id（未读指针的基准）
func (dao *ChatEventDAO) HighestNonMemberID(channelID uint64, memberEventType string) (uint64, error) {
	var row struct{ M *uint64 }
	err := dao.db.Model(&ChatEvent{}).
		Select("MAX(id) AS m").
		Where("channel_id = ? AND event_type <> ?", channelID, memberEventType).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.M == nil {
		return 0, nil
	}
	return *row.M, nil
}

// FindByChannel 取频道历史（id 倒序翻页，id < beforeID；beforeID 为 0 表示从最新开始）
func (dao *ChatEventDAO) FindByChannel(channelID, beforeID uint64, count int, skipMemberType string) ([]ChatEvent, error) {
	if count > 1000 {
		count = 1000
	}
	q := dao.db.Model(&ChatEvent{}).Where("channel_id = ?", channelID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	if skipMemberType != "" {
		q = q.Where("event_type <> ?", skipMemberType)
	}
	var events []ChatEvent
	err := q.Order("id DESC").Limit(count).Find(&events).Error
	return events, err
}

// ListReactions 批量取事件的回应
func (dao *ChatEventDAO) ListReactions(worldID uint64, eventIDs []uint64) ([]ChatEventReaction, error) {
	if len(eventIDs) == 0 {
		return []ChatEventReaction{}, nil
	}
	var reactions []ChatEventReaction
	err := dao.db.Model(&ChatEventReaction{}).
		Where("world_id = ? AND event_id IN ?", worldID, eventIDs).
		Find(&reactions).Error
	return reactions, err
}
