package repository

import (
	"errors"

	"gorm.io/gorm"

	"github.com/venuekit/chat-backbone/models"
)

// MembershipDAO 封装 Membership / Channel 相关的数据库操作
//
// 约定：
// - 只做数据访问（CRUD/查询封装），不做业务编排（权限、通知等）。
// - 事务边界由 service 控制；如需在事务中执行，请使用 WithDB(tx)。
type MembershipDAO struct {
	db *gorm.DB
}

func NewMembershipDAO(db *gorm.DB) *MembershipDAO {
	return &MembershipDAO{db: db}
}

// WithDB 用于在事务（tx）中复用 DAO
func (dao *MembershipDAO) WithDB(db *gorm.DB) *MembershipDAO {
	if db == nil {
		return dao
	}
	return &MembershipDAO{db: db}
}

// FindExactDirectChannel 查找成员集合与 userIDs 完全相等的无房间频道。
//
// 精确匹配拆成两个显式聚合（不依赖查询构造器的惰性组合）：
//  1. 命中数：membership.user_id IN userIDs 且按频道分组后 COUNT == len(userIDs)；
//  2. 错配数：该频道内 user_id NOT IN userIDs 的成员数必须为 0。
//
// 两个条件缺一不可：只查命中数会把超集频道误判成匹配，
// 只查错配数会把子集频道误判成匹配。找不到返回 (nil, nil)。
func (dao *MembershipDAO) FindExactDirectChannel(worldID uint64, userIDs []uint64) (*models.Channel, error) {
	// 第一步：成员命中数恰好等于请求人数的候选频道
	var candidateIDs []uint64
	err := dao.db.Model(&models.Membership{}).
		Select("channel_id").
		Where("user_id IN ?", userIDs).
		Group("channel_id").
		Having("COUNT(*) = ?", len(userIDs)).
		Pluck("channel_id", &candidateIDs).Error
	if err != nil {
		return nil, err
	}
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	// 限定为本租户的无房间频道
	var channels []models.Channel
	err = dao.db.Model(&models.Channel{}).
		Where("id IN ? AND world_id = ? AND room_id IS NULL", candidateIDs, worldID).
		Find(&channels).Error
	if err != nil {
		return nil, err
	}

	// 第二步：逐个排除带多余成员的频道
	for i := range channels {
		var mismatch int64
		err = dao.db.Model(&models.Membership{}).
			Where("channel_id = ? AND user_id NOT IN ?", channels[i].ID, userIDs).
			Count(&mismatch).Error
		if err != nil {
			return nil, err
		}
		if mismatch == 0 {
			return &channels[i], nil
		}
	}
	return nil, nil
}

// GetOrCreate 取或建成员关系。created 表示本次新建。
// 已存在 volatile 成员收到非 volatile 加入时只清标志，不建新行。
func (dao *MembershipDAO) GetOrCreate(channelID, userID uint64, volatile bool) (m *models.Membership, created bool, err error) {
	m = &models.Membership{}
	res := dao.db.
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Attrs(models.Membership{ChannelID: channelID, UserID: userID, Volatile: volatile}).
		FirstOrCreate(m)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created = res.RowsAffected > 0
	if !created && m.Volatile && !volatile {
		if err := dao.db.Model(&models.Membership{}).
			Where("channel_id = ? AND user_id = ?", channelID, userID).
			Update("volatile", false).Error; err != nil {
			return nil, false, err
		}
		m.Volatile = false
	}
	return m, created, nil
}

// Delete 删除成员关系（显式退出）
func (dao *MembershipDAO) Delete(channelID, userID uint64) error {
	return dao.db.
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Delete(&models.Membership{}).Error
}

// SetHidden 设置 hidden 标志
func (dao *MembershipDAO) SetHidden(channelID, userID uint64, hidden bool) error {
	return dao.db.Model(&models.Membership{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Update("hidden", hidden).Error
}

// ListHiddenUsers 取频道内全部 hidden 成员的用户
func (dao *MembershipDAO) ListHiddenUsers(channelID uint64) ([]models.User, error) {
	var memberships []models.Membership
	err := dao.db.Model(&models.Membership{}).
		Preload("User").
		Where("channel_id = ? AND hidden = ?", channelID, true).
		Find(&memberships).Error
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(memberships))
	for _, m := range memberships {
		users = append(users, m.User)
	}
	return users, nil
}

// ClearHidden 批量清 hidden 标志
func (dao *MembershipDAO) ClearHidden(channelID uint64) error {
	return dao.db.Model(&models.Membership{}).
		Where("channel_id = ? AND hidden = ?", channelID, true).
		Update("hidden", false).Error
}

// Exists 查成员关系是否存在
func (dao *MembershipDAO) Exists(channelID, userID uint64) (bool, error) {
	var n int64
	err := dao.db.Model(&models.Membership{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Count(&n).Error
	return n > 0, err
}

// IsVolatile 查某成员是否 volatile；没有成员关系时返回 false
func (dao *MembershipDAO) IsVolatile(channelID, userID uint64) (bool, error) {
	var m models.Membership
	err := dao.db.
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Volatile, nil
}

// ListByUser 取用户在租户内的成员关系（含频道），可按 volatile/hidden 过滤。
// isVolatile 传 nil 表示不过滤（历史行为，显式保留）。
func (dao *MembershipDAO) ListByUser(worldID, userID uint64, isVolatile, isHidden *bool) ([]models.Membership, error) {
	q := dao.db.Model(&models.Membership{}).
		Preload("Channel").
		Joins("JOIN "+models.Channel{}.TableName()+" c ON c.id = "+models.Membership{}.TableName()+".channel_id").
		Where("c.world_id = ? AND "+models.Membership{}.TableName()+".user_id = ?", worldID, userID)
	if isHidden != nil {
		q = q.Where(models.Membership{}.TableName()+".hidden = ?", *isHidden)
	}
	if isVolatile != nil {
		q = q.Where(models.Membership{}.TableName()+".volatile = ?", *isVolatile)
	}
	var memberships []models.Membership
	err := q.Find(&memberships).Error
	return memberships, err
}

// ListChannelMembers 取频道全部成员（含用户）
func (dao *MembershipDAO) ListChannelMembers(channelID uint64) ([]models.Membership, error) {
	var memberships []models.Membership
	err := dao.db.Model(&models.Membership{}).
		Preload("User").
		Where("channel_id = ?", channelID).
		Find(&memberships).Error
	return memberships, err
}

// ListForcedJoinChannels 取租户内 force_join 房间里，用户尚无非 volatile
// 成员关系的频道（含房间）。
func (dao *MembershipDAO) ListForcedJoinChannels(worldID, userID uint64) ([]models.Channel, error) {
	channelTable := models.Channel{}.TableName()
	roomTable := models.Room{}.TableName()
	membershipTable := models.Membership{}.TableName()

	var channels []models.Channel
	err := dao.db.Model(&models.Channel{}).
		Preload("Room").
		Joins("JOIN "+roomTable+" r ON r.id = "+channelTable+".room_id").
		Where("r.force_join = ? AND r.deleted = ? AND "+channelTable+".world_id = ?", true, false, worldID).
		Where("NOT EXISTS (SELECT 1 FROM "+membershipTable+" m WHERE m.channel_id = "+channelTable+".id AND m.user_id = ? AND m.volatile = ?)", userID, false).
		Find(&channels).Error
	return channels, err
}
