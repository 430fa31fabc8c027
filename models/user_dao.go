package models

import (
	"encoding/json"

	"gorm.io/gorm"
)

// UserDAO 封装 User 相关的数据库操作
type UserDAO struct {
	db *gorm.DB
}

func NewUserDAO(db *gorm.DB) *UserDAO {
	return &UserDAO{db: db}
}

// WithDB 用于在事务（tx）中复用 DAO
func (dao *UserDAO) WithDB(db *gorm.DB) *UserDAO {
	if db == nil {
		return dao
	}
	return &UserDAO{db: db}
}

func (dao *UserDAO) FindByID(id uint64) (*User, error) {
	var u User
	if err := dao.db.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (dao *UserDAO) FindByUID(uid string) (*User, error) {
	var u User
	if err := dao.db.Where("uid = ?", uid).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// FindInWorld 按 id 批量查租户内用户。查不齐时由调用方对比长度判定失败。
func (dao *UserDAO) FindInWorld(worldID uint64, ids []uint64) ([]User, error) {
	var users []User
	err := dao.db.Model(&User{}).
		Where("world_id = ? AND id IN ?", worldID, ids).
		Find(&users).Error
	return users, err
}

// FindByUIDs 按对外 UID 批量查租户内用户
func (dao *UserDAO) FindByUIDs(worldID uint64, uids []string) ([]User, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var users []User
	err := dao.db.Model(&User{}).
		Where("world_id = ? AND uid IN ?", worldID, uids).
		Find(&users).Error
	return users, err
}

// ListBlockedPairs 查出 ids 内部存在的拉黑关系（任意方向）。
// 只要有一条记录，私聊创建即被拒绝。
func (dao *UserDAO) ListBlockedPairs(ids []uint64) ([]UserBlock, error) {
	var blocks []UserBlock
	err := dao.db.Model(&UserBlock{}).
		Where("blocker_id IN ? AND blocked_id IN ?", ids, ids).
		Find(&blocks).Error
	return blocks, err
}

// PublicProfile 对外用户信息（可直接下发给客户端）
type PublicProfile struct {
	ID          uint64   `json:"id"`
	UID         string   `json:"uid"`
	ProfileName string   `json:"profile_name"`
	Avatar      string   `json:"avatar,omitempty"`
	Badges      []string `json:"badges,omitempty"`
	Deleted     bool     `json:"deleted,omitempty"`
	Moderation  string   `json:"moderation_state,omitempty"` // 仅 includeAdminInfo 时填充
}

// SerializePublic 生成对外用户信息。
// traitBadgesMap: trait -> 徽章名；用户 traits 命中即带上对应徽章。
func (u *User) SerializePublic(includeAdminInfo bool, traitBadgesMap map[string]string) PublicProfile {
	p := PublicProfile{
		ID:          u.ID,
		UID:         u.UID,
		ProfileName: u.ProfileName,
		Avatar:      u.Avatar,
		Deleted:     u.Deleted,
	}
	if len(traitBadgesMap) > 0 && len(u.Traits) > 0 {
		var traits []string
		if err := json.Unmarshal(u.Traits, &traits); err == nil {
			for _, tr := range traits {
				if badge, ok := traitBadgesMap[tr]; ok {
					p.Badges = append(p.Badges, badge)
				}
			}
		}
	}
	if includeAdminInfo {
		// 目前没有单独的 moderation 字段，注销状态即全部管理信息
		if u.Deleted {
			p.Moderation = "deleted"
		}
	}
	return p
}

// TraitBadgesMap 从 world.config 里取 trait_badges_map
func (w *World) TraitBadgesMap() map[string]string {
	if len(w.Config) == 0 {
		return nil
	}
	var cfg struct {
		TraitBadgesMap map[string]string `json:"trait_badges_map"`
	}
	if err := json.Unmarshal(w.Config, &cfg); err != nil {
		return nil
	}
	return cfg.TraitBadgesMap
}

// HasFeatureFlag 判断租户是否开启某个功能开关
func (w *World) HasFeatureFlag(flag string) bool {
	if len(w.FeatureFlags) == 0 {
		return false
	}
	var flags []string
	if err := json.Unmarshal(w.FeatureFlags, &flags); err != nil {
		return false
	}
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
