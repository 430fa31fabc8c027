package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	prefix = "chat_"
)

// World 租户（虚拟场馆实例），拥有独立的用户/房间/事件 ID 空间
type World struct {
	ID           uint64         `gorm:"primarykey"`
	Name         string         `gorm:"size:100"`  // 场馆名称
	FeatureFlags datatypes.JSON `gorm:"type:json"` // 功能开关列表，如 ["janus"]
	Config       datatypes.JSON `gorm:"type:json"` // 场馆配置（trait_badges_map 等）
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (World) TableName() string {
	return prefix + "world"
}

// 用户类型
const (
	UserTypePerson    = 0 // 正常用户
	UserTypeKiosk     = 1 // 展台终端，不参与私聊
	UserTypeAnonymous = 2 // 匿名访客，不参与私聊
)

// User 用户表（仅保留聊天核心需要的字段，身份/登录由外部系统负责）
type User struct {
	ID          uint64         `gorm:"primarykey"`
	UID         string         `gorm:"size:36;uniqueIndex;not null"` // 对外用户 ID (uuid)
	WorldID     uint64         `gorm:"index;not null"`               // 所属租户
	ProfileName string         `gorm:"size:100"`                     // 展示名；为空表示未完成资料设置
	Avatar      string         `gorm:"size:500"`                     // 头像
	Type        uint8          `gorm:"type:tinyint;default:0"`       // 0-正常 1-kiosk 2-匿名
	Deleted     bool           `gorm:"default:false;index"`          // 已注销
	Traits      datatypes.JSON `gorm:"type:json"`                    // 用户 trait 列表（徽章映射用）
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// 关联关系
	World       World        `gorm:"foreignKey:WorldID"`
	Memberships []Membership `gorm:"foreignKey:UserID"`
}

func (User) TableName() string {
	return prefix + "user"
}

// UserBlock 拉黑关系（单向；建私聊前需双向检查）
type UserBlock struct {
	ID        uint64 `gorm:"primarykey"`
	BlockerID uint64 `gorm:"not null;uniqueIndex:idx_block_pair,priority:1"` // 拉黑发起者
	BlockedID uint64 `gorm:"not null;uniqueIndex:idx_block_pair,priority:2"` // 被拉黑者
	CreatedAt time.Time

	Blocker User `gorm:"foreignKey:BlockerID"`
	Blocked User `gorm:"foreignKey:BlockedID"`
}

func (UserBlock) TableName() string {
	return prefix + "user_block"
}

// Room 房间表（房间本身由外部平台管理，这里只镜像聊天关心的字段）
type Room struct {
	ID        uint64 `gorm:"primarykey"`
	WorldID   uint64 `gorm:"index;not null"`
	Name      string `gorm:"size:100"`
	ForceJoin bool   `gorm:"default:false;index"` // 开启后符合条件的用户自动入频道
	Deleted   bool   `gorm:"default:false;index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	World World `gorm:"foreignKey:WorldID"`
}

func (Room) TableName() string {
	return prefix + "room"
}

// Channel 会话频道：RoomID 为空表示私聊/群聊（direct），否则为房间广播频道
type Channel struct {
	ID        uint64  `gorm:"primarykey"`
	WorldID   uint64  `gorm:"index;not null"`
	RoomID    *uint64 `gorm:"index;default:null"` // null = direct channel
	CreatedAt time.Time
	UpdatedAt time.Time

	World   World        `gorm:"foreignKey:WorldID"`
	Room    *Room        `gorm:"foreignKey:RoomID"`
	Members []Membership `gorm:"foreignKey:ChannelID"`
}

func (Channel) TableName() string {
	return prefix + "channel"
}

// Membership 频道成员关系
// volatile: 临时加入（仅在线期间成立，不算真正的成员），一旦正式加入就被清掉、不会再置回
// hidden:   用户把频道从列表里移除了但没有退出；新消息到来时会被重新点亮
type Membership struct {
	ID        uint64 `gorm:"primarykey"`
	ChannelID uint64 `gorm:"not null;uniqueIndex:idx_channel_user,priority:1"`
	UserID    uint64 `gorm:"not null;uniqueIndex:idx_channel_user,priority:2;index"`
	Volatile  bool   `gorm:"default:false"`
	Hidden    bool   `gorm:"default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Channel Channel `gorm:"foreignKey:ChannelID"`
	User    User    `gorm:"foreignKey:UserID"`
}

func (Membership) TableName() string {
	return prefix + "membership"
}

// ChatEvent 聊天事件表
// 主键是 (world_id, id)：id 由 Sequencer 分配，在租户内全局严格递增，绝不自增。
// 同一 (world_id, id) 的重复插入必须在存储层失败——自愈逻辑依赖这个唯一约束。
type ChatEvent struct {
	WorldID    uint64         `gorm:"primaryKey;autoIncrement:false"`
	ID         uint64         `gorm:"primaryKey;autoIncrement:false"`
	ChannelID  uint64         `gorm:"index;not null"`
	EventType  string         `gorm:"size:64;index;not null"` // 见 cons 包: channel.message / channel.member ...
	Content    datatypes.JSON `gorm:"type:json"`
	SenderID   uint64         `gorm:"index;not null"`
	ReplacesID *uint64        `gorm:"default:null"` // 被本事件编辑替换的事件 ID
	EditedAt   *time.Time     `gorm:"default:null"`
	CreatedAt  time.Time      `gorm:"index"`

	Channel Channel `gorm:"foreignKey:ChannelID"`
	Sender  User    `gorm:"foreignKey:SenderID"`
}

func (ChatEvent) TableName() string {
	return prefix + "event"
}

// ChatEventReaction 事件回应，(world, event, sender, reaction) 唯一，重复添加视为 no-op
type ChatEventReaction struct {
	ID        uint64 `gorm:"primarykey"`
	WorldID   uint64 `gorm:"not null;uniqueIndex:idx_reaction,priority:1"`
	EventID   uint64 `gorm:"not null;uniqueIndex:idx_reaction,priority:2;index"`
	SenderID  uint64 `gorm:"not null;uniqueIndex:idx_reaction,priority:3"`
	Reaction  string `gorm:"size:64;not null;uniqueIndex:idx_reaction,priority:4"`
	CreatedAt time.Time

	Sender User `gorm:"foreignKey:SenderID"`
}

func (ChatEventReaction) TableName() string {
	return prefix + "event_reaction"
}

// ChatEventNotification 未读标记：存在即表示 recipient 还没读到这条事件。
// ChannelID 冗余一份，按频道分组计数时不用再 join 事件表。
type ChatEventNotification struct {
	ID          uint64 `gorm:"primarykey"`
	WorldID     uint64 `gorm:"not null;uniqueIndex:idx_notify,priority:1"`
	EventID     uint64 `gorm:"not null;uniqueIndex:idx_notify,priority:2"`
	RecipientID uint64 `gorm:"not null;uniqueIndex:idx_notify,priority:3;index"`
	ChannelID   uint64 `gorm:"index;not null"`
	CreatedAt   time.Time
}

func (ChatEventNotification) TableName() string {
	return prefix + "event_notification"
}

// Call 音视频通话记录：存储 call 类型事件时作为副作用创建，id 回填进事件内容
type Call struct {
	ID        string `gorm:"primarykey;size:36"` // uuid
	WorldID   uint64 `gorm:"index;not null"`
	Server    string `gorm:"size:255"` // 由外部选择器分配的通话服务器
	CreatedAt time.Time

	World World `gorm:"foreignKey:WorldID"`
}

func (Call) TableName() string {
	return prefix + "call"
}

// AuditLog 审计日志（事件编辑会写一条）
type AuditLog struct {
	ID        uint64         `gorm:"primarykey"`
	WorldID   uint64         `gorm:"index;not null"`
	UserID    uint64         `gorm:"index"`
	Type      string         `gorm:"size:64;index;not null"`
	Data      datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time      `gorm:"index"`
}

func (AuditLog) TableName() string {
	return prefix + "audit_log"
}
