package service

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Service 基础服务，包含数据库和注入的外部能力
type Service struct {
	DB          *gorm.DB
	RDB         *redis.Client
	TablePrefix string

	// GroupNotifier 把序列化好的事件投递到频道广播组（外部 fan-out 传输）。
	// 通过函数注入，避免 service 层反向依赖 ws 层。
	GroupNotifier func(groupKey string, payload []byte)

	// UserNotifier 投递到某用户的全部在线连接
	UserNotifier func(userID uint64, payload []byte)

	// PermissionOracle 外部权限判定器，只读。为 nil 时视为放行。
	PermissionOracle func(ctx context.Context, userID uint64, permission string, roomID uint64) (bool, error)

	// CallChooser 为租户选择通话服务器（call 事件落库前调用）
	CallChooser func(worldID uint64) (string, error)

	// Sequencer 事件 ID 分配器（生产为 RedisSequencer，测试可注入内存桩）
	Sequencer Sequencer
}

// Table 获取带前缀的表名
func (s *Service) Table(name string) *gorm.DB {
	return s.DB.Table(name)
}

// ChannelGroup 频道广播组 key（channel id 的确定性函数）
func ChannelGroup(channelID uint64) string {
	return fmt.Sprintf("chat:%d", channelID)
}
