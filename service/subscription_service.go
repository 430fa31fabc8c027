package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// 订阅集合的过期时间：断线的 socket 最迟两天后自动清掉
	subscriptionTTL = 48 * time.Hour
)

// SubscriptionService 在线订阅追踪。
// Redis Key 设计：
// - chat:subscriptions:{userID}:{channelID} -> Set(socketID...) (TTL)
//   某用户正盯着某频道的 socket 集合，已读回执据此判断活跃窗口
// - chat:unread.notify:{channelID} -> Set(userID...)
//   需要未读提醒的用户集合（强制入频道后打上）
type SubscriptionService struct {
	rdb *redis.Client
}

func NewSubscriptionService(rdb *redis.Client) *SubscriptionService {
	return &SubscriptionService{rdb: rdb}
}

func (s *SubscriptionService) ensure() error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	return nil
}

func (s *SubscriptionService) subKey(userID, channelID uint64) string {
	return fmt.Sprintf("chat:subscriptions:%d:%d", userID, channelID)
}

func (s *SubscriptionService) unreadNotifyKey(channelID uint64) string {
	return fmt.Sprintf("chat:unread.notify:%d", channelID)
}

// Track 记录 socket 开始订阅频道（SADD + 续 TTL，一个 pipeline 完成）
func (s *SubscriptionService) Track(ctx context.Context, userID, channelID uint64, socketID string) error {
	if err := s.ensure(); err != nil {
		return err
	}
	key := s.subKey(userID, channelID)
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, socketID)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Untrack 移除 socket 的订阅，返回该用户还剩多少 socket 盯着这个频道
func (s *SubscriptionService) Untrack(ctx context.Context, userID, channelID uint64, socketID string) (int64, error) {
	if err := s.ensure(); err != nil {
		return 0, err
	}
	key := s.subKey(userID, channelID)
	if err := s.rdb.SRem(ctx, key, socketID).Err(); err != nil {
		return 0, err
	}
	return s.rdb.SCard(ctx, key).Result()
}

// Sockets 取用户在频道上的全部活跃 socket
func (s *SubscriptionService) Sockets(ctx context.Context, userID, channelID uint64) ([]string, error) {
	if err := s.ensure(); err != nil {
		return nil, err
	}
	return s.rdb.SMembers(ctx, s.subKey(userID, channelID)).Result()
}

// MarkUnreadNotify 把用户加进频道的未读提醒集合
func (s *SubscriptionService) MarkUnreadNotify(ctx context.Context, channelID, userID uint64) error {
	if err := s.ensure(); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, s.unreadNotifyKey(channelID), strconv.FormatUint(userID, 10)).Err()
}

// TakeUnreadNotify 取出并清空频道的未读提醒集合（读取方消费一次即焚）
func (s *SubscriptionService) TakeUnreadNotify(ctx context.Context, channelID uint64) ([]uint64, error) {
	if err := s.ensure(); err != nil {
		return nil, err
	}
	key := s.unreadNotifyKey(channelID)
	pipe := s.rdb.TxPipeline()
	members := pipe.SMembers(ctx, key)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	raw, err := members.Result()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(raw))
	for _, m := range raw {
		if v, err := strconv.ParseUint(m, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}
