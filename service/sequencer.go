package service

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Sequencer 每个租户一个原子递增计数器，是跨进程事件排序的唯一依据。
// 实现必须保证：
// - Increment 全局原子，两个进程绝不拿到同一个值；
// - SetIfFloor 只升不降，并发重置同一个下限是无害的幂等操作。
type Sequencer interface {
	// Increment 递增并返回新值（候选事件 id）
	Increment(ctx context.Context, worldID uint64) (uint64, error)

	// Current 返回当前计数器值；计数器不存在（丢失/未初始化）时 ok=false
	Current(ctx context.Context, worldID uint64) (value uint64, ok bool, err error)

	// SetIfFloor 把计数器抬到 floor（低于 floor 才写，原子执行）
	SetIfFloor(ctx context.Context, worldID uint64, floor uint64) error
}

// setIfFloorScript 只升不降的原子写。并发自愈同时发现失配时，
// 重复执行结果一致，不需要额外加锁。
const setIfFloorScript = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call('SET', KEYS[1], floor)
end
return cur
`

// RedisSequencer 生产实现：Redis INCR。
// Key 设计：chat:event_id:{worldID} -> 当前最大已分配 id（String）
type RedisSequencer struct {
	rdb *redis.Client
}

func NewRedisSequencer(rdb *redis.Client) *RedisSequencer {
	return &RedisSequencer{rdb: rdb}
}

func (s *RedisSequencer) key(worldID uint64) string {
	return fmt.Sprintf("chat:event_id:%d", worldID)
}

func (s *RedisSequencer) Increment(ctx context.Context, worldID uint64) (uint64, error) {
	v, err := s.rdb.Incr(ctx, s.key(worldID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	return uint64(v), nil
}

func (s *RedisSequencer) Current(ctx context.Context, worldID uint64) (uint64, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(worldID)).Uint64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	return v, true, nil
}

func (s *RedisSequencer) SetIfFloor(ctx context.Context, worldID uint64, floor uint64) error {
	err := s.rdb.Eval(ctx, setIfFloorScript, []string{s.key(worldID)}, floor).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	return nil
}
