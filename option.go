package chat_backbone

import (
	"context"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type ServiceConfig struct {
	Debug bool
}

type Config struct {
	DB          *gorm.DB
	RDB         *redis.Client
	TablePrefix string
	Service     ServiceConfig

	// PermissionOracle 外部权限判定器（只读）。不配置时视为全部放行，
	// 适合权限完全由上层网关处理的部署。
	PermissionOracle func(ctx context.Context, userID uint64, permission string, roomID uint64) (bool, error)

	// CallChooser 通话服务器选择器。不配置时 call 事件不携带服务器信息。
	CallChooser func(worldID uint64) (string, error)
}

type Option func(*Config)

func WithDB(db *gorm.DB) Option {
	return func(c *Config) {
		c.DB = db
	}
}

func WithRDB(rdb *redis.Client) Option {
	return func(c *Config) {
		c.RDB = rdb
	}
}

func WithTablePrefix(prefix string) Option {
	return func(c *Config) {
		c.TablePrefix = prefix
	}
}

func WithServiceDebug(debug bool) Option {
	return func(c *Config) {
		c.Service.Debug = debug
	}
}

// WithPermissionOracle 注入外部权限判定器
func WithPermissionOracle(fn func(ctx context.Context, userID uint64, permission string, roomID uint64) (bool, error)) Option {
	return func(c *Config) {
		c.PermissionOracle = fn
	}
}

// WithCallChooser 注入通话服务器选择器
func WithCallChooser(fn func(worldID uint64) (string, error)) Option {
	return func(c *Config) {
		c.CallChooser = fn
	}
}
