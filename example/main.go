package main

import (
	"context"
	"log"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/kelseyhightower/envconfig"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	chat "github.com/venuekit/chat-backbone"
)

type appConfig struct {
	MySQLDSN  string `envconfig:"MYSQL_DSN" default:"root:password@tcp(127.0.0.1:3306)/chat_db?charset=utf8mb4&parseTime=True&loc=Local"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	Listen    string `envconfig:"LISTEN" default:":8080"`
}

func main() {
	var cfg appConfig
	if err := envconfig.Process("CHAT", &cfg); err != nil {
		log.Fatal("配置加载失败:", err)
	}

	// 1. 初始化数据库连接
	db, err := gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{})
	if err != nil {
		log.Fatal("数据库连接失败:", err)
	}

	// 2. 初始化 Redis（事件取号 / 订阅追踪都依赖它）
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	// 3. 初始化 Chat Engine（单例模式，全局只需调用一次）
	engine := chat.NewEngine(
		chat.WithDB(db),
		chat.WithRDB(rdb),
		chat.WithTablePrefix("chat_"), // 自定义表前缀

		// 权限判定交给宿主平台；示例里放行所有人
		chat.WithPermissionOracle(func(ctx context.Context, userID uint64, permission string, roomID uint64) (bool, error) {
			return true, nil
		}),
	)

	// 4. 创建 Gin 路由
	r := gin.Default()

	// 演示用的"鉴权"：直接信任 query 参数。生产环境换成真正的
	// 中间件，把校验过的 world_id / user_id 注入上下文。
	identity := func(c *gin.Context) {
		worldID, err := strconv.ParseUint(c.Query("world_id"), 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "缺少 world_id 参数"})
			c.Abort()
			return
		}
		userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "缺少 user_id 参数"})
			c.Abort()
			return
		}
		c.Set("world_id", worldID)
		c.Set("user_id", userID)
		c.Next()
	}

	// 5. WebSocket 连接路由
	// 客户端连接：ws://localhost:8080/ws?world_id=1&user_id=1001
	r.GET("/ws", identity, func(c *gin.Context) {
		worldID := c.GetUint64("world_id")
		userID := c.GetUint64("user_id")
		engine.ServeWS(c.Writer, c.Request, worldID, userID)
	})

	// 6. API 路由组
	api := r.Group("/api/v1", identity)
	engine.RegisterGinRoutes(api)

	log.Printf("listening on %s", cfg.Listen)
	if err := r.Run(cfg.Listen); err != nil {
		log.Fatal(err)
	}
}
