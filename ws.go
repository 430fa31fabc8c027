package chat_backbone

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time 写入超时时间
	writeWait = 10 * time.Second

	// Time pong超时时间
	pongWait = 60 * time.Second

	// Send 对应的ping 必须小于pong
	pingPeriod = (pongWait * 9) / 10

	// Maximum 对等端允许消息大小
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for SDK
	},
}

// Client 代表某个具体 websocket 连接。
// 同一用户可以有多个连接（多设备），用户级状态放 hub 的 userClients。
type Client struct {
	hub *WsServer

	conn *websocket.Conn

	// 消息缓冲区
	send chan []byte

	WorldID uint64
	UserID  uint64

	// SocketID 连接唯一标识（uuid），订阅追踪用
	SocketID string

	// groups 本连接订阅的广播组，断开时据此清理
	groups map[string]bool
}

// readPump 将消息从 client (websocket 连接)送进 hub。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { _ = c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("readPump error: %v", err)
			}
			break
		}
		c.hub.handleMessage(c, msg)
	}
}

// writePump 将 hub 投递的消息写到具体的 client (websocket 连接)。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(msg)

			// 一次性把管道里剩余的消息全部带上，减少系统调用
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("writePump 写入ping失败")
				return
			}
		}
	}
}

// WsServer 连接枢纽：按用户投递 + 按频道广播组投递。
// 广播组 key 由 service.ChannelGroup 生成，service 层通过注入的
// GroupNotifier/UserNotifier 回调来投递，不直接引用这里。
type WsServer struct {
	clients map[*Client]bool

	// 用户 ID -> 该用户所有活跃的 websocket 连接（支持多设备）
	userClients map[uint64][]*Client

	// 广播组 key -> 订阅的连接集合
	groups map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	// 回调处理消息
	onMessage func(client *Client, msg []byte)

	// 连接断开时的清理回调（退订 redis 订阅集合）
	onDisconnect func(client *Client, groups []string)
}

func NewWsServer() *WsServer {
	return &WsServer{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[*Client]bool),
		userClients: make(map[uint64][]*Client),
		groups:      make(map[string]map[*Client]bool),
	}
}

func (h *WsServer) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.userClients[client.UserID] = append(h.userClients[client.UserID], client)
			h.mu.Unlock()

		case client := <-h.unregister:
			var left []string
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)

				if conns, exists := h.userClients[client.UserID]; exists {
					for i, conn := range conns {
						if conn == client {
							h.userClients[client.UserID] = append(conns[:i], conns[i+1:]...)
							break
						}
					}
					if len(h.userClients[client.UserID]) == 0 {
						delete(h.userClients, client.UserID)
					}
				}

				for g := range client.groups {
					left = append(left, g)
					if members, ok := h.groups[g]; ok {
						delete(members, client)
						if len(members) == 0 {
							delete(h.groups, g)
						}
					}
				}
			}
			h.mu.Unlock()

			if len(left) > 0 && h.onDisconnect != nil {
				h.onDisconnect(client, left)
			}
		}
	}
}

// Subscribe 把连接加入广播组
func (h *WsServer) Subscribe(client *Client, groupKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groups[groupKey] == nil {
		h.groups[groupKey] = make(map[*Client]bool)
	}
	h.groups[groupKey][client] = true
	client.groups[groupKey] = true
}

// Unsubscribe 把连接移出广播组
func (h *WsServer) Unsubscribe(client *Client, groupKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.groups[groupKey]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.groups, groupKey)
		}
	}
	delete(client.groups, groupKey)
}

// GroupSend 把序列化事件投递给广播组的全部连接（service 层的 fan-out 出口）
func (h *WsServer) GroupSend(groupKey string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.groups[groupKey] {
		select {
		case client.send <- payload:
		default:
			// 写缓冲满的连接直接放弃这一帧，不阻塞其他连接
		}
	}
}

// SendToUser 把消息投递给某用户的全部连接
func (h *WsServer) SendToUser(userID uint64, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.userClients[userID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}

func (h *WsServer) handleMessage(client *Client, msg []byte) {
	if h.onMessage != nil {
		h.onMessage(client, msg)
	}
}

// ServeWS 升级 HTTP 连接为 websocket 并接入 hub。
// 调用方负责在外层完成鉴权，传入已经可信的 worldID/userID。
func (h *WsServer) ServeWS(w http.ResponseWriter, r *http.Request, worldID, userID uint64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		WorldID:  worldID,
		UserID:   userID,
		SocketID: uuid.New().String(),
		groups:   make(map[string]bool),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}
