package message

import "encoding/json"

// 事件内容的 type 取值
const (
	ContentTypeText = "text" // 普通文本（body 为字符串）
	ContentTypeCall = "call" // 音视频邀请（body 在落库前解析出后端信息）
)

// 通话后端
const (
	CallTypeBBB   = "bbb"   // 服务端分配 BBB 服务器，body 携带通话 id
	CallTypeJanus = "janus" // 客户端自行协商，服务端只打标
)

// Content 事件内容。消息类事件为 {type, body}；
// 成员变更事件为 {membership, user}，两组字段互斥。
type Content struct {
	Type string          `json:"type,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`

	Membership string `json:"membership,omitempty"`
	User       any    `json:"user,omitempty"`
}

// CallBody 通话类事件 body，落库前由 resolver 填好
type CallBody struct {
	ID   string `json:"id,omitempty"`   // Call 记录 id（bbb 模式）
	Type string `json:"type,omitempty"` // bbb / janus
}

// Text 构造文本消息内容
func Text(body string) Content {
	raw, _ := json.Marshal(body)
	return Content{Type: ContentTypeText, Body: raw}
}

// Call 构造未解析的通话邀请内容
func Call() Content {
	return Content{Type: ContentTypeCall}
}

// Member 构造成员变更内容（user 传公开资料）
func Member(membership string, user any) Content {
	return Content{Membership: membership, User: user}
}

// WithCallBody 返回带解析后通话信息的副本
func (c Content) WithCallBody(body CallBody) Content {
	raw, _ := json.Marshal(body)
	c.Body = raw
	return c
}

// TextBody 取文本消息正文；非文本内容返回空串
func (c Content) TextBody() string {
	if c.Type != ContentTypeText || len(c.Body) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Body, &s); err != nil {
		return ""
	}
	return s
}

// ---- WS 上行帧 ----

// SendReq 发送消息
type SendReq struct {
	Type      string  `json:"type"` // chat.send
	ChannelID uint64  `json:"channel_id"`
	Content   Content `json:"content"`
	PacketID  string  `json:"packet_id,omitempty"` // 客户端幂等回执用
}

// SubscribeReq 订阅/退订频道
type SubscribeReq struct {
	Type      string `json:"type"`
	ChannelID uint64 `json:"channel_id"`
}

// ReadAckReq 已读回执：读到 channel 内 <= LastReadEventID 的所有事件
type ReadAckReq struct {
	Type            string `json:"type"` // chat.read_ack
	ChannelID       uint64 `json:"channel_id"`
	LastReadEventID uint64 `json:"last_read_event_id"`
}
