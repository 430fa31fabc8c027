package cons

// 聊天事件类型（event_type）
const (
	EventChannelMessage = "channel.message" // 普通消息（text/call/...）
	EventChannelMember  = "channel.member"  // 成员变更（join/leave）
	EventChannelUpdated = "channel.updated" // 频道元信息变更
)

// channel.member 事件的 membership 取值
const (
	MembershipJoin  = "join"
	MembershipLeave = "leave"
)

// 权限名（只透传给外部权限判定器，本模块不解释具体语义）
const (
	PermissionRoomChatRead = "room.chat.read"
	PermissionRoomChatJoin = "room.chat.join"
)

// WS 下发帧类型
const (
	WsTypeChatEvent      = "chat.event"           // 新事件广播
	WsTypeChannelList    = "chat.channels"        // 用户频道列表刷新
	WsTypeReadPointer    = "chat.read_pointer"    // 已读指针回执
	WsTypeUnreadPointers = "chat.unread_pointers" // 频道重新变为未读的提醒
)

// WS 上行帧类型
const (
	WsTypeSend        = "chat.send"        // 发送消息
	WsTypeSubscribe   = "chat.subscribe"   // 订阅频道
	WsTypeUnsubscribe = "chat.unsubscribe" // 退订频道
	WsTypeReadAck     = "chat.read_ack"    // 已读回执
)
