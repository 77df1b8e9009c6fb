// Package message 提供 KBUS 消息系统的核心抽象
//
// 消息按名称路由，名称是以 "$." 开头、点号分隔的层级结构。
// 消息分为三种形态：
//   - Notification: 单向通知（不要求应答）
//   - Request: 设置了 WantReply 标志，要求且仅要求一个 Reply
//   - Reply: InReplyTo 非零，指向被应答的 Request
package message

import (
	"fmt"
)

// MessageID 消息标识 {网络 ID, 序列号}
//
// 零值 {0,0} 为保留值，表示"无 ID"或"来自代理本身"。
// 本地消息由 Device 分配单调递增的序列号；桥接消息携带
// 远端已分配的 ID（Network 非零）跨主机传递。
type MessageID struct {
	Network uint32
	Serial  uint32
}

// IsZero 是否为保留的零值 ID
func (id MessageID) IsZero() bool {
	return id.Network == 0 && id.Serial == 0
}

// String 格式化为 [n:s] 形式，用于日志
func (id MessageID) String() string {
	return fmt.Sprintf("[%d:%d]", id.Network, id.Serial)
}

// Address 跨桥接的连接地址 {网络 ID, 本地连接 ID}
//
// OrigFrom/FinalTo 字段使用该类型，由桥接进程（Limpet）填写，
// 用于把有状态 Request/Reply 路由回另一端的原始连接。
type Address struct {
	Network uint32
	Local   uint32
}

// IsZero 是否为零值地址
func (a Address) IsZero() bool {
	return a.Network == 0 && a.Local == 0
}

// Flags 消息标志位集合
type Flags uint32

const (
	// WantReply 标记消息为 Request，要求恰好一个 Reply
	WantReply Flags = 1 << iota

	// WantYouToReply 由代理在投递给 Replier 的副本上设置，
	// 客户端不得自行设置
	WantYouToReply

	// Synthetic 标记代理合成的消息（如 Replier.GoneAway）
	Synthetic

	// Urgent 紧急消息，插入接收队列头部
	Urgent

	// AllOrWait 背压策略：任一接收方队列满则整体失败，
	// 且失败可在队列腾出空间后重试（与 AllOrFail 互斥）
	AllOrWait

	// AllOrFail 背压策略：任一接收方队列满则整体失败，
	// 失败为终态，不重试（与 AllOrWait 互斥）
	AllOrFail
)

// Has 是否设置了指定标志
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Message KBUS 消息
//
// To/From 为连接 ID，0 表示代理本身（合成消息）或未定向。
// Data 为只读载荷：同一次 Send 的多份投递副本共享同一底层
// 切片，接收方不得修改。
type Message struct {
	ID        MessageID
	InReplyTo MessageID
	To        uint32
	From      uint32
	OrigFrom  Address
	FinalTo   Address
	Flags     Flags
	Name      string
	Data      []byte
}

// NewMessage 创建通知消息（Notification）
func NewMessage(name string, data []byte) *Message {
	return &Message{
		Name: name,
		Data: data,
	}
}

// NewRequest 创建请求消息（Request）
//
// 设置 WantReply 标志；ID 留空由 Device 在 Send 时分配。
func NewRequest(name string, data []byte) *Message {
	return &Message{
		Name:  name,
		Data:  data,
		Flags: WantReply,
	}
}

// NewReply 基于收到的 Request 构造 Reply
//
// 目标为原始发送方，名称沿用 Request 的名称。
// 若 req 不是投递给本连接应答的 Request（未带 WantYouToReply），
// 仍会构造消息，由 Send 的准入检查负责拒绝。
func NewReply(req *Message, data []byte) *Message {
	return &Message{
		Name:      req.Name,
		Data:      data,
		To:        req.From,
		InReplyTo: req.ID,
	}
}

// NewStatefulRequest 创建绑定特定 Replier 的请求
//
// earlier 应为此前与该 Replier 往来的 Reply（或携带
// WantYouToReply 的 Request），从中提取目标连接信息。
func NewStatefulRequest(earlier *Message, name string, data []byte) *Message {
	msg := NewRequest(name, data)
	msg.To = earlier.From
	msg.FinalTo = earlier.OrigFrom
	return msg
}

// IsRequest 是否为 Request（WantReply 已设置）
func (m *Message) IsRequest() bool {
	return m.Flags.Has(WantReply)
}

// IsReply 是否为 Reply（InReplyTo 非零）
func (m *Message) IsReply() bool {
	return !m.InReplyTo.IsZero()
}

// IsSynthetic 是否为代理合成消息
func (m *Message) IsSynthetic() bool {
	return m.Flags.Has(Synthetic)
}

// IsStatefulRequest 是否为有状态 Request（To 指向特定 Replier）
func (m *Message) IsStatefulRequest() bool {
	return m.IsRequest() && m.To != 0
}

// WantsYourReply 收到的副本是否要求本连接应答
func (m *Message) WantsYourReply() bool {
	return m.Flags.Has(WantYouToReply)
}

// Clone 复制消息（Data 共享底层切片，见 Message 说明）
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// String 简短的调试表示
func (m *Message) String() string {
	return fmt.Sprintf("<%s id=%s from=%d to=%d flags=%#x len=%d>",
		m.Name, m.ID, m.From, m.To, uint32(m.Flags), len(m.Data))
}
