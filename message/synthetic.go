// Package message 定义代理合成消息的标准名称与构造函数
package message

import (
	"encoding/binary"

	"kbus/errors"
)

// 标准合成消息名称
//
// 这些消息由代理生成（Synthetic 标志已设置），代替真正的
// Replier 给出终态答复，保证每个已入队的 Request 恰好得到
// 一个应答。
const (
	// NameReplierGoneAway Replier 在读取 Request 之前断开
	NameReplierGoneAway = "$.KBUS.Replier.GoneAway"

	// NameReplierIgnored Replier 读取了 Request 但未应答即断开
	NameReplierIgnored = "$.KBUS.Replier.Ignored"

	// NameReplierUnbound Replier 在 Request 入队后解除了绑定
	NameReplierUnbound = "$.KBUS.Replier.Unbound"

	// NameReplierDisappeared AllOrWait 重试期间 Replier 消失
	NameReplierDisappeared = "$.KBUS.Replier.Disappeared"

	// NameErrorSending 重试投递时出现内部错误
	NameErrorSending = "$.KBUS.ErrorSending"

	// NameReplierBindEvent Replier 绑定/解绑通告（Notification），
	// 载荷见 BindEventPayload
	NameReplierBindEvent = "$.KBUS.Replier.BindEvent"
)

// NewSyntheticReply 构造 Reply 形态的合成消息
//
// 参数:
//   - name: 标准合成消息名称（NameReplier* / NameErrorSending）
//   - inReplyTo: 被终结的原始 Request 的 ID
//   - to: 原始发送方的连接 ID
func NewSyntheticReply(name string, inReplyTo MessageID, to uint32) *Message {
	return &Message{
		Name:      name,
		To:        to,
		InReplyTo: inReplyTo,
		Flags:     Synthetic,
	}
}

// BindEventPayload $.KBUS.Replier.BindEvent 的消息载荷
type BindEventPayload struct {
	// IsBind true 表示绑定，false 表示解绑
	IsBind bool

	// Binder 执行绑定的连接 ID
	Binder uint32

	// Name 被绑定的模式
	Name string
}

// MarshalBinary 编码为 {is_bind(4B) | binder(4B) | name_len(4B) | name}
// 网络字节序，名称按 4 字节对齐补零
func (p *BindEventPayload) MarshalBinary() ([]byte, error) {
	nameLen := len(p.Name)
	padded := (nameLen + 3) &^ 3
	buf := make([]byte, 12+padded)

	var isBind uint32
	if p.IsBind {
		isBind = 1
	}
	binary.BigEndian.PutUint32(buf[0:], isBind)
	binary.BigEndian.PutUint32(buf[4:], p.Binder)
	binary.BigEndian.PutUint32(buf[8:], uint32(nameLen))
	copy(buf[12:], p.Name)
	return buf, nil
}

// UnmarshalBinary 解码 BindEvent 载荷
func (p *BindEventPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return errors.NewError(errors.ErrCodeMalformedMessage,
			"bind event payload too short")
	}
	nameLen := binary.BigEndian.Uint32(data[8:])
	if uint32(len(data)-12) < nameLen {
		return errors.NewError(errors.ErrCodeMalformedMessage,
			"bind event name truncated")
	}
	p.IsBind = binary.BigEndian.Uint32(data[0:]) != 0
	p.Binder = binary.BigEndian.Uint32(data[4:])
	p.Name = string(data[12 : 12+nameLen])
	return nil
}

// NewBindEvent 构造 Replier 绑定/解绑通告
func NewBindEvent(isBind bool, binder uint32, name string) *Message {
	payload := &BindEventPayload{IsBind: isBind, Binder: binder, Name: name}
	data, _ := payload.MarshalBinary()
	return &Message{
		Name:  NameReplierBindEvent,
		Data:  data,
		Flags: Synthetic,
	}
}
