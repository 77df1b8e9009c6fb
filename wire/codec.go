// Package wire 实现消息的二进制线缆编码
//
// 布局（全部网络字节序）：
//
//	start_guard | id(2w) | in_reply_to(2w) | to | from | orig_from(2w) |
//	final_to(2w) | extra | flags | name_len | data_len | end_guard |
//	name（含终止零字节，补零对齐到 4 字节）| data（补零对齐到 4 字节）|
//	end_guard
//
// 共 16 字的定长头部，末尾重复一次 end_guard 用于完整性校验。
// 哨兵字损坏或长度不符仅使该条消息解码失败（MalformedMessage），
// 不影响流中的后续消息边界由调用方重建。
package wire

import (
	"encoding/binary"
	"io"

	"kbus/errors"
	"kbus/message"
)

const (
	// StartGuard 起始哨兵字（ASCII "subm" 的大端编码）
	StartGuard uint32 = 0x7375626D

	// EndGuard 结束哨兵字（ASCII "!!##" 的大端编码）
	EndGuard uint32 = 0x21212323

	// HeaderWords 定长头部的 32 位字数（含头部内的 end_guard）
	HeaderWords = 16

	// HeaderSize 定长头部字节数
	HeaderSize = HeaderWords * 4

	// MaxDataLen 单条消息载荷的解码上限，超出视为损坏
	MaxDataLen = 16 << 20
)

// paddedNameLen 名称区字节数：name_len + 终止零字节，对齐 4 字节
func paddedNameLen(nameLen int) int {
	return (nameLen + 1 + 3) &^ 3
}

// paddedDataLen 载荷区字节数：data_len 对齐 4 字节
func paddedDataLen(dataLen int) int {
	return (dataLen + 3) &^ 3
}

// MarshalSize 编码后的总字节数
func MarshalSize(msg *message.Message) int {
	return HeaderSize + paddedNameLen(len(msg.Name)) + paddedDataLen(len(msg.Data)) + 4
}

// Marshal 编码消息
func Marshal(msg *message.Message) ([]byte, error) {
	if msg == nil || msg.Name == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidMessage, "cannot marshal a message without a name")
	}
	if len(msg.Name) > message.MaxNameLen {
		return nil, errors.NewError(errors.ErrCodeNameTooLong, "message name too long to marshal")
	}

	buf := make([]byte, MarshalSize(msg))
	words := []uint32{
		StartGuard,
		msg.ID.Network, msg.ID.Serial,
		msg.InReplyTo.Network, msg.InReplyTo.Serial,
		msg.To, msg.From,
		msg.OrigFrom.Network, msg.OrigFrom.Local,
		msg.FinalTo.Network, msg.FinalTo.Local,
		0, // extra（保留字段）
		uint32(msg.Flags),
		uint32(len(msg.Name)),
		uint32(len(msg.Data)),
		EndGuard,
	}
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}

	off := HeaderSize
	copy(buf[off:], msg.Name)
	off += paddedNameLen(len(msg.Name))
	copy(buf[off:], msg.Data)
	off += paddedDataLen(len(msg.Data))
	binary.BigEndian.PutUint32(buf[off:], EndGuard)
	return buf, nil
}

// Unmarshal 解码一条消息，返回消费的字节数
func Unmarshal(data []byte) (*message.Message, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "message header truncated")
	}

	word := func(i int) uint32 {
		return binary.BigEndian.Uint32(data[i*4:])
	}
	if word(0) != StartGuard {
		return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "bad start guard")
	}
	if word(15) != EndGuard {
		return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "bad header end guard")
	}

	nameLen := int(word(13))
	dataLen := int(word(14))
	if nameLen == 0 || nameLen > message.MaxNameLen {
		return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "implausible name length")
	}
	if dataLen > MaxDataLen {
		return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "implausible data length")
	}

	total := HeaderSize + paddedNameLen(nameLen) + paddedDataLen(dataLen) + 4
	if len(data) < total {
		return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "message body truncated")
	}
	if binary.BigEndian.Uint32(data[total-4:]) != EndGuard {
		return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "bad trailing end guard")
	}

	nameOff := HeaderSize
	name := data[nameOff : nameOff+nameLen]
	for _, b := range name {
		if b == 0 {
			return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "name contains a zero byte")
		}
	}
	if data[nameOff+nameLen] != 0 {
		return nil, 0, errors.NewError(errors.ErrCodeMalformedMessage, "name is not zero-terminated")
	}

	dataOff := nameOff + paddedNameLen(nameLen)
	var payload []byte
	if dataLen > 0 {
		payload = make([]byte, dataLen)
		copy(payload, data[dataOff:dataOff+dataLen])
	}

	msg := &message.Message{
		ID:        message.MessageID{Network: word(1), Serial: word(2)},
		InReplyTo: message.MessageID{Network: word(3), Serial: word(4)},
		To:        word(5),
		From:      word(6),
		OrigFrom:  message.Address{Network: word(7), Local: word(8)},
		FinalTo:   message.Address{Network: word(9), Local: word(10)},
		Flags:     message.Flags(word(12)),
		Name:      string(name),
		Data:      payload,
	}
	return msg, total, nil
}

// WriteMessage 把编码后的消息写入 w
func WriteMessage(w io.Writer, msg *message.Message) error {
	buf, err := Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.WrapError(err, errors.ErrCodeNetwork, "write message")
	}
	return nil
}

// ReadMessage 从 r 读取并解码一条完整消息
//
// 按头部声明的长度精确读取；任何哨兵/长度校验失败都返回
// MalformedMessage。
func ReadMessage(r io.Reader) (*message.Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, "read message header")
	}

	nameLen := int(binary.BigEndian.Uint32(header[13*4:]))
	dataLen := int(binary.BigEndian.Uint32(header[14*4:]))
	if binary.BigEndian.Uint32(header) != StartGuard {
		return nil, errors.NewError(errors.ErrCodeMalformedMessage, "bad start guard")
	}
	if nameLen == 0 || nameLen > message.MaxNameLen || dataLen > MaxDataLen {
		return nil, errors.NewError(errors.ErrCodeMalformedMessage, "implausible lengths in header")
	}

	rest := make([]byte, paddedNameLen(nameLen)+paddedDataLen(dataLen)+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, "read message body")
	}

	msg, _, err := Unmarshal(append(header, rest...))
	return msg, err
}
