// Package wire 实现客户端协议的帧格式
//
// 客户端与代理服务之间的每次交互是一对帧：请求帧与响应帧。
// 帧头 4 个 32 位字（网络字节序）：op/status | arg1 | arg2 |
// payload_len，随后是 payload_len 字节载荷。消息本身以本包的
// 线缆编码作为载荷传输。
package wire

import (
	"encoding/binary"
	"io"

	"kbus/errors"
)

// 操作码
const (
	OpBind uint32 = iota + 1
	OpUnbind
	OpSend
	OpReceive
	OpSetMaxQueueLen
	OpSetOnlyOnce
	OpQueryReplier
	OpWaitReady
)

// WaitReady 的 arg1 标志位
const (
	ReadyReadable uint32 = 1 << iota
	ReadyWritable
)

// 响应状态码
const (
	StatusOK uint32 = iota
	StatusNameInvalid
	StatusNameTooLong
	StatusReplierAlreadyBound
	StatusNotFound
	StatusInvalidMessage
	StatusNoReplierBound
	StatusReplyNotExpected
	StatusWrongReplier
	StatusQueueFull
	StatusQueueFullRetryable
	StatusMalformedMessage
	StatusClosed
	StatusTimeout
	StatusInternal
)

var statusByCode = map[errors.ErrorCode]uint32{
	errors.ErrCodeNameInvalid:         StatusNameInvalid,
	errors.ErrCodeNameTooLong:         StatusNameTooLong,
	errors.ErrCodeReplierAlreadyBound: StatusReplierAlreadyBound,
	errors.ErrCodeNotFound:            StatusNotFound,
	errors.ErrCodeInvalidMessage:      StatusInvalidMessage,
	errors.ErrCodeNoReplierBound:      StatusNoReplierBound,
	errors.ErrCodeReplyNotExpected:    StatusReplyNotExpected,
	errors.ErrCodeWrongReplier:        StatusWrongReplier,
	errors.ErrCodeQueueFull:           StatusQueueFull,
	errors.ErrCodeQueueFullRetryable:  StatusQueueFullRetryable,
	errors.ErrCodeMalformedMessage:    StatusMalformedMessage,
	errors.ErrCodeClosed:              StatusClosed,
	errors.ErrCodeTimeout:             StatusTimeout,
}

var codeByStatus = func() map[uint32]errors.ErrorCode {
	m := make(map[uint32]errors.ErrorCode, len(statusByCode))
	for code, status := range statusByCode {
		m[status] = code
	}
	return m
}()

// StatusOf 把错误映射为响应状态码
func StatusOf(err error) uint32 {
	if err == nil {
		return StatusOK
	}
	if status, ok := statusByCode[errors.GetErrorCode(err)]; ok {
		return status
	}
	return StatusInternal
}

// ErrorFromStatus 把非 OK 状态码还原为带代码的错误
func ErrorFromStatus(status uint32, detail string) error {
	if status == StatusOK {
		return nil
	}
	code, ok := codeByStatus[status]
	if !ok {
		code = errors.ErrCodeInternal
	}
	if detail == "" {
		detail = "request failed"
	}
	return errors.NewError(code, detail)
}

// Frame 一帧协议数据
type Frame struct {
	Op      uint32 // 请求帧为操作码，响应帧为状态码
	Arg1    uint32
	Arg2    uint32
	Payload []byte
}

// frameHeaderSize 帧头字节数
const frameHeaderSize = 16

// maxFramePayload 载荷上限：一条最大消息的编码尺寸加富余量
const maxFramePayload = MaxDataLen + HeaderSize + 4096

// WriteFrame 写出一帧
func WriteFrame(w io.Writer, f *Frame) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[0:], f.Op)
	binary.BigEndian.PutUint32(header[4:], f.Arg1)
	binary.BigEndian.PutUint32(header[8:], f.Arg2)
	binary.BigEndian.PutUint32(header[12:], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return errors.WrapError(err, errors.ErrCodeNetwork, "write frame header")
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return errors.WrapError(err, errors.ErrCodeNetwork, "write frame payload")
		}
	}
	return nil
}

// ReadFrame 读入一帧
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, "read frame header")
	}

	f := &Frame{
		Op:   binary.BigEndian.Uint32(header[0:]),
		Arg1: binary.BigEndian.Uint32(header[4:]),
		Arg2: binary.BigEndian.Uint32(header[8:]),
	}
	payloadLen := binary.BigEndian.Uint32(header[12:])
	if payloadLen > maxFramePayload {
		return nil, errors.NewError(errors.ErrCodeMalformedMessage, "frame payload too large")
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeNetwork, "read frame payload")
		}
	}
	return f, nil
}
