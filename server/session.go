// Package server 实现单个客户端会话的命令处理
package server

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"kbus/device"
	"kbus/errors"
	"kbus/logging"
	"kbus/message"
	"kbus/wire"
)

// session 一个套接字会话与其设备连接的配对
type session struct {
	id     string
	sock   net.Conn
	conn   *device.Connection
	logger logging.Logger
}

func newSession(sock net.Conn, conn *device.Connection, logger logging.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:   id,
		sock: sock,
		conn: conn,
		logger: logger.WithFields(
			logging.String("session", id),
			logging.Uint32("conn", conn.ID())),
	}
}

// run 逐帧处理命令直至套接字关闭
//
// 退出时断开设备连接，触发完整的生命周期清理。
func (s *session) run(ctx context.Context) {
	defer func() {
		_ = s.conn.Close()
		_ = s.sock.Close()
		s.logger.Debug(ctx, "session ended")
	}()

	s.logger.Debug(ctx, "session started",
		logging.String("remote", s.sock.RemoteAddr().String()))

	// 上下文取消时解除阻塞中的读写
	stop := context.AfterFunc(ctx, func() {
		_ = s.sock.SetDeadline(time.Now())
	})
	defer stop()

	for {
		req, err := wire.ReadFrame(s.sock)
		if err != nil {
			return
		}

		resp := s.handle(ctx, req)
		if err := wire.WriteFrame(s.sock, resp); err != nil {
			s.logger.Warn(ctx, "write response failed", logging.Error(err))
			return
		}
	}
}

// handle 执行一条命令并构造响应帧
func (s *session) handle(ctx context.Context, req *wire.Frame) *wire.Frame {
	switch req.Op {
	case wire.OpBind, wire.OpUnbind:
		role := device.Listener
		if req.Arg1 != 0 {
			role = device.Replier
		}
		pattern := string(req.Payload)
		var err error
		if req.Op == wire.OpBind {
			err = s.conn.Bind(role, pattern)
		} else {
			err = s.conn.Unbind(role, pattern)
		}
		return errorFrame(err)

	case wire.OpSend:
		msg, _, err := wire.Unmarshal(req.Payload)
		if err != nil {
			return errorFrame(err)
		}
		id, err := s.conn.Send(ctx, msg)
		if err != nil {
			return errorFrame(err)
		}
		return &wire.Frame{Op: wire.StatusOK, Arg1: id.Network, Arg2: id.Serial}

	case wire.OpReceive:
		msg, err := s.receive(ctx, int32(req.Arg1))
		if err != nil {
			return errorFrame(err)
		}
		if msg == nil {
			return &wire.Frame{Op: wire.StatusOK}
		}
		payload, err := wire.Marshal(msg)
		if err != nil {
			return errorFrame(err)
		}
		return &wire.Frame{Op: wire.StatusOK, Arg1: 1, Payload: payload}

	case wire.OpSetMaxQueueLen:
		return errorFrame(s.conn.SetMaxQueueLen(int(req.Arg1)))

	case wire.OpSetOnlyOnce:
		return errorFrame(s.conn.SetOnlyOnce(req.Arg1 != 0))

	case wire.OpQueryReplier:
		name := string(req.Payload)
		if err := message.CheckName(name); err != nil {
			return errorFrame(err)
		}
		return &wire.Frame{Op: wire.StatusOK, Arg1: s.conn.QueryReplier(name)}

	case wire.OpWaitReady:
		readable, writable, err := s.waitReady(ctx, req.Arg1, int32(req.Arg2))
		if err != nil {
			return errorFrame(err)
		}
		var flags uint32
		if readable {
			flags |= wire.ReadyReadable
		}
		if writable {
			flags |= wire.ReadyWritable
		}
		return &wire.Frame{Op: wire.StatusOK, Arg1: flags}

	default:
		return errorFrame(errors.NewErrorf(errors.ErrCodeInvalidMessage,
			"unknown opcode %d", req.Op))
	}
}

// receive 按超时语义读取：0 轮询、负值无限等待、正值毫秒超时
func (s *session) receive(ctx context.Context, timeoutMs int32) (*message.Message, error) {
	switch {
	case timeoutMs == 0:
		return s.conn.Poll()
	case timeoutMs < 0:
		return s.conn.Receive(ctx)
	default:
		rctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
		msg, err := s.conn.Receive(rctx)
		if err != nil && rctx.Err() != nil && ctx.Err() == nil {
			// 会话仍然存活，仅本次等待超时
			return nil, nil
		}
		return msg, err
	}
}

// waitReady 组合就绪等待的超时转换
func (s *session) waitReady(ctx context.Context, flags uint32, timeoutMs int32) (bool, bool, error) {
	var timeout time.Duration
	switch {
	case timeoutMs < 0:
		timeout = -1
	case timeoutMs > 0:
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return s.conn.WaitReady(ctx,
		flags&wire.ReadyReadable != 0,
		flags&wire.ReadyWritable != 0,
		timeout)
}

// errorFrame 把错误转换为响应帧，nil 表示成功
func errorFrame(err error) *wire.Frame {
	if err == nil {
		return &wire.Frame{Op: wire.StatusOK}
	}
	return &wire.Frame{
		Op:      wire.StatusOf(err),
		Payload: []byte(err.Error()),
	}
}
