// Package tcpstream 提供基于原生二进制线格式的 TCP/Unix 套接字
// 桥接链路。一条连接承载双向消息流，消息按 wire 包的带护栏帧
// 编码。
package tcpstream

import (
	"context"
	"net"
	"sync"
	"time"

	"kbus/errors"
	"kbus/logging"
	"kbus/message"
	"kbus/patterns/retry"
	"kbus/wire"
)

// Config TCP 链路配置
type Config struct {
	// Network "tcp" 或 "unix"，默认 "tcp"
	Network string

	// Addr 监听或拨号地址
	Addr string

	// Listen true 表示本端等待对端接入，false 表示主动拨号
	Listen bool

	// Retry 拨号重试策略，零值使用 retry.DefaultConfig
	Retry retry.Config

	// Logger 为空时使用全局日志器
	Logger logging.Logger
}

// Transport 单连接的 TCP 桥接链路
type Transport struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	closed   bool

	// 收发各自串行，读写两侧分别持锁
	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewTransport 构造 TCP 链路（不立即建连，首次收发时建立）
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Addr == "" {
		return nil, errors.NewError(errors.ErrCodeNetwork, "tcpstream: no address configured")
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(
			logging.String("component", "limpet.tcpstream"),
			logging.String("addr", cfg.Addr))
	}

	t := &Transport{cfg: cfg, logger: cfg.Logger}
	if cfg.Listen {
		ln, err := net.Listen(cfg.Network, cfg.Addr)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeNetwork, "tcpstream: listen failed")
		}
		t.listener = ln
	}
	return t, nil
}

// Addr 实际监听地址（仅 Listen 模式）
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// ensureConn 确保链路连接可用
//
// 阻塞的 Accept/拨号在锁外进行，Close 随时可以通过关闭
// 监听器或已有连接打断它们。
func (t *Transport) ensureConn(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeClosed, "tcpstream: transport is closed")
	}
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	ln := t.listener
	t.mu.Unlock()

	var conn net.Conn
	if ln != nil {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.WrapError(ctx.Err(), errors.ErrCodeTimeout, "tcpstream: accept cancelled")
			}
			return nil, errors.WrapError(err, errors.ErrCodeNetwork, "tcpstream: accept failed")
		}
		conn = c
	} else {
		err := retry.Do(ctx, func(ctx context.Context) error {
			var dialer net.Dialer
			c, derr := dialer.DialContext(ctx, t.cfg.Network, t.cfg.Addr)
			if derr != nil {
				return derr
			}
			conn = c
			return nil
		}, t.cfg.Retry)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeNetwork, "tcpstream: dial failed")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return nil, errors.NewError(errors.ErrCodeClosed, "tcpstream: transport is closed")
	}
	if t.conn != nil {
		// 对向的收发恰好同时建连，保留先到的那条
		conn.Close()
		return t.conn, nil
	}
	t.conn = conn
	t.logger.Info(ctx, "link established", logging.String("remote", conn.RemoteAddr().String()))
	return conn, nil
}

// dropConn 丢弃故障连接，下一次收发时重建
func (t *Transport) dropConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
	conn.Close()
}

func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	conn, err := t.ensureConn(ctx)
	if err != nil {
		return err
	}
	if err := wire.WriteMessage(conn, msg); err != nil {
		t.dropConn(conn)
		return errors.WrapError(err, errors.ErrCodeNetwork, "tcpstream: write failed")
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context) (*message.Message, error) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	conn, err := t.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	// 上游取消时把截止时间拨到过去以打断阻塞读
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		t.dropConn(conn)
		if ctx.Err() != nil {
			return nil, errors.WrapError(ctx.Err(), errors.ErrCodeTimeout, "tcpstream: receive cancelled")
		}
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, "tcpstream: read failed")
	}
	return msg, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
