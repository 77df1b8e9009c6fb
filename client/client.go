// Package client 提供访问代理服务的 Go 客户端
//
// 客户端通过帧协议（wire 包）与 server 包对话。一个 Client 对应
// 代理设备上的一个连接；Close 关闭套接字即断开设备连接。帧交互
// 为串行请求/响应，Client 以互斥锁保证同一时刻只有一次在途请求。
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"kbus/errors"
	"kbus/message"
	"kbus/patterns/retry"
	"kbus/wire"
)

// Role 绑定角色（与 device 包对应，避免客户端依赖代理内部实现）
type Role uint32

const (
	Listener Role = 0
	Replier  Role = 1
)

// Client 代理客户端
type Client struct {
	mu   sync.Mutex
	sock net.Conn
}

// Dial 连接代理服务
//
// network 为 "tcp" 或 "unix"。
func Dial(network, addr string) (*Client, error) {
	sock, err := net.Dial(network, addr)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, "dial broker")
	}
	return &Client{sock: sock}, nil
}

// Close 关闭客户端，断开代理连接
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.Close()
}

// roundTrip 发送请求帧并等待响应帧
func (c *Client) roundTrip(req *wire.Frame) (*wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.sock, req); err != nil {
		return nil, err
	}
	resp, err := wire.ReadFrame(c.sock)
	if err != nil {
		return nil, err
	}
	if resp.Op != wire.StatusOK {
		return nil, wire.ErrorFromStatus(resp.Op, string(resp.Payload))
	}
	return resp, nil
}

// Bind 绑定消息名称模式
func (c *Client) Bind(role Role, pattern string) error {
	_, err := c.roundTrip(&wire.Frame{
		Op:      wire.OpBind,
		Arg1:    uint32(role),
		Payload: []byte(pattern),
	})
	return err
}

// Unbind 解除绑定
func (c *Client) Unbind(role Role, pattern string) error {
	_, err := c.roundTrip(&wire.Frame{
		Op:      wire.OpUnbind,
		Arg1:    uint32(role),
		Payload: []byte(pattern),
	})
	return err
}

// Send 发送消息，返回代理分配的消息 ID
func (c *Client) Send(msg *message.Message) (message.MessageID, error) {
	payload, err := wire.Marshal(msg)
	if err != nil {
		return message.MessageID{}, err
	}
	resp, err := c.roundTrip(&wire.Frame{Op: wire.OpSend, Payload: payload})
	if err != nil {
		return message.MessageID{}, err
	}
	return message.MessageID{Network: resp.Arg1, Serial: resp.Arg2}, nil
}

// SendRetry 发送消息，对暂时性的队列满错误按退避策略重试
//
// 适用于不想用 ALL_OR_WAIT 在代理侧挂起、又希望对
// QueueFullRetryable 做有限次重试的调用方。
func (c *Client) SendRetry(ctx context.Context, msg *message.Message, cfg retry.Config) (message.MessageID, error) {
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = errors.IsRetryable
	}
	var id message.MessageID
	err := retry.Do(ctx, func(ctx context.Context) error {
		sent, serr := c.Send(msg)
		if serr != nil {
			return serr
		}
		id = sent
		return nil
	}, cfg)
	if err != nil {
		return message.MessageID{}, err
	}
	return id, nil
}

// Receive 阻塞读取下一条消息
func (c *Client) Receive() (*message.Message, error) {
	return c.receive(-1)
}

// ReceiveTimeout 带超时读取，超时返回 (nil, nil)
func (c *Client) ReceiveTimeout(timeout time.Duration) (*message.Message, error) {
	ms := int32(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return c.receive(ms)
}

// Poll 非阻塞读取，无消息返回 (nil, nil)
func (c *Client) Poll() (*message.Message, error) {
	return c.receive(0)
}

func (c *Client) receive(timeoutMs int32) (*message.Message, error) {
	resp, err := c.roundTrip(&wire.Frame{Op: wire.OpReceive, Arg1: uint32(timeoutMs)})
	if err != nil {
		return nil, err
	}
	if resp.Arg1 == 0 {
		return nil, nil
	}
	msg, _, err := wire.Unmarshal(resp.Payload)
	return msg, err
}

// SetMaxQueueLen 设置接收队列上限
func (c *Client) SetMaxQueueLen(n int) error {
	_, err := c.roundTrip(&wire.Frame{Op: wire.OpSetMaxQueueLen, Arg1: uint32(n)})
	return err
}

// SetOnlyOnce 设置 only-once 投递去重模式
func (c *Client) SetOnlyOnce(enabled bool) error {
	var flag uint32
	if enabled {
		flag = 1
	}
	_, err := c.roundTrip(&wire.Frame{Op: wire.OpSetOnlyOnce, Arg1: flag})
	return err
}

// QueryReplier 查询名称当前的 Replier 连接 ID，0 表示无
func (c *Client) QueryReplier(name string) (uint32, error) {
	resp, err := c.roundTrip(&wire.Frame{Op: wire.OpQueryReplier, Payload: []byte(name)})
	if err != nil {
		return 0, err
	}
	return resp.Arg1, nil
}

// WaitReady 组合就绪等待
//
// timeout 语义与设备一致：0 轮询，负值无限等待。
func (c *Client) WaitReady(wantReadable, wantWritable bool, timeout time.Duration) (readable, writable bool, err error) {
	var flags uint32
	if wantReadable {
		flags |= wire.ReadyReadable
	}
	if wantWritable {
		flags |= wire.ReadyWritable
	}

	var ms int32
	switch {
	case timeout < 0:
		ms = -1
	case timeout > 0:
		ms = int32(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}

	resp, err := c.roundTrip(&wire.Frame{Op: wire.OpWaitReady, Arg1: flags, Arg2: uint32(ms)})
	if err != nil {
		return false, false, err
	}
	return resp.Arg1&wire.ReadyReadable != 0, resp.Arg1&wire.ReadyWritable != 0, nil
}
