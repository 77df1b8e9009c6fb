// Package natsconn 提供经由 NATS 主题的桥接链路
//
// 两端各自向对方的主题发布、订阅自己的主题，消息体为原生
// 二进制线格式。适合两台设备之间已有 NATS 基础设施的场景。
package natsconn

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"kbus/errors"
	"kbus/logging"
	"kbus/message"
	"kbus/wire"
)

// Config NATS 链路配置
type Config struct {
	// URL NATS 服务器地址，Conn 为空时用于建连
	URL string

	// Conn 预先建立的连接；提供时由调用方负责其生命周期
	Conn *nats.Conn

	// SendSubject 发往对端的主题
	SendSubject string

	// ReceiveSubject 本端订阅的主题
	ReceiveSubject string

	// PendingLimit 订阅积压上限（消息条数），0 使用 nats.go 默认值
	PendingLimit int

	// Logger 为空时使用全局日志器
	Logger logging.Logger
}

// Transport NATS 主题上的桥接链路
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	ownsConn bool
	sub      *nats.Subscription
	inbox    chan *nats.Msg
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewTransport 建连并订阅本端主题
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.SendSubject == "" || cfg.ReceiveSubject == "" {
		return nil, errors.NewError(errors.ErrCodeNetwork, "natsconn: both subjects must be configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(
			logging.String("component", "limpet.natsconn"),
			logging.String("subject", cfg.ReceiveSubject))
	}

	conn := cfg.Conn
	owns := false
	if conn == nil {
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		c, err := nats.Connect(url, nats.Name("kbus-limpet"))
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeNetwork, "natsconn: connect failed")
		}
		conn = c
		owns = true
	}

	inbox := make(chan *nats.Msg, 256)
	sub, err := conn.ChanSubscribe(cfg.ReceiveSubject, inbox)
	if err != nil {
		if owns {
			conn.Close()
		}
		return nil, errors.WrapError(err, errors.ErrCodeNetwork, "natsconn: subscribe failed")
	}
	if cfg.PendingLimit > 0 {
		sub.SetPendingLimits(cfg.PendingLimit, -1)
	}

	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger,
		conn:     conn,
		ownsConn: owns,
		sub:      sub,
		inbox:    inbox,
		done:     make(chan struct{}),
	}, nil
}

func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.NewError(errors.ErrCodeClosed, "natsconn: transport is closed")
	}
	t.mu.Unlock()

	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(t.cfg.SendSubject, data); err != nil {
		return errors.WrapError(err, errors.ErrCodeNetwork, "natsconn: publish failed")
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context) (*message.Message, error) {
	for {
		select {
		case nm := <-t.inbox:
			msg, _, err := wire.Unmarshal(nm.Data)
			if err != nil {
				// 主题上的坏帧只影响这一条，跳过继续收
				t.logger.Warn(ctx, "discarding malformed frame", logging.Error(err))
				continue
			}
			return msg, nil
		case <-t.done:
			return nil, errors.NewError(errors.ErrCodeClosed, "natsconn: transport is closed")
		case <-ctx.Done():
			return nil, errors.WrapError(ctx.Err(), errors.ErrCodeTimeout, "natsconn: receive cancelled")
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	t.sub.Unsubscribe()
	if t.ownsConn {
		t.conn.Close()
	}
	return nil
}
