// Package redisstreams 提供经由 Redis Streams 的桥接链路
//
// 每个方向一条 Stream：本端向 SendStream 追加、经消费组读取
// ReceiveStream。消费组使链路断开重连后从上次确认处继续，
// 跨桥消息不丢失。
package redisstreams

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kbus/errors"
	"kbus/logging"
	"kbus/message"
	"kbus/wire"
)

// frameField Stream 条目中承载线格式帧的字段名
const frameField = "frame"

// client 收敛本包依赖的 go-redis 命令子集（便于测试替换）
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 链路配置
type Config struct {
	// Client 预先建立的客户端；为空时按 Addr 等字段建连
	Client   redis.UniversalClient
	Addr     string
	Username string
	Password string
	DB       int

	// SendStream 发往对端的 Stream 键
	SendStream string

	// ReceiveStream 本端消费的 Stream 键
	ReceiveStream string

	// GroupName 消费组名，默认 "kbus-limpet"
	GroupName string

	// ConsumerName 消费者名，默认随机生成
	ConsumerName string

	// BlockTimeout 单次 XREADGROUP 的阻塞时长，默认 5s
	BlockTimeout time.Duration

	// MinReadBackoff/MaxReadBackoff 读错误退避区间，默认 100ms/5s
	MinReadBackoff time.Duration
	MaxReadBackoff time.Duration

	// MaxLen 发送 Stream 的近似长度上限，0 表示不裁剪
	MaxLen int64

	// Logger 为空时使用全局日志器
	Logger logging.Logger
}

// Transport Redis Streams 上的桥接链路
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	mu          sync.Mutex
	pending     []*message.Message
	groupReady  bool
	closed      bool
	readBackoff time.Duration
}

// NewTransport 构造 Redis Streams 链路
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.SendStream == "" || cfg.ReceiveStream == "" {
		return nil, errors.NewError(errors.ErrCodeNetwork, "redisstreams: both streams must be configured")
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "kbus-limpet"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "limpet-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(
			logging.String("component", "limpet.redisstreams"),
			logging.String("stream", cfg.ReceiveStream))
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		cl = redis.NewClient(&redis.Options{
			Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB,
		})
		own = true
	}

	return &Transport{
		cfg:         cfg,
		client:      cl,
		ownClient:   own,
		logger:      cfg.Logger,
		readBackoff: cfg.MinReadBackoff,
	}, nil
}

func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.NewError(errors.ErrCodeClosed, "redisstreams: transport is closed")
	}
	t.mu.Unlock()

	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: t.cfg.SendStream,
		Values: map[string]any{frameField: string(data)},
	}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return errors.WrapError(err, errors.ErrCodeNetwork, "redisstreams: xadd failed")
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context) (*message.Message, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, errors.NewError(errors.ErrCodeClosed, "redisstreams: transport is closed")
		}
		if len(t.pending) > 0 {
			msg := t.pending[0]
			t.pending = t.pending[1:]
			t.mu.Unlock()
			return msg, nil
		}
		t.mu.Unlock()

		if err := t.ensureGroup(ctx); err != nil {
			if !t.backoff(ctx, err) {
				return nil, err
			}
			continue
		}

		res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.GroupName,
			Consumer: t.cfg.ConsumerName,
			Streams:  []string{t.cfg.ReceiveStream, ">"},
			Count:    16,
			Block:    t.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				// 阻塞窗口内无新条目
				continue
			}
			if !t.backoff(ctx, err) {
				return nil, errors.WrapError(err, errors.ErrCodeNetwork, "redisstreams: xreadgroup failed")
			}
			continue
		}
		t.resetBackoff()

		var got []*message.Message
		for _, stream := range res {
			for _, entry := range stream.Messages {
				if msg := t.decodeEntry(ctx, entry); msg != nil {
					got = append(got, msg)
				}
				t.client.XAck(ctx, t.cfg.ReceiveStream, t.cfg.GroupName, entry.ID)
			}
		}
		if len(got) == 0 {
			continue
		}

		t.mu.Lock()
		t.pending = append(t.pending, got[1:]...)
		t.mu.Unlock()
		return got[0], nil
	}
}

// decodeEntry 解出一个 Stream 条目里的消息，坏帧丢弃
func (t *Transport) decodeEntry(ctx context.Context, entry redis.XMessage) *message.Message {
	raw, ok := entry.Values[frameField].(string)
	if !ok {
		t.logger.Warn(ctx, "stream entry without frame field", logging.String("id", entry.ID))
		return nil
	}
	msg, _, err := wire.Unmarshal([]byte(raw))
	if err != nil {
		t.logger.Warn(ctx, "discarding malformed frame",
			logging.String("id", entry.ID), logging.Error(err))
		return nil
	}
	return msg
}

// ensureGroup 幂等地创建消费组
func (t *Transport) ensureGroup(ctx context.Context) error {
	t.mu.Lock()
	ready := t.groupReady
	t.mu.Unlock()
	if ready {
		return nil
	}

	err := t.client.XGroupCreateMkStream(ctx, t.cfg.ReceiveStream, t.cfg.GroupName, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.WrapError(err, errors.ErrCodeNetwork, "redisstreams: create group failed")
	}
	t.mu.Lock()
	t.groupReady = true
	t.mu.Unlock()
	return nil
}

// backoff 读错误后退避，返回 false 表示应放弃（取消或已关闭）
func (t *Transport) backoff(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	delay := t.readBackoff
	t.readBackoff *= 2
	if t.readBackoff > t.cfg.MaxReadBackoff {
		t.readBackoff = t.cfg.MaxReadBackoff
	}
	t.mu.Unlock()

	t.logger.Warn(ctx, "link read failed, backing off",
		logging.Duration("delay", delay), logging.Error(err))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) resetBackoff() {
	t.mu.Lock()
	t.readBackoff = t.cfg.MinReadBackoff
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.ownClient {
		return t.client.Close()
	}
	return nil
}
