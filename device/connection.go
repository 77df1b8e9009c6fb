// Package device 实现连接状态：有界接收队列与请求记账
package device

import (
	"context"
	"time"

	"kbus/errors"
	"kbus/message"
)

// unrepliedEntry 已读取但尚未应答的 Request 记录
type unrepliedEntry struct {
	from uint32
	name string
}

// Connection 客户端与设备的会话
//
// 接收队列有界：queueLen + |outstanding| 不得超过 maxQueueLen。
// 每发出一个 Request 即在本连接预留一个应答槽位，保证对应的
// Reply（或合成应答）总能入队。
type Connection struct {
	dev *Device
	id  uint32

	maxQueueLen int
	queue       []*message.Message

	// outstanding 已发出、尚未收到应答的 Request ID 集合
	outstanding map[message.MessageID]struct{}

	// unreplied 以 Replier 身份读取、尚未应答的 Request 集合
	unreplied map[message.MessageID]unrepliedEntry

	// lastPushedID 去重标记：only-once 模式下同一次 Send 的
	// 多绑定扇出只投递一份副本
	lastPushedID message.MessageID
	onlyOnce     bool

	// parkedSends 当前挂起的 AllOrWait 发送数
	parkedSends int

	// retryBlocked 上一次以 QueueFullRetryable 失败的消息，
	// 供 WaitReady 的可写判定复查
	retryBlocked *message.Message

	readCh chan struct{}
	done   chan struct{}
	closed bool
}

// ID 连接 ID
func (c *Connection) ID() uint32 {
	return c.id
}

// Bind 绑定消息名称模式
func (c *Connection) Bind(role Role, pattern string) error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()

	if c.closed {
		return errors.NewError(errors.ErrCodeClosed, "connection is closed")
	}
	return c.dev.bindLocked(c, role, pattern)
}

// Unbind 解除单条绑定（owner、角色、字面模式串均须一致）
func (c *Connection) Unbind(role Role, pattern string) error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()

	if c.closed {
		return errors.NewError(errors.ErrCodeClosed, "connection is closed")
	}
	return c.dev.unbindLocked(c, role, pattern)
}

// Receive 取出队首消息，队列为空时阻塞直至有消息或连接关闭
func (c *Connection) Receive(ctx context.Context) (*message.Message, error) {
	for {
		c.dev.mu.Lock()
		if c.closed {
			c.dev.mu.Unlock()
			return nil, errors.NewError(errors.ErrCodeClosed, "connection is closed")
		}
		if len(c.queue) > 0 {
			msg := c.popLocked()
			c.dev.mu.Unlock()
			return msg, nil
		}
		c.dev.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.WrapError(ctx.Err(), errors.ErrCodeTimeout, "receive cancelled")
		case <-c.done:
			return nil, errors.NewError(errors.ErrCodeClosed, "connection is closed")
		case <-c.readCh:
		}
	}
}

// Poll 非阻塞取出队首消息，队列为空时返回 (nil, nil)
func (c *Connection) Poll() (*message.Message, error) {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()

	if c.closed {
		return nil, errors.NewError(errors.ErrCodeClosed, "connection is closed")
	}
	if len(c.queue) == 0 {
		return nil, nil
	}
	return c.popLocked(), nil
}

// WaitReady 组合就绪等待
//
// timeout 语义：0 表示立即返回当前状态（poll），负值表示无限等待。
// 可读：接收队列非空。可写：没有挂起的 AllOrWait 发送，且上一次
// 可重试失败（若有）的准入条件已经清除。
func (c *Connection) WaitReady(ctx context.Context, wantReadable, wantWritable bool, timeout time.Duration) (readable, writable bool, err error) {
	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerCh = timer.C
		defer timer.Stop()
	}

	for {
		c.dev.mu.Lock()
		if c.closed {
			c.dev.mu.Unlock()
			return false, false, errors.NewError(errors.ErrCodeClosed, "connection is closed")
		}
		readable = len(c.queue) > 0
		writable = c.writableLocked()
		roomCh := c.dev.roomCh
		c.dev.mu.Unlock()

		satisfied := (wantReadable && readable) || (wantWritable && writable)
		if satisfied || timeout == 0 {
			return readable, writable, nil
		}

		select {
		case <-ctx.Done():
			return false, false, errors.WrapError(ctx.Err(), errors.ErrCodeTimeout, "wait cancelled")
		case <-c.done:
			return false, false, errors.NewError(errors.ErrCodeClosed, "connection is closed")
		case <-timerCh:
			return readable, writable, nil
		case <-c.readCh:
		case <-roomCh:
		}
	}
}

// writableLocked 可写判定（锁内调用）
func (c *Connection) writableLocked() bool {
	if c.parkedSends > 0 {
		return false
	}
	if c.retryBlocked != nil {
		if _, err := c.dev.admitLocked(c, c.retryBlocked); err != nil {
			return false
		}
		c.retryBlocked = nil
	}
	return true
}

// SetMaxQueueLen 设置接收队列上限
//
// 不允许收缩到当前占用（队列长度 + 未决请求数）之下，否则会
// 破坏应答槽位预留。
func (c *Connection) SetMaxQueueLen(n int) error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()

	if c.closed {
		return errors.NewError(errors.ErrCodeClosed, "connection is closed")
	}
	if n < 1 {
		return errors.NewError(errors.ErrCodeNameInvalid, "queue length must be at least 1")
	}
	if used := len(c.queue) + len(c.outstanding); n < used {
		return errors.NewErrorf(errors.ErrCodeQueueFull,
			"cannot shrink queue below current usage (%d)", used)
	}
	c.maxQueueLen = n
	return nil
}

// QueryReplier 查询名称当前选举出的 Replier 连接 ID，0 表示无
func (c *Connection) QueryReplier(name string) uint32 {
	return c.dev.QueryReplier(name)
}

// SetOnlyOnce 设置 only-once 投递去重模式
func (c *Connection) SetOnlyOnce(enabled bool) error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()

	if c.closed {
		return errors.NewError(errors.ErrCodeClosed, "connection is closed")
	}
	c.onlyOnce = enabled
	return nil
}

// ConnectionStats 连接状态快照
type ConnectionStats struct {
	ID          uint32 `json:"id"`
	QueueLen    int    `json:"queue_len"`
	MaxQueueLen int    `json:"max_queue_len"`
	Outstanding int    `json:"outstanding"`
	Unreplied   int    `json:"unreplied"`
	Parked      int    `json:"parked"`
	OnlyOnce    bool   `json:"only_once"`
}

// Stats 获取状态快照
func (c *Connection) Stats() ConnectionStats {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()

	return ConnectionStats{
		ID:          c.id,
		QueueLen:    len(c.queue),
		MaxQueueLen: c.maxQueueLen,
		Outstanding: len(c.outstanding),
		Unreplied:   len(c.unreplied),
		Parked:      c.parkedSends,
		OnlyOnce:    c.onlyOnce,
	}
}

// hasRoomLocked 准入检查（锁内调用）
//
// forReply 为 true 时豁免一个槽位：Reply 使用其 Request 发出时
// 预留的位置。
func (c *Connection) hasRoomLocked(forReply bool) bool {
	reserve := 0
	if forReply {
		reserve = 1
	}
	return len(c.queue)+len(c.outstanding)-reserve < c.maxQueueLen
}

// pushLocked 无条件入队（锁内调用）
//
// urgent 为 true 插入队首，否则追加队尾；更新去重标记并唤醒
// 阻塞的读取方。
func (c *Connection) pushLocked(msg *message.Message, urgent bool) {
	if urgent {
		c.queue = append([]*message.Message{msg}, c.queue...)
	} else {
		c.queue = append(c.queue, msg)
	}
	c.lastPushedID = msg.ID
	c.dev.recordDelivery(msg, c.id)

	select {
	case c.readCh <- struct{}{}:
	default:
	}
}

// deliverCopyLocked 入队扇出副本，应用 only-once 去重（锁内调用）
//
// 返回 false 表示该副本因本轮已经投递过而被跳过（不算错误）。
func (c *Connection) deliverCopyLocked(msg *message.Message, urgent bool) bool {
	if c.onlyOnce && !msg.ID.IsZero() && msg.ID == c.lastPushedID {
		return false
	}
	c.pushLocked(msg, urgent)
	return true
}

// popLocked 取出队首（锁内调用）
//
// 若弹出使队列从满转为未满，广播可写就绪信号。携带
// WantYouToReply 的副本在此刻才计入 unreplied：仅在队列中未被
// 读取的 Request 不算"已读未答"，断开时走 GoneAway 而非 Ignored。
func (c *Connection) popLocked() *message.Message {
	wasFull := !c.hasRoomLocked(false)

	msg := c.queue[0]
	c.queue = c.queue[1:]

	if msg.WantsYourReply() && !msg.IsSynthetic() {
		c.unreplied[msg.ID] = unrepliedEntry{from: msg.From, name: msg.Name}
	}

	if wasFull && c.hasRoomLocked(false) {
		c.dev.signalRoomLocked()
	}
	return msg
}

// removeQueuedLocked 移除队列中下标 i 的消息（锁内调用）
func (c *Connection) removeQueuedLocked(i int) {
	wasFull := !c.hasRoomLocked(false)
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	if wasFull && c.hasRoomLocked(false) {
		c.dev.signalRoomLocked()
	}
}

// recordOutstandingLocked 记录已发出的 Request（锁内调用）
func (c *Connection) recordOutstandingLocked(id message.MessageID) {
	c.outstanding[id] = struct{}{}
}

// forgetOutstandingLocked 注销已发出的 Request（锁内调用）
//
// 注销释放了预留槽位，广播可写就绪信号。
func (c *Connection) forgetOutstandingLocked(id message.MessageID) bool {
	if _, ok := c.outstanding[id]; !ok {
		return false
	}
	delete(c.outstanding, id)
	c.dev.signalRoomLocked()
	return true
}

// forgetUnrepliedLocked 注销已读未答记录（锁内调用）
func (c *Connection) forgetUnrepliedLocked(id message.MessageID) bool {
	if _, ok := c.unreplied[id]; !ok {
		return false
	}
	delete(c.unreplied, id)
	return true
}
