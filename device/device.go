// Package device 实现 KBUS 代理核心（单机消息设备）
//
// 一个 Device 拥有绑定注册表与全部活动连接，并持有单一互斥锁
// 串行化所有状态变更操作（Bind/Unbind/Send/Pop/断开）。准入检查
// 与投递必须在同一临界区内完成，否则无法维持
// queueLen + |outstandingRequests| <= maxQueueLen 的预留不变式。
// 不同 Device 之间相互独立，可完全并行。
package device

import (
	"context"
	"sync"

	"kbus/errors"
	"kbus/logging"
	"kbus/message"
)

// DefaultMaxQueueLen 连接接收队列的默认上限
const DefaultMaxQueueLen = 100

// IDeliveryRecorder 投递记录器接口
//
// 每次成功入队都会回调一次，用于外部观测（如 journal 包的
// SQLite 投递日志）。实现必须是非阻塞的：回调发生在设备锁内。
type IDeliveryRecorder interface {
	RecordDelivery(msg *message.Message, recipient uint32)
}

// Config 设备配置
type Config struct {
	// Network 设备所属网络 ID（桥接时区分两端的 ID 空间，
	// 本地消息序列号仍使用 0 网络）
	Network uint32

	// BindEvents 是否对 Replier 绑定/解绑发送
	// $.KBUS.Replier.BindEvent 通告
	BindEvents bool

	// Logger 日志器，默认使用全局 Logger
	Logger logging.Logger

	// Recorder 可选的投递记录器
	Recorder IDeliveryRecorder
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{}
}

// Option 用于按需修改 Config
type Option func(*Config)

// WithBindEvents 开启 Replier 绑定通告
func WithBindEvents(enabled bool) Option {
	return func(cfg *Config) {
		cfg.BindEvents = enabled
	}
}

// WithLogger 注入日志器
func WithLogger(logger logging.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithRecorder 注入投递记录器
func WithRecorder(recorder IDeliveryRecorder) Option {
	return func(cfg *Config) {
		cfg.Recorder = recorder
	}
}

// WithNetwork 设置设备网络 ID
func WithNetwork(network uint32) Option {
	return func(cfg *Config) {
		cfg.Network = network
	}
}

// Device 消息设备
type Device struct {
	mu sync.Mutex

	cfg    Config
	logger logging.Logger

	bindings []*binding
	conns    map[uint32]*Connection

	nextConnID uint32
	nextSerial uint32

	// roomCh 在任一连接队列从满转为未满时关闭并替换，
	// 唤醒因 AllOrWait 挂起的发送方与 WaitReady 等待者
	roomCh chan struct{}

	closed bool
}

// New 创建设备
func New(opts ...Option) *Device {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}

	return &Device{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[uint32]*Connection),
		roomCh: make(chan struct{}),
	}
}

// Open 打开新连接
//
// 连接 ID 从 1 开始单调递增；0 保留给代理本身。
func (d *Device) Open() (*Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.NewError(errors.ErrCodeClosed, "device is closed")
	}

	d.nextConnID++
	conn := &Connection{
		dev:         d,
		id:          d.nextConnID,
		maxQueueLen: DefaultMaxQueueLen,
		outstanding: make(map[message.MessageID]struct{}),
		unreplied:   make(map[message.MessageID]unrepliedEntry),
		readCh:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	d.conns[conn.id] = conn

	d.logger.Debug(context.Background(), "connection opened",
		logging.Uint32("conn", conn.id))
	return conn, nil
}

// Close 关闭设备，断开所有连接
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.NewError(errors.ErrCodeClosed, "device is already closed")
	}
	conns := make([]*Connection, 0, len(d.conns))
	for _, conn := range d.conns {
		conns = append(conns, conn)
	}
	d.closed = true
	d.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

// QueryReplier 查询名称当前选举出的 Replier 连接 ID，0 表示无
func (d *Device) QueryReplier(name string) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b := d.resolveReplierLocked(name); b != nil {
		return b.owner
	}
	return 0
}

// Network 返回设备所属的网络 ID
func (d *Device) Network() uint32 {
	return d.cfg.Network
}

// ConnectionCount 当前活动连接数
func (d *Device) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// nextMessageID 分配本地消息 ID（锁内调用）
func (d *Device) nextMessageIDLocked() message.MessageID {
	d.nextSerial++
	return message.MessageID{Network: d.cfg.Network, Serial: d.nextSerial}
}

// signalRoomLocked 广播"有队列腾出空间"（锁内调用）
func (d *Device) signalRoomLocked() {
	close(d.roomCh)
	d.roomCh = make(chan struct{})
}

// announceBindLocked 发送 Replier 绑定/解绑通告（锁内调用）
//
// 仅在 BindEvents 开启时生效；通告作为普通 Notification 投递给
// 所有匹配 $.KBUS.Replier.BindEvent 的 Listener。
func (d *Device) announceBindLocked(isBind bool, binder uint32, pattern string) {
	if !d.cfg.BindEvents {
		return
	}
	msg := message.NewBindEvent(isBind, binder, pattern)
	msg.ID = d.nextMessageIDLocked()
	d.deliverToListenersLocked(msg)
}

// deliverToListenersLocked 把代理自身产生的消息投递给匹配的
// Listener（锁内调用，队列满的接收方被静默跳过）
func (d *Device) deliverToListenersLocked(msg *message.Message) {
	for _, conn := range d.resolveListenersLocked(msg.Name) {
		if !conn.hasRoomLocked(false) {
			continue
		}
		dup := msg.Clone()
		dup.Flags &^= message.WantYouToReply
		conn.deliverCopyLocked(dup, msg.Flags.Has(message.Urgent))
	}
}

// recordDelivery 通知投递记录器
func (d *Device) recordDelivery(msg *message.Message, recipient uint32) {
	if d.cfg.Recorder != nil {
		d.cfg.Recorder.RecordDelivery(msg, recipient)
	}
}
