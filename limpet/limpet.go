// Package limpet 实现跨主机桥接：把一台设备上的消息经由链路
// 转发到另一台设备，使两端的客户端如同连接在同一设备上。
//
// 桥接拓扑为成对部署：每端一个 Limpet，各自连接本端设备并
// 通过 ILinkTransport 互联。工作方式：
//
//   - 监听本端 $.KBUS.Replier.BindEvent，把 Replier 绑定转发到
//     对端；对端 Limpet 在其设备上镜像该绑定，充当代理 Replier。
//   - 代理 Replier 收到的 Request 副本转发回绑定的真正一端，
//     在那里重新注入；真正的 Replier 给出的 Reply 沿原路返回。
//   - 其余匹配过滤模式的消息按普通 Notification 转发。
//
// 消息 ID 原样跨桥携带（注入端设备保留非零 ID），因此两端设备
// 必须配置互不相同的网络 ID（device.WithNetwork），且设备需开启
// 绑定通告（device.WithBindEvents）。
package limpet

import (
	"context"
	"sync"

	"kbus/device"
	"kbus/errors"
	"kbus/logging"
	"kbus/message"
)

// DefaultFilter 默认转发过滤模式
const DefaultFilter = "$.*"

// Config Limpet 配置
type Config struct {
	// RemoteNetwork 对端设备的网络 ID，用于环路抑制：
	// 源自对端的消息不会再被转发回去
	RemoteNetwork uint32

	// Filter 转发过滤模式（Listener 绑定），默认 "$.*"
	Filter string

	// Logger 为空时使用全局日志器
	Logger logging.Logger
}

// Limpet 桥接的一端
type Limpet struct {
	dev    *device.Device
	link   ILinkTransport
	cfg    Config
	logger logging.Logger
	conn   *device.Connection

	mu sync.Mutex
	// proxied 已转发到对端的 Request：ID → 本端原始发送方
	proxied map[message.MessageID]uint32
	// injected 代表对端注入本端的 Request，应答需转发回去
	injected map[message.MessageID]bool
	// mirrored 代表对端镜像的 Replier 绑定模式
	mirrored map[string]bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	closed  bool
}

// New 创建 Limpet 并在设备上建立桥接所需的绑定
func New(dev *device.Device, link ILinkTransport, cfg Config) (*Limpet, error) {
	if dev == nil || link == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidMessage, "limpet needs a device and a link")
	}
	if cfg.Filter == "" {
		cfg.Filter = DefaultFilter
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(
			logging.String("component", "limpet"),
			logging.Uint32("network", dev.Network()))
	}

	conn, err := dev.Open()
	if err != nil {
		return nil, err
	}
	// 过滤模式与镜像 Replier 绑定会重叠，开启只收一次去重
	if err := conn.SetOnlyOnce(true); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Bind(device.Listener, cfg.Filter); err != nil {
		conn.Close()
		return nil, err
	}
	if cfg.Filter != DefaultFilter {
		if err := conn.Bind(device.Listener, message.NameReplierBindEvent); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return &Limpet{
		dev:      dev,
		link:     link,
		cfg:      cfg,
		logger:   cfg.Logger,
		conn:     conn,
		proxied:  make(map[message.MessageID]uint32),
		injected: make(map[message.MessageID]bool),
		mirrored: make(map[string]bool),
	}, nil
}

// Connection 返回 Limpet 自身的设备连接（主要用于观测）
func (l *Limpet) Connection() *device.Connection {
	return l.conn
}

// Start 启动双向转发
func (l *Limpet) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.NewError(errors.ErrCodeClosed, "limpet is closed")
	}
	if l.running {
		return errors.NewError(errors.ErrCodeInternal, "limpet already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	l.wg.Add(2)
	go l.localLoop(runCtx)
	go l.linkLoop(runCtx)
	return nil
}

// Close 停止转发并释放设备连接与链路
func (l *Limpet) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.link.Close()
	l.conn.Close()
	l.wg.Wait()
	return nil
}

// localLoop 读取本端设备消息并转发到链路
func (l *Limpet) localLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		msg, err := l.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.IsErrorCode(err, errors.ErrCodeClosed) {
				l.logger.Error(ctx, "local receive failed", logging.Error(err))
			}
			return
		}
		if err := l.forwardLocal(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error(ctx, "forward to peer failed",
				logging.String("name", msg.Name), logging.Error(err))
		}
	}
}

// forwardLocal 决定一条本端消息是否、如何跨桥
func (l *Limpet) forwardLocal(ctx context.Context, msg *message.Message) error {
	if msg.Name == message.NameReplierBindEvent {
		var ev message.BindEventPayload
		if err := ev.UnmarshalBinary(msg.Data); err != nil {
			return err
		}
		// 自身镜像绑定产生的通告不回传，否则两端会互相镜像
		if ev.Binder == l.conn.ID() {
			return nil
		}
		return l.link.Send(ctx, msg)
	}

	// 源自对端的消息不回流
	if msg.OrigFrom.Network == l.cfg.RemoteNetwork && l.cfg.RemoteNetwork != 0 {
		return nil
	}

	switch {
	case msg.WantsYourReply():
		// 镜像 Replier 收到的 Request 副本：记下原始发送方，
		// 送往真正 Replier 所在的一端
		l.mu.Lock()
		l.proxied[msg.ID] = msg.From
		l.mu.Unlock()

		fwd := msg.Clone()
		fwd.Flags &^= message.WantYouToReply
		l.stampOrigin(fwd)
		return l.link.Send(ctx, fwd)

	case msg.IsReply():
		if msg.To != l.conn.ID() {
			// 旁听到的他人应答：真正的应答走代理路径，不重复转发
			return nil
		}
		l.mu.Lock()
		ok := l.injected[msg.InReplyTo]
		delete(l.injected, msg.InReplyTo)
		l.mu.Unlock()
		if !ok {
			l.logger.Warn(ctx, "reply with no injected request",
				logging.String("in_reply_to", msg.InReplyTo.String()))
			return nil
		}
		fwd := msg.Clone()
		l.stampOrigin(fwd)
		return l.link.Send(ctx, fwd)

	case msg.IsRequest():
		// Request 只经代理 Replier 路径跨桥；旁听副本丢弃，
		// 避免在对端重复触发应答
		return nil

	default:
		fwd := msg.Clone()
		l.stampOrigin(fwd)
		return l.link.Send(ctx, fwd)
	}
}

// linkLoop 读取链路消息并注入本端设备
func (l *Limpet) linkLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		msg, err := l.link.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.IsErrorCode(err, errors.ErrCodeClosed) {
				l.logger.Error(ctx, "link receive failed", logging.Error(err))
			}
			return
		}
		l.inject(ctx, msg)
	}
}

// inject 把一条对端消息落到本端设备上
func (l *Limpet) inject(ctx context.Context, msg *message.Message) {
	if msg.Name == message.NameReplierBindEvent {
		l.mirror(ctx, msg)
		return
	}

	switch {
	case msg.IsReply():
		l.injectReply(ctx, msg)

	case msg.IsRequest():
		l.injectRequest(ctx, msg)

	default:
		in := msg.Clone()
		in.To = 0
		in.From = 0
		// 注入端按默认投递策略发送，跨桥不传播 ALL_OR_* 背压
		in.Flags &^= message.AllOrWait | message.AllOrFail | message.WantYouToReply
		if _, err := l.conn.Send(ctx, in); err != nil {
			l.logger.Warn(ctx, "inject announcement failed",
				logging.String("name", msg.Name), logging.Error(err))
		}
	}
}

// mirror 按对端的绑定通告镜像/解除 Replier 绑定
func (l *Limpet) mirror(ctx context.Context, msg *message.Message) {
	var ev message.BindEventPayload
	if err := ev.UnmarshalBinary(msg.Data); err != nil {
		l.logger.Error(ctx, "bad bind event from peer", logging.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.IsBind {
		if l.mirrored[ev.Name] {
			return
		}
		if err := l.conn.Bind(device.Replier, ev.Name); err != nil {
			// 本端已有真正的 Replier 时保留本端绑定
			l.logger.Warn(ctx, "cannot mirror replier bind",
				logging.String("pattern", ev.Name), logging.Error(err))
			return
		}
		l.mirrored[ev.Name] = true
		l.logger.Debug(ctx, "mirrored replier bind", logging.String("pattern", ev.Name))
		return
	}

	if !l.mirrored[ev.Name] {
		return
	}
	delete(l.mirrored, ev.Name)
	if err := l.conn.Unbind(device.Replier, ev.Name); err != nil {
		l.logger.Warn(ctx, "cannot drop mirrored bind",
			logging.String("pattern", ev.Name), logging.Error(err))
	}
}

// injectRequest 代表对端发送方在本端发出 Request
func (l *Limpet) injectRequest(ctx context.Context, msg *message.Message) {
	in := msg.Clone()
	in.From = 0
	in.Flags &^= message.AllOrWait | message.AllOrFail | message.WantYouToReply
	// 有状态 Request 只有在目标落在本端网络时才保留指向
	if in.FinalTo.Network == l.dev.Network() {
		in.To = in.FinalTo.Local
	} else {
		in.To = 0
	}

	l.mu.Lock()
	l.injected[in.ID] = true
	l.mu.Unlock()

	if _, err := l.conn.Send(ctx, in); err != nil {
		l.mu.Lock()
		delete(l.injected, in.ID)
		l.mu.Unlock()

		// 注入失败也要让发起端拿到终态答复
		synth := message.NewSyntheticReply(terminalNameFor(err), msg.ID, 0)
		synth.OrigFrom = message.Address{Network: l.dev.Network(), Local: l.conn.ID()}
		if serr := l.link.Send(ctx, synth); serr != nil {
			l.logger.Error(ctx, "cannot return terminal reply to peer",
				logging.String("name", msg.Name), logging.Error(serr))
		}
	}
}

// injectReply 把对端返回的 Reply 交还本端的原始发送方
func (l *Limpet) injectReply(ctx context.Context, msg *message.Message) {
	l.mu.Lock()
	sender, ok := l.proxied[msg.InReplyTo]
	delete(l.proxied, msg.InReplyTo)
	l.mu.Unlock()
	if !ok {
		l.logger.Warn(ctx, "reply for unknown proxied request",
			logging.String("in_reply_to", msg.InReplyTo.String()))
		return
	}

	in := msg.Clone()
	in.To = sender
	in.From = 0
	in.Flags &^= message.AllOrWait | message.AllOrFail | message.WantYouToReply
	if _, err := l.conn.Send(ctx, in); err != nil {
		l.logger.Error(ctx, "inject reply failed",
			logging.String("name", msg.Name),
			logging.Uint32("to", sender), logging.Error(err))
	}
}

// stampOrigin 首次跨桥时记录消息的真实来源
func (l *Limpet) stampOrigin(msg *message.Message) {
	if msg.OrigFrom.Network == 0 {
		msg.OrigFrom = message.Address{Network: l.dev.Network(), Local: msg.From}
	}
}

// terminalNameFor 把注入失败映射为对应的合成终态名称
func terminalNameFor(err error) string {
	switch {
	case errors.IsErrorCode(err, errors.ErrCodeNoReplierBound),
		errors.IsErrorCode(err, errors.ErrCodeWrongReplier):
		return message.NameReplierUnbound
	case errors.IsErrorCode(err, errors.ErrCodeQueueFull),
		errors.IsErrorCode(err, errors.ErrCodeQueueFullRetryable):
		return message.NameErrorSending
	default:
		return message.NameErrorSending
	}
}
