package limpet

import (
	"context"
	"sync"

	"kbus/errors"
	"kbus/message"
)

// ILinkTransport 承载两个 Limpet 之间的消息帧
//
// 实现见 transport/ 子包：tcpstream（原生二进制线格式）、
// natsconn（NATS 主题）、redisstreams（Redis Streams）。
// Send/Receive 必须各自串行调用；Limpet 内部分别由发送
// 与接收两个 goroutine 独占使用。
type ILinkTransport interface {
	// Send 把一条消息发往对端
	Send(ctx context.Context, msg *message.Message) error

	// Receive 阻塞等待对端的下一条消息
	Receive(ctx context.Context) (*message.Message, error)

	// Close 关闭链路，唤醒阻塞中的 Receive
	Close() error
}

// PipeEnd 进程内链路的一端，主要用于测试与单进程双设备场景
//
// 任一端 Close 即关闭整条管道，两端阻塞中的调用都会被唤醒。
type PipeEnd struct {
	out chan *message.Message
	in  chan *message.Message

	closed chan struct{}
	once   *sync.Once
}

// NewPipe 创建一对互联的进程内链路端点
func NewPipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan *message.Message, 64)
	ba := make(chan *message.Message, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{out: ab, in: ba, closed: closed, once: once}
	b := &PipeEnd{out: ba, in: ab, closed: closed, once: once}
	return a, b
}

func (p *PipeEnd) Send(ctx context.Context, msg *message.Message) error {
	select {
	case <-p.closed:
		return errors.NewError(errors.ErrCodeClosed, "pipe is closed")
	default:
	}
	select {
	case p.out <- msg.Clone():
		return nil
	case <-p.closed:
		return errors.NewError(errors.ErrCodeClosed, "pipe is closed")
	case <-ctx.Done():
		return errors.WrapError(ctx.Err(), errors.ErrCodeTimeout, "pipe send cancelled")
	}
}

func (p *PipeEnd) Receive(ctx context.Context) (*message.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, errors.NewError(errors.ErrCodeClosed, "pipe is closed")
	case <-ctx.Done():
		return nil, errors.WrapError(ctx.Err(), errors.ErrCodeTimeout, "pipe receive cancelled")
	}
}

func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
