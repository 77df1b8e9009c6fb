// Package device 实现路由/分发：收件方解析、准入与原子多方投递
package device

import (
	"context"

	"kbus/errors"
	"kbus/logging"
	"kbus/message"
)

// deliveryPlan 准入通过后的投递计划
type deliveryPlan struct {
	replyTarget *Connection
	replier     *Connection
	listeners   []*Connection
}

// Send 发送消息，返回分配（或保留）的消息 ID
//
// AllOrWait 消息在任一必需接收方队列满时挂起，待任意队列腾出
// 空间后重试；挂起期间 Replier 消失的 Request 以合成的
// $.KBUS.Replier.Disappeared 回给发送方终结，不会无限重试。
// 其余失败同步返回错误（见 errors 包的发送错误代码）。
func (c *Connection) Send(ctx context.Context, msg *message.Message) (message.MessageID, error) {
	d := c.dev

	d.mu.Lock()
	if c.closed {
		d.mu.Unlock()
		return message.MessageID{}, errors.NewError(errors.ErrCodeClosed, "connection is closed")
	}

	if err := validateOutgoing(msg); err != nil {
		d.mu.Unlock()
		return message.MessageID{}, err
	}

	// 调度在内部副本上进行，分配的 ID 不回写调用方对象；
	// 同一对象重复提交因而每次都拿到新 ID、各自独立投递
	msg = msg.Clone()

	// WantYouToReply 只能由代理为投递副本设置
	msg.Flags &^= message.WantYouToReply

	// 调用方提交零值 ID 时由设备分配；桥接传入的非零 ID 保留，
	// 以便跨主机携带
	if msg.ID.IsZero() {
		msg.ID = d.nextMessageIDLocked()
	}
	if msg.From == 0 {
		msg.From = c.id
	}

	wait := msg.Flags.Has(message.AllOrWait) && !msg.IsReply()
	parked := false

	for {
		plan, err := d.admitLocked(c, msg)
		if err == nil {
			d.deliverLocked(c, msg, plan)
			d.mu.Unlock()
			return msg.ID, nil
		}

		// 挂起期间 Replier 消失：合成终态应答终结本次发送
		if parked && replierVanished(err) {
			d.resolveParkedLocked(c, msg)
			d.mu.Unlock()
			return msg.ID, nil
		}

		if !errors.IsRetryable(err) || !wait {
			if errors.IsRetryable(err) {
				c.retryBlocked = msg
			}
			d.mu.Unlock()
			return message.MessageID{}, err
		}

		// AllOrWait：挂起直至任一队列从满转为未满
		c.parkedSends++
		parked = true
		roomCh := d.roomCh
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			d.mu.Lock()
			c.parkedSends--
			d.mu.Unlock()
			return message.MessageID{}, errors.WrapError(ctx.Err(),
				errors.ErrCodeTimeout, "send cancelled while waiting for room")
		case <-c.done:
			d.mu.Lock()
			c.parkedSends--
			d.mu.Unlock()
			return message.MessageID{}, errors.NewError(errors.ErrCodeClosed,
				"connection closed while send was waiting")
		case <-roomCh:
		}

		d.mu.Lock()
		c.parkedSends--
		if c.closed {
			d.mu.Unlock()
			return message.MessageID{}, errors.NewError(errors.ErrCodeClosed,
				"connection closed while send was waiting")
		}
	}
}

// validateOutgoing 消息形态校验
func validateOutgoing(msg *message.Message) error {
	if msg == nil || msg.Name == "" {
		return errors.NewError(errors.ErrCodeInvalidMessage, "message has no name")
	}
	if msg.Flags.Has(message.AllOrWait) && msg.Flags.Has(message.AllOrFail) {
		return errors.NewError(errors.ErrCodeInvalidMessage,
			"ALL_OR_WAIT and ALL_OR_FAIL are mutually exclusive")
	}
	return message.CheckName(msg.Name)
}

// replierVanished 挂起重试时 Replier 是否已不可达
func replierVanished(err error) bool {
	return errors.IsErrorCode(err, errors.ErrCodeNoReplierBound) ||
		errors.IsErrorCode(err, errors.ErrCodeWrongReplier)
}

// admitLocked 解析收件方并做准入检查（锁内调用，无副作用）
//
// 槽位核算按连接聚合：同一连接作为多个收件身份（Replier 兼
// Listener、发送方自身的应答预留）时累计需求，Reply 目标享有
// 一个豁免槽位。默认策略只要求必需接收方（Reply 目标、Replier、
// 发送方预留）有空间；AllOrWait/AllOrFail 额外要求全部 Listener
// 有空间。
func (d *Device) admitLocked(sender *Connection, msg *message.Message) (*deliveryPlan, error) {
	allOrWait := msg.Flags.Has(message.AllOrWait)
	allOrFail := msg.Flags.Has(message.AllOrFail)

	plan := &deliveryPlan{}
	needs := make(map[*Connection]int)
	var exempt *Connection

	switch {
	case msg.IsReply():
		target, ok := d.conns[msg.To]
		if !ok {
			return nil, errors.NewErrorf(errors.ErrCodeReplyNotExpected,
				"reply target connection %d is gone", msg.To)
		}
		if _, ok := target.outstanding[msg.InReplyTo]; !ok {
			return nil, errors.NewErrorf(errors.ErrCodeReplyNotExpected,
				"connection %d is not expecting a reply to %s", msg.To, msg.InReplyTo)
		}
		plan.replyTarget = target
		needs[target]++
		exempt = target

	case msg.IsRequest():
		b := d.resolveReplierLocked(msg.Name)
		if b == nil {
			return nil, errors.NewErrorf(errors.ErrCodeNoReplierBound,
				"no replier bound for %q", msg.Name)
		}
		replier := d.conns[b.owner]
		if msg.To != 0 && replier.id != msg.To {
			return nil, errors.NewErrorf(errors.ErrCodeWrongReplier,
				"replier for %q is now connection %d, not %d", msg.Name, replier.id, msg.To)
		}
		plan.replier = replier
		needs[replier]++
		// 发出 Request 须在发送方自身预留应答槽位
		needs[sender]++
	}

	plan.listeners = d.resolveListenersLocked(msg.Name)
	if allOrWait || allOrFail {
		for _, l := range plan.listeners {
			needs[l]++
		}
	}

	for conn, need := range needs {
		avail := conn.maxQueueLen - len(conn.queue) - len(conn.outstanding)
		if conn == exempt {
			avail++
		}
		if need > avail {
			if allOrWait {
				return nil, errors.NewErrorf(errors.ErrCodeQueueFullRetryable,
					"connection %d queue is full", conn.id)
			}
			return nil, errors.NewErrorf(errors.ErrCodeQueueFull,
				"connection %d queue is full", conn.id)
		}
	}
	return plan, nil
}

// deliverLocked 执行投递计划（锁内调用，与准入同一临界区）
//
// 投递顺序：Reply 目标、Replier、其余 Listener。Replier 副本
// 设置 WantYouToReply，其余副本清除该标志。Urgent 消息在所有
// 队列均插入队首。默认策略下队列已满的 Listener 被静默跳过，
// 不影响发送结果。
func (d *Device) deliverLocked(sender *Connection, msg *message.Message, plan *deliveryPlan) {
	urgent := msg.Flags.Has(message.Urgent)

	if plan.replyTarget != nil {
		reply := msg.Clone()
		reply.Flags &^= message.WantYouToReply
		plan.replyTarget.pushLocked(reply, urgent)
		plan.replyTarget.forgetOutstandingLocked(msg.InReplyTo)
		// 应答方的"已读未答"记录就此了结
		sender.forgetUnrepliedLocked(msg.InReplyTo)
	}

	if plan.replier != nil {
		sender.recordOutstandingLocked(msg.ID)
		ask := msg.Clone()
		ask.Flags |= message.WantYouToReply
		plan.replier.pushLocked(ask, urgent)
	}

	for _, l := range plan.listeners {
		if !l.hasRoomLocked(false) {
			d.logger.Debug(context.Background(), "listener queue full, copy dropped",
				logging.Uint32("conn", l.id),
				logging.String("name", msg.Name))
			continue
		}
		dup := msg.Clone()
		dup.Flags &^= message.WantYouToReply
		l.deliverCopyLocked(dup, urgent)
	}
}

// resolveParkedLocked 终结一个 Replier 已消失的挂起发送（锁内调用）
//
// 向发送方投递合成的 Replier.Disappeared。发送方队列在挂起期间
// 被其他投递占满这种罕见情形下改投 ErrorSending，且不受队列
// 上限约束：挂起的发送方必须拿到终态答复，其下一次 Receive 即
// 恢复不变量。
func (d *Device) resolveParkedLocked(sender *Connection, msg *message.Message) {
	name := message.NameReplierDisappeared
	if !sender.hasRoomLocked(false) {
		name = message.NameErrorSending
	}
	synth := message.NewSyntheticReply(name, msg.ID, sender.id)
	synth.ID = d.nextMessageIDLocked()
	sender.pushLocked(synth, false)
}
