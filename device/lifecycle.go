// Package device 实现生命周期处理：断开与解绑时的合成终态应答
//
// 核心正确性保证：凡已入队的 Request，最终恰好得到一个应答 ——
// 真实 Reply 或合成的 $.KBUS.Replier.* 消息，跨越断开与解绑依然
// 成立。
package device

import (
	"context"

	"kbus/logging"
	"kbus/message"
)

// Close 断开连接
//
// 断开流程（整体在设备锁内原子完成）：
//  1. 队列中尚未读取、携带 WantYouToReply 的 Request，逐条向
//     原始发送方合成 Replier.GoneAway 应答（发送方为本连接时跳过）
//  2. 已读取未应答的 Request（unreplied 记录），同样合成
//     Replier.Ignored
//  3. 移除本连接的全部绑定
//  4. 对其余连接的队列重新裁决：不再有绑定支撑的副本被移除，
//     其中携带 WantYouToReply 的副本向原始发送方合成
//     Replier.Unbound；以本连接为请求方的"已读未答"义务解除
//  5. 丢弃连接状态
//
// 对重复关闭与挂起中的 Send/Receive 均安全：挂起操作随关闭
// 失败返回。
func (c *Connection) Close() error {
	d := c.dev

	d.mu.Lock()
	if c.closed {
		d.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)

	for _, m := range c.queue {
		if m.WantsYourReply() && !m.IsSynthetic() && m.From != c.id {
			d.deliverSyntheticReplyLocked(message.NameReplierGoneAway, m.ID, m.From)
		}
	}
	c.queue = nil

	for id, entry := range c.unreplied {
		if entry.from != c.id {
			d.deliverSyntheticReplyLocked(message.NameReplierIgnored, id, entry.from)
		}
	}

	d.forgetOwnerLocked(c)

	for _, other := range d.conns {
		if other == c {
			continue
		}
		d.scrubConnectionLocked(other, "")
		// 请求方已消失，应答义务随之解除
		for id, entry := range other.unreplied {
			if entry.from == c.id {
				delete(other.unreplied, id)
			}
		}
	}

	delete(d.conns, c.id)
	// 唤醒挂起的发送方：它们依赖的 Replier 可能随本连接消失
	d.signalRoomLocked()

	d.logger.Debug(context.Background(), "connection closed",
		logging.Uint32("conn", c.id))
	d.mu.Unlock()
	return nil
}

// deliverSyntheticReplyLocked 按普通 Reply 规则投递合成应答（锁内调用）
//
// 目标连接已消失或并未在等待该应答时静默跳过。由于发送方的
// 每个未决 Request 都预留了应答槽位，入队总是有空间。
func (d *Device) deliverSyntheticReplyLocked(name string, inReplyTo message.MessageID, to uint32) {
	target, ok := d.conns[to]
	if !ok || target.closed {
		return
	}
	if _, ok := target.outstanding[inReplyTo]; !ok {
		return
	}

	synth := message.NewSyntheticReply(name, inReplyTo, to)
	synth.ID = d.nextMessageIDLocked()
	target.pushLocked(synth, false)
	target.forgetOutstandingLocked(inReplyTo)

	d.logger.Debug(context.Background(), "synthetic reply delivered",
		logging.String("name", name),
		logging.Uint32("to", to))
}

// scrubConnectionLocked 重新裁决连接队列中经绑定投递的副本（锁内调用）
//
// pattern 非空时仅复查匹配该模式的消息（单条解绑的作用域）。
// 判定规则：
//   - 合成消息与发给本连接的 Reply 不经绑定投递，一律保留
//   - WantYouToReply 副本：本连接仍是该名称选举出的 Replier 才
//     保留；否则移除并向原始发送方合成 Replier.Unbound
//   - 其余副本：本连接仍有匹配的 Listener 绑定才保留，否则
//     静默移除
func (d *Device) scrubConnectionLocked(x *Connection, pattern string) {
	for i := 0; i < len(x.queue); {
		m := x.queue[i]

		if m.IsSynthetic() || (m.IsReply() && m.To == x.id) {
			i++
			continue
		}
		if pattern != "" && !message.Match(pattern, m.Name) {
			i++
			continue
		}

		if m.WantsYourReply() {
			if b := d.resolveReplierLocked(m.Name); b != nil && b.owner == x.id {
				i++
				continue
			}
			x.removeQueuedLocked(i)
			d.deliverSyntheticReplyLocked(message.NameReplierUnbound, m.ID, m.From)
			continue
		}

		if d.listensToLocked(x, m.Name) {
			i++
			continue
		}
		x.removeQueuedLocked(i)
	}
}
