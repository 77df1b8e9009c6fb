// Package device 实现绑定注册表：模式到连接的映射与 Replier 选举
package device

import (
	"context"

	"kbus/errors"
	"kbus/logging"
	"kbus/message"
)

// Role 绑定角色
type Role int

const (
	// Listener 监听者：接收所有匹配的消息，无应答义务；
	// 同一名称允许多个（含重复）Listener 绑定
	Listener Role = iota

	// Replier 应答者：对匹配的 Request 负责给出 Reply；
	// 同一字面模式串至多一个 Replier 绑定
	Replier
)

// String 角色名称
func (r Role) String() string {
	if r == Replier {
		return "replier"
	}
	return "listener"
}

// binding 单条绑定记录
type binding struct {
	owner   uint32
	role    Role
	pattern string
}

// bindLocked 注册绑定（锁内调用）
//
// Replier 绑定的唯一性按字面模式串比较：即使 "$.Foo.*" 与
// "$.Foo.%" 语义上重叠，也允许同时作为 Replier 绑定存在；
// 只有完全相同的字符串（包括相同的通配符串）才被拒绝。
func (d *Device) bindLocked(conn *Connection, role Role, pattern string) error {
	if err := message.CheckPattern(pattern); err != nil {
		return err
	}

	if role == Replier {
		for _, b := range d.bindings {
			if b.role == Replier && b.pattern == pattern {
				return errors.NewErrorf(errors.ErrCodeReplierAlreadyBound,
					"replier already bound to %q by connection %d", pattern, b.owner)
			}
		}
	}

	d.bindings = append(d.bindings, &binding{
		owner:   conn.id,
		role:    role,
		pattern: pattern,
	})

	d.logger.Debug(context.Background(), "bound",
		logging.Uint32("conn", conn.id),
		logging.String("role", role.String()),
		logging.String("pattern", pattern))

	if role == Replier {
		d.announceBindLocked(true, conn.id, pattern)
	}
	return nil
}

// unbindLocked 移除单条完全匹配的绑定（锁内调用）
func (d *Device) unbindLocked(conn *Connection, role Role, pattern string) error {
	for i, b := range d.bindings {
		if b.owner == conn.id && b.role == role && b.pattern == pattern {
			d.bindings = append(d.bindings[:i], d.bindings[i+1:]...)

			// 解绑后重新裁决受影响的已入队副本，并唤醒可能
			// 依赖该 Replier 的挂起发送方
			d.scrubConnectionLocked(conn, pattern)
			d.signalRoomLocked()

			if role == Replier {
				d.announceBindLocked(false, conn.id, pattern)
			}
			return nil
		}
	}
	return errors.NewErrorf(errors.ErrCodeNotFound,
		"no %s binding for %q owned by connection %d", role, pattern, conn.id)
}

// resolveReplierLocked 选举名称的有效 Replier（锁内调用）
//
// 在所有匹配的 Replier 绑定中保留特异度最高者：
// 精确名称 > "%" 通配符 > "*" 通配符，同级取更长的模式。
// 每条消息至多选出一个 Replier。
func (d *Device) resolveReplierLocked(name string) *binding {
	var best *binding
	for _, b := range d.bindings {
		if b.role != Replier || !message.Match(b.pattern, name) {
			continue
		}
		if best == nil || message.MoreSpecific(b.pattern, best.pattern) {
			best = b
		}
	}
	return best
}

// resolveListenersLocked 枚举名称的全部 Listener（锁内调用）
//
// 返回多重集合：同一连接以重叠模式多次绑定时会重复出现，
// 对应多份投递副本（only-once 模式下由去重标记合并）。
func (d *Device) resolveListenersLocked(name string) []*Connection {
	var listeners []*Connection
	for _, b := range d.bindings {
		if b.role != Listener || !message.Match(b.pattern, name) {
			continue
		}
		if conn, ok := d.conns[b.owner]; ok {
			listeners = append(listeners, conn)
		}
	}
	return listeners
}

// listensToLocked 连接是否仍有匹配名称的 Listener 绑定（锁内调用）
func (d *Device) listensToLocked(conn *Connection, name string) bool {
	for _, b := range d.bindings {
		if b.owner == conn.id && b.role == Listener && message.Match(b.pattern, name) {
			return true
		}
	}
	return false
}

// forgetOwnerLocked 移除连接的全部绑定（锁内调用）
//
// 用于断开连接：不产生逐条解绑的合成应答（断开流程整体接管），
// 但在开启通告时仍为每条 Replier 绑定发送解绑通告，桥接进程
// 依赖该通告撤销镜像绑定。
func (d *Device) forgetOwnerLocked(conn *Connection) {
	kept := d.bindings[:0]
	var replierPatterns []string
	for _, b := range d.bindings {
		if b.owner != conn.id {
			kept = append(kept, b)
			continue
		}
		if b.role == Replier {
			replierPatterns = append(replierPatterns, b.pattern)
		}
	}
	d.bindings = kept

	for _, pattern := range replierPatterns {
		d.announceBindLocked(false, conn.id, pattern)
	}
}
