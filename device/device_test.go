package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbus/errors"
	"kbus/message"
)

func mustOpen(t *testing.T, dev *Device) *Connection {
	t.Helper()
	conn, err := dev.Open()
	require.NoError(t, err)
	return conn
}

func TestOpenClose(t *testing.T) {
	dev := New()
	defer dev.Close()

	a := mustOpen(t, dev)
	b := mustOpen(t, dev)

	assert.NotZero(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, dev.ConnectionCount())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close()) // 重复关闭无害
	assert.Equal(t, 1, dev.ConnectionCount())

	// 关闭后的操作失败
	_, err := a.Send(context.Background(), message.NewMessage("$.X", nil))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeClosed))
	assert.True(t, errors.IsErrorCode(a.Bind(Listener, "$.X"), errors.ErrCodeClosed))
}

func TestDeviceClose_ClosesConnections(t *testing.T) {
	dev := New()
	conn := mustOpen(t, dev)

	require.NoError(t, dev.Close())
	_, err := conn.Poll()
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeClosed))

	_, err = dev.Open()
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeClosed))
}

func TestBind_InvalidPattern(t *testing.T) {
	dev := New()
	defer dev.Close()
	conn := mustOpen(t, dev)

	err := conn.Bind(Listener, "no-dollar")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeNameInvalid))

	err = conn.Bind(Listener, "$.a.*.b")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeNameInvalid))
}

func TestUnbind_ExactMatchOnly(t *testing.T) {
	dev := New()
	defer dev.Close()
	conn := mustOpen(t, dev)

	require.NoError(t, conn.Bind(Listener, "$.Fred.*"))

	// 字面模式串必须一致
	err := conn.Unbind(Listener, "$.Fred.Jim")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeNotFound))

	// 角色必须一致
	err = conn.Unbind(Replier, "$.Fred.*")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeNotFound))

	require.NoError(t, conn.Unbind(Listener, "$.Fred.*"))
	err = conn.Unbind(Listener, "$.Fred.*")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeNotFound))
}

// TestListenerFanout 一次发送给所有匹配的 Listener 各一份副本
func TestListenerFanout(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	exact := mustOpen(t, dev)
	wild := mustOpen(t, dev)
	other := mustOpen(t, dev)
	sender := mustOpen(t, dev)

	require.NoError(t, exact.Bind(Listener, "$.Fred.News"))
	require.NoError(t, wild.Bind(Listener, "$.Fred.*"))
	require.NoError(t, other.Bind(Listener, "$.Jim.News"))

	id, err := sender.Send(ctx, message.NewMessage("$.Fred.News", []byte("hi")))
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	for _, conn := range []*Connection{exact, wild} {
		msg, err := conn.Poll()
		require.NoError(t, err)
		require.NotNil(t, msg, "conn %d should have a copy", conn.ID())
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, sender.ID(), msg.From)
		assert.False(t, msg.WantsYourReply())
	}

	msg, err := other.Poll()
	require.NoError(t, err)
	assert.Nil(t, msg)

	// 发送方自己没绑定，不会收到
	msg, err = sender.Poll()
	require.NoError(t, err)
	assert.Nil(t, msg)
}

// TestDuplicateListenerBindings 同一连接的重复绑定收到多份副本
func TestDuplicateListenerBindings(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	sub := mustOpen(t, dev)
	sender := mustOpen(t, dev)

	require.NoError(t, sub.Bind(Listener, "$.Fred"))
	require.NoError(t, sub.Bind(Listener, "$.Fred"))

	_, err := sender.Send(ctx, message.NewMessage("$.Fred", nil))
	require.NoError(t, err)

	assert.Equal(t, 2, sub.Stats().QueueLen)

	// 解绑一条后剩一份
	require.NoError(t, sub.Unbind(Listener, "$.Fred"))
	_, _ = sub.Poll()
	_, _ = sub.Poll()
	_, err = sender.Send(ctx, message.NewMessage("$.Fred", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Stats().QueueLen)
}

func TestReplierUniqueness(t *testing.T) {
	dev := New()
	defer dev.Close()

	a := mustOpen(t, dev)
	b := mustOpen(t, dev)

	require.NoError(t, a.Bind(Replier, "$.Service"))

	err := b.Bind(Replier, "$.Service")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeReplierAlreadyBound))

	// 不同字面模式串可以共存，哪怕相互重叠
	require.NoError(t, b.Bind(Replier, "$.Service.*"))

	// 解绑后可以重新占用
	require.NoError(t, a.Unbind(Replier, "$.Service"))
	require.NoError(t, b.Bind(Replier, "$.Service"))
}

// TestReplierElection 最特异的绑定胜出：精确 > "%" > "*"
func TestReplierElection(t *testing.T) {
	dev := New()
	defer dev.Close()

	star := mustOpen(t, dev)
	pct := mustOpen(t, dev)
	exact := mustOpen(t, dev)

	require.NoError(t, star.Bind(Replier, "$.Fred.*"))
	require.NoError(t, pct.Bind(Replier, "$.Fred.%"))
	require.NoError(t, exact.Bind(Replier, "$.Fred.Jim"))

	assert.Equal(t, exact.ID(), dev.QueryReplier("$.Fred.Jim"))
	assert.Equal(t, pct.ID(), dev.QueryReplier("$.Fred.Bob"))
	assert.Equal(t, star.ID(), dev.QueryReplier("$.Fred.Bob.Deep"))
	assert.Zero(t, dev.QueryReplier("$.Jim"))

	// 选举随解绑实时变化
	require.NoError(t, exact.Unbind(Replier, "$.Fred.Jim"))
	assert.Equal(t, pct.ID(), dev.QueryReplier("$.Fred.Jim"))
	require.NoError(t, pct.Unbind(Replier, "$.Fred.%"))
	assert.Equal(t, star.ID(), dev.QueryReplier("$.Fred.Jim"))
}

// TestBindEvents Replier 绑定/解绑产生通告
func TestBindEvents(t *testing.T) {
	dev := New(WithBindEvents(true))
	defer dev.Close()

	watcher := mustOpen(t, dev)
	require.NoError(t, watcher.Bind(Listener, message.NameReplierBindEvent))

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Service"))

	ev, err := watcher.Poll()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, message.NameReplierBindEvent, ev.Name)
	assert.True(t, ev.IsSynthetic())

	var p message.BindEventPayload
	require.NoError(t, p.UnmarshalBinary(ev.Data))
	assert.True(t, p.IsBind)
	assert.Equal(t, replier.ID(), p.Binder)
	assert.Equal(t, "$.Service", p.Name)

	require.NoError(t, replier.Unbind(Replier, "$.Service"))
	ev, err = watcher.Poll()
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.NoError(t, p.UnmarshalBinary(ev.Data))
	assert.False(t, p.IsBind)

	// Listener 绑定不通告
	require.NoError(t, replier.Bind(Listener, "$.Quiet"))
	ev, err = watcher.Poll()
	require.NoError(t, err)
	assert.Nil(t, ev)
}

// TestBindEvents_Disabled 默认配置不产生绑定通告
func TestBindEvents_Disabled(t *testing.T) {
	dev := New()
	defer dev.Close()

	watcher := mustOpen(t, dev)
	require.NoError(t, watcher.Bind(Listener, message.NameReplierBindEvent))

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Service"))

	ev, err := watcher.Poll()
	require.NoError(t, err)
	assert.Nil(t, ev)
}

// TestBindEvents_OnDisconnect 断开时为每条 Replier 绑定通告解绑
func TestBindEvents_OnDisconnect(t *testing.T) {
	dev := New(WithBindEvents(true))
	defer dev.Close()

	watcher := mustOpen(t, dev)
	require.NoError(t, watcher.Bind(Listener, message.NameReplierBindEvent))

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Service"))
	require.NoError(t, replier.Bind(Listener, "$.Other"))

	_, _ = watcher.Poll() // 绑定通告

	require.NoError(t, replier.Close())

	ev, err := watcher.Poll()
	require.NoError(t, err)
	require.NotNil(t, ev)

	var p message.BindEventPayload
	require.NoError(t, p.UnmarshalBinary(ev.Data))
	assert.False(t, p.IsBind)
	assert.Equal(t, "$.Service", p.Name)

	// Listener 绑定的消失不通告
	ev, err = watcher.Poll()
	require.NoError(t, err)
	assert.Nil(t, ev)
}
