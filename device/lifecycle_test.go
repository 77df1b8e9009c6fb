package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbus/errors"
	"kbus/message"
)

// TestGoneAway Replier 未读取请求即断开
func TestGoneAway(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Echo"))
	client := mustOpen(t, dev)

	id, err := client.Send(ctx, message.NewRequest("$.Echo", nil))
	require.NoError(t, err)

	require.NoError(t, replier.Close())

	synth, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.NameReplierGoneAway, synth.Name)
	assert.Equal(t, id, synth.InReplyTo)
	assert.True(t, synth.IsSynthetic())
	assert.True(t, synth.IsReply())
	assert.Zero(t, client.Stats().Outstanding)
}

// TestIgnored Replier 读取了请求但未应答即断开
func TestIgnored(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Echo"))
	client := mustOpen(t, dev)

	id, err := client.Send(ctx, message.NewRequest("$.Echo", nil))
	require.NoError(t, err)

	// 读取后请求转入"已读未答"
	_, err = replier.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, replier.Close())

	synth, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.NameReplierIgnored, synth.Name)
	assert.Equal(t, id, synth.InReplyTo)
}

// TestUnbound 请求已入队后 Replier 解绑
func TestUnbound(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Echo"))
	client := mustOpen(t, dev)

	id, err := client.Send(ctx, message.NewRequest("$.Echo", nil))
	require.NoError(t, err)

	require.NoError(t, replier.Unbind(Replier, "$.Echo"))

	// 副本已从 Replier 队列移除
	got, err := replier.Poll()
	require.NoError(t, err)
	assert.Nil(t, got)

	synth, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.NameReplierUnbound, synth.Name)
	assert.Equal(t, id, synth.InReplyTo)
}

// TestUnbound_ScopedToPattern 解绑只影响匹配该模式的副本
func TestUnbound_ScopedToPattern(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.A"))
	require.NoError(t, replier.Bind(Replier, "$.B"))
	client := mustOpen(t, dev)

	_, err := client.Send(ctx, message.NewRequest("$.A", nil))
	require.NoError(t, err)
	idB, err := client.Send(ctx, message.NewRequest("$.B", nil))
	require.NoError(t, err)

	require.NoError(t, replier.Unbind(Replier, "$.B"))

	// $.A 的副本原样保留
	got, err := replier.Poll()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "$.A", got.Name)
	got, err = replier.Poll()
	require.NoError(t, err)
	assert.Nil(t, got)

	synth, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.NameReplierUnbound, synth.Name)
	assert.Equal(t, idB, synth.InReplyTo)
}

// TestUnbound_FallbackReplier 解绑后若仍有低特异度的 Replier
// 属于同一连接，副本保留
func TestUnbound_FallbackReplier(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Fred.Jim"))
	require.NoError(t, replier.Bind(Replier, "$.Fred.*"))
	client := mustOpen(t, dev)

	_, err := client.Send(ctx, message.NewRequest("$.Fred.Jim", nil))
	require.NoError(t, err)

	// 精确绑定解除后，通配符绑定仍由同一连接支撑该副本
	require.NoError(t, replier.Unbind(Replier, "$.Fred.Jim"))

	got, err := replier.Poll()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.WantsYourReply())

	// 客户端没有收到合成应答
	synth, err := client.Poll()
	require.NoError(t, err)
	assert.Nil(t, synth)
}

// TestListenerUnbind_SilentScrub Listener 解绑移除副本但不合成应答
func TestListenerUnbind_SilentScrub(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	sub := mustOpen(t, dev)
	require.NoError(t, sub.Bind(Listener, "$.X"))
	sender := mustOpen(t, dev)

	_, err := sender.Send(ctx, message.NewMessage("$.X", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Stats().QueueLen)

	require.NoError(t, sub.Unbind(Listener, "$.X"))
	assert.Zero(t, sub.Stats().QueueLen)

	got, err := sender.Poll()
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestClose_NoSelfSynthetic 自己发给自己的请求在断开时不合成应答
func TestClose_NoSelfSynthetic(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	conn := mustOpen(t, dev)
	require.NoError(t, conn.Bind(Replier, "$.Self"))

	_, err := conn.Send(ctx, message.NewRequest("$.Self", nil))
	require.NoError(t, err)

	// 不应 panic，也不应产生投递给已关闭连接的合成消息
	require.NoError(t, conn.Close())
}

// TestClose_SyntheticReplyOrdering 合成应答同样享有应答预留槽位
func TestClose_SyntheticReplyFitsReservedSlot(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Echo"))
	client := mustOpen(t, dev)
	require.NoError(t, client.SetMaxQueueLen(1))

	id, err := client.Send(ctx, message.NewRequest("$.Echo", nil))
	require.NoError(t, err)

	// 客户端队列名义上已满（预留占用），合成应答仍能入队
	require.NoError(t, replier.Close())

	synth, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.NameReplierGoneAway, synth.Name)
	assert.Equal(t, id, synth.InReplyTo)
}

// TestSendAfterPeerGone 应答方断开后，指向它的应答被拒绝
func TestReplyAfterRequesterGone(t *testing.T) {
	dev := New()
	defer dev.Close()
	ctx := context.Background()

	replier := mustOpen(t, dev)
	require.NoError(t, replier.Bind(Replier, "$.Echo"))
	client := mustOpen(t, dev)

	_, err := client.Send(ctx, message.NewRequest("$.Echo", nil))
	require.NoError(t, err)
	req, err := replier.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	_, err = replier.Send(ctx, message.NewReply(req, nil))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeReplyNotExpected))
	// 应答义务随请求方消失而解除
	assert.Zero(t, replier.Stats().Unreplied)
}
