package device_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kbus/device"
	"kbus/errors"
	"kbus/message"
)

// TestDevice_ConcurrentPublish
//
// 多 goroutine 并发向同一名称发布，配合 -race 验证投递路径的
// 并发安全性，并确认订阅方收满全部消息。
func TestDevice_ConcurrentPublish(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	ctx := context.Background()

	sub, err := dev.Open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := sub.SetMaxQueueLen(10000); err != nil {
		t.Fatalf("set queue len failed: %v", err)
	}
	if err := sub.Bind(device.Listener, "$.race.*"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	const (
		goroutines = 8
		perGor     = 200
	)

	var received int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for atomic.LoadInt64(&received) < goroutines*perGor {
			if _, err := sub.Receive(ctx); err != nil {
				return
			}
			atomic.AddInt64(&received, 1)
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := dev.Open()
			if err != nil {
				t.Errorf("open failed: %v", err)
				return
			}
			defer conn.Close()
			for i := 0; i < perGor; i++ {
				msg := message.NewMessage("$.race.pub", []byte("x"))
				msg.Flags = message.AllOrWait
				if _, err := conn.Send(ctx, msg); err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out, received %d of %d", atomic.LoadInt64(&received), goroutines*perGor)
	}
}

// TestDevice_ConcurrentRequestReply
//
// 并发请求方对单一 Replier，验证应答记账与槽位预留在竞争下的
// 一致性：每个请求恰好得到一个应答（真实或合成）。
func TestDevice_ConcurrentRequestReply(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replier, err := dev.Open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := replier.SetMaxQueueLen(10000); err != nil {
		t.Fatalf("set queue len failed: %v", err)
	}
	if err := replier.Bind(device.Replier, "$.svc.echo"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	go func() {
		for {
			req, err := replier.Receive(ctx)
			if err != nil {
				return
			}
			if !req.WantsYourReply() {
				continue
			}
			if _, err := replier.Send(ctx, message.NewReply(req, req.Data)); err != nil {
				// 请求方可能已断开
				if !errors.IsErrorCode(err, errors.ErrCodeReplyNotExpected) {
					t.Errorf("reply failed: %v", err)
				}
			}
		}
	}()

	const (
		goroutines = 6
		perGor     = 50
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := dev.Open()
			if err != nil {
				t.Errorf("open failed: %v", err)
				return
			}
			defer conn.Close()
			for i := 0; i < perGor; i++ {
				req := message.NewRequest("$.svc.echo", []byte("ping"))
				req.Flags |= message.AllOrWait
				id, err := conn.Send(ctx, req)
				if err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
				reply, err := conn.Receive(ctx)
				if err != nil {
					t.Errorf("receive failed: %v", err)
					return
				}
				if reply.InReplyTo != id {
					t.Errorf("reply %s does not match request %s", reply.InReplyTo, id)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// TestDevice_ConcurrentBindUnbind 绑定表在并发变更下不破坏投递
func TestDevice_ConcurrentBindUnbind(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := dev.Open()
			if err != nil {
				t.Errorf("open failed: %v", err)
				return
			}
			defer conn.Close()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := conn.Bind(device.Listener, "$.churn.*"); err != nil {
					t.Errorf("bind failed: %v", err)
					return
				}
				_, _ = conn.Poll()
				if err := conn.Unbind(device.Listener, "$.churn.*"); err != nil {
					t.Errorf("unbind failed: %v", err)
					return
				}
			}
		}()
	}

	sender, err := dev.Open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 500; i++ {
		if _, err := sender.Send(ctx, message.NewMessage("$.churn.x", nil)); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
