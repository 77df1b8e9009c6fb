// Package server 把设备通过 TCP/Unix 套接字暴露为代理服务
//
// 每个接受的套接字对应设备上的一个连接；套接字按帧协议
// （见 wire 包）提交操作，关闭套接字即断开连接并触发完整的
// 生命周期处理（合成应答、解绑、队列清理）。
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"kbus/device"
	"kbus/logging"
)

// Config 服务配置
type Config struct {
	// Name 服务标识，用于日志
	Name string

	// Network 监听网络类型："tcp" 或 "unix"
	Network string

	// Addr 监听地址
	Addr string

	// Device 承载消息的设备，未注入时自动创建
	Device *device.Device

	// Logger 日志器，默认使用全局 Logger
	Logger logging.Logger
}

// DefaultConfig 返回带合理默认值的配置：
//   - Name: "kbusd"
//   - Network: "tcp"
//   - Addr: "127.0.0.1:8280"
func DefaultConfig() Config {
	return Config{
		Name:    "kbusd",
		Network: "tcp",
		Addr:    "127.0.0.1:8280",
	}
}

// Option 用于按需修改 Config
type Option func(*Config)

// WithName 覆盖服务名称
func WithName(name string) Option {
	return func(cfg *Config) {
		if name != "" {
			cfg.Name = name
		}
	}
}

// WithListenAddr 设置监听网络与地址
func WithListenAddr(network, addr string) Option {
	return func(cfg *Config) {
		if network != "" {
			cfg.Network = network
		}
		if addr != "" {
			cfg.Addr = addr
		}
	}
}

// WithDevice 注入外部设备
//
// 典型用法：预先以 device.WithBindEvents / device.WithRecorder
// 配置好设备，再交给服务暴露。
func WithDevice(dev *device.Device) Option {
	return func(cfg *Config) {
		if dev != nil {
			cfg.Device = dev
		}
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

// Server 代理服务
type Server struct {
	cfg    Config
	dev    *device.Device
	logger logging.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New 创建服务
func New(opts ...Option) *Server {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	if cfg.Device == nil {
		cfg.Device = device.New(device.WithLogger(cfg.Logger))
	}

	return &Server{
		cfg:    cfg,
		dev:    cfg.Device,
		logger: cfg.Logger.WithFields(logging.String("server", cfg.Name)),
	}
}

// Device 返回承载的设备
func (s *Server) Device() *device.Device {
	return s.dev
}

// Addr 实际监听地址（Start 之后有效）
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start 开始监听并接受会话
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server %s is already running", s.cfg.Name)
	}

	listener, err := net.Listen(s.cfg.Network, s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s %s: %w", s.cfg.Network, s.cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.running = true
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	s.mu.Unlock()

	s.logger.Info(ctx, "listening",
		logging.String("network", s.cfg.Network),
		logging.String("addr", listener.Addr().String()))
	return nil
}

// Close 停止服务并断开所有会话
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server %s is not running", s.cfg.Name)
	}
	s.running = false
	listener := s.listener
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	err := listener.Close()
	s.wg.Wait()
	return err
}

// acceptLoop 接受循环，每个会话一个协程
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		sock, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn(ctx, "accept failed", logging.Error(err))
			return
		}

		conn, err := s.dev.Open()
		if err != nil {
			s.logger.Warn(ctx, "device rejected connection", logging.Error(err))
			_ = sock.Close()
			continue
		}

		sess := newSession(sock, conn, s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
		}()
	}
}
