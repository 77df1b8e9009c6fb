// Package journal 把每次入队投递追加到 SQLite 留痕
//
// 日志只写不读：代理的路由决策从不依赖其中内容，仅供事后
// 排查"消息去了哪里"。RecordDelivery 在设备锁内被调用，必须
// 立即返回，因此落盘在后台批量进行，缓冲满时丢弃并计数。
//
// 调用方需自行注册 SQL 驱动（例如空导入 modernc.org/sqlite）。
package journal

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"kbus/errors"
	"kbus/logging"
	"kbus/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    network    INTEGER NOT NULL,
    serial     INTEGER NOT NULL,
    name       TEXT    NOT NULL,
    flags      INTEGER NOT NULL,
    sender     INTEGER NOT NULL,
    recipient  INTEGER NOT NULL,
    data_len   INTEGER NOT NULL,
    queued_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_name ON deliveries(name);
`

// Config 日志配置
type Config struct {
	// Driver SQL 驱动名，默认 "sqlite"
	Driver string

	// DSN 数据源（文件路径或 ":memory:"）
	DSN string

	// BufferSize 待落盘记录的缓冲条数，默认 1024
	BufferSize int

	// Logger 为空时使用全局日志器
	Logger logging.Logger
}

// record 一次入队投递
type record struct {
	id        message.MessageID
	name      string
	flags     message.Flags
	sender    uint32
	recipient uint32
	dataLen   int
	queuedAt  time.Time
}

// Journal 投递留痕日志，实现 device.IDeliveryRecorder
type Journal struct {
	db     *sql.DB
	logger logging.Logger

	ch      chan record
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64

	closeOnce sync.Once
}

// Open 打开（必要时创建）日志库并启动后台写入
func Open(cfg Config) (*Journal, error) {
	if cfg.DSN == "" {
		return nil, errors.NewError(errors.ErrCodeInternal, "journal: no DSN configured")
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "journal"))
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInternal, "journal: open database failed")
	}
	// modernc.org/sqlite 下写连接须单一，避免并发写锁冲突
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WrapError(err, errors.ErrCodeInternal, "journal: create schema failed")
	}

	j := &Journal{
		db:     db,
		logger: cfg.Logger,
		ch:     make(chan record, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writer()
	return j, nil
}

// RecordDelivery 记录一次入队；缓冲满时丢弃本条并计数
func (j *Journal) RecordDelivery(msg *message.Message, recipient uint32) {
	rec := record{
		id:        msg.ID,
		name:      msg.Name,
		flags:     msg.Flags,
		sender:    msg.From,
		recipient: recipient,
		dataLen:   len(msg.Data),
		queuedAt:  time.Now(),
	}
	select {
	case j.ch <- rec:
	default:
		j.dropped.Add(1)
	}
}

// Dropped 因缓冲满而丢弃的记录条数
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close 排空缓冲并关闭日志库
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()
	return j.db.Close()
}

// writer 批量落盘，直到收到关闭信号并排空缓冲
func (j *Journal) writer() {
	defer j.wg.Done()
	batch := make([]record, 0, 64)
	for {
		select {
		case rec := <-j.ch:
			batch = append(batch[:0], rec)
			// 顺带把已到的记录并入同一事务
		drain:
			for len(batch) < cap(batch) {
				select {
				case more := <-j.ch:
					batch = append(batch, more)
				default:
					break drain
				}
			}
			j.flush(batch)

		case <-j.done:
			for {
				select {
				case rec := <-j.ch:
					j.flush(append(batch[:0], rec))
				default:
					if n := j.dropped.Load(); n > 0 {
						j.logger.Warn(context.Background(), "journal records dropped",
							logging.Int64("count", n))
					}
					return
				}
			}
		}
	}
}

// flush 在单个事务内写入一批记录
func (j *Journal) flush(batch []record) {
	tx, err := j.db.Begin()
	if err != nil {
		j.logger.Error(context.Background(), "journal begin failed", logging.Error(err))
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO deliveries
        (network, serial, name, flags, sender, recipient, data_len, queued_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		j.logger.Error(context.Background(), "journal prepare failed", logging.Error(err))
		return
	}
	for _, rec := range batch {
		if _, err := stmt.Exec(rec.id.Network, rec.id.Serial, rec.name, uint32(rec.flags),
			rec.sender, rec.recipient, rec.dataLen, rec.queuedAt.UnixMilli()); err != nil {
			j.logger.Error(context.Background(), "journal insert failed",
				logging.String("name", rec.name), logging.Error(err))
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		j.logger.Error(context.Background(), "journal commit failed", logging.Error(err))
	}
}

// DeliveryCount 当前已落盘的记录条数（运维观测用）
func (j *Journal) DeliveryCount(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`).Scan(&n)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeInternal, "journal: count failed")
	}
	return n, nil
}
