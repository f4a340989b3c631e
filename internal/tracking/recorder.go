package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"claude-code-proxy/config"
	"claude-code-proxy/internal/relay"
)

// attemptEvent 单次上游尝试的落库事件
type attemptEvent struct {
	RequestID  string
	Number     int
	Outcome    relay.Outcome
	Kind       relay.ErrorKind
	TTFB       time.Duration
	ChunkCount int64
	Elapsed    time.Duration
}

// summaryEvent 请求结束时的汇总事件
type summaryEvent struct {
	RequestID string
	Attempts  int
	Outcome   relay.Outcome
	Kind      relay.ErrorKind
	Elapsed   time.Duration
}

// Stats 进程内累计统计，供状态接口查询
type Stats struct {
	TotalRequests   int64 `json:"total_requests"`
	TotalAttempts   int64 `json:"total_attempts"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	Cancelled       int64 `json:"cancelled"`
	Exhausted       int64 `json:"exhausted"`
	RetriedAttempts int64 `json:"retried_attempts"` // 序号大于1的尝试数
	DroppedEvents   int64 `json:"dropped_events"`
}

// Recorder 诊断记录器
// 实现relay.Recorder接口，事件经缓冲通道异步批量写入数据库
// 通道满时丢弃事件并计数，绝不阻塞转发路径
type Recorder struct {
	cfg     config.TrackingConfig
	logger  *slog.Logger
	adapter DatabaseAdapter

	events chan interface{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	totalRequests   atomic.Int64
	totalAttempts   atomic.Int64
	succeeded       atomic.Int64
	failed          atomic.Int64
	cancelled       atomic.Int64
	exhausted       atomic.Int64
	retriedAttempts atomic.Int64
	dropped         atomic.Int64

	closeOnce sync.Once
}

// NewRecorder 创建并启动诊断记录器
// cfg.Database为空时事件仅更新内存统计并输出日志，不落库
func NewRecorder(cfg config.TrackingConfig, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		cfg:    cfg,
		logger: logger,
		events: make(chan interface{}, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Database != nil {
		adapter, err := NewDatabaseAdapter(databaseConfigFrom(cfg.Database))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create database adapter: %w", err)
		}
		if err := adapter.Open(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open tracking database: %w", err)
		}
		if err := adapter.InitSchema(); err != nil {
			adapter.Close()
			cancel()
			return nil, fmt.Errorf("failed to init tracking schema: %w", err)
		}
		r.adapter = adapter
	}

	r.wg.Add(1)
	go r.consumeLoop()

	if r.adapter != nil && cfg.RetentionDays > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}

	r.logger.Info(fmt.Sprintf("📊 [诊断记录] 记录器已启动 (缓冲: %d, 批量: %d, 落库: %v)",
		cfg.BufferSize, cfg.BatchSize, r.adapter != nil))
	return r, nil
}

func databaseConfigFrom(db *config.DatabaseBackendConfig) DatabaseConfig {
	return DatabaseConfig{
		Type:            db.Type,
		DatabasePath:    db.Path,
		Host:            db.Host,
		Port:            db.Port,
		Database:        db.Database,
		Username:        db.Username,
		Password:        db.Password,
		Charset:         db.Charset,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	}
}

// RecordAttempt 记录一次上游尝试，非阻塞
func (r *Recorder) RecordAttempt(requestID string, rec *relay.AttemptRecord) {
	r.totalAttempts.Add(1)
	if rec.Number > 1 {
		r.retriedAttempts.Add(1)
	}

	r.publish(attemptEvent{
		RequestID:  requestID,
		Number:     rec.Number,
		Outcome:    rec.Outcome,
		Kind:       rec.Kind,
		TTFB:       rec.TTFB,
		ChunkCount: rec.ChunkCount,
		Elapsed:    rec.Elapsed,
	})
}

// RecordRequest 记录请求终态汇总，非阻塞
func (r *Recorder) RecordRequest(requestID string, attempts int, outcome relay.Outcome, kind relay.ErrorKind, elapsed time.Duration) {
	r.totalRequests.Add(1)
	switch outcome {
	case relay.OutcomeSuccess:
		r.succeeded.Add(1)
	case relay.OutcomeFailed:
		r.failed.Add(1)
	case relay.OutcomeCancelled:
		r.cancelled.Add(1)
	case relay.OutcomeExhausted:
		r.exhausted.Add(1)
	}

	r.publish(summaryEvent{
		RequestID: requestID,
		Attempts:  attempts,
		Outcome:   outcome,
		Kind:      kind,
		Elapsed:   elapsed,
	})
}

func (r *Recorder) publish(event interface{}) {
	if r.ctx.Err() != nil {
		return
	}
	select {
	case r.events <- event:
	default:
		// 通道已满，丢弃事件保护转发路径
		if n := r.dropped.Add(1); n%100 == 1 {
			r.logger.Warn(fmt.Sprintf("⚠️ [诊断记录] 事件缓冲已满，累计丢弃%d条", n))
		}
	}
}

// Stats 返回当前累计统计快照
func (r *Recorder) Stats() Stats {
	return Stats{
		TotalRequests:   r.totalRequests.Load(),
		TotalAttempts:   r.totalAttempts.Load(),
		Succeeded:       r.succeeded.Load(),
		Failed:          r.failed.Load(),
		Cancelled:       r.cancelled.Load(),
		Exhausted:       r.exhausted.Load(),
		RetriedAttempts: r.retriedAttempts.Load(),
		DroppedEvents:   r.dropped.Load(),
	}
}

// consumeLoop 批量消费事件
// 达到批量阈值或定时器触发时写库，关闭时排空残留事件
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	batch := make([]interface{}, 0, r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-r.events:
			batch = append(batch, event)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.ctx.Done():
			// 排空通道中的残留事件后做最终写入
			for {
				select {
				case event := <-r.events:
					batch = append(batch, event)
					if len(batch) >= r.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) writeBatch(batch []interface{}) {
	if r.adapter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := r.adapter.GetDB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Error(fmt.Sprintf("❌ [诊断记录] 开启事务失败: %v", err))
		return
	}

	for _, event := range batch {
		switch e := event.(type) {
		case attemptEvent:
			err = r.insertAttempt(ctx, tx, e)
		case summaryEvent:
			err = r.insertSummary(ctx, tx, e)
		}
		if err != nil {
			tx.Rollback()
			r.logger.Error(fmt.Sprintf("❌ [诊断记录] 批量写入失败 (%d条): %v", len(batch), err))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error(fmt.Sprintf("❌ [诊断记录] 提交事务失败: %v", err))
		return
	}
	r.logger.Debug(fmt.Sprintf("💾 [诊断记录] 批量写入完成: %d条", len(batch)))
}

func (r *Recorder) insertAttempt(ctx context.Context, tx *sql.Tx, e attemptEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO attempt_logs (request_id, attempt_number, outcome, error_kind, ttfb_ms, chunk_count, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Number, string(e.Outcome), e.Kind.String(),
		e.TTFB.Milliseconds(), e.ChunkCount, e.Elapsed.Milliseconds())
	return err
}

func (r *Recorder) insertSummary(ctx context.Context, tx *sql.Tx, e summaryEvent) error {
	// REPLACE兼容SQLite和MySQL，请求汇总以最后一次写入为准
	_, err := tx.ExecContext(ctx, `
		REPLACE INTO request_logs (request_id, total_attempts, final_outcome, error_kind, elapsed_ms)
		VALUES (?, ?, ?, ?, ?)`,
		e.RequestID, e.Attempts, string(e.Outcome), e.Kind.String(), e.Elapsed.Milliseconds())
	return err
}

// cleanupLoop 按保留天数定期清理历史数据
func (r *Recorder) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	r.cleanup()
	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Recorder) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -r.cfg.RetentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db := r.adapter.GetDB()
	var total int64
	for _, table := range []string{"attempt_logs", "request_logs"} {
		res, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff)
		if err != nil {
			r.logger.Error(fmt.Sprintf("❌ [诊断记录] 清理%s失败: %v", table, err))
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	if total > 0 {
		r.logger.Info(fmt.Sprintf("🧹 [诊断记录] 历史数据清理完成: 删除%d条 (保留%d天)", total, r.cfg.RetentionDays))
	}
}

// Close 停止记录器，排空并写入残留事件后关闭数据库
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		if r.adapter != nil {
			err = r.adapter.Close()
		}
		r.logger.Info("📊 [诊断记录] 记录器已关闭")
	})
	return err
}
