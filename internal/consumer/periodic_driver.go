package consumer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/pipeline"
	"wisefido-guardian/internal/store"

	"go.uber.org/zap"
)

// PipelineRunner 流水线入口
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error)
}

// RecordReader 读取已提交的通话记录
type RecordReader interface {
	Get(callID string) (*models.CallRecord, bool)
}

type driver struct {
	cancel context.CancelFunc
}

// DriverTracker 每通电话一个周期驱动，按固定间隔发起强制分析
// 停止驱动不会打断正在运行的流水线
type DriverTracker struct {
	runner   PipelineRunner
	records  RecordReader
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	drivers map[string]*driver
	wg      sync.WaitGroup
}

// NewDriverTracker 创建周期驱动管理器
func NewDriverTracker(runner PipelineRunner, records RecordReader, interval time.Duration, logger *zap.Logger) *DriverTracker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &DriverTracker{
		runner:   runner,
		records:  records,
		interval: interval,
		logger:   logger,
		drivers:  make(map[string]*driver),
	}
}

// StartCall 启动周期驱动，已存在时返回 false
func (t *DriverTracker) StartCall(ctx context.Context, callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.drivers[callID]; ok {
		return false
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &driver{cancel: cancel}
	t.drivers[callID] = d

	t.wg.Add(1)
	go t.loop(dctx, callID, d)

	t.logger.Info("Periodic driver started",
		zap.String("call_id", callID),
		zap.Duration("interval", t.interval),
	)
	return true
}

// StopCall 停止周期驱动，不等待正在运行的流水线
func (t *DriverTracker) StopCall(callID string) bool {
	t.mu.Lock()
	d, ok := t.drivers[callID]
	delete(t.drivers, callID)
	t.mu.Unlock()

	if !ok {
		return false
	}
	d.cancel()
	t.logger.Info("Periodic driver stopped", zap.String("call_id", callID))
	return true
}

// StopAll 停止全部驱动并等待退出
func (t *DriverTracker) StopAll() {
	t.mu.Lock()
	for id, d := range t.drivers {
		d.cancel()
		delete(t.drivers, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// IsRunning 驱动是否存在
func (t *DriverTracker) IsRunning(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.drivers[callID]
	return ok
}

// Active 活跃驱动（排序）
func (t *DriverTracker) Active() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.drivers))
	for id := range t.drivers {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (t *DriverTracker) loop(ctx context.Context, callID string, d *driver) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.tick(ctx, callID) {
				t.remove(callID, d)
				return
			}
		}
	}
}

// tick 返回 false 表示通话已结束，驱动应退出
func (t *DriverTracker) tick(ctx context.Context, callID string) bool {
	rec, ok := t.records.Get(callID)
	if !ok {
		// 记录已结束或被移除
		return false
	}
	if len(rec.Transcript) == 0 {
		t.logger.Debug("Skipping forced analysis, transcript empty",
			zap.String("call_id", callID),
		)
		return true
	}

	// 运行不受驱动取消影响
	_, err := t.runner.Run(context.WithoutCancel(ctx), pipeline.RunRequest{
		CallID:  callID,
		Trigger: models.TriggerForced,
	})
	if err != nil {
		if errors.Is(err, store.ErrCallFinalized) || errors.Is(err, store.ErrCallNotFound) {
			return false
		}
		t.logger.Error("Forced pipeline run failed",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
	return true
}

func (t *DriverTracker) remove(callID string, d *driver) {
	t.mu.Lock()
	if cur, ok := t.drivers[callID]; ok && cur == d {
		delete(t.drivers, callID)
	}
	t.mu.Unlock()
	d.cancel()
}
