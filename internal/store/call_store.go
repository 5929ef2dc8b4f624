package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrCallFinalized 通话已结束，不再接受更新
	ErrCallFinalized = errors.New("call finalized")
	// ErrCallNotFound 通话不存在
	ErrCallNotFound = errors.New("call not found")
	// ErrConcurrentAccess 同一通话出现并发修改（串行化被破坏）
	ErrConcurrentAccess = errors.New("concurrent access to call record")
	// ErrRunPanicked 更新函数 panic，本次修改已丢弃
	ErrRunPanicked = errors.New("call update panicked")
)

// UpdateFunc 在工作副本上修改记录；返回错误或 panic 则丢弃副本，只保留只写一次的字段
type UpdateFunc func(ctx context.Context, record *models.CallRecord) error

// callEntry 单通电话的串行化单元
type callEntry struct {
	mu        sync.Mutex // 整个流水线运行期间持有
	inFlight  atomic.Bool
	committed atomic.Pointer[models.CallRecord]
	removed   bool // 受 mu 保护
}

// CallStore 每个 call_id 一条记录的唯一持有者
// 同一通话的更新按获取锁的顺序串行执行，不同通话完全并行
type CallStore struct {
	mu         sync.Mutex // 保护 entries / tombstones
	entries    map[string]*callEntry
	tombstones map[string]time.Time

	exporter  SnapshotExporter
	retention time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewCallStore 创建状态存储；exporter 可为 nil，clock 为 nil 时使用 time.Now
func NewCallStore(exporter SnapshotExporter, retention time.Duration, clock func() time.Time, logger *zap.Logger) *CallStore {
	if clock == nil {
		clock = time.Now
	}
	return &CallStore{
		entries:    make(map[string]*callEntry),
		tombstones: make(map[string]time.Time),
		exporter:   exporter,
		retention:  retention,
		clock:      clock,
		logger:     logger,
	}
}

// Update 首次触发时惰性创建记录；fn 成功后整体提交并导出快照
func (s *CallStore) Update(ctx context.Context, callID string, fn UpdateFunc) (*models.CallRecord, error) {
	e, err := s.acquire(callID, true)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, e, callID, fn, false)
}

// Finalize 在记录上执行最后一次修改并标记结束，之后丢弃内存记录
// 已在排队的更新会得到 ErrCallFinalized
func (s *CallStore) Finalize(ctx context.Context, callID string, fn UpdateFunc) (*models.CallRecord, error) {
	e, err := s.acquire(callID, false)
	if err != nil {
		s.tombstone(callID)
		return nil, err
	}
	return s.apply(ctx, e, callID, fn, true)
}

// Get 返回最近一次提交的副本，不等待运行中的流水线
func (s *CallStore) Get(callID string) (*models.CallRecord, bool) {
	s.mu.Lock()
	e, ok := s.entries[callID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	rec := e.committed.Load()
	if rec == nil {
		return nil, false
	}
	return rec.Clone(), true
}

// IsFinalized 通话是否在保留期内已结束（retention <= 0 时永久保留）
func (s *CallStore) IsFinalized(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTombstonedLocked(callID, s.clock())
}

// CallIDs 当前活跃通话（排序）
func (s *CallStore) CallIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// PruneTombstones 清理过期的结束标记，返回清理数量
func (s *CallStore) PruneTombstones() int {
	if s.retention <= 0 {
		return 0
	}
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.tombstones {
		if now.Sub(at) >= s.retention {
			delete(s.tombstones, id)
			n++
		}
	}
	return n
}

func (s *CallStore) acquire(callID string, create bool) (*callEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isTombstonedLocked(callID, s.clock()) {
		return nil, ErrCallFinalized
	}
	e, ok := s.entries[callID]
	if !ok {
		if !create {
			return nil, ErrCallNotFound
		}
		e = &callEntry{}
		s.entries[callID] = e
	}
	return e, nil
}

func (s *CallStore) isTombstonedLocked(callID string, now time.Time) bool {
	at, ok := s.tombstones[callID]
	if !ok {
		return false
	}
	if s.retention > 0 && now.Sub(at) >= s.retention {
		delete(s.tombstones, callID)
		return false
	}
	return true
}

func (s *CallStore) tombstone(callID string) {
	s.mu.Lock()
	s.tombstones[callID] = s.clock()
	delete(s.entries, callID)
	s.mu.Unlock()
}

func (s *CallStore) apply(ctx context.Context, e *callEntry, callID string, fn UpdateFunc, finalize bool) (*models.CallRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return nil, ErrCallFinalized
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		s.logger.Error("Concurrent access to call record detected",
			zap.String("call_id", callID),
		)
		return nil, ErrConcurrentAccess
	}
	defer e.inFlight.Store(false)

	var working *models.CallRecord
	if prev := e.committed.Load(); prev != nil {
		working = prev.Clone()
	} else {
		working = models.NewCallRecord(callID, s.clock())
	}

	if err := runSafely(ctx, fn, working); err != nil {
		if errors.Is(err, ErrRunPanicked) {
			s.logger.Error("Call update panicked, discarding working copy",
				zap.String("call_id", callID),
				zap.Error(err),
			)
		}
		s.salvage(ctx, e, callID, working)
		return nil, err
	}

	working.UpdatedAt = s.clock()
	if finalize {
		working.Finalized = true
		working.ClearTool()
	}
	s.commit(ctx, e, callID, working)

	if finalize {
		e.removed = true
		s.tombstone(callID)
	}

	return working.Clone(), nil
}

// salvage 丢弃工作副本时仍提交其中只写一次的字段（副作用标志、号码、信誉信号）
func (s *CallStore) salvage(ctx context.Context, e *callEntry, callID string, discarded *models.CallRecord) {
	var base *models.CallRecord
	if prev := e.committed.Load(); prev != nil {
		base = prev.Clone()
	} else {
		base = models.NewCallRecord(callID, s.clock())
	}
	if !base.MergeDurable(discarded) {
		return
	}
	base.ClearTool()
	base.UpdatedAt = s.clock()
	s.logger.Warn("Kept side-effect flags from discarded working copy",
		zap.String("call_id", callID),
		zap.Bool("scam_processed", base.ScamProcessed),
		zap.Bool("alert_sent", base.AlertSent),
	)
	s.commit(ctx, e, callID, base)
}

func (s *CallStore) commit(ctx context.Context, e *callEntry, callID string, record *models.CallRecord) {
	e.committed.Store(record)
	if s.exporter == nil {
		return
	}
	if err := s.exporter.Export(ctx, record.Clone()); err != nil {
		s.logger.Error("Failed to export call snapshot",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
}

func runSafely(ctx context.Context, fn UpdateFunc, record *models.CallRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrRunPanicked, p)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(ctx, record)
}
