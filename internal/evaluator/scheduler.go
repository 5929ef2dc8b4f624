package evaluator

import (
	"time"

	"wisefido-guardian/internal/models"
)

// Scheduler 分析节奏闸门，只做判断，不调用分类器
type Scheduler struct {
	interval time.Duration
}

// NewScheduler 创建节奏闸门，interval 为增量触发的最小分析间隔
func NewScheduler(interval time.Duration) *Scheduler {
	return &Scheduler{interval: interval}
}

// Due 强制触发总是分析；增量触发仅在距上次分析达到最小间隔时分析
func (s *Scheduler) Due(kind models.TriggerKind, lastAnalysisAt, now time.Time) bool {
	if kind == models.TriggerForced {
		return true
	}
	if lastAnalysisAt.IsZero() {
		return true
	}
	return now.Sub(lastAnalysisAt) >= s.interval
}
