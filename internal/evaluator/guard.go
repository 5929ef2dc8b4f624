package evaluator

import (
	"context"
	"fmt"
	"time"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// GuardOutcome 一次性副作用的处理结果
type GuardOutcome struct {
	Triggered bool // 决策为 warn
	Skipped   bool // 已处理过，本次跳过
	Result    *models.SideEffectResult
}

// SideEffectGuard 一次性副作用闸门：先置标志再调用外部，失败也不回滚
type SideEffectGuard struct {
	dispatcher collaborator.SideEffectDispatcher
	alerts     collaborator.AlertSender
	logger     *zap.Logger
}

// NewSideEffectGuard 创建副作用闸门，alerts 可为 nil（不发送家属告警）
func NewSideEffectGuard(dispatcher collaborator.SideEffectDispatcher, alerts collaborator.AlertSender, logger *zap.Logger) *SideEffectGuard {
	return &SideEffectGuard{
		dispatcher: dispatcher,
		alerts:     alerts,
		logger:     logger,
	}
}

// ProcessScam 决策为 warn 时最多执行一次诈骗处理（入库 + 举报触发）
func (g *SideEffectGuard) ProcessScam(ctx context.Context, record *models.CallRecord, now time.Time) GuardOutcome {
	if record.Decision == nil || record.Decision.Action != models.ActionWarn {
		return GuardOutcome{}
	}
	if record.ScamProcessed {
		g.logger.Debug("Scam already processed, skipping",
			zap.String("call_id", record.CallID),
		)
		return GuardOutcome{Triggered: true, Skipped: true}
	}

	record.ScamProcessed = true

	req := collaborator.SideEffectRequest{
		CallID:      record.CallID,
		Counterpart: record.Participants.Counterpart,
		RiskScore:   record.Decision.RiskScore,
		Analysis:    record.LastAnalysis,
		Decision:    record.Decision,
	}
	result := g.dispatchSafely(ctx, req)
	result.At = now
	record.ScamReport = &result

	if result.Success {
		g.logger.Info("Scam side effect dispatched",
			zap.String("call_id", record.CallID),
			zap.Float64("risk_score", req.RiskScore),
			zap.String("message", result.Message),
		)
	} else {
		g.logger.Warn("Scam side effect failed, not retrying",
			zap.String("call_id", record.CallID),
			zap.String("message", result.Message),
		)
	}

	return GuardOutcome{Triggered: true, Result: &result}
}

// SendAlert 通话结束时若最终决策为 warn，最多发送一次家属告警
func (g *SideEffectGuard) SendAlert(ctx context.Context, record *models.CallRecord, now time.Time) GuardOutcome {
	if g.alerts == nil || record.Decision == nil || record.Decision.Action != models.ActionWarn {
		return GuardOutcome{}
	}
	if record.AlertSent {
		return GuardOutcome{Triggered: true, Skipped: true}
	}

	record.AlertSent = true

	details := ""
	if record.LastAnalysis != nil {
		details = record.LastAnalysis.Reason
	}
	alert := collaborator.FamilyAlert{
		CallID:        record.CallID,
		ProtectedUser: record.Participants.ProtectedUser,
		Counterpart:   record.Participants.Counterpart,
		RiskScore:     record.Decision.RiskScore,
		Details:       details,
	}

	var result models.SideEffectResult
	func() {
		defer func() {
			if p := recover(); p != nil {
				result = models.SideEffectResult{Message: fmt.Sprintf("alert sender panicked: %v", p)}
			}
		}()
		result = g.alerts.SendFamilyAlert(ctx, alert)
	}()
	result.At = now
	record.AlertResult = &result

	g.logger.Info("Family alert processed",
		zap.String("call_id", record.CallID),
		zap.Bool("success", result.Success),
		zap.String("message", result.Message),
	)

	return GuardOutcome{Triggered: true, Result: &result}
}

// dispatchSafely 外部 panic 转为失败结果，保证标志已提交
func (g *SideEffectGuard) dispatchSafely(ctx context.Context, req collaborator.SideEffectRequest) (result models.SideEffectResult) {
	defer func() {
		if p := recover(); p != nil {
			result = models.SideEffectResult{Message: fmt.Sprintf("dispatcher panicked: %v", p)}
		}
	}()
	return g.dispatcher.Dispatch(ctx, req)
}
