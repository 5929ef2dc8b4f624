package notify

import (
	"context"
	"fmt"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// ScamNumberWriter 诈骗号码入库
type ScamNumberWriter interface {
	AddScamNumber(ctx context.Context, req collaborator.SideEffectRequest) (models.SideEffectResult, error)
}

// ReportPublisher 举报请求发布
type ReportPublisher interface {
	PublishReport(ctx context.Context, req collaborator.SideEffectRequest) (string, error)
	AuthorityName() string
}

// ScamDispatcher 诈骗处理：号码入库 + 举报请求
type ScamDispatcher struct {
	writer   ScamNumberWriter
	reporter ReportPublisher
	logger   *zap.Logger
}

// NewScamDispatcher 创建副作用分发器，reporter 可为 nil
func NewScamDispatcher(writer ScamNumberWriter, reporter ReportPublisher, logger *zap.Logger) *ScamDispatcher {
	return &ScamDispatcher{
		writer:   writer,
		reporter: reporter,
		logger:   logger,
	}
}

// Dispatch 实现 collaborator.SideEffectDispatcher
// 入库结果决定 success；举报请求失败只附加到消息中
func (d *ScamDispatcher) Dispatch(ctx context.Context, req collaborator.SideEffectRequest) models.SideEffectResult {
	result, err := d.writer.AddScamNumber(ctx, req)
	if err != nil {
		d.logger.Error("Failed to add scam number",
			zap.String("call_id", req.CallID),
			zap.Error(err),
		)
		result = models.SideEffectResult{Message: err.Error()}
	}

	if d.reporter == nil || req.Counterpart == "" {
		return result
	}

	requestID, err := d.reporter.PublishReport(ctx, req)
	if err != nil {
		d.logger.Error("Failed to queue authority report",
			zap.String("call_id", req.CallID),
			zap.Error(err),
		)
		result.Message = fmt.Sprintf("%s; authority report failed: %v", result.Message, err)
		return result
	}

	result.Message = fmt.Sprintf("%s; report %s queued to %s", result.Message, requestID, d.reporter.AuthorityName())
	return result
}
