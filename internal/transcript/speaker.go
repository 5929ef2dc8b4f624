package transcript

import (
	"context"
	"fmt"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// ResolveResult 一次识别的结果
type ResolveResult struct {
	Requested int   // 发送识别的条目数
	Resolved  int   // 实际写入标签的条目数
	Degraded  bool  // 外部失败或返回非法，本轮不识别
	Err       error // 降级原因
}

// SpeakerResolver 通过外部分类器为未识别条目打标签
// 已识别的条目不会再次发送或改写
type SpeakerResolver struct {
	classifier collaborator.SpeakerClassifier
	window     int
	logger     *zap.Logger
}

// NewSpeakerResolver 创建说话人识别器，window 同时限制上下文与单批目标数
func NewSpeakerResolver(classifier collaborator.SpeakerClassifier, window int, logger *zap.Logger) *SpeakerResolver {
	if window <= 0 {
		window = 10
	}
	return &SpeakerResolver{
		classifier: classifier,
		window:     window,
		logger:     logger,
	}
}

// Pending 是否存在未识别条目
func (r *SpeakerResolver) Pending(record *models.CallRecord) bool {
	for _, e := range record.Transcript {
		if e.Speaker == models.SpeakerUnresolved {
			return true
		}
	}
	return false
}

// Resolve 对未识别条目批量识别并原地更新标签
// 返回数量不符或存在非法标签时整批放弃，不做猜测，下次运行重试
func (r *SpeakerResolver) Resolve(ctx context.Context, record *models.CallRecord) ResolveResult {
	indices := record.UnresolvedIndices()
	if len(indices) == 0 {
		return ResolveResult{}
	}
	if len(indices) > r.window {
		indices = indices[:r.window]
	}

	start := len(record.Transcript) - r.window
	if start < 0 {
		start = 0
	}
	req := collaborator.SpeakerRequest{
		Window:        append([]models.TranscriptEntry{}, record.Transcript[start:]...),
		Targets:       make([]collaborator.SpeakerTarget, 0, len(indices)),
		ProtectedUser: record.Participants.ProtectedUser,
		Counterpart:   record.Participants.Counterpart,
	}
	for _, i := range indices {
		req.Targets = append(req.Targets, collaborator.SpeakerTarget{Index: i, Entry: record.Transcript[i]})
	}

	result := ResolveResult{Requested: len(indices)}

	labels, err := r.classifier.Classify(ctx, req)
	if err == nil {
		err = validateLabels(labels, len(indices))
	}
	if err != nil {
		r.logger.Warn("Speaker classification unavailable, leaving entries unresolved",
			zap.String("call_id", record.CallID),
			zap.Int("requested", len(indices)),
			zap.Error(err),
		)
		result.Degraded = true
		result.Err = err
		return result
	}

	for n, i := range indices {
		if record.Transcript[i].Speaker != models.SpeakerUnresolved {
			continue
		}
		record.Transcript[i].Speaker = labels[n]
		result.Resolved++
	}

	return result
}

func validateLabels(labels []models.Speaker, want int) error {
	if len(labels) != want {
		return fmt.Errorf("%w: expected %d labels, got %d", collaborator.ErrMalformedResponse, want, len(labels))
	}
	for i, l := range labels {
		if !l.IsResolvedHuman() {
			return fmt.Errorf("%w: invalid label %q at position %d", collaborator.ErrMalformedResponse, l, i)
		}
	}
	return nil
}
