package evaluator

import (
	"context"
	"fmt"
	"math"
	"time"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// 决策阈值（含下界）
const (
	WarnThreshold     = 80.0
	QuestionThreshold = 40.0
)

// ActionForRisk 风险分到动作的映射
func ActionForRisk(risk float64) models.Action {
	switch {
	case risk >= WarnThreshold:
		return models.ActionWarn
	case risk >= QuestionThreshold:
		return models.ActionQuestion
	default:
		return models.ActionObserve
	}
}

// BuildReason 生成决策原因，两个信号相等时以信誉为主
func BuildReason(rep *models.ReputationSignal, analysis *models.Analysis) string {
	var phone, conv float64
	knownBad := false
	if rep != nil {
		phone = rep.RiskScore
		knownBad = rep.KnownBad
	}
	if analysis != nil {
		conv = analysis.RiskScore
	}
	risk := math.Max(phone, conv)

	switch {
	case phone > 0 && conv > 0:
		if phone >= conv {
			if knownBad {
				return fmt.Sprintf("High risk=%.0f%% (known scam database match). Conversation analysis: %.0f%%", risk, conv)
			}
			return fmt.Sprintf("Combined risk=%.0f%% (phone: %.0f%%, conversation: %.0f%%)", risk, phone, conv)
		}
		return fmt.Sprintf("High risk=%.0f%% from conversation analysis. Phone reputation: %.0f%%", risk, phone)
	case phone > 0:
		if knownBad {
			return fmt.Sprintf("Known scam number detected (risk: %.0f%%)", phone)
		}
		return fmt.Sprintf("Phone reputation risk: %.0f%%", phone)
	case conv > 0:
		return fmt.Sprintf("Conversation analysis risk: %.0f%%", conv)
	default:
		return "No risk detected"
	}
}

// Outcome 一次外部调用的结果（用于审计日志）
type Outcome struct {
	Called   bool
	Degraded bool
	Err      error
}

// FusionEngine 融合信誉信号与转写分析，生成决策
type FusionEngine struct {
	reputation collaborator.ReputationLookup
	analyzer   collaborator.TranscriptAnalyzer
	fallback   collaborator.TranscriptAnalyzer
	logger     *zap.Logger
}

// NewFusionEngine 创建融合引擎，fallback 在分析器失败时提供低置信度结果
func NewFusionEngine(
	reputation collaborator.ReputationLookup,
	analyzer collaborator.TranscriptAnalyzer,
	fallback collaborator.TranscriptAnalyzer,
	logger *zap.Logger,
) *FusionEngine {
	return &FusionEngine{
		reputation: reputation,
		analyzer:   analyzer,
		fallback:   fallback,
		logger:     logger,
	}
}

// NeedsReputation 信誉信号未设置且已知对方号码
func NeedsReputation(record *models.CallRecord) bool {
	return record.Reputation == nil && record.Participants.Counterpart != ""
}

// EnsureReputation 每通电话最多成功查询一次；失败时保持未设置，下次运行重试
func (e *FusionEngine) EnsureReputation(ctx context.Context, record *models.CallRecord, now time.Time) Outcome {
	if !NeedsReputation(record) {
		return Outcome{}
	}

	sig, err := e.reputation.Lookup(ctx, record.Participants.Counterpart)
	if err == nil && sig == nil {
		err = collaborator.ErrMalformedResponse
	}
	if err != nil {
		e.logger.Warn("Reputation lookup failed, will retry on next run",
			zap.String("call_id", record.CallID),
			zap.Error(err),
		)
		return Outcome{Called: true, Degraded: true, Err: err}
	}

	stored := *sig
	stored.RiskScore = clampScore(stored.RiskScore)
	stored.CheckedAt = now
	record.Reputation = &stored
	return Outcome{Called: true, Degraded: stored.Degraded}
}

// Analyze 分析完整转写并写入 LastAnalysis / AnalysisHistory / LastAnalysisAt
// 分析器失败时使用兜底结果，不返回错误
func (e *FusionEngine) Analyze(ctx context.Context, record *models.CallRecord, now time.Time) Outcome {
	out := Outcome{Called: true}

	transcript := record.TranscriptCopy()
	analysis, err := e.analyzer.Analyze(ctx, transcript)
	if err == nil && analysis == nil {
		err = collaborator.ErrMalformedResponse
	}
	if err != nil {
		e.logger.Warn("Transcript analysis failed, using heuristic fallback",
			zap.String("call_id", record.CallID),
			zap.Error(err),
		)
		out.Degraded = true
		out.Err = err
		analysis, err = e.fallback.Analyze(ctx, transcript)
		if err != nil || analysis == nil {
			analysis = &models.Analysis{Reason: "analysis unavailable"}
		}
		analysis.Degraded = true
	}

	a := *analysis
	a.Indicators = append([]string{}, analysis.Indicators...)
	a.RiskScore = clampScore(a.RiskScore)
	a.Confidence = clampConfidence(a.Confidence)
	a.RecommendedAction = models.ParseAction(string(a.RecommendedAction))
	a.AnalyzedAt = now
	if a.Degraded {
		out.Degraded = true
	}

	record.LastAnalysis = &a
	history := a
	history.Indicators = append([]string{}, a.Indicators...)
	record.AnalysisHistory = append(record.AnalysisHistory, history)
	if now.After(record.LastAnalysisAt) {
		record.LastAnalysisAt = now
	}

	return out
}

// Decide 无条件重算决策（不做迟滞），动作只取决于两信号的最大值
func (e *FusionEngine) Decide(record *models.CallRecord, now time.Time) *models.Decision {
	repScore, convScore := record.RiskScores()
	risk := math.Max(repScore, convScore)

	d := &models.Decision{
		Action:    ActionForRisk(risk),
		RiskScore: risk,
		Reason:    BuildReason(record.Reputation, record.LastAnalysis),
		DecidedAt: now,
	}
	record.Decision = d
	return d
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
