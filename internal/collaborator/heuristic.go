package collaborator

import (
	"context"
	"fmt"
	"strings"

	"wisefido-guardian/internal/models"
)

// 常见诈骗关键词
var scamKeywords = []string{"bank", "transfer", "password", "social security", "gift card"}

// 兜底分析的置信度上限
const heuristicMaxConfidence = 0.3

// HeuristicAnalyzer 关键词兜底分析：基础 10 分，每命中一个关键词 +30，上限 100
type HeuristicAnalyzer struct{}

func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

func (h *HeuristicAnalyzer) Analyze(ctx context.Context, transcript []models.TranscriptEntry) (*models.Analysis, error) {
	var sb strings.Builder
	for _, e := range transcript {
		if e.Speaker == models.SpeakerGuardian {
			continue
		}
		sb.WriteString(strings.ToLower(e.Text))
		sb.WriteByte('\n')
	}
	text := sb.String()

	risk := 10.0
	indicators := []string{}
	for _, kw := range scamKeywords {
		if strings.Contains(text, kw) {
			risk += 30
			indicators = append(indicators, kw)
		}
	}
	if risk > 100 {
		risk = 100
	}

	confidence := risk / 100
	if confidence > heuristicMaxConfidence {
		confidence = heuristicMaxConfidence
	}

	return &models.Analysis{
		RiskScore:  risk,
		Confidence: confidence,
		Indicators: indicators,
		Reason:     fmt.Sprintf("Keyword heuristic matched %d scam indicator(s)", len(indicators)),
		Degraded:   true,
	}, nil
}

// TemplateUtterance 按风险段返回固定发言
func TemplateUtterance(risk float64) string {
	switch {
	case risk >= 70:
		return "This is GuardianAgent. This call seems risky. Please do not share any personal or banking information."
	case risk >= 40:
		return "This is GuardianAgent. I have some concerns about this call. Could you please explain why you need this information?"
	default:
		return "This is GuardianAgent. I am monitoring this call. Please continue, but be cautious."
	}
}

// TemplateGenerator 只使用模板的发言生成器（未配置 LLM 时使用）
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, transcript []models.TranscriptEntry, analysis *models.Analysis, decision *models.Decision) (string, error) {
	risk := 0.0
	if decision != nil {
		risk = decision.RiskScore
	}
	return TemplateUtterance(risk), nil
}
