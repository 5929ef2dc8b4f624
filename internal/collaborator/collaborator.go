package collaborator

import (
	"context"
	"errors"

	"wisefido-guardian/internal/models"
)

// ErrMalformedResponse 外部返回不满足约定结构
var ErrMalformedResponse = errors.New("malformed collaborator response")

// ReputationLookup 号码信誉查询（对核心无副作用）
type ReputationLookup interface {
	Lookup(ctx context.Context, counterpart string) (*models.ReputationSignal, error)
}

// TranscriptAnalyzer 转写诈骗风险分析
type TranscriptAnalyzer interface {
	Analyze(ctx context.Context, transcript []models.TranscriptEntry) (*models.Analysis, error)
}

// SpeakerTarget 待识别的条目
type SpeakerTarget struct {
	Index int                    `json:"index"` // 在完整转写中的下标
	Entry models.TranscriptEntry `json:"entry"`
}

// SpeakerRequest 说话人识别批量请求
type SpeakerRequest struct {
	Window        []models.TranscriptEntry // 转写末尾的上下文窗口
	Targets       []SpeakerTarget          // 待识别条目，按下标升序
	ProtectedUser string
	Counterpart   string
}

// SpeakerClassifier 返回与 Targets 等长、同序的标签
type SpeakerClassifier interface {
	Classify(ctx context.Context, req SpeakerRequest) ([]models.Speaker, error)
}

// UtteranceGenerator 生成守护代理的发言文本
type UtteranceGenerator interface {
	Generate(ctx context.Context, transcript []models.TranscriptEntry, analysis *models.Analysis, decision *models.Decision) (string, error)
}

// SideEffectRequest 诈骗处理副作用请求
type SideEffectRequest struct {
	CallID      string
	Counterpart string
	RiskScore   float64
	Analysis    *models.Analysis
	Decision    *models.Decision
}

// SideEffectDispatcher 数据库写入 / 举报触发，结果只用于记录
type SideEffectDispatcher interface {
	Dispatch(ctx context.Context, req SideEffectRequest) models.SideEffectResult
}

// FamilyAlert 家属告警内容
type FamilyAlert struct {
	CallID        string
	ProtectedUser string
	Counterpart   string
	RiskScore     float64
	Details       string
}

// AlertSender 家属告警发送
type AlertSender interface {
	SendFamilyAlert(ctx context.Context, alert FamilyAlert) models.SideEffectResult
}
