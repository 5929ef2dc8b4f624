package models

import (
	"time"
)

// Speaker 转写条目的说话人标签
type Speaker string

const (
	SpeakerProtectedUser Speaker = "protected_user" // 被保护用户
	SpeakerCounterpart   Speaker = "counterpart"    // 通话对方（潜在诈骗来源）
	SpeakerGuardian      Speaker = "guardian"       // 守护代理自身的发言
	SpeakerUnresolved    Speaker = "unresolved"     // 尚未识别的人类说话人
)

// IsResolvedHuman 是否已识别为被保护用户或通话对方
func (s Speaker) IsResolvedHuman() bool {
	return s == SpeakerProtectedUser || s == SpeakerCounterpart
}

// Action 决策动作
type Action string

const (
	ActionObserve  Action = "observe"
	ActionQuestion Action = "question"
	ActionWarn     Action = "warn"
)

// ParseAction 未知取值视为 observe
func ParseAction(s string) Action {
	switch Action(s) {
	case ActionQuestion:
		return ActionQuestion
	case ActionWarn:
		return ActionWarn
	default:
		return ActionObserve
	}
}

// TriggerKind 触发类型
type TriggerKind string

const (
	TriggerForced      TriggerKind = "forced"      // 周期驱动，必定分析
	TriggerIncremental TriggerKind = "incremental" // 新片段到达，受最小间隔约束
)

// Participants 通话双方号码
type Participants struct {
	ProtectedUser string `json:"protected_user,omitempty"`
	Counterpart   string `json:"counterpart,omitempty"`
}

// Fragment 外部输入的原始转写片段
// Role 与 Speaker 来自不同触发源的两套词汇，二者取其一
type Fragment struct {
	Role        string    `json:"role,omitempty"`
	Speaker     string    `json:"speaker,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// TranscriptEntry 规范化后的转写条目
type TranscriptEntry struct {
	Speaker     Speaker   `json:"speaker"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Interrupted bool      `json:"interrupted,omitempty"`
	FragmentKey string    `json:"fragment_key"` // 去重键：文本 + 来源时间戳
}

// ReputationSignal 号码信誉信号
type ReputationSignal struct {
	RiskScore float64   `json:"risk_score"`
	KnownBad  bool      `json:"known_bad"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Analysis 转写分析结果
type Analysis struct {
	RiskScore         float64   `json:"risk_score"`
	Confidence        float64   `json:"confidence"`
	Indicators        []string  `json:"indicators"`
	Reason            string    `json:"reason"`
	RecommendedAction Action    `json:"recommended_action,omitempty"`
	Degraded          bool      `json:"degraded,omitempty"` // 使用了本地兜底
	AnalyzedAt        time.Time `json:"analyzed_at"`
}

// Decision 融合后的决策
type Decision struct {
	Action    Action    `json:"action"`
	RiskScore float64   `json:"risk_score"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

// SideEffectResult 一次性副作用的执行结果
type SideEffectResult struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	ReportID string    `json:"report_id,omitempty"`
	At       time.Time `json:"at"`
}

// ActivityEntry 审计日志条目，仅供观察者读取
type ActivityEntry struct {
	Stage           string            `json:"stage"`
	Data            map[string]string `json:"data,omitempty"`
	Tool            string            `json:"tool,omitempty"`
	ToolDescription string            `json:"tool_description,omitempty"`
	Degraded        bool              `json:"degraded,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// CallRecord 单通电话的状态聚合，由 CallStore 独占持有
type CallRecord struct {
	CallID          string            `json:"call_id"`
	Participants    Participants      `json:"participants"`
	Transcript      []TranscriptEntry `json:"transcript"`
	Reputation      *ReputationSignal `json:"reputation,omitempty"`
	LastAnalysis    *Analysis         `json:"last_analysis,omitempty"`
	AnalysisHistory []Analysis        `json:"analysis_history"`
	LastAnalysisAt  time.Time         `json:"last_analysis_at"`
	Decision        *Decision         `json:"decision,omitempty"`

	ScamProcessed bool              `json:"scam_processed"`
	ScamReport    *SideEffectResult `json:"scam_report,omitempty"`
	AlertSent     bool              `json:"alert_sent"`
	AlertResult   *SideEffectResult `json:"alert_result,omitempty"`

	// 当前正在调用的外部协作方（运行结束时清空）
	CurrentTool            string `json:"current_tool,omitempty"`
	CurrentToolDescription string `json:"current_tool_description,omitempty"`

	ActivityLog []ActivityEntry `json:"activity_log"`

	RunCount  int       `json:"run_count"`
	Finalized bool      `json:"finalized"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCallRecord 初始化一条新记录
func NewCallRecord(callID string, now time.Time) *CallRecord {
	return &CallRecord{
		CallID:          callID,
		Transcript:      []TranscriptEntry{},
		AnalysisHistory: []Analysis{},
		ActivityLog:     []ActivityEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SetParticipants 仅填充尚未设置的号码，返回是否有已设置号码被尝试改写
func (r *CallRecord) SetParticipants(p Participants) (conflict bool) {
	if p.ProtectedUser != "" {
		if r.Participants.ProtectedUser == "" {
			r.Participants.ProtectedUser = p.ProtectedUser
		} else if r.Participants.ProtectedUser != p.ProtectedUser {
			conflict = true
		}
	}
	if p.Counterpart != "" {
		if r.Participants.Counterpart == "" {
			r.Participants.Counterpart = p.Counterpart
		} else if r.Participants.Counterpart != p.Counterpart {
			conflict = true
		}
	}
	return conflict
}

// UnresolvedIndices 返回尚未识别说话人的条目下标（升序）
func (r *CallRecord) UnresolvedIndices() []int {
	var idx []int
	for i, e := range r.Transcript {
		if e.Speaker == SpeakerUnresolved {
			idx = append(idx, i)
		}
	}
	return idx
}

// SetTool 设置当前外部调用指示
func (r *CallRecord) SetTool(tool, description string) {
	r.CurrentTool = tool
	r.CurrentToolDescription = description
}

// ClearTool 清空当前外部调用指示
func (r *CallRecord) ClearTool() {
	r.CurrentTool = ""
	r.CurrentToolDescription = ""
}

// AppendActivity 追加审计条目，附带当前外部调用指示
func (r *CallRecord) AppendActivity(stage string, data map[string]string, degraded bool, now time.Time) {
	r.ActivityLog = append(r.ActivityLog, ActivityEntry{
		Stage:           stage,
		Data:            data,
		Tool:            r.CurrentTool,
		ToolDescription: r.CurrentToolDescription,
		Degraded:        degraded,
		Timestamp:       now,
	})
}

// RiskScores 返回信誉分与分析分（未设置为 0）
func (r *CallRecord) RiskScores() (reputation, transcript float64) {
	if r.Reputation != nil {
		reputation = r.Reputation.RiskScore
	}
	if r.LastAnalysis != nil {
		transcript = r.LastAnalysis.RiskScore
	}
	return reputation, transcript
}

// MergeDurable 从被丢弃的工作副本合并只写一次的字段：已触发的副作用标志及结果，
// 以及尚未设置的号码与信誉信号。返回是否有字段变化
func (r *CallRecord) MergeDurable(from *CallRecord) bool {
	if from == nil {
		return false
	}
	changed := false
	if from.ScamProcessed && !r.ScamProcessed {
		r.ScamProcessed = true
		r.ScamReport = cloneResult(from.ScamReport)
		changed = true
	}
	if from.AlertSent && !r.AlertSent {
		r.AlertSent = true
		r.AlertResult = cloneResult(from.AlertResult)
		changed = true
	}
	if r.Participants.ProtectedUser == "" && from.Participants.ProtectedUser != "" {
		r.Participants.ProtectedUser = from.Participants.ProtectedUser
		changed = true
	}
	if r.Participants.Counterpart == "" && from.Participants.Counterpart != "" {
		r.Participants.Counterpart = from.Participants.Counterpart
		changed = true
	}
	if r.Reputation == nil && from.Reputation != nil {
		sig := *from.Reputation
		r.Reputation = &sig
		changed = true
	}
	return changed
}

func cloneResult(res *SideEffectResult) *SideEffectResult {
	if res == nil {
		return nil
	}
	c := *res
	return &c
}
