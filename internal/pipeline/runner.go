package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/evaluator"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/store"
	"wisefido-guardian/internal/transcript"

	"go.uber.org/zap"
)

// ErrMissingCallID 触发请求缺少 call_id
var ErrMissingCallID = errors.New("missing call id")

// Stage 流水线状态
type Stage string

const (
	StageInit              Stage = "init"
	StageReputationChecked Stage = "reputation_checked"
	StageTranscriptMerged  Stage = "transcript_merged"
	StageSpeakerResolved   Stage = "speaker_resolved"
	StageAnalyzed          Stage = "analyzed"
	StageDecided           Stage = "decided"
	StageSkipAnalysis      Stage = "skip_analysis"
	StageScamProcessed     Stage = "scam_processed"
	StageUtteranceSignaled Stage = "utterance_signaled"
	StageSkipSpeech        Stage = "skip_speech"
	StageFinalized         Stage = "finalized"
)

// 外部调用指示
const (
	ToolReputation  = "phone_reputation_check"
	ToolSpeaker     = "speaker_identification"
	ToolAnalysis    = "transcript_analysis"
	ToolDecision    = "decision_making"
	ToolProcessScam = "process_scam"
	ToolSpeech      = "speech_generation"
	ToolFamilyAlert = "family_alert"
)

// RunRequest 一次触发
type RunRequest struct {
	CallID       string
	Participants *models.Participants
	Fragments    []models.Fragment
	Trigger      models.TriggerKind
}

// RunResult 一次运行的结果
type RunResult struct {
	CallID    string
	Trigger   models.TriggerKind
	Stages    []Stage
	Added     int  // 新增转写条数
	Analyzed  bool // 本轮是否执行分析
	Decision  *models.Decision
	Utterance string
	Record    *models.CallRecord // 提交后的快照副本
}

// StatusSink 运行中外部调用指示的发布目标
type StatusSink interface {
	Publish(ctx context.Context, status store.ToolStatus) error
}

// Dependencies 流水线依赖
type Dependencies struct {
	Store     *store.CallStore
	Merger    *transcript.Merger
	Speakers  *transcript.SpeakerResolver
	Scheduler *evaluator.Scheduler
	Fusion    *evaluator.FusionEngine
	Guard     *evaluator.SideEffectGuard
	Utterance collaborator.UtteranceGenerator
	Status    StatusSink       // 可为 nil
	Timeout   time.Duration    // 单次外部调用超时，<= 0 不限制
	Clock     func() time.Time // 为 nil 时使用 time.Now
}

// Runner 每次触发都完整执行一遍状态机，整个运行期间持有该通话的锁
type Runner struct {
	store     *store.CallStore
	merger    *transcript.Merger
	speakers  *transcript.SpeakerResolver
	scheduler *evaluator.Scheduler
	fusion    *evaluator.FusionEngine
	guard     *evaluator.SideEffectGuard
	utterance collaborator.UtteranceGenerator
	status    StatusSink
	timeout   time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewRunner 创建流水线
func NewRunner(deps Dependencies, logger *zap.Logger) *Runner {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	merger := deps.Merger
	if merger == nil {
		merger = transcript.NewMerger()
	}
	utterance := deps.Utterance
	if utterance == nil {
		utterance = collaborator.TemplateGenerator{}
	}
	return &Runner{
		store:     deps.Store,
		merger:    merger,
		speakers:  deps.Speakers,
		scheduler: deps.Scheduler,
		fusion:    deps.Fusion,
		guard:     deps.Guard,
		utterance: utterance,
		status:    deps.Status,
		timeout:   deps.Timeout,
		clock:     clock,
		logger:    logger,
	}
}

// Run 处理一次触发；同一通话的触发按获取锁的顺序串行
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.CallID == "" {
		return nil, ErrMissingCallID
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = models.TriggerIncremental
	}

	res := &RunResult{CallID: req.CallID, Trigger: trigger}
	rec, err := r.store.Update(ctx, req.CallID, func(ctx context.Context, record *models.CallRecord) error {
		*res = RunResult{CallID: req.CallID, Trigger: trigger}
		r.execute(ctx, record, req, trigger, res)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run pipeline for call %s: %w", req.CallID, err)
	}

	res.Record = rec
	r.logger.Debug("Pipeline run committed",
		zap.String("call_id", req.CallID),
		zap.String("trigger", string(trigger)),
		zap.Int("added", res.Added),
		zap.Bool("analyzed", res.Analyzed),
	)
	return res, nil
}

func (r *Runner) execute(ctx context.Context, record *models.CallRecord, req RunRequest, trigger models.TriggerKind, res *RunResult) {
	now := r.clock()

	// Init
	if req.Participants != nil && record.SetParticipants(*req.Participants) {
		r.logger.Warn("Ignoring participant change for call",
			zap.String("call_id", record.CallID),
		)
	}
	if record.RunCount == 0 {
		record.AppendActivity("init_call", map[string]string{
			"msg":            "Initialized new call state",
			"call_id":        record.CallID,
			"counterpart":    record.Participants.Counterpart,
			"protected_user": record.Participants.ProtectedUser,
		}, false, now)
	}
	record.RunCount++
	res.Stages = append(res.Stages, StageInit)

	// ReputationChecked
	if evaluator.NeedsReputation(record) {
		r.setTool(ctx, record, ToolReputation,
			fmt.Sprintf("Checking phone number %s against scam database", record.Participants.Counterpart))
		cctx, cancel := r.callContext(ctx)
		out := r.fusion.EnsureReputation(cctx, record, now)
		cancel()

		data := map[string]string{"counterpart": record.Participants.Counterpart}
		if record.Reputation != nil {
			data["risk_score"] = formatScore(record.Reputation.RiskScore)
			data["known_bad"] = strconv.FormatBool(record.Reputation.KnownBad)
			data["source"] = record.Reputation.Source
		}
		if out.Err != nil {
			data["error"] = out.Err.Error()
		}
		record.AppendActivity("check_reputation", data, out.Degraded, r.clock())
	}
	res.Stages = append(res.Stages, StageReputationChecked)

	// TranscriptMerged
	res.Added = r.merger.Merge(record, req.Fragments, now)
	if res.Added > 0 {
		record.AppendActivity("update_transcript", map[string]string{
			"added": strconv.Itoa(res.Added),
			"total": strconv.Itoa(len(record.Transcript)),
		}, false, r.clock())
	}
	res.Stages = append(res.Stages, StageTranscriptMerged)

	// SpeakerResolved
	if r.speakers != nil && r.speakers.Pending(record) {
		r.setTool(ctx, record, ToolSpeaker, "Identifying who is speaking in the conversation")
		cctx, cancel := r.callContext(ctx)
		sr := r.speakers.Resolve(cctx, record)
		cancel()

		data := map[string]string{
			"requested": strconv.Itoa(sr.Requested),
			"resolved":  strconv.Itoa(sr.Resolved),
		}
		if sr.Err != nil {
			data["error"] = sr.Err.Error()
		}
		record.AppendActivity("identify_speakers", data, sr.Degraded, r.clock())
	}
	res.Stages = append(res.Stages, StageSpeakerResolved)

	if !r.scheduler.Due(trigger, record.LastAnalysisAt, now) {
		record.AppendActivity("skip_analysis", map[string]string{
			"trigger":          string(trigger),
			"last_analysis_at": record.LastAnalysisAt.Format(time.RFC3339Nano),
		}, false, r.clock())
		res.Stages = append(res.Stages, StageSkipAnalysis)
		r.finish(ctx, record, res)
		return
	}

	// Analyzed
	r.setTool(ctx, record, ToolAnalysis, "Analyzing conversation for scam indicators")
	cctx, cancel := r.callContext(ctx)
	out := r.fusion.Analyze(cctx, record, now)
	cancel()
	res.Analyzed = true

	analysisData := map[string]string{
		"risk_score": formatScore(record.LastAnalysis.RiskScore),
		"confidence": strconv.FormatFloat(record.LastAnalysis.Confidence, 'f', 2, 64),
		"reason":     record.LastAnalysis.Reason,
	}
	if out.Err != nil {
		analysisData["error"] = out.Err.Error()
	}
	record.AppendActivity("analyze_transcript", analysisData, out.Degraded, r.clock())
	res.Stages = append(res.Stages, StageAnalyzed)

	// Decided
	r.setTool(ctx, record, ToolDecision, "Evaluating risk and deciding on action")
	decision := r.fusion.Decide(record, now)
	res.Decision = decision
	record.AppendActivity("decide_action", map[string]string{
		"action":     string(decision.Action),
		"risk_score": formatScore(decision.RiskScore),
		"reason":     decision.Reason,
	}, false, r.clock())
	res.Stages = append(res.Stages, StageDecided)

	switch decision.Action {
	case models.ActionWarn:
		r.processScam(ctx, record, res)
		r.signalUtterance(ctx, record, decision, res)
	case models.ActionQuestion:
		r.signalUtterance(ctx, record, decision, res)
	default:
		record.AppendActivity("generate_utterance", map[string]string{
			"msg": "Skipping utterance (observe only).",
		}, false, r.clock())
		res.Stages = append(res.Stages, StageSkipSpeech)
	}

	r.finish(ctx, record, res)
}

func (r *Runner) processScam(ctx context.Context, record *models.CallRecord, res *RunResult) {
	r.setTool(ctx, record, ToolProcessScam,
		fmt.Sprintf("Adding %s to scam database and queueing authority report", record.Participants.Counterpart))
	cctx, cancel := r.callContext(ctx)
	out := r.guard.ProcessScam(cctx, record, r.clock())
	cancel()

	data := map[string]string{"counterpart": record.Participants.Counterpart}
	degraded := false
	switch {
	case out.Skipped:
		data["msg"] = "Scam already processed, skipping."
	case out.Result != nil:
		data["success"] = strconv.FormatBool(out.Result.Success)
		data["note"] = out.Result.Message
		if out.Result.ReportID != "" {
			data["report_id"] = out.Result.ReportID
		}
		degraded = !out.Result.Success
	}
	record.AppendActivity("process_scam", data, degraded, r.clock())
	res.Stages = append(res.Stages, StageScamProcessed)
}

func (r *Runner) signalUtterance(ctx context.Context, record *models.CallRecord, decision *models.Decision, res *RunResult) {
	r.setTool(ctx, record, ToolSpeech, "Generating Guardian intervention message")
	cctx, cancel := r.callContext(ctx)
	text, err := r.generateSafely(cctx, record, decision)
	cancel()

	degraded := false
	if err == nil && text == "" {
		err = collaborator.ErrMalformedResponse
	}
	if err != nil {
		r.logger.Warn("Utterance generation failed, using template",
			zap.String("call_id", record.CallID),
			zap.Error(err),
		)
		text = collaborator.TemplateUtterance(decision.RiskScore)
		degraded = true
	}

	r.merger.AppendGuardian(record, text, r.clock())
	res.Utterance = text

	data := map[string]string{"utterance": text}
	if err != nil {
		data["error"] = err.Error()
	}
	record.AppendActivity("generate_utterance", data, degraded, r.clock())
	res.Stages = append(res.Stages, StageUtteranceSignaled)
}

// generateSafely 生成器 panic 视为失败，由调用方退回模板
func (r *Runner) generateSafely(ctx context.Context, record *models.CallRecord, decision *models.Decision) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("utterance generator panicked: %v", p)
		}
	}()
	return r.utterance.Generate(ctx, record.TranscriptCopy(), record.LastAnalysis, decision)
}

// finish 终态：总是执行，清空外部调用指示
func (r *Runner) finish(ctx context.Context, record *models.CallRecord, res *RunResult) {
	record.ClearTool()
	summary := map[string]string{
		"call_id":        record.CallID,
		"run_count":      strconv.Itoa(record.RunCount),
		"scam_processed": strconv.FormatBool(record.ScamProcessed),
	}
	if record.LastAnalysis != nil {
		summary["latest_risk"] = formatScore(record.LastAnalysis.RiskScore)
	}
	if record.Decision != nil {
		summary["action"] = string(record.Decision.Action)
	}
	record.AppendActivity("finalize_step", summary, false, r.clock())
	r.publishStatus(ctx, record)
	res.Stages = append(res.Stages, StageFinalized)
}

// Finalize 通话结束：发送家属告警（最多一次），标记结束并丢弃内存记录
func (r *Runner) Finalize(ctx context.Context, callID string) (*models.CallRecord, error) {
	rec, err := r.store.Finalize(ctx, callID, func(ctx context.Context, record *models.CallRecord) error {
		if r.guard != nil && record.Decision != nil && record.Decision.Action == models.ActionWarn {
			r.setTool(ctx, record, ToolFamilyAlert, "Notifying family member about suspected scam call")
			cctx, cancel := r.callContext(ctx)
			out := r.guard.SendAlert(cctx, record, r.clock())
			cancel()

			if out.Triggered {
				data := map[string]string{}
				degraded := false
				if out.Skipped {
					data["msg"] = "Family alert already sent, skipping."
				} else if out.Result != nil {
					data["success"] = strconv.FormatBool(out.Result.Success)
					data["message"] = out.Result.Message
					degraded = !out.Result.Success
				}
				record.AppendActivity("send_family_alert", data, degraded, r.clock())
			}
		}

		record.ClearTool()
		record.AppendActivity("call_ended", map[string]string{
			"run_count":      strconv.Itoa(record.RunCount),
			"scam_processed": strconv.FormatBool(record.ScamProcessed),
			"alert_sent":     strconv.FormatBool(record.AlertSent),
		}, false, r.clock())
		r.publishStatus(ctx, record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize call %s: %w", callID, err)
	}

	r.logger.Info("Call finalized",
		zap.String("call_id", callID),
		zap.Int("run_count", rec.RunCount),
		zap.Bool("scam_processed", rec.ScamProcessed),
		zap.Bool("alert_sent", rec.AlertSent),
	)
	return rec, nil
}

func (r *Runner) setTool(ctx context.Context, record *models.CallRecord, tool, description string) {
	record.SetTool(tool, description)
	r.publishStatus(ctx, record)
}

func (r *Runner) publishStatus(ctx context.Context, record *models.CallRecord) {
	if r.status == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool status sink panicked",
				zap.String("call_id", record.CallID),
				zap.Any("panic", p),
			)
		}
	}()
	err := r.status.Publish(ctx, store.ToolStatus{
		CallID:          record.CallID,
		Tool:            record.CurrentTool,
		ToolDescription: record.CurrentToolDescription,
		UpdatedAt:       r.clock(),
	})
	if err != nil {
		r.logger.Debug("Failed to publish tool status",
			zap.String("call_id", record.CallID),
			zap.Error(err),
		)
	}
}

func (r *Runner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 0, 64)
}
