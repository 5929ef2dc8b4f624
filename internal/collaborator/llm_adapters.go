package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"wisefido-guardian/internal/models"
)

// flexFloat 接受数字或数字字符串
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func formatTranscript(entries []models.TranscriptEntry) string {
	var sb strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&sb, "[%d] %s: %s\n", i, strings.ToUpper(string(e.Speaker)), e.Text)
	}
	return sb.String()
}

const analyzePrompt = `You are a scam-detection assistant monitoring a live phone call on behalf of a vulnerable person (PROTECTED_USER).
Estimate how likely the COUNTERPART is attempting a scam. GUARDIAN lines are the AI guardian itself.
Reply with a JSON object only:
{"risk_score": <0-100>, "confidence": <0-1>, "indicators": [<short strings>], "reason": "<one sentence>", "recommended_action": "observe"|"question"|"warn"}`

type analysisPayload struct {
	RiskScore         *flexFloat `json:"risk_score"`
	Confidence        *flexFloat `json:"confidence"`
	Indicators        []string   `json:"indicators"`
	Reason            string     `json:"reason"`
	RecommendedAction string     `json:"recommended_action"`
}

// LLMAnalyzer 基于 LLM 的转写风险分析
type LLMAnalyzer struct {
	client *LLMClient
}

func NewLLMAnalyzer(client *LLMClient) *LLMAnalyzer {
	return &LLMAnalyzer{client: client}
}

// Analyze 严格校验返回结构：缺少 risk_score 视为非法，数值越界截断
func (a *LLMAnalyzer) Analyze(ctx context.Context, transcript []models.TranscriptEntry) (*models.Analysis, error) {
	user := "Transcript so far:\n" + formatTranscript(transcript)
	if len(transcript) == 0 {
		user = "Transcript so far: (empty)"
	}

	var p analysisPayload
	if err := a.client.CompleteJSON(ctx, analyzePrompt, user, &p); err != nil {
		return nil, err
	}
	return p.toAnalysis()
}

func (p analysisPayload) toAnalysis() (*models.Analysis, error) {
	if p.RiskScore == nil {
		return nil, fmt.Errorf("%w: missing risk_score", ErrMalformedResponse)
	}
	risk := clamp(float64(*p.RiskScore), 0, 100)
	confidence := 0.5
	if p.Confidence != nil {
		confidence = clamp(float64(*p.Confidence), 0, 1)
	}

	indicators := make([]string, 0, len(p.Indicators))
	for _, ind := range p.Indicators {
		if ind = strings.TrimSpace(ind); ind != "" {
			indicators = append(indicators, ind)
		}
	}

	return &models.Analysis{
		RiskScore:         risk,
		Confidence:        confidence,
		Indicators:        indicators,
		Reason:            strings.TrimSpace(p.Reason),
		RecommendedAction: models.ParseAction(strings.ToLower(strings.TrimSpace(p.RecommendedAction))),
	}, nil
}

const speakerPrompt = `You are analyzing a phone conversation to identify speakers.
- "user" = the person being protected (usually answers questions, may sound uncertain)
- "caller" = the other party (usually makes claims, asks for information or money)
- "guardian" = the AI assistant (already labeled)
For each requested entry, decide "user" or "caller".
Reply with a JSON object only: {"labels": ["user"|"caller", ...]} with exactly one label per requested entry, in the given order.`

type speakerPayload struct {
	Labels []string `json:"labels"`
}

// LLMSpeakerClassifier 基于 LLM 的说话人识别
type LLMSpeakerClassifier struct {
	client *LLMClient
}

func NewLLMSpeakerClassifier(client *LLMClient) *LLMSpeakerClassifier {
	return &LLMSpeakerClassifier{client: client}
}

func (s *LLMSpeakerClassifier) Classify(ctx context.Context, req SpeakerRequest) ([]models.Speaker, error) {
	var sb strings.Builder
	if req.ProtectedUser != "" {
		fmt.Fprintf(&sb, "Protected user number: %s\n", req.ProtectedUser)
	}
	if req.Counterpart != "" {
		fmt.Fprintf(&sb, "Caller number: %s\n", req.Counterpart)
	}
	sb.WriteString("\nRecent conversation:\n")
	sb.WriteString(formatTranscript(req.Window))
	sb.WriteString("\nEntries to label:\n")
	for n, t := range req.Targets {
		fmt.Fprintf(&sb, "%d. %q\n", n+1, t.Entry.Text)
	}

	var p speakerPayload
	if err := s.client.CompleteJSON(ctx, speakerPrompt, sb.String(), &p); err != nil {
		return nil, err
	}
	return ParseSpeakerLabels(p.Labels)
}

// ParseSpeakerLabels 将分类器标签映射为说话人，存在非法标签时整体拒绝
func ParseSpeakerLabels(labels []string) ([]models.Speaker, error) {
	out := make([]models.Speaker, len(labels))
	for i, l := range labels {
		switch strings.ToLower(strings.TrimSpace(l)) {
		case "user", "protected_user", "protecteduser":
			out[i] = models.SpeakerProtectedUser
		case "caller", "counterpart":
			out[i] = models.SpeakerCounterpart
		default:
			return nil, fmt.Errorf("%w: invalid speaker label %q", ErrMalformedResponse, l)
		}
	}
	return out, nil
}

const utterancePrompt = `You are GuardianAgent, an AI that joins phone calls to protect vulnerable people from scams.
Write one or two short spoken sentences addressed to the call. Begin with "This is GuardianAgent."
If the action is "warn", clearly tell the protected user not to share personal or banking information.
If the action is "question", politely ask the caller to explain or verify their request.
Reply with the sentences only.`

// LLMUtteranceGenerator 基于 LLM 的守护发言生成
type LLMUtteranceGenerator struct {
	client *LLMClient
}

func NewLLMUtteranceGenerator(client *LLMClient) *LLMUtteranceGenerator {
	return &LLMUtteranceGenerator{client: client}
}

func (g *LLMUtteranceGenerator) Generate(ctx context.Context, transcript []models.TranscriptEntry, analysis *models.Analysis, decision *models.Decision) (string, error) {
	var sb strings.Builder
	if decision != nil {
		fmt.Fprintf(&sb, "Action: %s\nRisk: %.0f%%\nReason: %s\n", decision.Action, decision.RiskScore, decision.Reason)
	}
	if analysis != nil && len(analysis.Indicators) > 0 {
		fmt.Fprintf(&sb, "Indicators: %s\n", strings.Join(analysis.Indicators, ", "))
	}
	sb.WriteString("\nTranscript:\n")
	sb.WriteString(formatTranscript(transcript))

	text, err := g.client.Complete(ctx, utterancePrompt, sb.String(), false, 0.3)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("%w: empty utterance", ErrMalformedResponse)
	}
	return text, nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
