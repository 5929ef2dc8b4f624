package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-guardian/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestActionForRisk_Boundaries(t *testing.T) {
	tests := []struct {
		risk float64
		want models.Action
	}{
		{0, models.ActionObserve},
		{39.9, models.ActionObserve},
		{40, models.ActionQuestion},
		{79.9, models.ActionQuestion},
		{80, models.ActionWarn},
		{100, models.ActionWarn},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ActionForRisk(tt.risk), "risk=%v", tt.risk)
	}
}

func TestBuildReason(t *testing.T) {
	rep := func(score float64, bad bool) *models.ReputationSignal {
		return &models.ReputationSignal{RiskScore: score, KnownBad: bad}
	}
	an := func(score float64) *models.Analysis {
		return &models.Analysis{RiskScore: score}
	}

	tests := []struct {
		name     string
		rep      *models.ReputationSignal
		analysis *models.Analysis
		want     string
	}{
		{"tie goes to reputation", rep(90, true), an(90),
			"High risk=90% (known scam database match). Conversation analysis: 90%"},
		{"transcript dominates", rep(90, true), an(91),
			"High risk=91% from conversation analysis. Phone reputation: 90%"},
		{"reputation dominates, not known bad", rep(60, false), an(30),
			"Combined risk=60% (phone: 60%, conversation: 30%)"},
		{"only known bad reputation", rep(95, true), an(0),
			"Known scam number detected (risk: 95%)"},
		{"only reputation", rep(5, false), nil,
			"Phone reputation risk: 5%"},
		{"only transcript", nil, an(55),
			"Conversation analysis risk: 55%"},
		{"nothing", rep(0, false), an(0),
			"No risk detected"},
		{"no signals at all", nil, nil,
			"No risk detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildReason(tt.rep, tt.analysis))
		})
	}
}

func newEngine(rep *MockReputationLookup, analyzer, fallback *MockAnalyzer) *FusionEngine {
	return NewFusionEngine(rep, analyzer, fallback, zap.NewNop())
}

func TestEnsureReputation_OnlyOnce(t *testing.T) {
	rep := new(MockReputationLookup)
	rep.On("Lookup", mock.Anything, "+15550009999").
		Return(&models.ReputationSignal{RiskScore: 120, KnownBad: true, Source: "scam_db"}, nil).Once()
	e := newEngine(rep, new(MockAnalyzer), new(MockAnalyzer))

	r := models.NewCallRecord("c1", now)
	r.Participants.Counterpart = "+15550009999"

	out := e.EnsureReputation(context.Background(), r, now)
	assert.True(t, out.Called)
	require.NotNil(t, r.Reputation)
	assert.Equal(t, 100.0, r.Reputation.RiskScore)
	assert.Equal(t, now, r.Reputation.CheckedAt)

	out = e.EnsureReputation(context.Background(), r, now)
	assert.False(t, out.Called)
	rep.AssertNumberOfCalls(t, "Lookup", 1)
}

func TestEnsureReputation_SkipsWithoutCounterpart(t *testing.T) {
	rep := new(MockReputationLookup)
	e := newEngine(rep, new(MockAnalyzer), new(MockAnalyzer))
	r := models.NewCallRecord("c1", now)

	assert.False(t, e.EnsureReputation(context.Background(), r, now).Called)
	rep.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestEnsureReputation_FailureRetriesNextRun(t *testing.T) {
	rep := new(MockReputationLookup)
	rep.On("Lookup", mock.Anything, "+1").Return(nil, errors.New("db down")).Once()
	rep.On("Lookup", mock.Anything, "+1").Return(&models.ReputationSignal{RiskScore: 5}, nil).Once()
	e := newEngine(rep, new(MockAnalyzer), new(MockAnalyzer))
	r := models.NewCallRecord("c1", now)
	r.Participants.Counterpart = "+1"

	out := e.EnsureReputation(context.Background(), r, now)
	assert.True(t, out.Degraded)
	assert.Nil(t, r.Reputation)

	out = e.EnsureReputation(context.Background(), r, now)
	assert.False(t, out.Degraded)
	require.NotNil(t, r.Reputation)
	assert.Equal(t, 5.0, r.Reputation.RiskScore)
}

func TestAnalyze_StoresResultAndHistory(t *testing.T) {
	analyzer := new(MockAnalyzer)
	analyzer.On("Analyze", mock.Anything, mock.Anything).Return(&models.Analysis{
		RiskScore:         72,
		Confidence:        1.4,
		Indicators:        []string{"urgency"},
		Reason:            "caller pressures",
		RecommendedAction: "hang_up",
	}, nil)
	e := newEngine(new(MockReputationLookup), analyzer, new(MockAnalyzer))
	r := models.NewCallRecord("c1", now)

	out := e.Analyze(context.Background(), r, now)
	assert.False(t, out.Degraded)
	require.NotNil(t, r.LastAnalysis)
	assert.Equal(t, 72.0, r.LastAnalysis.RiskScore)
	assert.Equal(t, 1.0, r.LastAnalysis.Confidence)
	assert.Equal(t, models.ActionObserve, r.LastAnalysis.RecommendedAction)
	assert.Equal(t, now, r.LastAnalysisAt)
	require.Len(t, r.AnalysisHistory, 1)

	e.Analyze(context.Background(), r, now.Add(time.Second))
	assert.Len(t, r.AnalysisHistory, 2)
	assert.Equal(t, now.Add(time.Second), r.LastAnalysisAt)
}

func TestAnalyze_FailureUsesFallback(t *testing.T) {
	analyzer := new(MockAnalyzer)
	analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, errors.New("quota exceeded"))
	fallback := new(MockAnalyzer)
	fallback.On("Analyze", mock.Anything, mock.Anything).Return(&models.Analysis{
		RiskScore:  40,
		Confidence: 0.3,
		Reason:     "keyword heuristic",
	}, nil)
	e := newEngine(new(MockReputationLookup), analyzer, fallback)
	r := models.NewCallRecord("c1", now)

	out := e.Analyze(context.Background(), r, now)

	assert.True(t, out.Degraded)
	assert.Error(t, out.Err)
	require.NotNil(t, r.LastAnalysis)
	assert.True(t, r.LastAnalysis.Degraded)
	assert.Equal(t, 40.0, r.LastAnalysis.RiskScore)
	fallback.AssertNumberOfCalls(t, "Analyze", 1)
}

func TestAnalyze_LastAnalysisAtIsMonotonic(t *testing.T) {
	analyzer := new(MockAnalyzer)
	analyzer.On("Analyze", mock.Anything, mock.Anything).Return(&models.Analysis{}, nil)
	e := newEngine(new(MockReputationLookup), analyzer, new(MockAnalyzer))
	r := models.NewCallRecord("c1", now)
	r.LastAnalysisAt = now.Add(time.Minute)

	e.Analyze(context.Background(), r, now)
	assert.Equal(t, now.Add(time.Minute), r.LastAnalysisAt)
}

func TestDecide_UsesMaxOfSignals(t *testing.T) {
	e := newEngine(new(MockReputationLookup), new(MockAnalyzer), new(MockAnalyzer))
	r := models.NewCallRecord("c1", now)
	r.Reputation = &models.ReputationSignal{RiskScore: 95, KnownBad: true}

	d := e.Decide(r, now)
	assert.Equal(t, models.ActionWarn, d.Action)
	assert.Equal(t, 95.0, d.RiskScore)
	assert.Equal(t, "Known scam number detected (risk: 95%)", d.Reason)

	// 没有迟滞：信号下降时决策随之下降
	r.Reputation.RiskScore = 10
	r.LastAnalysis = &models.Analysis{RiskScore: 45}
	d = e.Decide(r, now)
	assert.Equal(t, models.ActionQuestion, d.Action)
	assert.Same(t, d, r.Decision)
}
