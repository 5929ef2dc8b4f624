package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	assert.Equal(t, ActionWarn, ParseAction("warn"))
	assert.Equal(t, ActionQuestion, ParseAction("question"))
	assert.Equal(t, ActionObserve, ParseAction("observe"))
	assert.Equal(t, ActionObserve, ParseAction("hang_up"))
	assert.Equal(t, ActionObserve, ParseAction(""))
}

func TestSetParticipants_FirstSetWins(t *testing.T) {
	r := NewCallRecord("c1", time.Now())

	assert.False(t, r.SetParticipants(Participants{ProtectedUser: "+1000"}))
	assert.False(t, r.SetParticipants(Participants{Counterpart: "+2000"}))
	assert.True(t, r.SetParticipants(Participants{ProtectedUser: "+1999", Counterpart: "+2999"}))
	// 相同值不算冲突
	assert.False(t, r.SetParticipants(Participants{ProtectedUser: "+1000"}))

	assert.Equal(t, "+1000", r.Participants.ProtectedUser)
	assert.Equal(t, "+2000", r.Participants.Counterpart)
}

func TestClone_IsDeep(t *testing.T) {
	now := time.Now()
	r := NewCallRecord("c1", now)
	r.Transcript = append(r.Transcript, TranscriptEntry{Speaker: SpeakerUnresolved, Text: "hi"})
	r.Reputation = &ReputationSignal{RiskScore: 10}
	r.LastAnalysis = &Analysis{RiskScore: 20, Indicators: []string{"a"}}
	r.AnalysisHistory = append(r.AnalysisHistory, *r.LastAnalysis)
	r.Decision = &Decision{Action: ActionObserve}
	r.AppendActivity("init", map[string]string{"k": "v"}, false, now)

	c := r.Clone()
	c.Transcript[0].Speaker = SpeakerCounterpart
	c.Reputation.RiskScore = 99
	c.LastAnalysis.Indicators[0] = "changed"
	c.AnalysisHistory[0].Indicators[0] = "changed"
	c.Decision.Action = ActionWarn
	c.ActivityLog[0].Data["k"] = "changed"
	c.Transcript = append(c.Transcript, TranscriptEntry{Text: "more"})

	assert.Equal(t, SpeakerUnresolved, r.Transcript[0].Speaker)
	assert.Len(t, r.Transcript, 1)
	assert.Equal(t, 10.0, r.Reputation.RiskScore)
	assert.Equal(t, "a", r.LastAnalysis.Indicators[0])
	assert.Equal(t, "a", r.AnalysisHistory[0].Indicators[0])
	assert.Equal(t, ActionObserve, r.Decision.Action)
	assert.Equal(t, "v", r.ActivityLog[0].Data["k"])
}

func TestAppendActivity_CarriesTool(t *testing.T) {
	r := NewCallRecord("c1", time.Now())
	r.SetTool("transcript_analysis", "Analyzing conversation")
	r.AppendActivity("analyze", nil, true, time.Now())
	r.ClearTool()

	require.Len(t, r.ActivityLog, 1)
	assert.Equal(t, "transcript_analysis", r.ActivityLog[0].Tool)
	assert.True(t, r.ActivityLog[0].Degraded)
	assert.Empty(t, r.CurrentTool)
}

func TestUnresolvedIndices(t *testing.T) {
	r := NewCallRecord("c1", time.Now())
	r.Transcript = []TranscriptEntry{
		{Speaker: SpeakerGuardian},
		{Speaker: SpeakerUnresolved},
		{Speaker: SpeakerCounterpart},
		{Speaker: SpeakerUnresolved},
	}
	assert.Equal(t, []int{1, 3}, r.UnresolvedIndices())
}

func TestMergeDurable(t *testing.T) {
	base := NewCallRecord("c1", time.Now())
	base.Participants.Counterpart = "+15551234"

	discarded := base.Clone()
	discarded.Participants.Counterpart = "+19999999"
	discarded.Participants.ProtectedUser = "+15550001"
	discarded.ScamProcessed = true
	discarded.ScamReport = &SideEffectResult{Success: true, Message: "added"}
	discarded.Reputation = &ReputationSignal{RiskScore: 95, KnownBad: true}
	discarded.Transcript = append(discarded.Transcript, TranscriptEntry{Text: "lost"})

	assert.True(t, base.MergeDurable(discarded))
	assert.True(t, base.ScamProcessed)
	assert.Equal(t, "added", base.ScamReport.Message)
	assert.Equal(t, "+15551234", base.Participants.Counterpart)
	assert.Equal(t, "+15550001", base.Participants.ProtectedUser)
	assert.True(t, base.Reputation.KnownBad)
	assert.Empty(t, base.Transcript)

	discarded.ScamReport.Message = "mutated"
	assert.Equal(t, "added", base.ScamReport.Message)
	assert.False(t, base.MergeDurable(discarded))
	assert.False(t, base.MergeDurable(nil))
}
