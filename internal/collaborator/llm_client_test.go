package collaborator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wisefido-guardian/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newFakeLLM 返回固定 content 的 chat completions 服务
func newFakeLLM(t *testing.T, status int, content string, check func(req chatRequest)) *LLMClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth"}}`))
			return
		}
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return NewLLMClient(srv.URL+"/", "test-key", "gpt-4o-mini", 5*time.Second, zap.NewNop())
}

var sampleTranscript = []models.TranscriptEntry{
	{Speaker: models.SpeakerCounterpart, Text: "This is your bank, we need your PIN."},
	{Speaker: models.SpeakerProtectedUser, Text: "Oh, okay?"},
}

func TestLLMAnalyzer_ParsesAndClamps(t *testing.T) {
	client := newFakeLLM(t, http.StatusOK,
		`{"risk_score": "135", "confidence": 0.8, "indicators": ["pin request", " "], "reason": "asks for PIN", "recommended_action": "WARN"}`,
		func(req chatRequest) {
			assert.Equal(t, "gpt-4o-mini", req.Model)
			require.NotNil(t, req.ResponseFormat)
			assert.Equal(t, "json_object", req.ResponseFormat.Type)
			require.Len(t, req.Messages, 2)
			assert.Contains(t, req.Messages[1].Content, "COUNTERPART: This is your bank")
		})

	a, err := NewLLMAnalyzer(client).Analyze(context.Background(), sampleTranscript)
	require.NoError(t, err)
	assert.Equal(t, 100.0, a.RiskScore)
	assert.Equal(t, 0.8, a.Confidence)
	assert.Equal(t, []string{"pin request"}, a.Indicators)
	assert.Equal(t, models.ActionWarn, a.RecommendedAction)
}

func TestLLMAnalyzer_CodeFenceAndUnknownAction(t *testing.T) {
	client := newFakeLLM(t, http.StatusOK, "```json\n{\"risk_score\": 42.5, \"recommended_action\": \"hang up\"}\n```", nil)

	a, err := NewLLMAnalyzer(client).Analyze(context.Background(), sampleTranscript)
	require.NoError(t, err)
	assert.Equal(t, 42.5, a.RiskScore)
	assert.Equal(t, 0.5, a.Confidence)
	assert.Equal(t, models.ActionObserve, a.RecommendedAction)
}

func TestLLMAnalyzer_RejectsMalformed(t *testing.T) {
	for _, content := range []string{
		`{"confidence": 0.9}`,
		`not json at all`,
		`{"risk_score": "high"}`,
	} {
		client := newFakeLLM(t, http.StatusOK, content, nil)
		_, err := NewLLMAnalyzer(client).Analyze(context.Background(), sampleTranscript)
		assert.ErrorIs(t, err, ErrMalformedResponse, content)
	}
}

func TestLLMClient_HTTPError(t *testing.T) {
	client := newFakeLLM(t, http.StatusUnauthorized, "", nil)

	_, err := NewLLMAnalyzer(client).Analyze(context.Background(), sampleTranscript)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestLLMSpeakerClassifier(t *testing.T) {
	client := newFakeLLM(t, http.StatusOK, `{"labels": ["caller", "user"]}`, func(req chatRequest) {
		assert.Contains(t, req.Messages[1].Content, "Caller number: +15550009999")
		assert.Contains(t, req.Messages[1].Content, "Entries to label:")
	})
	req := SpeakerRequest{
		Window: sampleTranscript,
		Targets: []SpeakerTarget{
			{Index: 0, Entry: sampleTranscript[0]},
			{Index: 1, Entry: sampleTranscript[1]},
		},
		Counterpart: "+15550009999",
	}

	labels, err := NewLLMSpeakerClassifier(client).Classify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []models.Speaker{models.SpeakerCounterpart, models.SpeakerProtectedUser}, labels)
}

func TestLLMSpeakerClassifier_InvalidLabel(t *testing.T) {
	client := newFakeLLM(t, http.StatusOK, `{"labels": ["caller", "narrator"]}`, nil)

	_, err := NewLLMSpeakerClassifier(client).Classify(context.Background(), SpeakerRequest{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestLLMUtteranceGenerator(t *testing.T) {
	client := newFakeLLM(t, http.StatusOK, "  This is GuardianAgent. Please verify who you are.  ", func(req chatRequest) {
		assert.Nil(t, req.ResponseFormat)
		assert.Contains(t, req.Messages[1].Content, "Action: question")
	})

	text, err := NewLLMUtteranceGenerator(client).Generate(context.Background(), sampleTranscript,
		&models.Analysis{RiskScore: 50, Indicators: []string{"pin request"}},
		&models.Decision{Action: models.ActionQuestion, RiskScore: 50})
	require.NoError(t, err)
	assert.Equal(t, "This is GuardianAgent. Please verify who you are.", text)
}

func TestLLMUtteranceGenerator_EmptyIsError(t *testing.T) {
	client := newFakeLLM(t, http.StatusOK, "   ", nil)

	_, err := NewLLMUtteranceGenerator(client).Generate(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
