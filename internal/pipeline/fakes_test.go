package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/evaluator"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/store"
	"wisefido-guardian/internal/transcript"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeReputation struct {
	sig   *models.ReputationSignal
	err   error
	calls atomic.Int32
}

func (f *fakeReputation) Lookup(ctx context.Context, counterpart string) (*models.ReputationSignal, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	sig := *f.sig
	return &sig, nil
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	risk      float64
	err       error
	calls     atomic.Int32
	explodeAt int32 // 第 n 次调用 panic，0 表示不 panic
}

func (f *fakeAnalyzer) setRisk(v float64) {
	f.mu.Lock()
	f.risk = v
	f.mu.Unlock()
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, entries []models.TranscriptEntry) (*models.Analysis, error) {
	n := f.calls.Add(1)
	if f.explodeAt > 0 && n == f.explodeAt {
		panic("analyzer exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &models.Analysis{
		RiskScore:  f.risk,
		Confidence: 0.9,
		Indicators: []string{"urgency"},
		Reason:     "test analysis",
	}, nil
}

// fakeClassifier 对每个目标按文本前缀打标签
type fakeClassifier struct {
	label func(entry models.TranscriptEntry) models.Speaker
	err   error
	calls atomic.Int32
}

func (f *fakeClassifier) Classify(ctx context.Context, req collaborator.SpeakerRequest) ([]models.Speaker, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	labels := make([]models.Speaker, 0, len(req.Targets))
	for _, t := range req.Targets {
		labels = append(labels, f.label(t.Entry))
	}
	return labels, nil
}

type fakeUtterance struct {
	text      string
	err       error
	calls     atomic.Int32
	explodeAt int32 // 第 n 次调用 panic，0 表示不 panic
}

func (f *fakeUtterance) Generate(ctx context.Context, entries []models.TranscriptEntry, analysis *models.Analysis, decision *models.Decision) (string, error) {
	n := f.calls.Add(1)
	if f.explodeAt > 0 && n == f.explodeAt {
		panic("tts exploded")
	}
	return f.text, f.err
}

type fakeDispatcher struct {
	calls   atomic.Int32
	explode bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req collaborator.SideEffectRequest) models.SideEffectResult {
	f.calls.Add(1)
	if f.explode {
		panic("dispatcher exploded")
	}
	return models.SideEffectResult{Success: true, Message: "Successfully added " + req.Counterpart + " to scam database"}
}

type fakeAlerts struct {
	calls atomic.Int32
}

func (f *fakeAlerts) SendFamilyAlert(ctx context.Context, alert collaborator.FamilyAlert) models.SideEffectResult {
	f.calls.Add(1)
	return models.SideEffectResult{Success: true, Message: "sent"}
}

type fakeStatus struct {
	mu    sync.Mutex
	tools []string
}

func (f *fakeStatus) Publish(ctx context.Context, status store.ToolStatus) error {
	f.mu.Lock()
	f.tools = append(f.tools, status.Tool)
	f.mu.Unlock()
	return nil
}

type harness struct {
	clock      *fakeClock
	store      *store.CallStore
	reputation *fakeReputation
	analyzer   *fakeAnalyzer
	classifier *fakeClassifier
	utterance  *fakeUtterance
	dispatcher *fakeDispatcher
	alerts     *fakeAlerts
	status     *fakeStatus
	runner     *Runner
}

func newHarness() *harness {
	h := &harness{
		clock:      newFakeClock(),
		reputation: &fakeReputation{sig: &models.ReputationSignal{RiskScore: 5, Source: "scam_db"}},
		analyzer:   &fakeAnalyzer{},
		classifier: &fakeClassifier{label: func(models.TranscriptEntry) models.Speaker { return models.SpeakerCounterpart }},
		utterance:  &fakeUtterance{text: "Please do not share any personal information."},
		dispatcher: &fakeDispatcher{},
		alerts:     &fakeAlerts{},
		status:     &fakeStatus{},
	}
	logger := zap.NewNop()
	h.store = store.NewCallStore(nil, time.Hour, h.clock.Now, logger)
	h.runner = NewRunner(Dependencies{
		Store:     h.store,
		Merger:    transcript.NewMerger(),
		Speakers:  transcript.NewSpeakerResolver(h.classifier, 10, logger),
		Scheduler: evaluator.NewScheduler(30 * time.Second),
		Fusion:    evaluator.NewFusionEngine(h.reputation, h.analyzer, collaborator.NewHeuristicAnalyzer(), logger),
		Guard:     evaluator.NewSideEffectGuard(h.dispatcher, h.alerts, logger),
		Utterance: h.utterance,
		Status:    h.status,
		Timeout:   time.Second,
		Clock:     h.clock.Now,
	}, logger)
	return h
}
