package evaluator

import (
	"context"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockReputationLookup 是 ReputationLookup 的 mock 实现
type MockReputationLookup struct {
	mock.Mock
}

func (m *MockReputationLookup) Lookup(ctx context.Context, counterpart string) (*models.ReputationSignal, error) {
	args := m.Called(ctx, counterpart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReputationSignal), args.Error(1)
}

// MockAnalyzer 是 TranscriptAnalyzer 的 mock 实现
type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, transcript []models.TranscriptEntry) (*models.Analysis, error) {
	args := m.Called(ctx, transcript)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Analysis), args.Error(1)
}

// MockDispatcher 是 SideEffectDispatcher 的 mock 实现
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, req collaborator.SideEffectRequest) models.SideEffectResult {
	args := m.Called(ctx, req)
	return args.Get(0).(models.SideEffectResult)
}

// MockAlertSender 是 AlertSender 的 mock 实现
type MockAlertSender struct {
	mock.Mock
}

func (m *MockAlertSender) SendFamilyAlert(ctx context.Context, alert collaborator.FamilyAlert) models.SideEffectResult {
	args := m.Called(ctx, alert)
	return args.Get(0).(models.SideEffectResult)
}
