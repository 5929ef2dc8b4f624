package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	reputationSource  = "scam_db"
	unknownNumberRisk = 5.0  // 库中不存在的号码
	knownScamMinRisk  = 90.0 // 库中已存在号码的最低风险分
)

// ScamNumberRepository 诈骗号码库
// 既是号码信誉查询，也是诈骗入库的写入目标
type ScamNumberRepository struct {
	db     *sql.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewScamNumberRepository 创建诈骗号码仓库
func NewScamNumberRepository(db *sql.DB, logger *zap.Logger) *ScamNumberRepository {
	return &ScamNumberRepository{
		db:     db,
		clock:  time.Now,
		logger: logger,
	}
}

// NormalizeNumber 去掉号码中的非数字字符
func NormalizeNumber(phone string) string {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Lookup 实现 collaborator.ReputationLookup
func (r *ScamNumberRepository) Lookup(ctx context.Context, counterpart string) (*models.ReputationSignal, error) {
	normalized := NormalizeNumber(counterpart)
	if normalized == "" {
		return &models.ReputationSignal{
			RiskScore: 0,
			Source:    reputationSource,
			Detail:    "number withheld",
		}, nil
	}

	query := `
		SELECT risk_score, COALESCE(notes, '')
		FROM guardian_scam_numbers
		WHERE normalized_number = $1
	`
	var risk float64
	var notes string
	err := r.db.QueryRowContext(ctx, query, normalized).Scan(&risk, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.ReputationSignal{
			RiskScore: unknownNumberRisk,
			KnownBad:  false,
			Source:    reputationSource,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scam number: %w", err)
	}

	return &models.ReputationSignal{
		RiskScore: math.Max(risk, knownScamMinRisk),
		KnownBad:  true,
		Source:    reputationSource,
		Detail:    notes,
	}, nil
}

// AddScamNumber 新增诈骗号码；已存在时返回 already_exists（success=false）
func (r *ScamNumberRepository) AddScamNumber(ctx context.Context, req collaborator.SideEffectRequest) (models.SideEffectResult, error) {
	normalized := NormalizeNumber(req.Counterpart)
	if normalized == "" {
		return models.SideEffectResult{Message: "No counterpart number to report"}, nil
	}

	note := BuildScamNote(req.RiskScore, req.Analysis, r.clock())
	numberID := uuid.New().String()

	query := `
		INSERT INTO guardian_scam_numbers (
			number_id, phone_number, normalized_number, risk_score, notes, source, call_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (normalized_number) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		numberID, req.Counterpart, normalized, req.RiskScore, note, "guardian", req.CallID,
	)
	if err != nil {
		return models.SideEffectResult{}, fmt.Errorf("failed to insert scam number: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return models.SideEffectResult{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.SideEffectResult{
			Success: false,
			Message: fmt.Sprintf("already_exists: Number %s already in database", req.Counterpart),
		}, nil
	}

	r.logger.Info("Added scam number to database",
		zap.String("call_id", req.CallID),
		zap.String("number_id", numberID),
	)

	return models.SideEffectResult{
		Success:  true,
		Message:  fmt.Sprintf("Successfully added %s to scam database", req.Counterpart),
		ReportID: numberID,
	}, nil
}

// BuildScamNote 入库备注：最多前三个指标，否则使用分析原因
func BuildScamNote(risk float64, analysis *models.Analysis, now time.Time) string {
	var note string
	if analysis != nil && len(analysis.Indicators) > 0 {
		top := analysis.Indicators
		if len(top) > 3 {
			top = top[:3]
		}
		note = fmt.Sprintf("Detected scam (Risk: %.0f%%). Indicators: %s.", risk, strings.Join(top, ", "))
	} else {
		reason := "Detected as scam by AI analysis"
		if analysis != nil && analysis.Reason != "" {
			reason = analysis.Reason
		}
		note = fmt.Sprintf("Detected scam (Risk: %.0f%%). %s", risk, reason)
	}
	return note + fmt.Sprintf(" [Auto-detected: %s]", now.Format("2006-01-02"))
}
