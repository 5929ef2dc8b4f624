package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wisefido-guardian/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallArchiveRepository 已结束通话归档
type CallArchiveRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCallArchiveRepository 创建归档仓库
func NewCallArchiveRepository(db *sql.DB, logger *zap.Logger) *CallArchiveRepository {
	return &CallArchiveRepository{
		db:     db,
		logger: logger,
	}
}

// Archive 保存最终记录，返回 archive_id
func (r *CallArchiveRepository) Archive(ctx context.Context, record *models.CallRecord) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal call record: %w", err)
	}

	var action sql.NullString
	var risk sql.NullFloat64
	if record.Decision != nil {
		action = sql.NullString{String: string(record.Decision.Action), Valid: true}
		risk = sql.NullFloat64{Float64: record.Decision.RiskScore, Valid: true}
	}

	archiveID := uuid.New().String()
	query := `
		INSERT INTO guardian_call_archive (
			archive_id, call_id, protected_user, counterpart,
			final_action, final_risk, scam_processed, alert_sent,
			transcript_len, record
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		archiveID,
		record.CallID,
		record.Participants.ProtectedUser,
		record.Participants.Counterpart,
		action,
		risk,
		record.ScamProcessed,
		record.AlertSent,
		len(record.Transcript),
		string(data),
	)
	if err != nil {
		return "", fmt.Errorf("failed to archive call: %w", err)
	}

	r.logger.Info("Call archived",
		zap.String("call_id", record.CallID),
		zap.String("archive_id", archiveID),
	)
	return archiveID, nil
}
