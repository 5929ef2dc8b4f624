package repository

import (
	"context"
	"errors"
	"testing"

	"wisefido-guardian/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestArchive_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewCallArchiveRepository(db, zap.NewNop())

	rec := models.NewCallRecord("c1", fixedNow)
	rec.Participants = models.Participants{ProtectedUser: "+1000", Counterpart: "+2000"}
	rec.Transcript = append(rec.Transcript, models.TranscriptEntry{Text: "hello"})
	rec.Decision = &models.Decision{Action: models.ActionWarn, RiskScore: 95}
	rec.ScamProcessed = true
	rec.Finalized = true

	mock.ExpectExec(`INSERT INTO guardian_call_archive`).
		WithArgs(sqlmock.AnyArg(), "c1", "+1000", "+2000", "warn", 95.0, true, false, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := repo.Archive(context.Background(), rec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchive_NoDecision(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewCallArchiveRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO guardian_call_archive`).
		WithArgs(sqlmock.AnyArg(), "c2", "", "", nil, nil, false, false, 0, sqlmock.AnyArg()).
		WillReturnError(errors.New("db down"))

	_, err = repo.Archive(context.Background(), models.NewCallRecord("c2", fixedNow))
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS guardian_scam_numbers`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
