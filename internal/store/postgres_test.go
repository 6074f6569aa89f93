package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var experimentCols = []string{
	"id", "attempt_id", "user_name", "acquisition_date", "microscope", "objective",
	"numerical_aperture", "pixel_size_xy", "pixel_size_z", "filename",
	"raw_path", "ome_tiff_path", "ome_zarr_path", "eln_id", "created_at", "channels",
}

func experimentRow(rec *model.ExperimentRecord) []any {
	return []any{
		rec.ID, rec.AttemptID, rec.Operator, rec.AcquiredAt, rec.Microscope, rec.Objective,
		rec.NumericalAperture, rec.PixelSizeXY, rec.PixelSizeZ, rec.Filename,
		rec.RawPath, rec.TiledPath, rec.ChunkedPath, rec.NotebookID, rec.CreatedAt, rec.Channels,
	}
}

func TestPostgresStore_SaveExperiment_OneTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord("a1")

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO "experiments" .* ON CONFLICT \("id"\) DO NOTHING`).
		WithArgs(experimentArgs(rec)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"experiment_channels"}, channelColumns).WillReturnResult(2)
	mock.ExpectCommit()

	require.NoError(t, s.SaveExperiment(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveExperiment_ExistingIDSkipsChannels(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord("a1")

	mock.ExpectBegin()
	mock.ExpectExec(`ON CONFLICT \("id"\) DO NOTHING`).
		WithArgs(experimentArgs(rec)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	require.NoError(t, s.SaveExperiment(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveExperiment_FailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord("a1")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "experiments"`).
		WithArgs(experimentArgs(rec)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"experiment_channels"}, channelColumns).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	err := s.SaveExperiment(context.Background(), rec)
	require.Error(t, err)
	var pe *resilience.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Op, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExperiment(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord("a1")

	mock.ExpectQuery(`(?s)SELECT e.id, .* FROM experiments e WHERE e.id = \$1`).
		WithArgs(rec.ID).
		WillReturnRows(pgxmock.NewRows(experimentCols).AddRow(experimentRow(rec)...))

	got, err := s.GetExperiment(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Channels, got.Channels)
	assert.Equal(t, rec.Objective, got.Objective)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExperiment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM experiments e WHERE e.id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExperiment(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListExperiments_JoinsCompleted(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord("a1")

	mock.ExpectQuery(`JOIN ingest_attempts a ON a.experiment_id = e.id\s+WHERE a.state = \$1`).
		WithArgs("completed", 100, 0).
		WillReturnRows(pgxmock.NewRows(experimentCols).AddRow(experimentRow(rec)...))

	recs, err := s.ListExperiments(context.Background(), ExperimentFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAttempt_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	a := completedAttempt("/w/a.dv", "e1", now)

	mock.ExpectExec(`(?s)INSERT INTO "ingest_attempts" .* ON CONFLICT \("source_path"\) DO UPDATE SET`).
		WithArgs(attemptArgs(a)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveAttempt(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAttempt_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	a := completedAttempt("/w/a.dv", "e1", time.Now().UTC())

	mock.ExpectExec(`INSERT INTO "ingest_attempts"`).
		WithArgs(attemptArgs(a)...).
		WillReturnError(errors.New("database unavailable"))

	err := s.SaveAttempt(context.Background(), a)
	var pe *resilience.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAttempt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM ingest_attempts WHERE source_path = \$1`).
		WithArgs("/w/none.dv").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetAttempt(context.Background(), "/w/none.dv")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAttempts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	next := now.Add(time.Minute)

	rows := pgxmock.NewRows(attemptColumns).
		AddRow("/w/a.dv", "01JA", "failed", "converting", "disk full", false,
			"", "", "", "", "", "", 2, &next, now, now)

	mock.ExpectQuery(`FROM ingest_attempts WHERE \(\$1 = '' OR state = \$1\)`).
		WithArgs("failed", 10).
		WillReturnRows(rows)

	got, err := s.ListAttempts(context.Background(), AttemptFilter{State: model.StateFailed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.StateConverting, got[0].FailedStage)
	assert.Equal(t, 2, got[0].Tries)
	require.NotNil(t, got[0].NextRetryAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttemptStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Now().UTC().Add(-24 * time.Hour)

	mock.ExpectQuery(`FILTER \(WHERE state = 'failed' AND permanent\)`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"total", "completed", "failed", "permanent", "mirror"}).
			AddRow(10, 7, 3, 1, 2))

	st, err := s.AttemptStats(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, AttemptStats{Total: 10, Completed: 7, Failed: 3, Permanent: 1, MirrorErr: 2}, *st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateAndPing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS experiments`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
