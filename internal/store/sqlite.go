package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/rtg-microscopy/mingest/internal/db"
	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB

	insertExperiment string
	insertChannel    string
	upsertAttempt    string
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	s := &SQLiteStore{db: sqlDB}
	stmts := []struct {
		dst *string
		cfg db.UpsertConfig
	}{
		{&s.insertExperiment, db.UpsertConfig{Table: "experiments", Columns: experimentColumns, ConflictKeys: []string{"id"}, DoNothing: true}},
		{&s.insertChannel, db.UpsertConfig{Table: "experiment_channels", Columns: channelColumns, ConflictKeys: []string{"experiment_id", "position"}, DoNothing: true}},
		{&s.upsertAttempt, db.UpsertConfig{Table: "ingest_attempts", Columns: attemptColumns, ConflictKeys: []string{"source_path"}}},
	}
	for _, st := range stmts {
		q, err := db.UpsertSQL(st.cfg, db.Question)
		if err != nil {
			sqlDB.Close() //nolint:errcheck
			return nil, err
		}
		*st.dst = q
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS experiments (
	id                 TEXT PRIMARY KEY,
	attempt_id         TEXT NOT NULL,
	user_name          TEXT NOT NULL,
	acquisition_date   DATETIME NOT NULL,
	microscope         TEXT NOT NULL DEFAULT 'unknown',
	objective          TEXT NOT NULL DEFAULT 'unknown',
	numerical_aperture REAL,
	pixel_size_xy      REAL,
	pixel_size_z       REAL,
	filename           TEXT NOT NULL,
	raw_path           TEXT NOT NULL,
	ome_tiff_path      TEXT NOT NULL,
	ome_zarr_path      TEXT NOT NULL,
	eln_id             TEXT NOT NULL,
	created_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS experiment_channels (
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	position      INTEGER NOT NULL,
	name          TEXT NOT NULL,
	PRIMARY KEY (experiment_id, position)
);

CREATE TABLE IF NOT EXISTS ingest_attempts (
	source_path   TEXT PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	state         TEXT NOT NULL,
	failed_stage  TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	permanent     INTEGER NOT NULL DEFAULT 0,
	tiled_path    TEXT NOT NULL DEFAULT '',
	chunked_path  TEXT NOT NULL DEFAULT '',
	notebook_id   TEXT NOT NULL DEFAULT '',
	experiment_id TEXT NOT NULL DEFAULT '',
	mirror_status TEXT NOT NULL DEFAULT '',
	mirror_error  TEXT NOT NULL DEFAULT '',
	tries         INTEGER NOT NULL DEFAULT 0,
	next_retry_at DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_created_at ON experiments(created_at);
CREATE INDEX IF NOT EXISTS idx_ingest_attempts_state ON ingest_attempts(state);
CREATE INDEX IF NOT EXISTS idx_ingest_attempts_experiment ON ingest_attempts(experiment_id);
CREATE INDEX IF NOT EXISTS idx_ingest_attempts_updated_at ON ingest_attempts(updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveExperiment(ctx context.Context, rec *model.ExperimentRecord) error {
	fail := func(err error) error {
		return &resilience.PersistenceError{Op: "save experiment " + rec.ID, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(eris.Wrap(err, "sqlite: begin tx"))
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, s.insertExperiment, experimentArgs(rec)...)
	if err != nil {
		return fail(eris.Wrap(err, "sqlite: insert experiment"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail(eris.Wrap(err, "sqlite: rows affected"))
	}
	if n > 0 {
		for i, name := range rec.Channels {
			if _, err := tx.ExecContext(ctx, s.insertChannel, rec.ID, i, name); err != nil {
				return fail(eris.Wrapf(err, "sqlite: insert channel %d", i))
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(eris.Wrap(err, "sqlite: commit"))
	}
	return nil
}

const sqliteSelectExperiment = `SELECT e.id, e.attempt_id, e.user_name, e.acquisition_date, e.microscope, e.objective,
	e.numerical_aperture, e.pixel_size_xy, e.pixel_size_z, e.filename,
	e.raw_path, e.ome_tiff_path, e.ome_zarr_path, e.eln_id, e.created_at,
	(SELECT json_group_array(name) FROM (SELECT name FROM experiment_channels WHERE experiment_id = e.id ORDER BY position))
	FROM experiments e`

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.ExperimentRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectExperiment+` WHERE e.id = ?`, id)
	rec, err := scanSQLiteExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: experiment %s", id)
	}
	return rec, err
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.ExperimentRecord, error) {
	query := sqliteSelectExperiment + `
	JOIN ingest_attempts a ON a.experiment_id = e.id
	WHERE a.state = ?
	ORDER BY e.created_at DESC LIMIT ?`
	args := []any{string(model.StateCompleted), pageLimit(filter.Limit)}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experiments")
	}
	defer rows.Close()

	recs := []model.ExperimentRecord{}
	for rows.Next() {
		rec, err := scanSQLiteExperiment(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list experiments iterate")
}

func (s *SQLiteStore) SaveAttempt(ctx context.Context, a *model.Attempt) error {
	_, err := s.db.ExecContext(ctx, s.upsertAttempt, attemptArgs(a)...)
	if err != nil {
		return &resilience.PersistenceError{Op: "save attempt " + a.ID, Err: eris.Wrap(err, "sqlite: upsert attempt")}
	}
	return nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, sourcePath string) (*model.Attempt, error) {
	row := s.db.QueryRowContext(ctx, selectAttempt+` WHERE source_path = ?`, sourcePath)
	a, err := scanSQLiteAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: attempt for %s", sourcePath)
	}
	return a, err
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.Attempt, error) {
	query := selectAttempt + ` WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	attempts := []model.Attempt{}
	for rows.Next() {
		a, err := scanSQLiteAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

func (s *SQLiteStore) AttemptStats(ctx context.Context, since time.Time) (*AttemptStats, error) {
	// Attempt timestamps are compared in Go: SQLite stores them as text.
	attempts, err := s.ListAttempts(ctx, AttemptFilter{})
	if err != nil {
		return nil, err
	}
	var st AttemptStats
	for i := range attempts {
		if attempts[i].UpdatedAt.Before(since) {
			continue
		}
		tally(&st, &attempts[i])
	}
	return &st, nil
}

func tally(st *AttemptStats, a *model.Attempt) {
	st.Total++
	switch a.State {
	case model.StateCompleted:
		st.Completed++
		if a.MirrorStatus == model.MirrorFailed {
			st.MirrorErr++
		}
	case model.StateFailed:
		st.Failed++
		if a.Permanent {
			st.Permanent++
		}
	}
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteExperiment(row scannable) (*model.ExperimentRecord, error) {
	var rec model.ExperimentRecord
	var na, pxy, pz sql.NullFloat64
	var channelsJSON sql.NullString

	err := row.Scan(&rec.ID, &rec.AttemptID, &rec.Operator, &rec.AcquiredAt, &rec.Microscope, &rec.Objective,
		&na, &pxy, &pz, &rec.Filename,
		&rec.RawPath, &rec.TiledPath, &rec.ChunkedPath, &rec.NotebookID, &rec.CreatedAt,
		&channelsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan experiment")
	}

	rec.NumericalAperture = nullFloat(na)
	rec.PixelSizeXY = nullFloat(pxy)
	rec.PixelSizeZ = nullFloat(pz)
	rec.AcquiredAt = rec.AcquiredAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.Channels = []string{}
	if channelsJSON.Valid && strings.TrimSpace(channelsJSON.String) != "" {
		if err := json.Unmarshal([]byte(channelsJSON.String), &rec.Channels); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal channels")
		}
	}
	return &rec, nil
}

func scanSQLiteAttempt(row scannable) (*model.Attempt, error) {
	var a model.Attempt
	var state, failedStage, mirror string
	var next sql.NullTime

	err := row.Scan(&a.SourcePath, &a.ID, &state, &failedStage, &a.Reason, &a.Permanent,
		&a.TiledPath, &a.ChunkedPath, &a.NotebookID, &a.ExperimentID,
		&mirror, &a.MirrorError, &a.Tries, &next,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan attempt")
	}
	a.State = model.AttemptState(state)
	a.FailedStage = model.AttemptState(failedStage)
	a.MirrorStatus = model.MirrorStatus(mirror)
	if next.Valid {
		t := next.Time.UTC()
		a.NextRetryAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
