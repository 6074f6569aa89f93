package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/rtg-microscopy/mingest/internal/db"
	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var (
	pgInsertExperiment = mustUpsert(db.UpsertConfig{Table: "experiments", Columns: experimentColumns, ConflictKeys: []string{"id"}, DoNothing: true})
	pgUpsertAttempt    = mustUpsert(db.UpsertConfig{Table: "ingest_attempts", Columns: attemptColumns, ConflictKeys: []string{"source_path"}})
)

func mustUpsert(cfg db.UpsertConfig) string {
	q, err := db.UpsertSQL(cfg, db.Dollar)
	if err != nil {
		panic(err)
	}
	return q
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS experiments (
	id                 TEXT PRIMARY KEY,
	attempt_id         TEXT NOT NULL,
	user_name          TEXT NOT NULL,
	acquisition_date   TIMESTAMPTZ NOT NULL,
	microscope         TEXT NOT NULL DEFAULT 'unknown',
	objective          TEXT NOT NULL DEFAULT 'unknown',
	numerical_aperture DOUBLE PRECISION,
	pixel_size_xy      DOUBLE PRECISION,
	pixel_size_z       DOUBLE PRECISION,
	filename           TEXT NOT NULL,
	raw_path           TEXT NOT NULL,
	ome_tiff_path      TEXT NOT NULL,
	ome_zarr_path      TEXT NOT NULL,
	eln_id             TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
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
	permanent     BOOLEAN NOT NULL DEFAULT false,
	tiled_path    TEXT NOT NULL DEFAULT '',
	chunked_path  TEXT NOT NULL DEFAULT '',
	notebook_id   TEXT NOT NULL DEFAULT '',
	experiment_id TEXT NOT NULL DEFAULT '',
	mirror_status TEXT NOT NULL DEFAULT '',
	mirror_error  TEXT NOT NULL DEFAULT '',
	tries         INTEGER NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_experiments_created_at ON experiments(created_at);
CREATE INDEX IF NOT EXISTS idx_ingest_attempts_state ON ingest_attempts(state);
CREATE INDEX IF NOT EXISTS idx_ingest_attempts_experiment ON ingest_attempts(experiment_id);
CREATE INDEX IF NOT EXISTS idx_ingest_attempts_updated_at ON ingest_attempts(updated_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveExperiment(ctx context.Context, rec *model.ExperimentRecord) error {
	fail := func(err error) error {
		return &resilience.PersistenceError{Op: "save experiment " + rec.ID, Err: err}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(eris.Wrap(err, "postgres: begin tx"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, pgInsertExperiment, experimentArgs(rec)...)
	if err != nil {
		return fail(eris.Wrap(err, "postgres: insert experiment"))
	}
	if tag.RowsAffected() > 0 && len(rec.Channels) > 0 {
		rows := make([][]any, len(rec.Channels))
		for i, name := range rec.Channels {
			rows[i] = []any{rec.ID, int32(i), name}
		}
		if _, err := db.CopyFrom(ctx, tx, "experiment_channels", channelColumns, rows); err != nil {
			return fail(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(eris.Wrap(err, "postgres: commit"))
	}
	return nil
}

const pgSelectExperiment = `SELECT e.id, e.attempt_id, e.user_name, e.acquisition_date, e.microscope, e.objective,
	e.numerical_aperture, e.pixel_size_xy, e.pixel_size_z, e.filename,
	e.raw_path, e.ome_tiff_path, e.ome_zarr_path, e.eln_id, e.created_at,
	ARRAY(SELECT name FROM experiment_channels WHERE experiment_id = e.id ORDER BY position)
	FROM experiments e`

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.ExperimentRecord, error) {
	rec, err := scanPgExperiment(s.pool.QueryRow(ctx, pgSelectExperiment+` WHERE e.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: experiment %s", id)
	}
	return rec, err
}

func (s *PostgresStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.ExperimentRecord, error) {
	rows, err := s.pool.Query(ctx, pgSelectExperiment+`
	JOIN ingest_attempts a ON a.experiment_id = e.id
	WHERE a.state = $1
	ORDER BY e.created_at DESC LIMIT $2 OFFSET $3`,
		string(model.StateCompleted), pageLimit(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experiments")
	}
	defer rows.Close()

	recs := []model.ExperimentRecord{}
	for rows.Next() {
		rec, err := scanPgExperiment(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list experiments iterate")
}

func (s *PostgresStore) SaveAttempt(ctx context.Context, a *model.Attempt) error {
	if _, err := s.pool.Exec(ctx, pgUpsertAttempt, attemptArgs(a)...); err != nil {
		return &resilience.PersistenceError{Op: "save attempt " + a.ID, Err: eris.Wrap(err, "postgres: upsert attempt")}
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, sourcePath string) (*model.Attempt, error) {
	a, err := scanPgAttempt(s.pool.QueryRow(ctx, selectAttempt+` WHERE source_path = $1`, sourcePath))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: attempt for %s", sourcePath)
	}
	return a, err
}

func (s *PostgresStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.Attempt, error) {
	query := selectAttempt + ` WHERE ($1 = '' OR state = $1) ORDER BY updated_at DESC`
	args := []any{string(filter.State)}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	attempts := []model.Attempt{}
	for rows.Next() {
		a, err := scanPgAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func (s *PostgresStore) AttemptStats(ctx context.Context, since time.Time) (*AttemptStats, error) {
	var st AttemptStats
	err := s.pool.QueryRow(ctx, `SELECT
		count(*),
		count(*) FILTER (WHERE state = 'completed'),
		count(*) FILTER (WHERE state = 'failed'),
		count(*) FILTER (WHERE state = 'failed' AND permanent),
		count(*) FILTER (WHERE state = 'completed' AND mirror_status = 'failed')
		FROM ingest_attempts WHERE updated_at >= $1`,
		since.UTC(),
	).Scan(&st.Total, &st.Completed, &st.Failed, &st.Permanent, &st.MirrorErr)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: attempt stats")
	}
	return &st, nil
}

func scanPgExperiment(row pgx.Row) (*model.ExperimentRecord, error) {
	var rec model.ExperimentRecord
	err := row.Scan(&rec.ID, &rec.AttemptID, &rec.Operator, &rec.AcquiredAt, &rec.Microscope, &rec.Objective,
		&rec.NumericalAperture, &rec.PixelSizeXY, &rec.PixelSizeZ, &rec.Filename,
		&rec.RawPath, &rec.TiledPath, &rec.ChunkedPath, &rec.NotebookID, &rec.CreatedAt,
		&rec.Channels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan experiment")
	}
	rec.AcquiredAt = rec.AcquiredAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.Channels == nil {
		rec.Channels = []string{}
	}
	return &rec, nil
}

func scanPgAttempt(row pgx.Row) (*model.Attempt, error) {
	var a model.Attempt
	var state, failedStage, mirror string
	err := row.Scan(&a.SourcePath, &a.ID, &state, &failedStage, &a.Reason, &a.Permanent,
		&a.TiledPath, &a.ChunkedPath, &a.NotebookID, &a.ExperimentID,
		&mirror, &a.MirrorError, &a.Tries, &a.NextRetryAt,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan attempt")
	}
	a.State = model.AttemptState(state)
	a.FailedStage = model.AttemptState(failedStage)
	a.MirrorStatus = model.MirrorStatus(mirror)
	return &a, nil
}
