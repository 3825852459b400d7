package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS statistics_meta (
		statistic_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		name TEXT NOT NULL,
		unit_of_measurement TEXT NOT NULL,
		unit_class TEXT NOT NULL,
		has_sum INTEGER NOT NULL,
		has_mean INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS statistics (
		statistic_id TEXT NOT NULL REFERENCES statistics_meta(statistic_id),
		start_ts INTEGER NOT NULL,
		state REAL,
		sum REAL NOT NULL,
		min REAL,
		max REAL,
		mean REAL,
		PRIMARY KEY (statistic_id, start_ts)
	)`,
}

// SQLiteProvider implements Statistics on a local SQLite database using the
// pure Go modernc.org/sqlite driver. Point starts are stored as unix seconds
// and returned in UTC.
type SQLiteProvider struct {
	path string
	db   *sql.DB
}

// NewSQLite returns a provider for the database at path. Init must be called
// before use.
func NewSQLite(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "enocoosync.db", "Path of the SQLite statistics database")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and creates the tables.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to sqlite database %s: %w", s.path, err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("failed to create sqlite schema: %w", err)
		}
	}
	s.db = db
	log.Ctx(ctx).DebugContext(ctx, "opened sqlite database", slog.String("path", s.path))
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return types.Float(n.Float64)
}

func scanPoints(rows *sql.Rows) ([]types.StatisticPoint, error) {
	defer rows.Close()

	var points []types.StatisticPoint
	for rows.Next() {
		var (
			startTS                  int64
			state, minV, maxV, meanV sql.NullFloat64
			p                        types.StatisticPoint
		)
		if err := rows.Scan(&startTS, &state, &p.Sum, &minV, &maxV, &meanV); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		p.Start = time.Unix(startTS, 0).UTC()
		p.State = floatPtr(state)
		p.Min = floatPtr(minV)
		p.Max = floatPtr(maxV)
		p.Mean = floatPtr(meanV)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read points: %w", err)
	}
	return points, nil
}

// LastStatistics implements Statistics.
func (s *SQLiteProvider) LastStatistics(ctx context.Context, statisticID string, n int) ([]types.StatisticPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT start_ts, state, sum, min, max, mean FROM statistics "+
			"WHERE statistic_id = ? ORDER BY start_ts DESC LIMIT ?",
		statisticID,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query last statistics: %w", err)
	}
	return scanPoints(rows)
}

// StatisticsDuringPeriod implements Statistics.
func (s *SQLiteProvider) StatisticsDuringPeriod(ctx context.Context, statisticID string, start, end time.Time, fields []types.StatisticField) ([]types.StatisticPoint, error) {
	endTS := int64(1<<63 - 1)
	if !end.IsZero() {
		endTS = end.Unix()
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT start_ts, state, sum, min, max, mean FROM statistics "+
			"WHERE statistic_id = ? AND start_ts >= ? AND start_ts < ? ORDER BY start_ts ASC",
		statisticID,
		start.Unix(),
		endTS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	return scanPoints(rows)
}

// GetMetadata implements Statistics.
func (s *SQLiteProvider) GetMetadata(ctx context.Context, statisticID string) (*types.StatisticMetadata, error) {
	var (
		meta      types.StatisticMetadata
		unitClass string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT statistic_id, source, name, unit_of_measurement, unit_class, has_sum, has_mean "+
			"FROM statistics_meta WHERE statistic_id = ?",
		statisticID,
	).Scan(&meta.StatisticID, &meta.Source, &meta.Name, &meta.UnitOfMeasurement, &unitClass, &meta.HasSum, &meta.HasMean)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	meta.UnitClass = types.UnitClass(unitClass)
	return &meta, nil
}

// AddExternalStatistics implements Statistics. Metadata and points are written
// in one transaction.
func (s *SQLiteProvider) AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if err := validate(meta, points); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO statistics_meta (statistic_id, source, name, unit_of_measurement, unit_class, has_sum, has_mean) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (statistic_id) DO UPDATE SET source = excluded.source, name = excluded.name, "+
			"unit_of_measurement = excluded.unit_of_measurement, unit_class = excluded.unit_class, "+
			"has_sum = excluded.has_sum, has_mean = excluded.has_mean",
		meta.StatisticID,
		meta.Source,
		meta.Name,
		meta.UnitOfMeasurement,
		string(meta.UnitClass),
		meta.HasSum,
		meta.HasMean,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert metadata: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO statistics (statistic_id, start_ts, state, sum, min, max, mean) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (statistic_id, start_ts) DO UPDATE SET state = excluded.state, sum = excluded.sum, "+
			"min = excluded.min, max = excluded.max, mean = excluded.mean",
	)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			meta.StatisticID,
			p.Start.Unix(),
			nullFloat(p.State),
			p.Sum,
			nullFloat(p.Min),
			nullFloat(p.Max),
			nullFloat(p.Mean),
		); err != nil {
			return fmt.Errorf("failed to insert point at %s: %w", p.Start, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit statistics: %w", err)
	}
	return nil
}
