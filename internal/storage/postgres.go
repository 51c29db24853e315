package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"

	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

var ErrAnalysisNotFound = errors.New("analysis not found")

type PostgresStorage struct {
	pool *pgxpool.Pool
}

// New PostgreSQL storage instance
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	// Run migrations
	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database migrations completed successfully")

	return &PostgresStorage{pool: pool}, nil
}

// migrationsURL builds a file:// URL for a local directory
func migrationsURL(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get migrations path: %w", err)
	}
	if runtime.GOOS == "windows" {
		u := &url.URL{
			Scheme: "file",
			Path:   filepath.ToSlash(path),
		}
		return u.String(), nil
	}
	return fmt.Sprintf("file://%s", path), nil
}

func newMigrate(databaseURL string) (*migrate.Migrate, func(), error) {
	source, err := migrationsURL("migrations")
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Running migrations", zap.String("path", source))

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Create a standard database connection for migrations
	db := stdlib.OpenDB(*connConfig)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	cleanup := func() {
		m.Close()
		db.Close()
	}
	return m, cleanup, nil
}

// Executing database migrations
func runMigrations(databaseURL string) error {
	m, cleanup, err := newMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer cleanup()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No new migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Migrations applied successfully")
	return nil
}

// Drops all tables and re-runs migrations (for development)
func ResetMigrations(databaseURL string) error {
	logger.Warn("Resetting database - this will drop all data!")

	m, cleanup, err := newMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Drop(); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}

	logger.Info("Database dropped successfully")

	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to run migrations after reset: %w", err)
	}

	logger.Info("Database reset and migrations applied successfully")
	return nil
}

// Closes the database connection pool
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// SaveAnalysis stores a completed analysis. A session is stored once; saving
// it again is a no-op, so redelivered tasks are harmless.
func (s *PostgresStorage) SaveAnalysis(ctx context.Context, result *model.AnalysisResult, meta model.JSONB) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	query := `
		INSERT INTO analyses (
			session_id, user_id, overall_level, overall_score,
			toefl_score, result, meta, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (session_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		result.SessionID,
		result.UserID,
		string(result.OverallLevel),
		result.OverallScore,
		result.TOEFLScore,
		doc,
		meta,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}

	if tag.RowsAffected() == 0 {
		logger.Debug("Analysis already stored", zap.String("session_id", result.SessionID))
	}
	return nil
}

func scanResult(row pgx.Row) (*model.AnalysisResult, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var result model.AnalysisResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis: %w", err)
	}
	return &result, nil
}

// GetAnalysis retrieves a stored analysis by session id
func (s *PostgresStorage) GetAnalysis(ctx context.Context, sessionID string) (*model.AnalysisResult, error) {
	query := `SELECT result FROM analyses WHERE session_id = $1`

	result, err := scanResult(s.pool.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return result, nil
}

// LatestAnalysis returns the newest analysis of a user, or nil when there is none
func (s *PostgresStorage) LatestAnalysis(ctx context.Context, userID string) (*model.AnalysisResult, error) {
	query := `
		SELECT result FROM analyses
		WHERE user_id = $1
		ORDER BY completed_at DESC
		LIMIT 1`

	result, err := scanResult(s.pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest analysis: %w", err)
	}
	return result, nil
}

// ListHistory returns the newest analyses of a user, newest first
func (s *PostgresStorage) ListHistory(ctx context.Context, userID string, limit int) ([]model.AnalysisSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT session_id, overall_level, overall_score, toefl_score, completed_at
		FROM analyses
		WHERE user_id = $1
		ORDER BY completed_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	history := []model.AnalysisSummary{}
	for rows.Next() {
		var (
			entry model.AnalysisSummary
			level string
		)
		if err := rows.Scan(&entry.SessionID, &level, &entry.OverallScore, &entry.TOEFLScore, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entry.OverallLevel = model.CEFRLevel(level)
		history = append(history, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return history, nil
}
