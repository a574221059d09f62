package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// UsageLog is an append-only audit log of per-request token usage and cost.
// It never stores message content, so rows are kept in plaintext SQLite where
// they can be aggregated cheaply.
type UsageLog struct {
	conn *sql.DB
}

// UsageRecord is one completed request.
type UsageRecord struct {
	UserID           string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Currency         string
	Estimated        bool
	CreatedAt        time.Time
}

// UsageStats aggregates usage over a time window.
type UsageStats struct {
	RequestCount int64
	TotalTokens  int64
	TotalUSD     float64
	TotalPoints  float64
}

// OpenUsageLog opens (creating if needed) the usage database.
func OpenUsageLog(dbPath string) (*UsageLog, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	l := &UsageLog{conn: conn}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return l, nil
}

// Close closes the database connection.
func (l *UsageLog) Close() error {
	return l.conn.Close()
}

func (l *UsageLog) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			cost REAL DEFAULT 0,
			currency TEXT DEFAULT 'USD',
			estimated INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_usage_user_created ON usage(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_provider_model ON usage(provider, model)`,
	}

	for _, migration := range migrations {
		if _, err := l.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	return nil
}

// Record appends one usage row.
func (l *UsageLog) Record(ctx context.Context, rec UsageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := l.conn.ExecContext(ctx,
		`INSERT INTO usage (user_id, provider, model, prompt_tokens, completion_tokens, cost, currency, estimated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Provider, rec.Model, rec.PromptTokens, rec.CompletionTokens,
		rec.Cost, rec.Currency, rec.Estimated, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Stats aggregates a user's usage inside [startDate, endDate]. An empty user
// ID aggregates over all users.
func (l *UsageLog) Stats(ctx context.Context, userID string, startDate, endDate time.Time) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*) as request_count,
			COALESCE(SUM(prompt_tokens + completion_tokens), 0) as total_tokens,
			COALESCE(SUM(CASE WHEN currency = 'USD' THEN cost ELSE 0 END), 0) as total_usd,
			COALESCE(SUM(CASE WHEN currency = 'Points' THEN cost ELSE 0 END), 0) as total_points
		FROM usage
		WHERE created_at >= ? AND created_at <= ?
	`
	args := []any{startDate, endDate}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}

	stats := &UsageStats{}
	err := l.conn.QueryRowContext(ctx, query, args...).
		Scan(&stats.RequestCount, &stats.TotalTokens, &stats.TotalUSD, &stats.TotalPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage stats: %w", err)
	}

	return stats, nil
}

// TopModels returns the heaviest models by token volume in the window.
func (l *UsageLog) TopModels(ctx context.Context, limit int, startDate, endDate time.Time) ([]ModelUsage, error) {
	rows, err := l.conn.QueryContext(ctx, `
		SELECT
			provider,
			model,
			COALESCE(SUM(prompt_tokens + completion_tokens), 0) as total_tokens,
			COUNT(*) as request_count
		FROM usage
		WHERE created_at >= ? AND created_at <= ?
		GROUP BY provider, model
		ORDER BY total_tokens DESC
		LIMIT ?
	`, startDate, endDate, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top models: %w", err)
	}
	defer rows.Close()

	var models []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Provider, &m.Model, &m.TotalTokens, &m.RequestCount); err != nil {
			return nil, fmt.Errorf("failed to scan model usage: %w", err)
		}
		models = append(models, m)
	}

	return models, rows.Err()
}

// ModelUsage is per-model aggregate usage.
type ModelUsage struct {
	Provider     string
	Model        string
	TotalTokens  int64
	RequestCount int64
}
