// Package postgres provides a PostgreSQL-backed spend mirror for governor.
//
// Every recorded spend is upserted into a totals table, and Totals can seed a
// fresh BudgetEnforcer after a restart. This gives multi-instance deployments
// one shared view of period spend without putting the database on the hot
// path of every affordability check.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quietgrid/governor"
)

// Store is a PostgreSQL-backed governor.SpendSink.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	timeout     time.Duration
	logger      *slog.Logger
}

var _ governor.SpendSink = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "governor_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithTimeout bounds each write (default 2s).
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithLogger sets the logger for best-effort write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a new PostgreSQL-backed spend store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "governor_",
		timeout:     2 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) spendTable() string { return s.tablePrefix + "spend" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			period TEXT NOT NULL,
			model_key TEXT NOT NULL DEFAULT '',
			amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (period, model_key)
		);
	`, s.spendTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("governor/postgres: ensure schema: %w", err)
	}
	return nil
}

// RecordSpend mirrors one spend into the totals table. Best-effort: failures
// are logged, never surfaced, so a database outage cannot block routing.
func (s *Store) RecordSpend(period governor.BudgetPeriod, modelKey string, amount float64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	q := fmt.Sprintf(`
		INSERT INTO %s (period, model_key, amount, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (period, model_key)
		DO UPDATE SET amount = %s.amount + EXCLUDED.amount, updated_at = now();
	`, s.spendTable(), s.spendTable())

	if _, err := s.pool.Exec(ctx, q, string(period), modelKey, amount); err != nil {
		s.logger.Warn("governor/postgres: record spend failed",
			"period", string(period), "model", modelKey, "error", err)
	}
}

// Totals returns the aggregate spend per period (across all models), suitable
// for governor.BudgetEnforcer.Seed.
func (s *Store) Totals(ctx context.Context) (map[governor.BudgetPeriod]float64, error) {
	q := fmt.Sprintf(`SELECT period, SUM(amount) FROM %s GROUP BY period;`, s.spendTable())

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("governor/postgres: totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[governor.BudgetPeriod]float64)
	for rows.Next() {
		var period string
		var amount float64
		if err := rows.Scan(&period, &amount); err != nil {
			return nil, fmt.Errorf("governor/postgres: totals scan: %w", err)
		}
		totals[governor.BudgetPeriod(period)] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("governor/postgres: totals rows: %w", err)
	}
	return totals, nil
}

// ResetPeriod zeroes the stored totals for a period, e.g. from a maintenance
// job aligned with the enforcer's boundary resets.
func (s *Store) ResetPeriod(ctx context.Context, period governor.BudgetPeriod) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE period = $1;`, s.spendTable())
	if _, err := s.pool.Exec(ctx, q, string(period)); err != nil {
		return fmt.Errorf("governor/postgres: reset %s: %w", period, err)
	}
	return nil
}
