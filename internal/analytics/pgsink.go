package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresSink writes usage batches into a Postgres warehouse table using
// COPY, one transaction per batch.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) WriteBatch(ctx context.Context, records []*UsageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("usage_records",
		"request_id", "ts", "project_id", "key_prefix", "path", "model", "provider",
		"prompt_tokens", "completion_tokens", "total_tokens", "tokens_estimated",
		"cost_usd", "latency_ms", "cached", "http_status", "error_class", "ab_variant"))
	if err != nil {
		return err
	}

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.RequestID, r.Timestamp, r.ProjectID, r.KeyPrefix, r.Path, r.Model, r.Provider,
			r.Tokens.Prompt, r.Tokens.Completion, r.Tokens.Total, r.Tokens.Estimated,
			r.CostUSD, r.LatencyMs, string(r.Cached), r.HTTPStatus, r.ErrorClass, r.ABVariant,
		); err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
