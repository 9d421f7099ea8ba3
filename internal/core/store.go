package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed history of reconciliation passes.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// PassRecord is one row of the pass history.
type PassRecord struct {
	ID             int64
	StartedAt      time.Time
	Outcome        Outcome
	StatusKnown    bool
	JobCount       int
	HoursRemaining int
	Submitted      int
	Harvests       []HarvestRecord
}

type HarvestRecord struct {
	Benchmark string
	Skipped   bool
	Nodes     int
	Finished  int
	Requeued  int
}

func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one coordinator, one connection
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordPass stores a pass and its per-benchmark harvest counts.
func (s *Store) RecordPass(ctx context.Context, p PassRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO passes (started_at, outcome, status_known, job_count, hours_remaining, submitted)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.StartedAt.UTC().Format(time.RFC3339Nano), string(p.Outcome), p.StatusKnown, p.JobCount, p.HoursRemaining, p.Submitted)
	if err != nil {
		return 0, fmt.Errorf("insert pass: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, h := range p.Harvests {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO harvests (pass_id, benchmark, skipped, nodes, finished, requeued) VALUES (?, ?, ?, ?, ?, ?)`,
			id, h.Benchmark, h.Skipped, h.Nodes, h.Finished, h.Requeued); err != nil {
			return 0, fmt.Errorf("insert harvest: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// RecentPasses returns up to limit passes, newest first.
func (s *Store) RecentPasses(ctx context.Context, limit int) ([]PassRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, outcome, status_known, job_count, hours_remaining, submitted
		 FROM passes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query passes: %w", err)
	}
	var passes []PassRecord
	for rows.Next() {
		var (
			p       PassRecord
			started string
			outcome string
		)
		if err := rows.Scan(&p.ID, &started, &outcome, &p.StatusKnown, &p.JobCount, &p.HoursRemaining, &p.Submitted); err != nil {
			rows.Close()
			return nil, err
		}
		p.Outcome = Outcome(outcome)
		if p.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		passes = append(passes, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range passes {
		if passes[i].Harvests, err = s.harvests(ctx, passes[i].ID); err != nil {
			return nil, err
		}
	}
	return passes, nil
}

func (s *Store) harvests(ctx context.Context, passID int64) ([]HarvestRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT benchmark, skipped, nodes, finished, requeued FROM harvests WHERE pass_id = ? ORDER BY benchmark`, passID)
	if err != nil {
		return nil, fmt.Errorf("query harvests: %w", err)
	}
	defer rows.Close()
	var out []HarvestRecord
	for rows.Next() {
		var h HarvestRecord
		if err := rows.Scan(&h.Benchmark, &h.Skipped, &h.Nodes, &h.Finished, &h.Requeued); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
