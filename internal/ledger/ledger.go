// Package ledger persists run history to Postgres. It is an optional
// observer of the run: the controller works identically without it, and
// recording failures never fail a run.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tapline-labs/tapline/internal/domain"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Ledger struct {
	db DB
}

func New(db DB) *Ledger {
	if db == nil {
		return nil
	}
	return &Ledger{db: db}
}

func (l *Ledger) RecordRun(ctx context.Context, run domain.Run) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	runners := make([]string, len(run.Runners))
	for i, r := range run.Runners {
		runners[i] = string(r)
	}
	_, err := l.db.ExecContext(
		ctx,
		`INSERT INTO runs (run_id, runners, phase, started_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (run_id) DO NOTHING`,
		strings.TrimSpace(run.ID),
		strings.Join(runners, ","),
		string(run.Phase),
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (l *Ledger) RecordPhase(ctx context.Context, runID string, phase domain.RunPhase) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger not initialized")
	}
	_, err := l.db.ExecContext(
		ctx,
		`UPDATE runs SET phase = $2, updated_at = now() WHERE run_id = $1`,
		strings.TrimSpace(runID),
		string(phase),
	)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	return nil
}

func (l *Ledger) RecordArtifacts(ctx context.Context, runID string, artifacts []domain.Artifact) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger not initialized")
	}
	for _, a := range artifacts {
		var expiry sql.NullTime
		if !a.Expiry.IsZero() {
			expiry = sql.NullTime{Time: a.Expiry.UTC(), Valid: true}
		}
		_, err := l.db.ExecContext(
			ctx,
			`INSERT INTO run_artifacts (run_id, runner, address_family, object_key, size_bytes, grant_expiry, error)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT (run_id, object_key) DO NOTHING`,
			strings.TrimSpace(runID),
			string(a.Runner),
			string(a.Family),
			a.ObjectKey,
			a.SizeBytes,
			expiry,
			nullIfEmpty(a.Error),
		)
		if err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.ObjectKey, err)
		}
	}
	return nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
