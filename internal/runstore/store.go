// Package runstore persists pipeline runs in SQLite so they outlive the process.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces a run together with its phase results
func (s *Store) SaveRun(ctx context.Context, run *domain.Run) error {
	queryJSON, err := json.Marshal(run.Query)
	if err != nil {
		return err
	}
	warningsJSON, err := json.Marshal(run.Warnings)
	if err != nil {
		return err
	}
	var artifacts sql.NullString
	if run.Artifacts != nil {
		data, err := json.Marshal(run.Artifacts)
		if err != nil {
			return err
		}
		artifacts = sql.NullString{String: string(data), Valid: true}
	}
	var finished sql.NullInt64
	if run.FinishedAt != nil {
		finished = sql.NullInt64{Int64: run.FinishedAt.UnixNano(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, parent_run_id, query, want_video, state, status, failed_phase, failure_reason, failure_detail, warnings, artifacts, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			status = excluded.status,
			failed_phase = excluded.failed_phase,
			failure_reason = excluded.failure_reason,
			failure_detail = excluded.failure_detail,
			warnings = excluded.warnings,
			artifacts = excluded.artifacts,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`,
		run.ID,
		run.ParentRunID,
		string(queryJSON),
		run.WantVideo,
		string(run.State),
		string(run.Status),
		string(run.FailedPhase),
		string(run.FailureReason),
		run.FailureDetail,
		string(warningsJSON),
		artifacts,
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
		finished,
	)
	if err != nil {
		return eris.Wrapf(err, "runstore: save run %s", run.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM phase_results WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	for i, pr := range run.Phases {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO phase_results (run_id, seq, phase, fingerprint, provider, attempts, revisions, from_cache, shared, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID, i, string(pr.Phase), pr.Fingerprint, pr.Provider, pr.Attempts, pr.Revisions,
			pr.FromCache, pr.Shared, pr.Error, toNanos(pr.StartedAt), toNanos(pr.FinishedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "runstore: save phase %s of run %s", pr.Phase, run.ID)
		}
	}

	return tx.Commit()
}

const runColumns = `id, parent_run_id, query, want_video, state, status, failed_phase, failure_reason, failure_detail, warnings, artifacts, created_at, updated_at, finished_at`

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(domain.ErrRunNotFound, "run %s", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadPhases(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status   domain.RunStatus
	ParentID string
	Limit    int
}

// ListRuns returns the most recent runs first, up to limit (0 for all)
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	return s.List(ctx, ListOptions{Limit: limit})
}

// List returns runs matching the given options, newest first
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.ParentID != "" {
		query += " AND parent_run_id = ?"
		args = append(args, opts.ParentID)
	}

	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// phases are loaded after the cursor closes; the store holds a single connection
	for _, run := range runs {
		if err := s.loadPhases(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// CountByStatus returns the number of stored runs per status
func (s *Store) CountByStatus(ctx context.Context) (map[domain.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// MarkInterrupted fails runs left non-terminal by a previous process
func (s *Store) MarkInterrupted(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, status = ?, failure_reason = ?, failure_detail = ?, updated_at = ?, finished_at = ?
		WHERE status = ?
	`,
		string(domain.StateFailed), string(domain.RunFailed), string(domain.ReasonInternal),
		"interrupted by restart", now.UnixNano(), now.UnixNano(), string(domain.RunRunning),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) loadPhases(ctx context.Context, run *domain.Run) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, fingerprint, provider, attempts, revisions, from_cache, shared, error, started_at, finished_at
		FROM phase_results WHERE run_id = ? ORDER BY seq
	`, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pr                    domain.PhaseResult
			phase                 string
			fp, provider, errText sql.NullString
			startedAt, finishedAt sql.NullInt64
		)
		if err := rows.Scan(&phase, &fp, &provider, &pr.Attempts, &pr.Revisions, &pr.FromCache, &pr.Shared, &errText, &startedAt, &finishedAt); err != nil {
			return err
		}
		pr.Phase = domain.PhaseName(phase)
		pr.Fingerprint = fp.String
		pr.Provider = provider.String
		pr.Error = errText.String
		pr.StartedAt = fromNanos(startedAt.Int64)
		pr.FinishedAt = fromNanos(finishedAt.Int64)
		run.Phases = append(run.Phases, pr)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var (
		run                                 domain.Run
		parent, failedPhase, reason, detail sql.NullString
		queryJSON, state, status            string
		warningsJSON, artifactsJSON         sql.NullString
		createdAt, updatedAt                int64
		finishedAt                          sql.NullInt64
	)
	err := row.Scan(&run.ID, &parent, &queryJSON, &run.WantVideo, &state, &status, &failedPhase, &reason, &detail,
		&warningsJSON, &artifactsJSON, &createdAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.ParentRunID = parent.String
	run.State = domain.RunState(state)
	run.Status = domain.RunStatus(status)
	run.FailedPhase = domain.PhaseName(failedPhase.String)
	run.FailureReason = domain.FailureReason(reason.String)
	run.FailureDetail = detail.String
	run.CreatedAt = fromNanos(createdAt)
	run.UpdatedAt = fromNanos(updatedAt)
	if finishedAt.Valid {
		t := fromNanos(finishedAt.Int64)
		run.FinishedAt = &t
	}

	if err := json.Unmarshal([]byte(queryJSON), &run.Query); err != nil {
		return nil, eris.Wrapf(err, "runstore: decode query of run %s", run.ID)
	}
	if warningsJSON.Valid && warningsJSON.String != "null" {
		if err := json.Unmarshal([]byte(warningsJSON.String), &run.Warnings); err != nil {
			return nil, eris.Wrapf(err, "runstore: decode warnings of run %s", run.ID)
		}
	}
	if artifactsJSON.Valid {
		var set domain.ArtifactSet
		if err := json.Unmarshal([]byte(artifactsJSON.String), &set); err != nil {
			return nil, eris.Wrapf(err, "runstore: decode artifacts of run %s", run.ID)
		}
		run.Artifacts = &set
	}
	return &run, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
