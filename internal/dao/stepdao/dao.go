package stepdao

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Status represents the current status of a deployment step
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED" // a prior step failed before this one ran
)

// Record represents a single step of a release: connect, upload, or one of
// the post-deployment commands. Steps run in seq order and a failure stops
// the release, so at most one step per release can be FAILED.
type Record struct {
	ReleaseID  string // {site}/{env}:{ksuid} of the owning release
	Seq        int    // 0-based execution order
	Name       string // short step name, e.g. "upload" or "migrate"
	Command    string // remote command line, empty for local steps
	Status     Status
	ExitCode   *int   // remote exit status, nil for local steps
	Output     string // combined stdout and stderr
	ErrorMsg   *string
	StartedAt  *int64
	FinishedAt *int64
}

// PlanStep describes one step of the plan before execution starts
type PlanStep struct {
	Name    string
	Command string
}

// DAO provides data access operations for release steps
type DAO struct {
	db *sql.DB
}

// New creates a new DAO instance
func New(db *sql.DB) *DAO {
	return &DAO{db: db}
}

// CreatePlan records the full step plan for a release, all PENDING. The plan
// is written up front so observers can see what a release will do before it
// does it.
func (d *DAO) CreatePlan(ctx context.Context, releaseID string, plan []PlanStep) ([]Record, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create step plan: %w", err)
	}
	defer tx.Rollback()

	records := make([]Record, 0, len(plan))
	for i, step := range plan {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO steps (release_id, seq, name, command, status)
			VALUES (?, ?, ?, ?, ?)`,
			releaseID, i, step.Name, step.Command, string(StatusPending),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create step %s: %w", step.Name, err)
		}
		records = append(records, Record{
			ReleaseID: releaseID,
			Seq:       i,
			Name:      step.Name,
			Command:   step.Command,
			Status:    StatusPending,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to create step plan: %w", err)
	}
	return records, nil
}

// Start marks a step IN_PROGRESS and stamps its start time
func (d *DAO) Start(ctx context.Context, releaseID string, seq int) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, started_at = ? WHERE release_id = ? AND seq = ?`,
		string(StatusInProgress), time.Now().Unix(), releaseID, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to start step: %w", err)
	}
	return nil
}

// FinishInput contains the outcome of a completed step
type FinishInput struct {
	ReleaseID string
	Seq       int
	Status    Status // SUCCESS or FAILED
	ExitCode  *int   // remote exit status, nil for local steps
	Output    string // combined output, possibly truncated by the caller
	ErrorMsg  *string
}

// Finish records a step's terminal state
func (d *DAO) Finish(ctx context.Context, input FinishInput) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, exit_code = ?, output = ?, error_msg = ?, finished_at = ?
		WHERE release_id = ? AND seq = ?`,
		string(input.Status), input.ExitCode, input.Output, input.ErrorMsg,
		time.Now().Unix(), input.ReleaseID, input.Seq,
	)
	if err != nil {
		return fmt.Errorf("failed to finish step: %w", err)
	}
	return nil
}

// MarkSkipped flips every still-PENDING step of the release to SKIPPED. Used
// after a failure so the remaining plan does not read as runnable.
func (d *DAO) MarkSkipped(ctx context.Context, releaseID string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, finished_at = ?
		WHERE release_id = ? AND status = ?`,
		string(StatusSkipped), time.Now().Unix(), releaseID, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark steps skipped: %w", err)
	}
	return nil
}

// Query returns all steps for a release in execution order
func (d *DAO) Query(ctx context.Context, releaseID string) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT release_id, seq, name, command, status, exit_code, output, error_msg, started_at, finished_at
		FROM steps WHERE release_id = ? ORDER BY seq`,
		releaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record     Record
			status     string
			exitCode   sql.NullInt64
			errorMsg   sql.NullString
			startedAt  sql.NullInt64
			finishedAt sql.NullInt64
		)
		err := rows.Scan(&record.ReleaseID, &record.Seq, &record.Name, &record.Command,
			&status, &exitCode, &record.Output, &errorMsg, &startedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step record: %w", err)
		}

		record.Status = Status(status)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			record.ExitCode = &code
		}
		if errorMsg.Valid {
			record.ErrorMsg = &errorMsg.String
		}
		if startedAt.Valid {
			record.StartedAt = &startedAt.Int64
		}
		if finishedAt.Valid {
			record.FinishedAt = &finishedAt.Int64
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read step records: %w", err)
	}
	return records, nil
}

// Delete removes all steps for a release
func (d *DAO) Delete(ctx context.Context, releaseID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM steps WHERE release_id = ?`, releaseID)
	if err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	return nil
}
