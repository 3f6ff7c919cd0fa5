package releasedao

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/savaki/ftp-deployer/internal/errors"
)

// PK represents a release partition key in format {site}/{env}
// Example: acme-shop/prod
type PK string

// NewPK creates a new partition key from site and env
func NewPK(site, env string) PK {
	return PK(fmt.Sprintf("%s/%s", site, env))
}

// ParsePK parses a partition key into its site and env components
func ParsePK(pk PK) (site, env string, err error) {
	s := string(pk)
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {site}/{env}", s)
	}
	return parts[0], parts[1], nil
}

// String returns the string representation of the partition key
func (pk PK) String() string {
	return string(pk)
}

// ID represents a release ID in format {site}/{env}:{ksuid}
// Example: acme-shop/prod:2HFj3kLmNoPqRsTuVwXy
type ID string

func (id ID) String() string {
	return string(id)
}

// ParseID parses a release ID into its partition key (pk) and sort key (sk)
// components
func ParseID(id ID) (pk PK, sk string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid release ID format: %s, expected {site}/{env}:{ksuid}", s)
	}
	return PK(parts[0]), parts[1], nil
}

// NewID constructs an ID from partition key and sort key
func NewID(pk PK, sk string) ID {
	return ID(fmt.Sprintf("%s:%s", pk, sk))
}

// Status represents the current status of a release
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Trigger identifies what started a release
type Trigger string

const (
	TriggerPush     Trigger = "push"     // repository push webhook
	TriggerManual   Trigger = "manual"   // operator-invoked deploy
	TriggerRollback Trigger = "rollback" // re-deploy of an earlier release
)

// Record represents a single deployment release
type Record struct {
	PK            PK      // {site}/{env}
	SK            string  // KSUID sort key; sorts by creation time
	Site          string  // Site name only
	Env           string  // Environment name (dev, staging, prod)
	Branch        string  // Git branch that triggered the release
	CommitHash    string  // Git commit hash
	Trigger       Trigger // push, manual, or rollback
	TriggeredBy   string  // pusher login or local username
	Strategy      string  // in_place or release_dir
	RollbackOf    string  // SK of the release a rollback re-deploys, empty otherwise
	Status        Status
	ErrorMsg      *string
	Manifest      []byte // JSON manifest snapshot, set once the scan completes
	FilesTotal    int
	FilesUploaded int
	BytesUploaded int64
	ArchiveURL    string // object store location of the release archive, if any
	CreatedAt     int64  // Unix epoch timestamp of creation
	FinishedAt    *int64 // Unix epoch timestamp of completion
	UpdatedAt     int64  // Unix epoch timestamp of last update
}

// GetID returns the full release ID in format: {site}/{env}:{ksuid}
func (r *Record) GetID() ID {
	return NewID(r.PK, r.SK)
}

// CreateInput contains the fields needed to create a new release record
type CreateInput struct {
	Site        string  // Site name
	Env         string  // Environment (dev, staging, prod)
	SK          string  // KSUID sort key
	Branch      string  // Git branch
	CommitHash  string  // Git commit hash
	Trigger     Trigger // What started the release
	TriggeredBy string  // Pusher login or local username
	Strategy    string  // in_place or release_dir
	RollbackOf  string  // SK of the release being rolled back to, if any
}

// UpdateInput contains the fields that can be updated on a release record
type UpdateInput struct {
	PK       PK      // Partition key (site/env)
	SK       string  // Sort key (KSUID)
	Status   *Status // New status
	ErrorMsg *string // Error message (optional)
}

// DAO provides data access operations for release records
type DAO struct {
	db *sql.DB
}

// New creates a new DAO instance
func New(db *sql.DB) *DAO {
	return &DAO{db: db}
}

const columns = `pk, sk, site, env, branch, commit_hash, trigger_kind, triggered_by, strategy,
	rollback_of, status, error_msg, manifest, files_total, files_uploaded, bytes_uploaded,
	archive_url, created_at, finished_at, updated_at`

// Create creates a new release record with initial status PENDING
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	pk := NewPK(input.Site, input.Env)
	now := time.Now().Unix()

	record := Record{
		PK:          pk,
		SK:          input.SK,
		Site:        input.Site,
		Env:         input.Env,
		Branch:      input.Branch,
		CommitHash:  input.CommitHash,
		Trigger:     input.Trigger,
		TriggeredBy: input.TriggeredBy,
		Strategy:    input.Strategy,
		RollbackOf:  input.RollbackOf,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO releases (pk, sk, site, env, branch, commit_hash, trigger_kind, triggered_by, strategy, rollback_of, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pk.String(), record.SK, record.Site, record.Env, record.Branch, record.CommitHash,
		string(record.Trigger), record.TriggeredBy, record.Strategy, record.RollbackOf,
		string(record.Status), record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create release record: %w", err)
	}

	return record, nil
}

// Find retrieves a release record by ID
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	pk, sk, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	row := d.db.QueryRowContext(ctx, `SELECT `+columns+` FROM releases WHERE pk = ? AND sk = ?`, pk.String(), sk)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrReleaseNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to find release record: %w", err)
	}
	return record, nil
}

// Query returns all releases for a given site/env partition key, newest
// first. KSUIDs sort chronologically so ordering by sort key is ordering by
// creation time.
func (d *DAO) Query(ctx context.Context, pk PK) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+columns+` FROM releases WHERE pk = ? ORDER BY sk DESC`, pk.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query releases: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

// Latest returns the most recent release for the partition key
func (d *DAO) Latest(ctx context.Context, pk PK) (Record, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+columns+` FROM releases WHERE pk = ? ORDER BY sk DESC LIMIT 1`, pk.String())
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrReleaseNotFound, pk)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to find latest release: %w", err)
	}
	return record, nil
}

// LatestSuccessful returns the most recent SUCCESS release for the partition
// key. Rollback targets come from here.
func (d *DAO) LatestSuccessful(ctx context.Context, pk PK) (Record, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+columns+` FROM releases
		WHERE pk = ? AND status = ?
		ORDER BY sk DESC LIMIT 1`,
		pk.String(), string(StatusSuccess),
	)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrNoSuccessfulRelease, pk)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to find latest successful release: %w", err)
	}
	return record, nil
}

// QueryLatestReleases returns the most recent release for each site in the
// given environment, most recently updated first.
func (d *DAO) QueryLatestReleases(ctx context.Context, env string) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+columns+` FROM releases r
		WHERE r.env = ?
		  AND r.sk = (SELECT MAX(sk) FROM releases WHERE pk = r.pk)
		ORDER BY r.updated_at DESC`,
		env,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest releases: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

// Start atomically flips a PENDING release to IN_PROGRESS. Returns an error
// if the release was already claimed so two workers can never run the same
// release.
func (d *DAO) Start(ctx context.Context, pk PK, sk string) error {
	now := time.Now().Unix()

	res, err := d.db.ExecContext(ctx, `
		UPDATE releases SET status = ?, updated_at = ?
		WHERE pk = ? AND sk = ? AND status = ?`,
		string(StatusInProgress), now, pk.String(), sk, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to start release: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to start release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("release %s is not pending", NewID(pk, sk))
	}
	return nil
}

// UpdateStatus updates the status of a release record. Terminal states also
// set finished_at.
func (d *DAO) UpdateStatus(ctx context.Context, input UpdateInput) error {
	if input.Status == nil {
		return fmt.Errorf("status is required")
	}

	now := time.Now().Unix()

	var finishedAt *int64
	if *input.Status == StatusSuccess || *input.Status == StatusFailed {
		finishedAt = &now
	}

	_, err := d.db.ExecContext(ctx, `
		UPDATE releases
		SET status = ?, error_msg = COALESCE(?, error_msg), finished_at = COALESCE(?, finished_at), updated_at = ?
		WHERE pk = ? AND sk = ?`,
		string(*input.Status), input.ErrorMsg, finishedAt, now, input.PK.String(), input.SK,
	)
	if err != nil {
		return fmt.Errorf("failed to update release status: %w", err)
	}
	return nil
}

// SetManifest stores the manifest snapshot once the scan completes
func (d *DAO) SetManifest(ctx context.Context, pk PK, sk string, manifest []byte, filesTotal int) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE releases SET manifest = ?, files_total = ?, updated_at = ?
		WHERE pk = ? AND sk = ?`,
		manifest, filesTotal, time.Now().Unix(), pk.String(), sk,
	)
	if err != nil {
		return fmt.Errorf("failed to store manifest: %w", err)
	}
	return nil
}

// SetUploadStats records how much the upload phase actually pushed
func (d *DAO) SetUploadStats(ctx context.Context, pk PK, sk string, filesUploaded int, bytesUploaded int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE releases SET files_uploaded = ?, bytes_uploaded = ?, updated_at = ?
		WHERE pk = ? AND sk = ?`,
		filesUploaded, bytesUploaded, time.Now().Unix(), pk.String(), sk,
	)
	if err != nil {
		return fmt.Errorf("failed to store upload stats: %w", err)
	}
	return nil
}

// SetArchiveURL records where the release archive was stored
func (d *DAO) SetArchiveURL(ctx context.Context, pk PK, sk string, url string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE releases SET archive_url = ?, updated_at = ?
		WHERE pk = ? AND sk = ?`,
		url, time.Now().Unix(), pk.String(), sk,
	)
	if err != nil {
		return fmt.Errorf("failed to store archive url: %w", err)
	}
	return nil
}

// Delete removes a release record by ID
func (d *DAO) Delete(ctx context.Context, id ID) error {
	pk, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `DELETE FROM releases WHERE pk = ? AND sk = ?`, pk.String(), sk)
	if err != nil {
		return fmt.Errorf("failed to delete release record: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		record     Record
		trigger    string
		status     string
		errorMsg   sql.NullString
		manifest   []byte
		finishedAt sql.NullInt64
	)

	err := row.Scan(
		&record.PK, &record.SK, &record.Site, &record.Env, &record.Branch, &record.CommitHash,
		&trigger, &record.TriggeredBy, &record.Strategy, &record.RollbackOf, &status, &errorMsg,
		&manifest, &record.FilesTotal, &record.FilesUploaded, &record.BytesUploaded,
		&record.ArchiveURL, &record.CreatedAt, &finishedAt, &record.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	record.Trigger = Trigger(trigger)
	record.Status = Status(status)
	record.Manifest = manifest
	if errorMsg.Valid {
		record.ErrorMsg = &errorMsg.String
	}
	if finishedAt.Valid {
		record.FinishedAt = &finishedAt.Int64
	}
	return record, nil
}

func collect(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan release record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read release records: %w", err)
	}
	return records, nil
}
