package lockdao

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	lockSK         = "LOCK"
	lockTTLMinutes = 30 // Auto-expire locks after 30 minutes
)

// PK represents the lock key: {Env}/{Site}
type PK string

// NewPK creates a lock key from env and site
func NewPK(env, site string) PK {
	return PK(fmt.Sprintf("%s/%s", env, site))
}

// ParsePK parses a lock key into env and site components
func ParsePK(pk PK) (env, site string, err error) {
	s := string(pk)
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {env}/{site}", s)
	}
	return parts[0], parts[1], nil
}

// String returns the string representation
func (pk PK) String() string {
	return string(pk)
}

// ID represents a lock ID in format {env}/{site}:LOCK
// Example: prod/acme-shop:LOCK
// Note: SK is always "LOCK" so ID primarily identifies the env/site
type ID string

// NewID creates an ID from env and site
func NewID(env, site string) ID {
	pk := NewPK(env, site)
	return ID(fmt.Sprintf("%s:%s", pk, lockSK))
}

// ParseID parses an ID into env and site components
func ParseID(id ID) (env, site string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid ID format: %s, expected {env}/{site}:LOCK", s)
	}

	if parts[1] != lockSK {
		return "", "", fmt.Errorf("invalid ID format: %s, expected SK to be 'LOCK', got '%s'", s, parts[1])
	}

	pkParts := strings.Split(parts[0], "/")
	if len(pkParts) != 2 {
		return "", "", fmt.Errorf("invalid PK in ID: %s, expected {env}/{site}", parts[0])
	}

	return pkParts[0], pkParts[1], nil
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// Record represents a deployment lock. One lock per site/env serializes
// releases against the same hosting account.
type Record struct {
	PK         PK     // {Env}/{Site}
	ReleaseID  string // ID of the release holding the lock
	AcquiredAt int64  // Unix timestamp when lock was acquired
	ExpiresAt  int64  // Unix timestamp after which the lock is considered stale
}

// GetID returns the ID for this record
func (r *Record) GetID() ID {
	env, site, _ := ParsePK(r.PK)
	return NewID(env, site)
}

// AcquireInput contains fields for acquiring a deployment lock
type AcquireInput struct {
	Env       string // Environment
	Site      string // Site name
	ReleaseID string // Release attempting to acquire
}

// ReleaseInput contains fields for releasing a deployment lock
type ReleaseInput struct {
	ID        ID     // Lock ID
	ReleaseID string // Release ID (must match lock holder)
}

// DAO provides data access operations for deployment locks
type DAO struct {
	db *sql.DB
}

// New creates a new DAO instance
func New(db *sql.DB) *DAO {
	return &DAO{db: db}
}

// Acquire attempts to acquire a deployment lock
// Returns the lock record if acquired, nil if already held by another
// release. Re-acquiring a lock the same release already holds succeeds.
func (d *DAO) Acquire(ctx context.Context, input AcquireInput) (*Record, bool, error) {
	id := NewID(input.Env, input.Site)

	existing, err := d.Find(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check existing lock: %w", err)
	}

	if existing != nil {
		if existing.ReleaseID == input.ReleaseID {
			// Same release already holds the lock (retry scenario)
			return existing, true, nil
		}
		// Different release holds the lock
		return nil, false, nil
	}

	// Clear any expired row so the insert below can take its place
	now := time.Now().Unix()
	pk := NewPK(input.Env, input.Site)
	if _, err := d.db.ExecContext(ctx, `DELETE FROM locks WHERE pk = ? AND expires_at <= ?`, pk.String(), now); err != nil {
		return nil, false, fmt.Errorf("failed to clear expired lock: %w", err)
	}

	record := &Record{
		PK:         pk,
		ReleaseID:  input.ReleaseID,
		AcquiredAt: now,
		ExpiresAt:  now + lockTTLMinutes*60,
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO locks (pk, release_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		record.PK.String(), record.ReleaseID, record.AcquiredAt, record.ExpiresAt,
	)
	if err != nil {
		// A concurrent acquire won the insert race
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to create lock: %w", err)
	}

	return record, true, nil
}

// Find retrieves a lock record by ID
// Returns nil if no live lock exists; expired locks are treated as absent
func (d *DAO) Find(ctx context.Context, id ID) (*Record, error) {
	env, site, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	pk := NewPK(env, site)
	var record Record

	err = d.db.QueryRowContext(ctx, `
		SELECT pk, release_id, acquired_at, expires_at FROM locks WHERE pk = ?`,
		pk.String(),
	).Scan(&record.PK, &record.ReleaseID, &record.AcquiredAt, &record.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	if record.ExpiresAt <= time.Now().Unix() {
		return nil, nil
	}

	return &record, nil
}

// Release releases a deployment lock
// Only succeeds if the lock is held by the specified release (prevents
// unauthorized releases)
func (d *DAO) Release(ctx context.Context, input ReleaseInput) error {
	existing, err := d.Find(ctx, input.ID)
	if err != nil {
		return fmt.Errorf("failed to check lock: %w", err)
	}

	if existing == nil {
		// No lock exists (already released or expired)
		return nil
	}

	if existing.ReleaseID != input.ReleaseID {
		return fmt.Errorf("lock not held by release %s (held by %s)", input.ReleaseID, existing.ReleaseID)
	}

	return d.Delete(ctx, input.ID)
}

// Delete removes a lock record regardless of who holds it
// Use with caution - only for cleanup/recovery scenarios
func (d *DAO) Delete(ctx context.Context, id ID) error {
	env, site, err := ParseID(id)
	if err != nil {
		return err
	}

	pk := NewPK(env, site)
	_, err = d.db.ExecContext(ctx, `DELETE FROM locks WHERE pk = ?`, pk.String())
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}

	return nil
}
