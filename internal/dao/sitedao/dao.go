package sitedao

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/savaki/ftp-deployer/internal/errors"
)

// DefaultName is the special site name for default configuration. A record
// registered under this name answers GetWithDefault for any site that has
// no record of its own in the same env.
const DefaultName = "$"

// ID represents a site ID in format {name}/{env}
// Example: acme-shop/prod
type ID string

// NewID creates an ID from site name and env
func NewID(name, env string) ID {
	return ID(fmt.Sprintf("%s/%s", name, env))
}

// ParseID parses an ID into name and env components
func ParseID(id ID) (name, env string, err error) {
	s := string(id)
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid site ID format: %s, expected {name}/{env}", s)
	}
	return parts[0], parts[1], nil
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// Protocol selects the upload transport for a site
type Protocol string

const (
	ProtocolFTP  Protocol = "ftp"
	ProtocolSFTP Protocol = "sftp"
)

// Strategy selects how uploads land on the remote side
type Strategy string

const (
	// StrategyInPlace uploads changed files directly into the deployment
	// path. Fast, but the site is briefly inconsistent mid-upload.
	StrategyInPlace Strategy = "in_place"

	// StrategyReleaseDir uploads the full tree into releases/{ksuid} under
	// the deployment path, then relinks the webroot when the upload is
	// complete.
	StrategyReleaseDir Strategy = "release_dir"
)

// Record represents a deployable site in one environment
type Record struct {
	Name       string
	Env        string
	SourceDir  string // local checkout that gets scanned and uploaded
	Branch     string // only pushes to this branch trigger a deploy
	Protocol   Protocol
	Strategy   Strategy
	DeployPath string // remote path uploads are relative to
	Webroot    string // publicly served subdirectory, informational
	// Excludes are appended to the built-in exclusion list; the built-in
	// entries cannot be removed.
	Excludes []string
	Vars     map[string]string // non-secret values rendered into the remote .env
	// PostDeploy replaces the default post-deploy command list when set. The
	// default commands must still appear in it, in their documented order.
	PostDeploy []string
	CreatedAt  int64
	UpdatedAt  int64
}

// GetID returns the ID for this record
func (r *Record) GetID() ID {
	return NewID(r.Name, r.Env)
}

// CreateInput contains the fields needed to register a site
type CreateInput struct {
	Name       string
	Env        string
	SourceDir  string
	Branch     string // defaults to main
	Protocol   Protocol
	Strategy   Strategy // defaults to in_place
	DeployPath string
	Webroot    string
	Excludes   []string
	Vars       map[string]string
	PostDeploy []string
}

// Validate checks the input before it reaches the database
func (input CreateInput) Validate() error {
	switch {
	case input.Name == "":
		return fmt.Errorf("site name is required")
	case strings.Contains(input.Name, "/") || strings.Contains(input.Name, ":"):
		return fmt.Errorf("site name %q must not contain '/' or ':'", input.Name)
	case input.Env == "":
		return fmt.Errorf("env is required")
	case input.SourceDir == "":
		return fmt.Errorf("source dir is required")
	case input.DeployPath == "":
		return fmt.Errorf("deploy path is required")
	}

	switch input.Protocol {
	case ProtocolFTP, ProtocolSFTP:
	default:
		return fmt.Errorf("invalid protocol %q, expected ftp or sftp", input.Protocol)
	}

	switch input.Strategy {
	case "", StrategyInPlace, StrategyReleaseDir:
	default:
		return fmt.Errorf("invalid strategy %q, expected in_place or release_dir", input.Strategy)
	}
	return nil
}

// UpdateInput contains the fields that can be changed on a site. Nil fields
// are left untouched.
type UpdateInput struct {
	ID         ID
	SourceDir  *string
	Branch     *string
	Protocol   *Protocol
	Strategy   *Strategy
	DeployPath *string
	Webroot    *string
	Excludes   *[]string
	Vars       *map[string]string
	PostDeploy *[]string
}

// DAO provides data access operations for site records
type DAO struct {
	db *sql.DB
}

// New creates a new DAO instance
func New(db *sql.DB) *DAO {
	return &DAO{db: db}
}

// Create registers a new site
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	if err := input.Validate(); err != nil {
		return Record{}, err
	}

	now := time.Now().Unix()
	record := Record{
		Name:       input.Name,
		Env:        input.Env,
		SourceDir:  input.SourceDir,
		Branch:     input.Branch,
		Protocol:   input.Protocol,
		Strategy:   input.Strategy,
		DeployPath: input.DeployPath,
		Webroot:    input.Webroot,
		Excludes:   input.Excludes,
		Vars:       input.Vars,
		PostDeploy: input.PostDeploy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if record.Branch == "" {
		record.Branch = "main"
	}
	if record.Strategy == "" {
		record.Strategy = StrategyInPlace
	}

	excludes, vars, postDeploy, err := marshalLists(record.Excludes, record.Vars, record.PostDeploy)
	if err != nil {
		return Record{}, err
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO sites (name, env, source_dir, branch, protocol, strategy, deploy_path, webroot, excludes, vars, post_deploy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Name, record.Env, record.SourceDir, record.Branch, string(record.Protocol),
		string(record.Strategy), record.DeployPath, record.Webroot, excludes, vars, postDeploy,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return Record{}, fmt.Errorf("%w: %s", errors.ErrSiteExists, record.GetID())
		}
		return Record{}, fmt.Errorf("failed to create site record: %w", err)
	}

	return record, nil
}

// Find retrieves a site record by ID
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	name, env, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	row := d.db.QueryRowContext(ctx, `
		SELECT name, env, source_dir, branch, protocol, strategy, deploy_path, webroot, excludes, vars, post_deploy, created_at, updated_at
		FROM sites WHERE name = ? AND env = ?`,
		name, env,
	)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrSiteNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to find site record: %w", err)
	}
	return record, nil
}

// GetWithDefault retrieves a site by name and env, falling back to the
// default record (DefaultName) when no site-specific record exists. Fallback
// records are returned under the requested name with any {site} and {env}
// placeholders in their paths expanded.
func (d *DAO) GetWithDefault(ctx context.Context, name, env string) (Record, error) {
	record, err := d.Find(ctx, NewID(name, env))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, errors.ErrSiteNotFound) {
		return Record{}, err
	}

	record, defaultErr := d.Find(ctx, NewID(DefaultName, env))
	if defaultErr != nil {
		// report the site the caller asked for, not the missing default
		return Record{}, err
	}

	record.Name = name
	record.SourceDir = expandPlaceholders(record.SourceDir, name, env)
	record.DeployPath = expandPlaceholders(record.DeployPath, name, env)
	record.Webroot = expandPlaceholders(record.Webroot, name, env)
	return record, nil
}

func expandPlaceholders(s, name, env string) string {
	s = strings.ReplaceAll(s, "{site}", name)
	return strings.ReplaceAll(s, "{env}", env)
}

// Query returns all registered sites ordered by name then env
func (d *DAO) Query(ctx context.Context) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT name, env, source_dir, branch, protocol, strategy, deploy_path, webroot, excludes, vars, post_deploy, created_at, updated_at
		FROM sites ORDER BY name, env`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sites: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read site records: %w", err)
	}
	return records, nil
}

// QueryByName returns every environment a site is registered in
func (d *DAO) QueryByName(ctx context.Context, name string) ([]Record, error) {
	records, err := d.Query(ctx)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, record := range records {
		if record.Name == name {
			out = append(out, record)
		}
	}
	return out, nil
}

// Update applies the non-nil fields of input to an existing site
func (d *DAO) Update(ctx context.Context, input UpdateInput) (Record, error) {
	record, err := d.Find(ctx, input.ID)
	if err != nil {
		return Record{}, err
	}

	if input.SourceDir != nil {
		record.SourceDir = *input.SourceDir
	}
	if input.Branch != nil {
		record.Branch = *input.Branch
	}
	if input.Protocol != nil {
		record.Protocol = *input.Protocol
	}
	if input.Strategy != nil {
		record.Strategy = *input.Strategy
	}
	if input.DeployPath != nil {
		record.DeployPath = *input.DeployPath
	}
	if input.Webroot != nil {
		record.Webroot = *input.Webroot
	}
	if input.Excludes != nil {
		record.Excludes = *input.Excludes
	}
	if input.Vars != nil {
		record.Vars = *input.Vars
	}
	if input.PostDeploy != nil {
		record.PostDeploy = *input.PostDeploy
	}
	record.UpdatedAt = time.Now().Unix()

	excludes, vars, postDeploy, err := marshalLists(record.Excludes, record.Vars, record.PostDeploy)
	if err != nil {
		return Record{}, err
	}

	_, err = d.db.ExecContext(ctx, `
		UPDATE sites
		SET source_dir = ?, branch = ?, protocol = ?, strategy = ?, deploy_path = ?, webroot = ?, excludes = ?, vars = ?, post_deploy = ?, updated_at = ?
		WHERE name = ? AND env = ?`,
		record.SourceDir, record.Branch, string(record.Protocol), string(record.Strategy),
		record.DeployPath, record.Webroot, excludes, vars, postDeploy, record.UpdatedAt,
		record.Name, record.Env,
	)
	if err != nil {
		return Record{}, fmt.Errorf("failed to update site record: %w", err)
	}
	return record, nil
}

// Delete removes a site record by ID
func (d *DAO) Delete(ctx context.Context, id ID) error {
	name, env, err := ParseID(id)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `DELETE FROM sites WHERE name = ? AND env = ?`, name, env)
	if err != nil {
		return fmt.Errorf("failed to delete site record: %w", err)
	}
	return nil
}

func marshalLists(excludes []string, vars map[string]string, postDeploy []string) (string, string, string, error) {
	if excludes == nil {
		excludes = []string{}
	}
	if vars == nil {
		vars = map[string]string{}
	}
	if postDeploy == nil {
		postDeploy = []string{}
	}

	excludesJSON, err := json.Marshal(excludes)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode excludes: %w", err)
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode vars: %w", err)
	}
	postDeployJSON, err := json.Marshal(postDeploy)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode post-deploy commands: %w", err)
	}
	return string(excludesJSON), string(varsJSON), string(postDeployJSON), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		record     Record
		protocol   string
		strategy   string
		excludes   string
		vars       string
		postDeploy string
	)

	err := row.Scan(&record.Name, &record.Env, &record.SourceDir, &record.Branch,
		&protocol, &strategy, &record.DeployPath, &record.Webroot,
		&excludes, &vars, &postDeploy, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return Record{}, err
	}

	record.Protocol = Protocol(protocol)
	record.Strategy = Strategy(strategy)
	if err := json.Unmarshal([]byte(excludes), &record.Excludes); err != nil {
		return Record{}, fmt.Errorf("failed to decode excludes: %w", err)
	}
	if err := json.Unmarshal([]byte(vars), &record.Vars); err != nil {
		return Record{}, fmt.Errorf("failed to decode vars: %w", err)
	}
	if err := json.Unmarshal([]byte(postDeploy), &record.PostDeploy); err != nil {
		return Record{}, fmt.Errorf("failed to decode post-deploy commands: %w", err)
	}
	return record, nil
}
