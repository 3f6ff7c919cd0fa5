package gql

import (
	"context"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
)

// ReleaseResolver resolves the Release GraphQL type
type ReleaseResolver struct {
	release releasedao.Record
	steps   *stepdao.DAO
	ctx     context.Context
}

// newReleaseResolver creates a new ReleaseResolver
func newReleaseResolver(release releasedao.Record, steps *stepdao.DAO, ctx context.Context) *ReleaseResolver {
	return &ReleaseResolver{
		release: release,
		steps:   steps,
		ctx:     ctx,
	}
}

// ID resolves the id field (release ID format: {site}/{env}:{ksuid})
func (r *ReleaseResolver) ID() graphql.ID {
	return graphql.ID(r.release.GetID())
}

// Site resolves the site field
func (r *ReleaseResolver) Site() string {
	return r.release.Site
}

// Env resolves the env field
func (r *ReleaseResolver) Env() string {
	return r.release.Env
}

// Branch resolves the branch field
func (r *ReleaseResolver) Branch() string {
	return r.release.Branch
}

// CommitHash resolves the commitHash field
func (r *ReleaseResolver) CommitHash() string {
	return r.release.CommitHash
}

// Trigger resolves the trigger field
func (r *ReleaseResolver) Trigger() Trigger {
	return FromModelTrigger(r.release.Trigger)
}

// TriggeredBy resolves the triggeredBy field
func (r *ReleaseResolver) TriggeredBy() string {
	return r.release.TriggeredBy
}

// Strategy resolves the strategy field
func (r *ReleaseResolver) Strategy() string {
	return r.release.Strategy
}

// RollbackOf resolves the rollbackOf field as a full release ID
func (r *ReleaseResolver) RollbackOf() *graphql.ID {
	if r.release.RollbackOf == "" {
		return nil
	}
	id := graphql.ID(releasedao.NewID(r.release.PK, r.release.RollbackOf))
	return &id
}

// Status resolves the status field
func (r *ReleaseResolver) Status() ReleaseStatus {
	return FromModelReleaseStatus(r.release.Status)
}

// ErrorMsg resolves the errorMsg field
func (r *ReleaseResolver) ErrorMsg() *string {
	return r.release.ErrorMsg
}

// FilesTotal resolves the filesTotal field
func (r *ReleaseResolver) FilesTotal() int32 {
	return int32(r.release.FilesTotal)
}

// FilesUploaded resolves the filesUploaded field
func (r *ReleaseResolver) FilesUploaded() int32 {
	return int32(r.release.FilesUploaded)
}

// BytesUploaded resolves the bytesUploaded field. Float in the schema, a
// GraphQL Int caps at 32 bits and uploads can exceed that.
func (r *ReleaseResolver) BytesUploaded() float64 {
	return float64(r.release.BytesUploaded)
}

// ArchiveUrl resolves the archiveUrl field
func (r *ReleaseResolver) ArchiveUrl() *string {
	if r.release.ArchiveURL == "" {
		return nil
	}
	return &r.release.ArchiveURL
}

// StartTime resolves the startTime field
func (r *ReleaseResolver) StartTime() DateTime {
	return NewDateTimeFromUnix(r.release.CreatedAt)
}

// EndTime resolves the endTime field
func (r *ReleaseResolver) EndTime() *DateTime {
	return NewDateTimePtrFromUnix(r.release.FinishedAt)
}

// Steps resolves the steps field by fetching the release's step records
func (r *ReleaseResolver) Steps() ([]*StepResolver, error) {
	records, err := r.steps.Query(r.ctx, r.release.GetID().String())
	if err != nil {
		// On error, return empty array rather than failing the whole query
		return []*StepResolver{}, nil
	}

	resolvers := make([]*StepResolver, len(records))
	for i, record := range records {
		resolvers[i] = newStepResolver(record)
	}

	return resolvers, nil
}

// StepResolver resolves the Step GraphQL type
type StepResolver struct {
	step stepdao.Record
}

// newStepResolver creates a new StepResolver
func newStepResolver(step stepdao.Record) *StepResolver {
	return &StepResolver{
		step: step,
	}
}

// Name resolves the name field
func (r *StepResolver) Name() string {
	return r.step.Name
}

// Command resolves the command field, nil for local steps
func (r *StepResolver) Command() *string {
	if r.step.Command == "" {
		return nil
	}
	return &r.step.Command
}

// Status resolves the status field
func (r *StepResolver) Status() StepStatus {
	return FromModelStepStatus(r.step.Status)
}

// ExitCode resolves the exitCode field
func (r *StepResolver) ExitCode() *int32 {
	if r.step.ExitCode == nil {
		return nil
	}
	code := int32(*r.step.ExitCode)
	return &code
}

// Output resolves the output field
func (r *StepResolver) Output() string {
	return r.step.Output
}

// ErrorMsg resolves the errorMsg field
func (r *StepResolver) ErrorMsg() *string {
	return r.step.ErrorMsg
}

// StartTime resolves the startTime field
func (r *StepResolver) StartTime() *DateTime {
	return NewDateTimePtrFromUnix(r.step.StartedAt)
}

// EndTime resolves the endTime field
func (r *StepResolver) EndTime() *DateTime {
	return NewDateTimePtrFromUnix(r.step.FinishedAt)
}
