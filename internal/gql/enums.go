package gql

import (
	"strings"

	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
)

// ReleaseStatus represents the GraphQL ReleaseStatus enum
type ReleaseStatus string

const (
	ReleaseStatusPending    ReleaseStatus = "PENDING"
	ReleaseStatusInProgress ReleaseStatus = "IN_PROGRESS"
	ReleaseStatusSuccess    ReleaseStatus = "SUCCESS"
	ReleaseStatusFailed     ReleaseStatus = "FAILED"
)

// FromModelReleaseStatus converts a releasedao.Status to gql.ReleaseStatus
func FromModelReleaseStatus(status releasedao.Status) ReleaseStatus {
	return ReleaseStatus(status)
}

// ToModelReleaseStatus converts a gql.ReleaseStatus to releasedao.Status
func (s ReleaseStatus) ToModelReleaseStatus() releasedao.Status {
	return releasedao.Status(s)
}

// StepStatus represents the GraphQL StepStatus enum
type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusSuccess    StepStatus = "SUCCESS"
	StepStatusFailed     StepStatus = "FAILED"
	StepStatusSkipped    StepStatus = "SKIPPED"
)

// FromModelStepStatus converts a stepdao.Status to gql.StepStatus
func FromModelStepStatus(status stepdao.Status) StepStatus {
	return StepStatus(status)
}

// Trigger represents the GraphQL Trigger enum. The dao stores trigger kinds
// in lower case, GraphQL enum values are upper case.
type Trigger string

const (
	TriggerPush     Trigger = "PUSH"
	TriggerManual   Trigger = "MANUAL"
	TriggerRollback Trigger = "ROLLBACK"
)

// FromModelTrigger converts a releasedao.Trigger to gql.Trigger
func FromModelTrigger(trigger releasedao.Trigger) Trigger {
	return Trigger(strings.ToUpper(string(trigger)))
}
