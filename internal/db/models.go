package db

import "time"

// Deployment status values. Transitions are monotone:
// queued -> running -> success | failed. Terminal statuses never change.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Trigger sources recorded on each deployment.
const (
	TriggerWebhook = "webhook"
	TriggerManual  = "manual"
)

// IsTerminal reports whether status is one of the terminal deployment states.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// Service is a user-declared deployment target, reconciled from the YAML
// configuration at startup. Name is the stable identity; everything else may
// be overwritten when the configuration file changes.
//
// Primary keys are plain autoincrement integers rather than UUIDs: deployment
// IDs must be monotone so that queue order and the per-service FIFO can be
// reasoned about from the IDs alone.
type Service struct {
	ID            uint      `gorm:"primaryKey"`
	Name          string    `gorm:"uniqueIndex;not null"`
	Repository    string    `gorm:"not null"` // provider-scoped path, e.g. "owner/repo"
	Path          string    `gorm:"not null"` // absolute local working directory
	Branch        string    `gorm:"not null"`
	DeployCommand string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

// Deployment is one execution attempt of a Service's deploy command.
//
// StartedAt is the queueing moment (row creation), not the process-start
// moment; SpawnedAt records the latter and is null for rows that never
// reached a runner. ExitCode is set only when the child was actually reaped;
// rows abandoned across restarts keep it null.
type Deployment struct {
	ID            uint      `gorm:"primaryKey"`
	ServiceID     uint      `gorm:"not null;index"`
	Status        string    `gorm:"not null;index"`
	StartedAt     time.Time `gorm:"not null;index"`
	SpawnedAt     *time.Time
	FinishedAt    *time.Time
	ExitCode      *int
	Stdout        string `gorm:"type:text;default:''"`
	Stderr        string `gorm:"type:text;default:''"`
	CommitSHA     *string
	CommitMessage *string
	Branch        *string
	TriggeredBy   string `gorm:"not null;default:'webhook'"`
}
