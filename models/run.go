package models

import (
	"database/sql"
	"time"
)

// RunStatus is the state of a scheduled execution
type RunStatus string

// Run states. Skipped is reserved and not set in the normal flow.
const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunSkipped RunStatus = "skipped"
	RunTimeout RunStatus = "timeout"
)

// Run is one scheduled execution of a job, including any internal retries.
// ScheduledTime is the due instant it covers, not the wall-clock dispatch
// time, and (JobID, ScheduledTime) is unique so dispatch is idempotent.
type Run struct {
	ID            int64     `gorm:"primaryKey"`
	JobID         int64     `gorm:"index;uniqueIndex:idx_schedd_runs_job_scheduled"`
	ScheduledTime time.Time `gorm:"uniqueIndex:idx_schedd_runs_job_scheduled"`
	StartTime     sql.NullTime
	EndTime       sql.NullTime
	Status        RunStatus `gorm:"index"`
	ErrorText     string
	RunDir        string
	RetryCount    int
	CreatedAt     time.Time `gorm:"index"`
}

// TableName specifies the db table name
func (*Run) TableName() string {
	return "schedd_runs"
}

// Failed reports whether the run ended in error or was timed out
func (r *Run) Failed() bool {
	return r.Status == RunError || r.Status == RunTimeout
}
