package models

import "fmt"

// JobStatus represents the lifecycle state of a backtest job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status value
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) String() string {
	return string(s)
}

// JobStatusFromString parses a status value, rejecting unknown input
func JobStatusFromString(value string) (JobStatus, error) {
	status := JobStatus(value)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown job status: %q", value)
	}
	return status, nil
}

// CanTransition reports whether the edge from s to next exists in the job
// state machine. The only backward edge is running → pending, used by the
// retry path.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusPending || next == JobStatusCompleted ||
			next == JobStatusFailed || next == JobStatusCancelled
	}
	return false
}
