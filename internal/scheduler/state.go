package scheduler

import (
	"fmt"
	"time"
)

// State is the phase a reconciliation pass is in.
type State string

const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
	StateDiffing  State = "diffing"
	StateApplying State = "applying"
	StateSwapping State = "swapping"
	StateError    State = "error"
)

// PassError aborts a pass. The previously published registry stays
// authoritative.
type PassError struct {
	Stage State
	Err   error
	Stack string
}

func (e *PassError) Error() string {
	return fmt.Sprintf("reconcile pass failed while %s: %v", e.Stage, e.Err)
}

func (e *PassError) Unwrap() error { return e.Err }

// ChangeStats are cumulative registry changes since start or the last reset.
type ChangeStats struct {
	Added   int64 `json:"added"`
	Updated int64 `json:"updated"`
	Removed int64 `json:"removed"`
}

// PassResult summarizes one pass.
type PassResult struct {
	PassID    string        `json:"pass_id"`
	Added     int           `json:"added"`
	Updated   int           `json:"updated"`
	Removed   int           `json:"removed"`
	Skipped   int           `json:"skipped"`
	Total     int           `json:"total"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// OK reports whether the pass published a snapshot.
func (r PassResult) OK() bool { return r.Err == nil }
