// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package master

import (
	"time"

	"github.com/anvil-labs/panther/vector"
)

// RunState is a run's position in the master's scheduling lifecycle.
type RunState int

const (
	RunQueued RunState = iota
	RunDispatched
	RunCompleted
	RunFailed
	RunKilled
	RunCancelled
)

func (s RunState) String() string {
	switch s {
	case RunDispatched:
		return "DISPATCHED"
	case RunCompleted:
		return "COMPLETED"
	case RunFailed:
		return "FAILED"
	case RunKilled:
		return "KILLED"
	case RunCancelled:
		return "CANCELLED"
	default:
		return "QUEUED"
	}
}

// Run is one in-flight or completed model evaluation the driver submitted.
type Run struct {
	ID         int32
	GroupID    int32
	Parameters vector.Vector

	State    RunState
	Attempts int

	// Workers holds every worker currently assigned this run: ordinarily
	// exactly one, but briefly two during a speculative duplicate dispatch.
	// Whichever reports a terminal frame first wins; the other is sent
	// REQ_KILL and its eventual report is ignored.
	Workers      []string
	DispatchedAt time.Time

	// KillRequestedAt is the time the manager sent REQ_KILL for this run
	// (deadline or cancellation); zero until then. A worker that has not
	// confirmed RUN_KILLED within the ping-grace window after this instant
	// is demoted to LOST.
	KillRequestedAt time.Time

	// CancelRequested is set by Cancel on a DISPATCHED run so that a
	// subsequent failure or worker loss resolves to CANCELLED instead of
	// being retried or silently requeued: cancellation is terminal once
	// requested, not merely advisory.
	CancelRequested bool

	Observations    vector.Vector
	DurationSeconds float64
	Err             error
}

// RunOutcome is the immutable snapshot PollComplete hands back to the
// driver once a run leaves the queue for the last time.
type RunOutcome struct {
	RunID           int32
	State           RunState
	Attempts        int
	Observations    vector.Vector
	DurationSeconds float64
	Err             error
}
