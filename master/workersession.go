// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package master

import (
	"time"

	"github.com/anvil-labs/panther/transport"
)

// WorkerState is a connected worker's availability from the master's point
// of view.
type WorkerState int

const (
	// WorkerConnected is a worker that completed the schema handshake but
	// has not yet sent its first READY; it is not eligible for dispatch.
	WorkerConnected WorkerState = iota
	WorkerIdle
	WorkerBusy
	WorkerLost
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "READY"
	case WorkerBusy:
		return "BUSY"
	case WorkerLost:
		return "LOST"
	default:
		return "CONNECTED"
	}
}

// workerHandle is the manager loop's private bookkeeping for one connected
// worker. It is owned exclusively by the manager's single event-loop
// goroutine; sess.Send is only ever called from there, while a dedicated
// reader goroutine per connection owns sess.Receive, so neither needs a
// mutex (adapted from the Tracker's role-keyed set, but here the loop
// itself is the lock, mirroring the coordinator's own single select loop).
type workerHandle struct {
	id    string
	sess  *transport.Session
	state WorkerState

	runDir  string
	linpack float64 // benchmark value, informational only

	currentRun int32

	lastActivity    time.Time
	awaitingPingAck bool
	pingSentAt      time.Time
}
