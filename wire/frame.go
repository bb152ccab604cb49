// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package wire defines the Panther master/worker wire frame: a fixed header
// followed by a length-prefixed payload, sent over a plain TCP byte stream.
package wire

import "fmt"

// FrameType identifies the purpose of a frame. The set is closed; no other
// values are valid on the wire.
type FrameType uint8

const (
	FrameUndefined FrameType = iota
	ReqRunDir
	RunDir
	ParNames
	ObsNames
	ReqLinpack
	Linpack
	StartRun
	RunFinished
	RunFailed
	RunKilled
	ReqKill
	Terminate
	Ping
	Ready
	CorruptMesg
)

// String makes FrameType satisfy fmt.Stringer, used in logging only.
func (t FrameType) String() string {
	switch t {
	case ReqRunDir:
		return "REQ_RUNDIR"
	case RunDir:
		return "RUNDIR"
	case ParNames:
		return "PAR_NAMES"
	case ObsNames:
		return "OBS_NAMES"
	case ReqLinpack:
		return "REQ_LINPACK"
	case Linpack:
		return "LINPACK"
	case StartRun:
		return "START_RUN"
	case RunFinished:
		return "RUN_FINISHED"
	case RunFailed:
		return "RUN_FAILED"
	case RunKilled:
		return "RUN_KILLED"
	case ReqKill:
		return "REQ_KILL"
	case Terminate:
		return "TERMINATE"
	case Ping:
		return "PING"
	case Ready:
		return "READY"
	case CorruptMesg:
		return "CORRUPT_MESG"
	default:
		return fmt.Sprintf("UNDEFINED(%d)", uint8(t))
	}
}

// DescSize is the fixed width, in bytes, of a frame's zero-padded ASCII
// description field.
const DescSize = 256

// HeaderSize is the wire size of a frame header: type(1) + group_id(4) +
// run_id(4) + desc(256) + payload_len(8).
const HeaderSize = 1 + 4 + 4 + DescSize + 8

// Frame is one Panther wire message: fixed header plus variable payload.
// All integer header fields are little-endian.
type Frame struct {
	Type    FrameType
	GroupID int32
	RunID   int32
	Desc    string // at most DescSize bytes of ASCII; zero-padded on encode, Encode rejects a longer Desc
	Payload []byte
}

// NewFrame builds a Frame with the given fields and an empty Desc.
func NewFrame(t FrameType, groupID, runID int32, payload []byte) Frame {
	return Frame{Type: t, GroupID: groupID, RunID: runID, Payload: payload}
}
