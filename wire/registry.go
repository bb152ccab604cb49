// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import "sort"

// kind describes a registered frame type: its wire name and whether frames
// of this type are expected to carry a non-empty payload.
type kind struct {
	name       string
	hasPayload bool
}

// Registry looks up the closed set of valid frame types and their wire
// names.
type Registry struct {
	kinds map[FrameType]kind
}

// NewRegistry returns a Registry seeded with every frame type the protocol
// defines.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[FrameType]kind)}
	r.register(ReqRunDir, "REQ_RUNDIR", false)
	r.register(RunDir, "RUNDIR", false) // run directory travels in desc
	r.register(ParNames, "PAR_NAMES", true)
	r.register(ObsNames, "OBS_NAMES", true)
	r.register(ReqLinpack, "REQ_LINPACK", false)
	r.register(Linpack, "LINPACK", true)
	r.register(StartRun, "START_RUN", true)
	r.register(RunFinished, "RUN_FINISHED", true)
	r.register(RunFailed, "RUN_FAILED", false)
	r.register(RunKilled, "RUN_KILLED", false)
	r.register(ReqKill, "REQ_KILL", false)
	r.register(Terminate, "TERMINATE", false)
	r.register(Ping, "PING", false)
	r.register(Ready, "READY", false)
	r.register(CorruptMesg, "CORRUPT_MESG", false)
	return r
}

func (r *Registry) register(t FrameType, name string, hasPayload bool) {
	r.kinds[t] = kind{name: name, hasPayload: hasPayload}
}

// Valid reports whether t belongs to the closed set of frame types.
func (r *Registry) Valid(t FrameType) bool {
	_, ok := r.kinds[t]
	return ok
}

// Name returns the registered wire name for t, or FrameType.String() if t is
// not a registered type.
func (r *Registry) Name(t FrameType) string {
	if k, ok := r.kinds[t]; ok {
		return k.name
	}
	return t.String()
}

// ExpectsPayload reports whether frames of type t are defined to carry a
// payload.
func (r *Registry) ExpectsPayload(t FrameType) bool {
	return r.kinds[t].hasPayload
}

// Names returns every registered frame-type name, ascending.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for _, k := range r.kinds {
		names = append(names, k.name)
	}
	sort.Strings(names)
	return names
}
