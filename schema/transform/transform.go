// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package transform defines the four parameter transform kinds the control
// file can declare per parameter: NONE, LOG, FIXED, TIED. Each kind is a
// small plugin package registered by name in a Registry.
package transform

import "sort"

// Transform converts a parameter value between control ("estimation") space
// and model-input space, and reports whether the parameter counts toward
// the adjustable-parameter total used by schema validation.
type Transform interface {
	// Name uniquely identifies the transform kind, e.g. "log".
	Name() string

	// Description provides a short one-line description.
	Description() string

	// Adjustable reports whether a parameter with this transform is
	// estimated by the driver (true for NONE/LOG, false for FIXED/TIED).
	Adjustable() bool

	// ToModel converts a value from control space to model-input space.
	ToModel(ctlValue float64) float64

	// ToCtl converts a value from model-input space to control space.
	ToCtl(modelValue float64) float64
}

// Registry looks up Transform implementations by name.
type Registry struct {
	transforms map[string]Transform
}

// NewRegistry returns a Registry with no transforms registered.
func NewRegistry() *Registry {
	return &Registry{transforms: make(map[string]Transform)}
}

// Register adds t under t.Name(), overwriting any existing entry with the
// same name.
func (r *Registry) Register(t Transform) {
	r.transforms[t.Name()] = t
}

// ByName looks up a registered Transform, or nil if none matches.
func (r *Registry) ByName(name string) Transform {
	return r.transforms[name]
}

// Names returns every registered transform name, ascending.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.transforms))
	for n := range r.transforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
