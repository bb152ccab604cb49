// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package tied implements the TIED parameter transform: a parameter whose
// value tracks its group's lead parameter by a fixed ratio captured once
// at control-file load time.
package tied

// Transform never computes its own value from a control-space input: this
// parameter's value is the lead parameter's model-space value times the
// frozen ratio, which the schema loader records as
// schema.Parameter.TiedRatio and does not apply itself. ToModel/ToCtl are
// identity so the transform still composes
// uniformly with NONE/LOG/FIXED wherever a generic Transform is expected.
type Transform struct{}

func (Transform) Name() string              { return "tied" }
func (Transform) Description() string       { return "parameter tracks its group's lead parameter by a fixed ratio" }
func (Transform) Adjustable() bool          { return false }
func (Transform) ToModel(v float64) float64 { return v }
func (Transform) ToCtl(v float64) float64   { return v }
