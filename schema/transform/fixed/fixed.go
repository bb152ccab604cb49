// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package fixed implements the FIXED parameter transform: held at its
// initial value and excluded from the adjustable count.
package fixed

// Transform passes a parameter's value through unchanged; the parameter is
// never estimated, so the schema loader holds it at its initial value.
type Transform struct{}

func (Transform) Name() string              { return "fixed" }
func (Transform) Description() string       { return "parameter is held fixed at its initial value" }
func (Transform) Adjustable() bool          { return false }
func (Transform) ToModel(v float64) float64 { return v }
func (Transform) ToCtl(v float64) float64   { return v }
