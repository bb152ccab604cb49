// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package none implements the identity parameter transform.
package none

// Transform is the identity transform: a parameter estimated directly in
// model-input units.
type Transform struct{}

func (Transform) Name() string        { return "none" }
func (Transform) Description() string { return "parameter is estimated directly, no transform" }
func (Transform) Adjustable() bool    { return true }
func (Transform) ToModel(v float64) float64 { return v }
func (Transform) ToCtl(v float64) float64   { return v }
