// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package log implements the base-10 logarithmic parameter transform.
package log

import "math"

// Transform estimates a parameter in log10 space while the model receives
// its value in linear space.
type Transform struct{}

func (Transform) Name() string        { return "log" }
func (Transform) Description() string { return "parameter is estimated in log10 space" }
func (Transform) Adjustable() bool    { return true }

// ToModel converts a log10 control-space value to the linear value the
// model receives.
func (Transform) ToModel(ctlValue float64) float64 { return math.Pow(10, ctlValue) }

// ToCtl converts a linear model-space value back to log10 control space.
func (Transform) ToCtl(modelValue float64) float64 { return math.Log10(modelValue) }
