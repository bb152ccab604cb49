// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package schema loads the control file into the ordered parameter and
// observation lists, bounds, transforms, file lists, and numerical control
// settings the rest of the run manager consumes. Only the outputs of this
// package, ControlFile, are used by the core; the on-disk grammar itself
// is an external contract kept intentionally lightweight.
package schema

// ChangeLimit is a parameter's change-limit kind.
type ChangeLimit int

const (
	ChangeLimitUndefined ChangeLimit = iota
	ChangeLimitFactor
	ChangeLimitRelative
)

func (c ChangeLimit) String() string {
	switch c {
	case ChangeLimitFactor:
		return "FACTOR"
	case ChangeLimitRelative:
		return "RELATIVE"
	default:
		return "UNDEFINED"
	}
}

// Parameter is one "* parameter data" row plus the tie ratio, if any,
// captured at load time.
type Parameter struct {
	Name        string
	Transform   string // "none" | "log" | "fixed" | "tied", see schema/transform
	ChangeLimit ChangeLimit
	Initial     float64
	LowerBound  float64
	UpperBound  float64
	Group       string
	Scale       float64
	Offset      float64
	Dercom      int

	// TiedTo and TiedRatio are set only when Transform == "tied": this
	// parameter's model-space value is TiedRatio * the lead parameter's
	// model-space value, the ratio frozen once at load time (see
	// schema/transform/tied).
	TiedTo    string
	TiedRatio float64
}

// Observation is one "* observation data" row.
type Observation struct {
	Name   string
	Value  float64
	Weight float64
	Group  string
}

// PriorInfoRecord is one "* prior information" row: schema metadata the
// wire protocol never transports but the driver may want.
type PriorInfoRecord struct {
	Name       string
	Group      string
	Weight     float64
	Expression string
}

// ModelFilePair is one template/input or instruction/output association.
type ModelFilePair struct {
	A string // template file or instruction file
	B string // input file or output file
}

// NumericalControls carries the subset of "* control data" numeric settings
// the run manager's validations and worker-poll/relaxation behavior need.
type NumericalControls struct {
	NOPTMAX    int
	RelParMax  float64
	FacParMax  float64
	MaxRunFail int
}

// ControlFile is the fully loaded, validated output of Load.
type ControlFile struct {
	Parameters         []Parameter
	ParameterIndex     map[string]int
	Observations       []Observation
	PriorInfo          []PriorInfoRecord
	TemplateInputs     []ModelFilePair
	InstructionOutputs []ModelFilePair
	CommandLines       []string
	Numerical          NumericalControls

	// Warnings collects noptmax=0 bound relaxation messages instead of
	// silently discarding them.
	Warnings []string
}

// ParNames returns the ordered list of all parameter names, adjustable or
// not; the order is frozen at schema negotiation.
func (c *ControlFile) ParNames() []string {
	names := make([]string, len(c.Parameters))
	for i, p := range c.Parameters {
		names[i] = p.Name
	}
	return names
}

// ObsNames returns the ordered list of all observation names.
func (c *ControlFile) ObsNames() []string {
	names := make([]string, len(c.Observations))
	for i, o := range c.Observations {
		names[i] = o.Name
	}
	return names
}

// AdjustableCount returns the number of parameters whose transform kind
// (schema/transform) reports itself as estimated by the driver, i.e.
// neither FIXED nor TIED.
func (c *ControlFile) AdjustableCount() int {
	n := 0
	for _, p := range c.Parameters {
		if kind := transformKinds.ByName(p.Transform); kind == nil || kind.Adjustable() {
			n++
		}
	}
	return n
}
