// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package modelif implements the worker-side model interface lifecycle:
// render parameter values into model input files through templates, spawn
// the external model command(s), parse observations out of model output
// files through instructions, and enforce cancellation of a running model.
//
// The template and instruction file grammars are external contracts; this
// package implements the minimal, literal subset needed to drive the
// lifecycle: "#name#"-delimited fixed-width template markers and
// "l<n>"/"!name!" instruction tokens.
package modelif

import (
	"errors"
	"fmt"
	"os"

	"github.com/anvil-labs/panther/vector"
)

// ErrRender is returned (wrapped) when a template cannot be rendered: a
// referenced parameter is absent, or a numeric value does not fit its
// declared field width.
var ErrRender = errors.New("modelif: render error")

// ErrParse is returned (wrapped) when an instruction cannot be satisfied or
// a required observation is never produced.
var ErrParse = errors.New("modelif: parse error")

// ErrCancelled is returned by execute (and so by Run) when the cancel flag was observed set
// before or during model execution.
var ErrCancelled = errors.New("modelif: cancelled")

// ErrExecute is returned when the model command line exits with a nonzero
// status or otherwise fails to run.
var ErrExecute = errors.New("modelif: execute error")

// TemplateInputPair couples one template file with the model input file it
// renders into.
type TemplateInputPair struct {
	TemplateFile string
	InputFile    string
}

// InstructionOutputPair couples one instruction file with the model output
// file it is read against.
type InstructionOutputPair struct {
	InstructionFile string
	OutputFile      string
}

// Interface is the worker-side composition of render, execute, and parse
// for one model, built from the control file's template/input,
// instruction/output, and command-line lists.
type Interface struct {
	Templates    []TemplateInputPair
	Instructions []InstructionOutputPair
	CommandLines []string
	WorkDir      string
}

// CheckIOAccess verifies every referenced template and instruction file is
// readable and a command line is configured, failing fast before any run
// is attempted.
func (m *Interface) CheckIOAccess() error {
	for _, p := range m.Templates {
		if err := checkReadable(p.TemplateFile); err != nil {
			return fmt.Errorf("modelif: template %s: %w", p.TemplateFile, err)
		}
	}
	for _, p := range m.Instructions {
		if err := checkReadable(p.InstructionFile); err != nil {
			return fmt.Errorf("modelif: instruction %s: %w", p.InstructionFile, err)
		}
	}
	if len(m.CommandLines) == 0 {
		return fmt.Errorf("modelif: no model command line configured")
	}
	return nil
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// Run composes render, execute, and parse in order, the worker's standard
// run pipeline.
func (m *Interface) Run(parameters vector.Vector, obsNames []string, cancel *CancelFlag) (vector.Vector, error) {
	if err := m.render(parameters); err != nil {
		return vector.Vector{}, err
	}
	if err := m.execute(cancel); err != nil {
		return vector.Vector{}, err
	}
	return m.parse(obsNames)
}
