// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package modelif

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-labs/panther/vector"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestRenderSubstitutesFields(t *testing.T) {
	dir := t.TempDir()
	tplPath := filepath.Join(dir, "model.tpl")
	inPath := filepath.Join(dir, "model.in")
	writeFile(t, tplPath, "hk1 = #hk1      #\nrch = #rch#\n")

	m := &Interface{Templates: []TemplateInputPair{{TemplateFile: tplPath, InputFile: inPath}}}
	pars := vector.Vector{Names: []string{"hk1", "rch"}, Values: []float64{12.5, 0.003}}

	require.NoError(t, m.render(pars))

	got, err := os.ReadFile(inPath)
	require.NoError(t, err)
	assert.Contains(t, string(got), "hk1 =        12.5")
	assert.Contains(t, string(got), "rch = 0.003")
}

func TestRenderMissingParameterFails(t *testing.T) {
	dir := t.TempDir()
	tplPath := filepath.Join(dir, "model.tpl")
	writeFile(t, tplPath, "#missing#\n")

	m := &Interface{Templates: []TemplateInputPair{{TemplateFile: tplPath, InputFile: filepath.Join(dir, "model.in")}}}
	err := m.render(vector.Vector{})
	assert.ErrorIs(t, err, ErrRender)
}

func TestRenderFieldTooNarrowFails(t *testing.T) {
	dir := t.TempDir()
	tplPath := filepath.Join(dir, "model.tpl")
	writeFile(t, tplPath, "#p#\n")

	m := &Interface{Templates: []TemplateInputPair{{TemplateFile: tplPath, InputFile: filepath.Join(dir, "model.in")}}}
	err := m.render(vector.Vector{Names: []string{"p"}, Values: []float64{123456789.123456}})
	assert.ErrorIs(t, err, ErrRender)
}

func TestParseReadsObservations(t *testing.T) {
	dir := t.TempDir()
	insPath := filepath.Join(dir, "model.ins")
	outPath := filepath.Join(dir, "model.out")
	writeFile(t, insPath, "l2 !hk1! l1 !rch!\n")
	writeFile(t, outPath, "header line\nhk1 12.5\nrch 0.003\n")

	m := &Interface{Instructions: []InstructionOutputPair{{InstructionFile: insPath, OutputFile: outPath}}}
	out, err := m.parse([]string{"rch", "hk1"})
	require.NoError(t, err)

	v, ok := out.Get("hk1")
	require.True(t, ok)
	assert.Equal(t, 12.5, v)
	v, ok = out.Get("rch")
	require.True(t, ok)
	assert.Equal(t, 0.003, v)
}

func TestParseMissingObservationFails(t *testing.T) {
	dir := t.TempDir()
	insPath := filepath.Join(dir, "model.ins")
	outPath := filepath.Join(dir, "model.out")
	writeFile(t, insPath, "l1 !hk1!\n")
	writeFile(t, outPath, "hk1 12.5\n")

	m := &Interface{Instructions: []InstructionOutputPair{{InstructionFile: insPath, OutputFile: outPath}}}
	_, err := m.parse([]string{"hk1", "rch"})
	assert.ErrorIs(t, err, ErrParse)
}

func TestExecuteRunsCommand(t *testing.T) {
	dir := t.TempDir()
	m := &Interface{CommandLines: []string{"true"}, WorkDir: dir}
	var cancel CancelFlag
	require.NoError(t, m.execute(&cancel))
}

func TestExecuteNonzeroExitFails(t *testing.T) {
	dir := t.TempDir()
	m := &Interface{CommandLines: []string{"false"}, WorkDir: dir}
	var cancel CancelFlag
	err := m.execute(&cancel)
	assert.ErrorIs(t, err, ErrExecute)
}

func TestExecuteCancelKillsChild(t *testing.T) {
	dir := t.TempDir()
	m := &Interface{CommandLines: []string{"sleep 10"}, WorkDir: dir}
	var cancel CancelFlag

	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel.Set()
	}()

	start := time.Now()
	err := m.execute(&cancel)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCheckIOAccess(t *testing.T) {
	dir := t.TempDir()
	tplPath := filepath.Join(dir, "model.tpl")
	writeFile(t, tplPath, "#p#\n")

	m := &Interface{
		Templates:    []TemplateInputPair{{TemplateFile: tplPath}},
		CommandLines: []string{"true"},
	}
	require.NoError(t, m.CheckIOAccess())

	m.Templates[0].TemplateFile = filepath.Join(dir, "missing.tpl")
	assert.Error(t, m.CheckIOAccess())
}
