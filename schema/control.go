// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package schema

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoadOptions controls optional post-load behavior not expressed in the
// control file itself.
type LoadOptions struct {
	// TieByGroup ties every adjustable parameter to its group's lead
	// parameter (the first adjustable parameter of that group in file order)
	// by the initial-value ratio, reducing the adjustable count.
	TieByGroup bool
}

// Load reads and validates a control file from path.
func Load(path string, opts LoadOptions) (*ControlFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("schema: opening control file: %w", err)
	}
	defer f.Close()
	return LoadFrom(f, opts)
}

// LoadFrom reads and validates a control file from r, the same parsing
// path Load uses.
func LoadFrom(r io.Reader, opts LoadOptions) (*ControlFile, error) {
	sections, err := splitSections(r)
	if err != nil {
		return nil, err
	}

	nc, npar, nobs, ntpl, nins, err := parseControlData(sections["control data"])
	if err != nil {
		return nil, err
	}

	cf := &ControlFile{Numerical: nc, ParameterIndex: make(map[string]int)}

	if err := parseParameterData(sections["parameter data"], npar, cf); err != nil {
		return nil, err
	}
	if err := parseObservationData(sections["observation data"], nobs, cf); err != nil {
		return nil, err
	}
	parseCommandLines(sections["model command line"], cf)
	if err := parseModelIO(sections["model input/output"], ntpl, nins, cf); err != nil {
		return nil, err
	}
	parsePriorInformation(sections["prior information"], cf)

	if opts.TieByGroup {
		applyTieByGroup(cf)
	}

	if err := validate(cf); err != nil {
		return nil, err
	}

	return cf, nil
}

// splitSections groups the control file's lines by their "* section name"
// header, lower-cased and trimmed, skipping the leading "pcf" marker line
// and blank/comment lines.
func splitSections(r io.Reader) (map[string][]string, error) {
	sections := make(map[string][]string)
	current := ""
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if first {
			first = false
			if strings.EqualFold(trimmed, "pcf") {
				continue
			}
		}
		if strings.HasPrefix(trimmed, "*") {
			current = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "*")))
			sections[current] = nil
			continue
		}
		if current == "" {
			continue
		}
		sections[current] = append(sections[current], line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("schema: scanning control file: %w", err)
	}
	return sections, nil
}

func parseControlData(lines []string) (nc NumericalControls, npar, nobs, ntpl, nins int, err error) {
	if len(lines) < 7 {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: control data section has %d lines, need at least 7", len(lines))
	}

	// Line 0: "RSTRT ESTIMATION" marker, ignored.
	// Line 1: NPAR NOBS NPARGP NPRIOR NOBSGP
	t := strings.Fields(lines[1])
	if len(t) < 2 {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: control data line 2 malformed: %q", lines[1])
	}
	npar, err = strconv.Atoi(t[0])
	if err != nil {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: NPAR: %w", err)
	}
	nobs, err = strconv.Atoi(t[1])
	if err != nil {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: NOBS: %w", err)
	}

	// Line 2: NTPLFLE NINSFLE ...
	t = strings.Fields(lines[2])
	if len(t) < 2 {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: control data line 3 malformed: %q", lines[2])
	}
	ntpl, err = strconv.Atoi(t[0])
	if err != nil {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: NTPLFLE: %w", err)
	}
	nins, err = strconv.Atoi(t[1])
	if err != nil {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: NINSFLE: %w", err)
	}

	// Line 4: RELPARMAX FACPARMAX FACORIG ...
	t = strings.Fields(lines[4])
	if len(t) < 2 {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: control data line 5 malformed: %q", lines[4])
	}
	nc.RelParMax, err = strconv.ParseFloat(t[0], 64)
	if err != nil {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: RELPARMAX: %w", err)
	}
	nc.FacParMax, err = strconv.ParseFloat(t[1], 64)
	if err != nil {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: FACPARMAX: %w", err)
	}

	// Line 6: NOPTMAX ...
	t = strings.Fields(lines[6])
	if len(t) < 1 {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: control data line 7 malformed: %q", lines[6])
	}
	nc.NOPTMAX, err = strconv.Atoi(t[0])
	if err != nil {
		return nc, 0, 0, 0, 0, fmt.Errorf("schema: NOPTMAX: %w", err)
	}

	nc.MaxRunFail = 3
	if nc.NOPTMAX == 0 {
		// Single-evaluation mode gets no retries.
		nc.MaxRunFail = 1
	}

	return nc, npar, nobs, ntpl, nins, nil
}

func parseParameterData(lines []string, npar int, cf *ControlFile) error {
	if len(lines) < npar {
		return fmt.Errorf("schema: parameter data has %d rows, expected %d", len(lines), npar)
	}

	cf.Parameters = make([]Parameter, 0, npar)
	for i := 0; i < npar; i++ {
		t := strings.Fields(lines[i])
		if len(t) < 9 {
			return fmt.Errorf("schema: parameter data row %d malformed: %q", i+1, lines[i])
		}
		p := Parameter{
			Name:      t[0],
			Transform: strings.ToLower(t[1]),
			Group:     t[6],
		}
		if transformKinds.ByName(p.Transform) == nil {
			return fmt.Errorf("schema: parameter %s: unknown transform %q, must be one of %v", p.Name, t[1], transformKinds.Names())
		}
		switch strings.ToUpper(t[2]) {
		case "FACTOR":
			p.ChangeLimit = ChangeLimitFactor
		case "RELATIVE":
			p.ChangeLimit = ChangeLimitRelative
		default:
			return fmt.Errorf("schema: parameter %s: unknown change-limit %q", p.Name, t[2])
		}
		var err error
		if p.Initial, err = strconv.ParseFloat(t[3], 64); err != nil {
			return fmt.Errorf("schema: parameter %s PARVAL1: %w", p.Name, err)
		}
		if p.LowerBound, err = strconv.ParseFloat(t[4], 64); err != nil {
			return fmt.Errorf("schema: parameter %s PARLBND: %w", p.Name, err)
		}
		if p.UpperBound, err = strconv.ParseFloat(t[5], 64); err != nil {
			return fmt.Errorf("schema: parameter %s PARUBND: %w", p.Name, err)
		}
		if p.Scale, err = strconv.ParseFloat(t[7], 64); err != nil {
			return fmt.Errorf("schema: parameter %s SCALE: %w", p.Name, err)
		}
		if p.Offset, err = strconv.ParseFloat(t[8], 64); err != nil {
			return fmt.Errorf("schema: parameter %s OFFSET: %w", p.Name, err)
		}
		if len(t) >= 10 {
			if p.Dercom, err = strconv.Atoi(t[9]); err != nil {
				return fmt.Errorf("schema: parameter %s DERCOM: %w", p.Name, err)
			}
		}
		cf.ParameterIndex[p.Name] = len(cf.Parameters)
		cf.Parameters = append(cf.Parameters, p)
	}

	// Tied parameters each have a trailing "PARNME PARTIED" line.
	tieLines := lines[npar:]
	ti := 0
	for i := range cf.Parameters {
		if cf.Parameters[i].Transform != "tied" {
			continue
		}
		if ti >= len(tieLines) {
			return fmt.Errorf("schema: parameter %s declared tied but no tie line present", cf.Parameters[i].Name)
		}
		t := strings.Fields(tieLines[ti])
		ti++
		if len(t) < 2 || !strings.EqualFold(t[0], cf.Parameters[i].Name) {
			return fmt.Errorf("schema: malformed tie line for parameter %s: %q", cf.Parameters[i].Name, tieLines[ti-1])
		}
		leadIdx, ok := cf.ParameterIndex[t[1]]
		if !ok {
			return fmt.Errorf("schema: parameter %s tied to unknown parameter %s", cf.Parameters[i].Name, t[1])
		}
		cf.Parameters[i].TiedTo = t[1]
		lead := cf.Parameters[leadIdx]
		if lead.Initial == 0 {
			return fmt.Errorf("schema: parameter %s tied to %s which has a zero initial value", cf.Parameters[i].Name, t[1])
		}
		cf.Parameters[i].TiedRatio = cf.Parameters[i].Initial / lead.Initial
	}

	return nil
}

func parseObservationData(lines []string, nobs int, cf *ControlFile) error {
	if len(lines) < nobs {
		return fmt.Errorf("schema: observation data has %d rows, expected %d", len(lines), nobs)
	}
	cf.Observations = make([]Observation, 0, nobs)
	for i := 0; i < nobs; i++ {
		t := strings.Fields(lines[i])
		if len(t) < 4 {
			return fmt.Errorf("schema: observation data row %d malformed: %q", i+1, lines[i])
		}
		o := Observation{Name: t[0], Group: t[3]}
		var err error
		if o.Value, err = strconv.ParseFloat(t[1], 64); err != nil {
			return fmt.Errorf("schema: observation %s OBSVAL: %w", o.Name, err)
		}
		if o.Weight, err = strconv.ParseFloat(t[2], 64); err != nil {
			return fmt.Errorf("schema: observation %s WEIGHT: %w", o.Name, err)
		}
		cf.Observations = append(cf.Observations, o)
	}
	return nil
}

func parseCommandLines(lines []string, cf *ControlFile) {
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			cf.CommandLines = append(cf.CommandLines, l)
		}
	}
}

func parseModelIO(lines []string, ntpl, nins int, cf *ControlFile) error {
	if len(lines) < ntpl+nins {
		return fmt.Errorf("schema: model input/output has %d rows, expected %d", len(lines), ntpl+nins)
	}
	for i := 0; i < ntpl; i++ {
		t := strings.Fields(lines[i])
		if len(t) < 2 {
			return fmt.Errorf("schema: model input/output row %d malformed: %q", i+1, lines[i])
		}
		cf.TemplateInputs = append(cf.TemplateInputs, ModelFilePair{A: t[0], B: t[1]})
	}
	for i := ntpl; i < ntpl+nins; i++ {
		t := strings.Fields(lines[i])
		if len(t) < 2 {
			return fmt.Errorf("schema: model input/output row %d malformed: %q", i+1, lines[i])
		}
		cf.InstructionOutputs = append(cf.InstructionOutputs, ModelFilePair{A: t[0], B: t[1]})
	}
	return nil
}

// parsePriorInformation loads "* prior information" rows unconditionally.
func parsePriorInformation(lines []string, cf *ControlFile) {
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		eq := strings.LastIndex(l, "=")
		if eq < 0 {
			continue
		}
		lhs := strings.Fields(l[:eq])
		rhs := strings.Fields(l[eq+1:])
		if len(lhs) == 0 || len(rhs) < 2 {
			continue
		}
		rec := PriorInfoRecord{Name: lhs[0], Expression: strings.Join(lhs[1:], " ")}
		// rhs is "PIVAL WEIGHT OBGNME"; Expression holds only the left-hand
		// side, and PIVAL is not stored.
		if len(rhs) >= 2 {
			if w, err := strconv.ParseFloat(rhs[1], 64); err == nil {
				rec.Weight = w
			}
		}
		rec.Group = rhs[len(rhs)-1]
		cf.PriorInfo = append(cf.PriorInfo, rec)
	}
}

// applyTieByGroup ties every still-adjustable parameter to the first
// adjustable parameter of its group (the group's "lead"), by initial-value
// ratio, when enabled via LoadOptions.
func applyTieByGroup(cf *ControlFile) {
	leadByGroup := make(map[string]int)
	for i, p := range cf.Parameters {
		if kind := transformKinds.ByName(p.Transform); kind != nil && !kind.Adjustable() {
			continue
		}
		if _, ok := leadByGroup[p.Group]; !ok {
			leadByGroup[p.Group] = i
			continue
		}
		leadIdx := leadByGroup[p.Group]
		lead := cf.Parameters[leadIdx]
		if lead.Initial == 0 {
			continue // cannot form a ratio against a zero lead value
		}
		cf.Parameters[i].Transform = "tied"
		cf.Parameters[i].TiedTo = lead.Name
		cf.Parameters[i].TiedRatio = p.Initial / lead.Initial
	}
}

func validate(cf *ControlFile) error {
	if cf.AdjustableCount() == 0 {
		return fmt.Errorf("schema: at least one adjustable parameter is required")
	}
	if cf.Numerical.FacParMax <= 1.0 {
		return fmt.Errorf("schema: facparmax must be greater than 1.0")
	}

	noptmaxZero := cf.Numerical.NOPTMAX == 0

	for i := range cf.Parameters {
		p := &cf.Parameters[i]
		straddles := p.LowerBound < 0 && p.UpperBound > 0

		if p.Initial < p.LowerBound || p.Initial > p.UpperBound {
			msg := fmt.Sprintf("parameter %s initial value %v is outside bounds [%v, %v]", p.Name, p.Initial, p.LowerBound, p.UpperBound)
			if noptmaxZero {
				cf.Warnings = append(cf.Warnings, msg+"; noptmax=0, continuing")
			} else {
				return fmt.Errorf("schema: %s", msg)
			}
		}

		if straddles {
			switch p.ChangeLimit {
			case ChangeLimitRelative:
				if cf.Numerical.RelParMax <= 1.0 {
					return fmt.Errorf("schema: parameter %s bounds cross zero, requires relparmax > 1.0", p.Name)
				}
			case ChangeLimitFactor:
				return fmt.Errorf("schema: parameter %s bounds cross zero, incompatible with FACTOR change-limit", p.Name)
			}
		}
	}

	return nil
}
