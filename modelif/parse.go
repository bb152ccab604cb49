// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package modelif

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/anvil-labs/panther/vector"
)

// parse reads every configured (instruction, output) pair and returns the
// observation vector in obsNames order.
func (m *Interface) parse(obsNames []string) (vector.Vector, error) {
	values := make(map[string]float64, len(obsNames))

	for _, p := range m.Instructions {
		if err := parseOne(p.InstructionFile, p.OutputFile, values); err != nil {
			return vector.Vector{}, err
		}
	}

	out := vector.Vector{Names: obsNames, Values: make([]float64, len(obsNames))}
	for i, name := range obsNames {
		v, ok := values[name]
		if !ok {
			return vector.Vector{}, fmt.Errorf("%w: observation %q not produced by any instruction", ErrParse, name)
		}
		out.Values[i] = v
	}
	return out, nil
}

func parseOne(instructionFile, outputFile string, values map[string]float64) error {
	insFile, err := os.Open(instructionFile)
	if err != nil {
		return fmt.Errorf("%w: opening instruction %s: %v", ErrParse, instructionFile, err)
	}
	defer insFile.Close()

	outLines, err := readLines(outputFile)
	if err != nil {
		return fmt.Errorf("%w: reading output %s: %v", ErrParse, outputFile, err)
	}

	cursor := -1 // index into outLines; -1 means "before the first line"
	scanner := bufio.NewScanner(insFile)
	for scanner.Scan() {
		for _, tok := range strings.Fields(scanner.Text()) {
			switch {
			case isLineAdvance(tok):
				n, err := strconv.Atoi(tok[1:])
				if err != nil || n <= 0 {
					return fmt.Errorf("%w: %s: malformed line-advance token %q", ErrParse, instructionFile, tok)
				}
				cursor += n
			case strings.HasPrefix(tok, "!") && strings.HasSuffix(tok, "!") && len(tok) > 2:
				name := tok[1 : len(tok)-1]
				if cursor < 0 || cursor >= len(outLines) {
					return fmt.Errorf("%w: %s: instruction for %q references line %d beyond output file (%d lines)", ErrParse, instructionFile, name, cursor+1, len(outLines))
				}
				v, err := nextFloatToken(outLines[cursor])
				if err != nil {
					return fmt.Errorf("%w: %s: observation %q: %v", ErrParse, instructionFile, name, err)
				}
				values[name] = v
			default:
				// Literal/whitespace/other instruction tokens (fixed-column
				// markers, string anchors) are outside the minimal grammar
				// this package implements; ignored rather than rejected.
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrParse, instructionFile, err)
	}
	return nil
}

// isLineAdvance reports whether tok is an "l<n>" line-advance marker.
func isLineAdvance(tok string) bool {
	if len(tok) < 2 || tok[0] != 'l' {
		return false
	}
	for i := 1; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return false
		}
	}
	return true
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// nextFloatToken returns the first whitespace-delimited float64 token found
// in line.
func nextFloatToken(line string) (float64, error) {
	for _, tok := range strings.Fields(line) {
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("no numeric token found in line %q", line)
}
