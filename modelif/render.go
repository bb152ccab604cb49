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
	"github.com/rivo/uniseg"
)

// marker delimits a template field: "#parname#" is replaced, in place, by
// parameter parname's value formatted to fill the field's width exactly.
const marker = '#'

// render substitutes parameter values into every configured template,
// writing the result to the paired input file.
func (m *Interface) render(parameters vector.Vector) error {
	for _, p := range m.Templates {
		if err := renderOne(p.TemplateFile, p.InputFile, parameters); err != nil {
			return err
		}
	}
	return nil
}

func renderOne(templateFile, inputFile string, parameters vector.Vector) error {
	in, err := os.Open(templateFile)
	if err != nil {
		return fmt.Errorf("%w: opening template %s: %v", ErrRender, templateFile, err)
	}
	defer in.Close()

	out, err := os.Create(inputFile)
	if err != nil {
		return fmt.Errorf("%w: creating input file %s: %v", ErrRender, inputFile, err)
	}
	defer out.Close()

	scanner := bufio.NewScanner(in)
	w := bufio.NewWriter(out)
	defer w.Flush()

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		rendered, err := renderLine(scanner.Text(), parameters)
		if err != nil {
			return fmt.Errorf("%w: %s line %d: %v", ErrRender, templateFile, lineNo, err)
		}
		if _, err := w.WriteString(rendered + "\n"); err != nil {
			return fmt.Errorf("%w: writing %s: %v", ErrRender, inputFile, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrRender, templateFile, err)
	}
	return nil
}

// renderLine replaces every "#name#" field in line with the formatted value
// of the named parameter, preserving the field's exact width.
func renderLine(line string, parameters vector.Vector) (string, error) {
	var b strings.Builder
	runes := []rune(line)
	i := 0
	for i < len(runes) {
		if runes[i] != marker {
			b.WriteRune(runes[i])
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && runes[j] != marker {
			j++
		}
		if j >= len(runes) {
			return "", fmt.Errorf("unterminated field marker at column %d", i)
		}
		name := strings.TrimSpace(string(runes[i+1 : j]))
		fieldWidth := j - i + 1 // includes both marker characters
		value, ok := parameters.Get(name)
		if !ok {
			return "", fmt.Errorf("parameter %q referenced in template but not in schema", name)
		}
		formatted, err := fitField(value, fieldWidth)
		if err != nil {
			return "", fmt.Errorf("parameter %q: %w", name, err)
		}
		b.WriteString(formatted)
		i = j + 1
	}
	return b.String(), nil
}

// fitField formats v and right-justifies it into exactly width characters,
// measured in grapheme clusters (not bytes) since a template field's
// declared width is a display width, not a byte count.
func fitField(v float64, width int) (string, error) {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if uniseg.GraphemeClusterCount(s) > width {
		// Retry with reduced precision before giving up.
		for prec := 6; prec >= 0; prec-- {
			s = strconv.FormatFloat(v, 'g', prec, 64)
			if uniseg.GraphemeClusterCount(s) <= width {
				break
			}
		}
	}
	if uniseg.GraphemeClusterCount(s) > width {
		return "", fmt.Errorf("value %v does not fit declared field width %d", v, width)
	}
	return strings.Repeat(" ", width-uniseg.GraphemeClusterCount(s)) + s, nil
}
