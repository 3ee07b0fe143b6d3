// Package traits reads tables of continuous trait values.
package traits

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bitbucket.org/Davydov/contrait/parameter"
)

// Table is a taxa × traits table of values. Missing values are
// marked in Missing and stored as zeros in Values.
type Table struct {
	Names   []string
	Traits  []string
	Values  [][]float64
	Missing [][]bool
}

// isMissing tells if a field is a missing value.
func isMissing(field string) bool {
	switch strings.ToUpper(field) {
	case "NA", "?", "-", "NAN":
		return true
	}
	return false
}

// ParseTable parses a table. The first non-empty line is the header:
// a label for the taxon column followed by trait names. Every other
// line is a taxon name followed by values. Fields are separated by
// tabs or spaces, NA, ? and - are missing values, lines starting with
// # are ignored.
func ParseTable(rd io.Reader) (*Table, error) {
	t := &Table{}
	scanner := bufio.NewScanner(rd)
	lineNo := 0
	seen := make(map[string]bool)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		if t.Traits == nil {
			if len(fields) < 2 {
				return nil, errors.New("header has no traits")
			}
			t.Traits = fields[1:]
			continue
		}
		if len(fields) != len(t.Traits)+1 {
			return nil, fmt.Errorf("line %d: %d fields, %d expected", lineNo, len(fields), len(t.Traits)+1)
		}
		name := fields[0]
		if seen[name] {
			return nil, fmt.Errorf("line %d: duplicate taxon %s", lineNo, name)
		}
		seen[name] = true
		values := make([]float64, len(t.Traits))
		missing := make([]bool, len(t.Traits))
		for j, field := range fields[1:] {
			if isMissing(field) {
				missing[j] = true
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNo, err)
			}
			values[j] = v
		}
		t.Names = append(t.Names, name)
		t.Values = append(t.Values, values)
		t.Missing = append(t.Missing, missing)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if t.Traits == nil {
		return nil, errors.New("empty trait table")
	}
	return t, nil
}

// Parameter returns the values as a taxa × traits matrix parameter.
func (t *Table) Parameter(name string) *parameter.Parameter {
	values := make([]float64, 0, len(t.Names)*len(t.Traits))
	for _, row := range t.Values {
		values = append(values, row...)
	}
	return parameter.NewMatrix(name, len(t.Names), len(t.Traits), values...)
}

// NMissing returns the number of missing values.
func (t *Table) NMissing() (n int) {
	for _, row := range t.Missing {
		for _, m := range row {
			if m {
				n++
			}
		}
	}
	return
}

// Write prints the table in the format read by ParseTable.
func (t *Table) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "taxon\t%s\n", strings.Join(t.Traits, "\t"))
	for i, name := range t.Names {
		fields := make([]string, len(t.Traits))
		for j := range fields {
			if t.Missing != nil && t.Missing[i][j] {
				fields[j] = "NA"
			} else {
				fields[j] = strconv.FormatFloat(t.Values[i][j], 'g', -1, 64)
			}
		}
		fmt.Fprintf(bw, "%s\t%s\n", name, strings.Join(fields, "\t"))
	}
	return bw.Flush()
}
