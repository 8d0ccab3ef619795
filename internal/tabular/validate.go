// Package tabular checks that model output honours the tariff CSV contract.
package tabular

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/tarifas-co/tarifas-cli/internal/model"
)

// ErrSchemaMismatch matches every validation failure.
var ErrSchemaMismatch = eris.New("tabular: schema mismatch")

// Mismatch reasons.
const (
	ReasonEmpty       = "empty"
	ReasonHeader      = "header"
	ReasonColumnCount = "column_count"
)

// MismatchError describes the first contract violation found in a CSV text.
// Line is 1-based; Expected and Actual hold the header text for header
// mismatches and column counts for row mismatches.
type MismatchError struct {
	Line     int
	Reason   string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	switch e.Reason {
	case ReasonEmpty:
		return "tabular: response is empty"
	case ReasonHeader:
		return fmt.Sprintf("tabular: header mismatch on line %d: expected %q, got %q", e.Line, e.Expected, e.Actual)
	default:
		return fmt.Sprintf("tabular: line %d has %s columns, expected %s", e.Line, e.Actual, e.Expected)
	}
}

// Is lets errors.Is match ErrSchemaMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// Validate checks, in order, that text is non-empty, that its first line is
// the canonical header and that every other non-blank line has exactly
// model.ColumnCount comma-separated fields.
func Validate(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &MismatchError{Reason: ReasonEmpty}
	}

	lines := strings.Split(trimmed, "\n")
	if header := strings.TrimSpace(lines[0]); header != model.CanonicalHeader {
		return &MismatchError{
			Line:     1,
			Reason:   ReasonHeader,
			Expected: model.CanonicalHeader,
			Actual:   header,
		}
	}

	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if n := len(strings.Split(line, ",")); n != model.ColumnCount {
			return &MismatchError{
				Line:     i + 2,
				Reason:   ReasonColumnCount,
				Expected: fmt.Sprint(model.ColumnCount),
				Actual:   fmt.Sprint(n),
			}
		}
	}
	return nil
}

// Parse validates text and splits it into header and data records. Blank
// lines are dropped and fields are trimmed.
func Parse(text string) ([]string, [][]string, error) {
	if err := Validate(text); err != nil {
		return nil, nil, err
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	header := splitTrim(lines[0])
	records := make([][]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		records = append(records, splitTrim(line))
	}
	return header, records, nil
}

// Normalize returns the validated text with blank lines and surrounding
// whitespace removed, terminated by a newline.
func Normalize(text string) (string, error) {
	header, records, err := Parse(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(strings.Join(header, ","))
	b.WriteByte('\n')
	for _, r := range records {
		b.WriteString(strings.Join(r, ","))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func splitTrim(line string) []string {
	fields := strings.Split(strings.TrimSpace(line), ",")
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}
