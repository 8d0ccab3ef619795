// Package fetcher reads tariff input files (CSV and XLSX) into the plain text
// the completion step consumes.
package fetcher

import (
	"bytes"
	"encoding/csv"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// ORColumn is the market column some retailer exports carry.
const ORColumn = "or_abbreviation"

var utf8BOM = []byte("\xef\xbb\xbf")

// ReadCSVText reads a CSV file as UTF-8 text. Files that are not valid UTF-8
// are decoded as Windows-1252, the usual encoding of spreadsheet exports.
func ReadCSVText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "csv: read %s", path)
	}
	return DecodeText(data, "")
}

// DecodeText converts data to UTF-8. An explicit charset label (for example
// "latin1") wins; otherwise valid UTF-8 passes through and anything else is
// read as Windows-1252. A leading BOM is dropped.
func DecodeText(data []byte, charset string) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	if charset != "" {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return "", eris.Wrapf(err, "csv: unsupported charset %q", charset)
		}
		out, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			return "", eris.Wrapf(err, "csv: decode %s", charset)
		}
		return string(bytes.TrimPrefix(out, utf8BOM)), nil
	}

	if utf8.Valid(data) {
		return string(data), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", eris.Wrap(err, "csv: decode windows-1252")
	}
	return string(out), nil
}

// Summary describes a CSV's shape.
type Summary struct {
	Columns []string
	Rows    int
	records [][]string
}

// Summarize parses CSV text and reports its columns and row count.
func Summarize(text string) (*Summary, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "csv: parse")
	}
	if len(records) == 0 {
		return nil, eris.New("csv: empty file")
	}

	cols := make([]string, len(records[0]))
	for i, c := range records[0] {
		cols[i] = strings.TrimSpace(c)
	}
	return &Summary{Columns: cols, Rows: len(records) - 1, records: records[1:]}, nil
}

// Has reports whether the CSV has column col.
func (s *Summary) Has(col string) bool {
	return s.index(col) >= 0
}

// Unique returns the sorted distinct non-empty values of col, or nil when
// the column is absent.
func (s *Summary) Unique(col string) []string {
	idx := s.index(col)
	if idx < 0 {
		return nil
	}
	seen := make(map[string]struct{})
	for _, rec := range s.records {
		if idx >= len(rec) {
			continue
		}
		if v := strings.TrimSpace(rec[idx]); v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s *Summary) index(col string) int {
	for i, c := range s.Columns {
		if c == col {
			return i
		}
	}
	return -1
}
