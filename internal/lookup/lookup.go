// Package lookup holds the static market, tension-level and operator
// identifier tables.
package lookup

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Entry is one name → id pair.
type Entry struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// Tables is an immutable set of lookup tables. Build it once with New and
// share it; no method mutates it.
type Tables struct {
	markets   map[string]int
	tensions  map[string]int
	operators map[string]int
}

var defaultMarkets = map[string]int{
	"ANTIOQUIA":       1,
	"BAJO PUTUMAYO":   3,
	"BOGOTA":          4,
	"BOYACA":          5,
	"CALDAS":          6,
	"CALI":            7,
	"CAQUETA":         8,
	"CARIBE MAR":      9,
	"CARIBE SOL":      10,
	"CARTAGO":         11,
	"CASANARE":        12,
	"CAUCA":           13,
	"CUNDINAMARCA":    16,
	"HUILA":           17,
	"META":            19,
	"NARIÑO":          20,
	"NORTE SANTANDER": 21,
	"PEREIRA":         23,
	"PUTUMAYO":        24,
	"QUINDIO":         25,
	"SANTANDER":       28,
	"TOLIMA":          29,
	"TULUA":           30,
	"VALLE":           31,
	"YUMBO":           32,
}

var defaultTensions = map[string]int{
	"1 OR":   1,
	"1 Comp": 2,
	"1 US":   3,
	"2":      4,
	"3":      5,
}

var defaultOperators = map[string]int{
	"VATIA":     1,
	"ENELX":     2,
	"QI":        3,
	"ENERTOTAL": 4,
	"NEU":       5,
}

// New returns the built-in tables.
func New() *Tables {
	return &Tables{
		markets:   index(defaultMarkets),
		tensions:  index(defaultTensions),
		operators: index(defaultOperators),
	}
}

func index(src map[string]int) map[string]int {
	out := make(map[string]int, len(src))
	for k, v := range src {
		out[key(k)] = v
	}
	return out
}

// key folds case, repeated whitespace and Unicode composition.
func key(name string) string {
	return strings.ToUpper(norm.NFC.String(strings.Join(strings.Fields(name), " ")))
}

// MarketID returns the id of a market name. Matching ignores case and
// repeated whitespace.
func (t *Tables) MarketID(name string) (int, bool) {
	id, ok := t.markets[key(name)]
	return id, ok
}

// TensionID returns the id of a tension level such as "1 OR".
func (t *Tables) TensionID(level string) (int, bool) {
	id, ok := t.tensions[key(level)]
	return id, ok
}

// OperatorID returns the id of a retailer name.
func (t *Tables) OperatorID(name string) (int, bool) {
	id, ok := t.operators[key(name)]
	return id, ok
}

// Markets lists the market table ordered by id.
func (t *Tables) Markets() []Entry { return entries(defaultMarkets) }

// Tensions lists the tension-level table ordered by id.
func (t *Tables) Tensions() []Entry { return entries(defaultTensions) }

// Operators lists the operator table ordered by id.
func (t *Tables) Operators() []Entry { return entries(defaultOperators) }

func entries(src map[string]int) []Entry {
	out := make([]Entry, 0, len(src))
	for name, id := range src {
		out = append(out, Entry{Name: name, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
