package convert

import (
	"math"

	"github.com/tarifas-co/tarifas-cli/internal/model"
)

// DefaultCOTTolerance is the COP/kWh gap CheckCOT ignores.
const DefaultCOTTolerance = 0.01

// COTMismatch is a row whose COT disagrees with (CU + COT) - CU.
type COTMismatch struct {
	Row     int     // 1-based CSV line, header is line 1
	COT     float64 // as given
	Derived float64 // (CU + COT) - CU
}

// CheckCOT reports rows whose COT differs from (CU + COT) - CU by more than
// tolerance. Rows are not modified.
func CheckCOT(rows []model.RateRow, tolerance float64) []COTMismatch {
	if tolerance <= 0 {
		tolerance = DefaultCOTTolerance
	}
	var out []COTMismatch
	for i, r := range rows {
		derived := float64(r.UnitCostWithContribution) - float64(r.UnitCost)
		cot := float64(r.OperationTransaction)
		if math.Abs(derived-cot) > tolerance {
			out = append(out, COTMismatch{Row: i + 2, COT: cot, Derived: derived})
		}
	}
	return out
}
