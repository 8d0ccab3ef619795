package model

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Canonical column names of the tariff CSV contract.
const (
	ColRetailer     = "Comercializador"
	ColMarket       = "Mercado"
	ColTensionLevel = "Nivel de Tensión"
	ColG            = "G"
	ColT            = "T"
	ColD            = "D"
	ColC            = "C"
	ColCOT          = "COT"
	ColP            = "P"
	ColR            = "R"
	ColCU           = "CU"
	ColCUCOT        = "CU + COT"
)

// Columns lists the canonical columns in contract order.
var Columns = []string{
	ColRetailer, ColMarket, ColTensionLevel,
	ColG, ColT, ColD, ColC, ColCOT, ColP, ColR, ColCU, ColCUCOT,
}

// NumericColumns lists the columns that must parse as float.
var NumericColumns = []string{
	ColG, ColT, ColD, ColC, ColCOT, ColP, ColR, ColCU, ColCUCOT,
}

// CanonicalHeader is the exact first line every generated CSV must carry.
const CanonicalHeader = "Comercializador,Mercado,Nivel de Tensión,G,T,D,C,COT,P,R,CU,CU + COT"

// ColumnCount is the number of fields per CSV line.
const ColumnCount = 12

// Amount is a tariff component in COP/kWh. It marshals with at least one
// fractional digit so whole values render as 380.0.
type Amount float64

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	f := float64(a)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

// UnmarshalCSV parses a CSV cell strictly: "." is the only decimal
// separator, thousands separators are rejected and empty cells are errors.
func (a *Amount) UnmarshalCSV(s string) error {
	v := strings.TrimSpace(s)
	if v == "" {
		return eris.New("model: empty numeric value")
	}
	if strings.Contains(v, ",") {
		return eris.Errorf("model: numeric value %q contains a comma", v)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return eris.Errorf("model: numeric value %q is not a number", v)
	}
	*a = Amount(f)
	return nil
}

// RateRow is one electricity-tariff line item. Field order matches the
// canonical CSV header; csv and json keys are the canonical column names.
type RateRow struct {
	Retailer                 string `csv:"Comercializador" json:"Comercializador"`
	Market                   string `csv:"Mercado" json:"Mercado"`
	TensionLevel             string `csv:"Nivel de Tensión" json:"Nivel de Tensión"`
	Generation               Amount `csv:"G" json:"G"`
	Transmission             Amount `csv:"T" json:"T"`
	Distribution             Amount `csv:"D" json:"D"`
	Commercialization        Amount `csv:"C" json:"C"`
	OperationTransaction     Amount `csv:"COT" json:"COT"`
	Losses                   Amount `csv:"P" json:"P"`
	Restrictions             Amount `csv:"R" json:"R"`
	UnitCost                 Amount `csv:"CU" json:"CU"`
	UnitCostWithContribution Amount `csv:"CU + COT" json:"CU + COT"`
}

// Document is the JSON artifact written by the converter.
type Document struct {
	Datos []RateRow `json:"datos"`
}

// Values returns the row's fields as CSV cells in canonical column order.
func (r RateRow) Values() []string {
	return []string{
		r.Retailer, r.Market, r.TensionLevel,
		r.Generation.String(), r.Transmission.String(), r.Distribution.String(),
		r.Commercialization.String(), r.OperationTransaction.String(), r.Losses.String(),
		r.Restrictions.String(), r.UnitCost.String(), r.UnitCostWithContribution.String(),
	}
}

// String renders the amount the same way it is marshaled to JSON.
func (a Amount) String() string {
	b, _ := a.MarshalJSON()
	return string(b)
}
