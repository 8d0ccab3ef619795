package convert

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/tarifas-co/tarifas-cli/internal/model"
)

// SheetName is the worksheet ExportXLSX writes.
const SheetName = "Tarifas"

// ExportXLSX writes rows to a workbook with the canonical header.
func ExportXLSX(rows []model.RateRow, path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "convert: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range model.Columns {
		header.AddCell().SetString(col)
	}

	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetString(r.Retailer)
		row.AddCell().SetString(r.Market)
		row.AddCell().SetString(r.TensionLevel)
		for _, v := range []model.Amount{
			r.Generation, r.Transmission, r.Distribution, r.Commercialization,
			r.OperationTransaction, r.Losses, r.Restrictions, r.UnitCost,
			r.UnitCostWithContribution,
		} {
			row.AddCell().SetFloat(float64(v))
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "convert: save %s", path)
	}
	return nil
}

// XLSXPath returns the workbook path for csvPath.
func XLSXPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".xlsx"
}
