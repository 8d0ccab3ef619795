// Package convert turns validated tariff CSV files into the JSON document
// {"datos": [...]}.
package convert

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/tarifas-co/tarifas-cli/internal/lookup"
	"github.com/tarifas-co/tarifas-cli/internal/model"
)

// ErrConversion marks a CSV that could not be converted.
var ErrConversion = eris.New("convert: conversion failed")

const bom = "\ufeff"

// Converter converts tariff CSV files to JSON.
type Converter struct {
	tables *lookup.Tables
	schema *Schema
	// COTTolerance is the allowed gap for CheckCOT. Zero uses DefaultCOTTolerance.
	COTTolerance float64
}

// New creates a Converter. tables may be nil, which disables the unknown
// name warnings.
func New(tables *lookup.Tables) (*Converter, error) {
	schema, err := CompileSchema()
	if err != nil {
		return nil, err
	}
	return &Converter{tables: tables, schema: schema}, nil
}

// JSONPath returns the output path for csvPath.
func JSONPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".json"
}

// Convert reads csvPath and writes <name>.json next to it.
func (c *Converter) Convert(csvPath string) (string, error) {
	rows, err := ReadFile(csvPath)
	if err != nil {
		return "", err
	}

	c.report(rows)

	out, err := c.Marshal(rows)
	if err != nil {
		return "", eris.Wrapf(ErrConversion, "%s: %v", csvPath, err)
	}

	jsonPath := JSONPath(csvPath)
	if err := os.WriteFile(jsonPath, out, 0o644); err != nil {
		return "", eris.Wrapf(ErrConversion, "write %s: %v", jsonPath, err)
	}

	zap.L().Info("convert: json written",
		zap.String("csv", csvPath),
		zap.String("json", jsonPath),
		zap.Int("rows", len(rows)),
	)
	return jsonPath, nil
}

// Marshal encodes rows as the {"datos": [...]} document and checks it
// against the schema.
func (c *Converter) Marshal(rows []model.RateRow) ([]byte, error) {
	if rows == nil {
		rows = []model.RateRow{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(model.Document{Datos: rows}); err != nil {
		return nil, eris.Wrap(err, "convert: encode json")
	}

	if c.schema != nil {
		if err := c.schema.Validate(buf.Bytes()); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ReadFile reads and parses a tariff CSV file.
func ReadFile(csvPath string) ([]model.RateRow, error) {
	data, err := os.ReadFile(csvPath)
	if err != nil {
		return nil, eris.Wrapf(ErrConversion, "read %s: %v", csvPath, err)
	}
	rows, err := ParseRows(data)
	if err != nil {
		return nil, eris.Wrapf(ErrConversion, "%s: %v", csvPath, err)
	}
	return rows, nil
}

// ParseRows decodes CSV bytes into rows. The header must name all twelve
// columns in any order; every numeric cell must be a plain decimal.
func ParseRows(data []byte) ([]model.RateRow, error) {
	data = bytes.TrimPrefix(data, []byte(bom))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "convert: read csv")
	}
	if len(records) == 0 {
		return nil, eris.New("convert: empty csv")
	}

	header := records[0]
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = norm.NFC.String(strings.TrimSpace(h))
		header[i] = h
		index[h] = i
	}
	for _, col := range model.Columns {
		if _, ok := index[col]; !ok {
			return nil, eris.Errorf("convert: required column %q not found", col)
		}
	}

	body := records[1:]
	for i, rec := range body {
		for j := range rec {
			rec[j] = strings.TrimSpace(rec[j])
		}
		if len(rec) < len(header) {
			return nil, eris.Errorf("convert: row %d has %d fields, header has %d", i+2, len(rec), len(header))
		}
		for _, col := range model.NumericColumns {
			var a model.Amount
			if err := a.UnmarshalCSV(rec[index[col]]); err != nil {
				return nil, eris.Wrapf(err, "convert: row %d column %q", i+2, col)
			}
		}
	}

	var rows []model.RateRow
	if err := gocsv.UnmarshalCSV(&sliceReader{records: records}, &rows); err != nil {
		return nil, eris.Wrap(err, "convert: map rows")
	}
	return rows, nil
}

// sliceReader feeds already split records to gocsv.
type sliceReader struct {
	records [][]string
	pos     int
}

func (s *sliceReader) Read() ([]string, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceReader) ReadAll() ([][]string, error) {
	rest := s.records[s.pos:]
	s.pos = len(s.records)
	return rest, nil
}

// report logs names missing from the lookup tables and COT mismatches.
func (c *Converter) report(rows []model.RateRow) {
	if c.tables != nil {
		for i, r := range rows {
			if _, ok := c.tables.MarketID(r.Market); !ok {
				zap.L().Warn("convert: unknown market", zap.Int("row", i+2), zap.String("market", r.Market))
			}
			if _, ok := c.tables.TensionID(r.TensionLevel); !ok {
				zap.L().Warn("convert: unknown tension level", zap.Int("row", i+2), zap.String("level", r.TensionLevel))
			}
			if _, ok := c.tables.OperatorID(r.Retailer); !ok {
				zap.L().Warn("convert: unknown retailer", zap.Int("row", i+2), zap.String("retailer", r.Retailer))
			}
		}
	}
	for _, m := range CheckCOT(rows, c.COTTolerance) {
		zap.L().Warn("convert: COT does not match CU + COT minus CU",
			zap.Int("row", m.Row),
			zap.Float64("cot", m.COT),
			zap.Float64("derived", m.Derived),
		)
	}
}
