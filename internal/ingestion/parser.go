package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported file format", domain.ErrParse)

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	headerAliases = map[domain.Column][]string{
		domain.ColumnMeasure: {"measure", "statistic"},
	}
)

// record is one spreadsheet line with its 1-based line number.
type record struct {
	line   int
	fields []string
}

// parsedRow holds the template columns of one data line.
type parsedRow struct {
	Number int
	Fields map[domain.Column]string
	// Raw lists the untrimmed cell values in template column order.
	Raw []string
}

type parsedTable struct {
	template domain.Template
	rows     []parsedRow
}

// parseUpload reads a CSV or XLSX payload and projects every data line onto
// the template columns. Every error wraps domain.ErrParse.
func parseUpload(fileName string, payload []byte, template domain.Template) (parsedTable, error) {
	if len(bytes.TrimSpace(bytes.TrimPrefix(payload, byteOrderMark))) == 0 {
		return parsedTable{}, fmt.Errorf("%w: file is empty", domain.ErrParse)
	}

	records, err := parseTable(fileName, payload)
	if err != nil {
		return parsedTable{}, err
	}
	return normalizeTable(records, template)
}

func parseTable(fileName string, payload []byte) ([]record, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) ([]record, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	var records []record
	for {
		fields, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read csv: %v", domain.ErrParse, err)
		}
		line, _ := csvReader.FieldPos(0)
		records = append(records, record{line: line, fields: fields})
	}
	return records, nil
}

func parseExcel(payload []byte) ([]record, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open xlsx: %v", domain.ErrParse, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: excel file has no sheets", domain.ErrParse)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read rows from xlsx: %v", domain.ErrParse, err)
	}

	records := make([]record, 0, len(rows))
	for idx, row := range rows {
		records = append(records, record{line: idx + 1, fields: row})
	}
	return records, nil
}

// normalizeTable takes the first non-empty line as the header and maps the
// template columns onto it. Column order is free and extra columns are ignored.
func normalizeTable(records []record, template domain.Template) (parsedTable, error) {
	headerAt := -1
	for idx, rec := range records {
		if len(cleanRow(rec.fields)) > 0 {
			headerAt = idx
			break
		}
	}
	if headerAt < 0 {
		return parsedTable{}, fmt.Errorf("%w: header row could not be detected", domain.ErrParse)
	}

	positions, err := locateColumns(records[headerAt].fields, template)
	if err != nil {
		return parsedTable{}, err
	}

	table := parsedTable{template: template}
	for _, rec := range records[headerAt+1:] {
		if len(cleanRow(rec.fields)) == 0 {
			continue
		}
		row := parsedRow{
			Number: rec.line,
			Fields: make(map[domain.Column]string, len(template.Columns)),
			Raw:    make([]string, len(template.Columns)),
		}
		padded := padRow(rec.fields, maxPosition(positions)+1)
		for i, column := range template.Columns {
			raw := padded[positions[column]]
			row.Raw[i] = raw
			row.Fields[column] = strings.TrimSpace(raw)
		}
		table.rows = append(table.rows, row)
	}

	if len(table.rows) == 0 {
		return parsedTable{}, fmt.Errorf("%w: file has a header but no data rows", domain.ErrParse)
	}
	return table, nil
}

func locateColumns(header []string, template domain.Template) (map[domain.Column]int, error) {
	byName := make(map[string]int, len(header))
	for idx, cell := range header {
		name := domain.NormalizeLabel(strings.TrimPrefix(cell, string(byteOrderMark)))
		if _, dup := byName[name]; !dup && name != "" {
			byName[name] = idx
		}
	}

	positions := make(map[domain.Column]int, len(template.Columns))
	var missing []string
	for _, column := range template.Columns {
		names := headerAliases[column]
		if len(names) == 0 {
			names = []string{strings.ToLower(string(column))}
		}
		found := false
		for _, name := range names {
			if idx, ok := byName[name]; ok {
				positions[column] = idx
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, string(column))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns %s (expected %s)",
			domain.ErrParse, strings.Join(missing, ", "), strings.Join(template.Header(), ","))
	}
	return positions, nil
}

func maxPosition(positions map[domain.Column]int) int {
	highest := 0
	for _, idx := range positions {
		highest = max(highest, idx)
	}
	return highest
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}
