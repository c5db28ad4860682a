// backend/scraper/csv_parser.go
package scraper

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format is the tabular layout of a raw file.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatPSV  Format = "psv"
	FormatXLSX Format = "xlsx"
)

// headerScanLimit bounds how many leading rows may be title/noise before the header.
const headerScanLimit = 25

var (
	// ErrNoHeader means no row in the first headerScanLimit rows names a UPC column.
	ErrNoHeader = errors.New("no header row with a UPC column")
	// ErrNoRows means the file has a header but no data rows.
	ErrNoRows = errors.New("file contains no data rows")
)

// RawRow is one data row keyed by the source's own column names.
type RawRow struct {
	Line   int
	Fields map[string]string

	normalized map[string]string
}

// NewRawRow builds a row from parallel header and value slices. Missing
// trailing cells become empty strings.
func NewRawRow(line int, header, values []string) RawRow {
	r := RawRow{
		Line:       line,
		Fields:     make(map[string]string, len(header)),
		normalized: make(map[string]string, len(header)),
	}
	for i, h := range header {
		v := ""
		if i < len(values) {
			v = strings.TrimSpace(values[i])
		}
		if h == "" {
			continue
		}
		r.Fields[h] = v
		key := normalizeColumn(h)
		if _, dup := r.normalized[key]; !dup || r.normalized[key] == "" {
			r.normalized[key] = v
		}
	}
	return r
}

// Lookup returns the first non-empty value among candidate column names and
// the candidate that matched.
func (r RawRow) Lookup(candidates ...string) (string, string) {
	for _, c := range candidates {
		if v := r.normalized[normalizeColumn(c)]; v != "" {
			return v, c
		}
	}
	return "", ""
}

// Blank reports whether every cell is empty.
func (r RawRow) Blank() bool {
	for _, v := range r.Fields {
		if v != "" {
			return false
		}
	}
	return true
}

// Table is a parsed file: the detected header and the rows beneath it.
type Table struct {
	Header []string
	Rows   []RawRow
}

// DetectFormat infers the format from an explicit setting, then the file name,
// then by sniffing the first line.
func DetectFormat(explicit, filename string, data []byte) Format {
	switch f := Format(strings.ToLower(explicit)); f {
	case FormatCSV, FormatTSV, FormatPSV, FormatXLSX:
		return f
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".tsv", ".tab":
		return FormatTSV
	case ".psv":
		return FormatPSV
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return FormatXLSX
	}
	first, _, _ := bufio.NewReader(bytes.NewReader(data)).ReadLine()
	switch {
	case bytes.Count(first, []byte("\t")) > bytes.Count(first, []byte(",")):
		return FormatTSV
	case bytes.Count(first, []byte("|")) > bytes.Count(first, []byte(",")):
		return FormatPSV
	}
	return FormatCSV
}

// ParseFile parses raw bytes into a Table. The header is the first row that
// contains one of the mapping's UPC candidates; rows above it are ignored.
func ParseFile(data []byte, format Format, sheet string, mapping FieldMapping) (*Table, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file: %w", ErrNoRows)
	}
	var (
		table *Table
		err   error
	)
	switch format {
	case FormatXLSX:
		table, err = parseXLSX(data, sheet, mapping)
	case FormatTSV:
		table, err = parseDelimited(data, '\t', mapping)
	case FormatPSV:
		table, err = parseDelimited(data, '|', mapping)
	default:
		table, err = parseDelimited(data, ',', mapping)
	}
	if err != nil {
		return nil, err
	}
	if len(table.Rows) == 0 {
		return nil, ErrNoRows
	}
	return table, nil
}

func parseDelimited(data []byte, delim rune, mapping FieldMapping) (*Table, error) {
	reader := csv.NewReader(stripBOM(bytes.NewReader(data)))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := findHeader(reader, mapping)
	if err != nil {
		return nil, err
	}

	table := &Table{Header: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("malformed row near line %d: %w", parseErr.StartLine, err)
			}
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		// Footer and note rows are often narrower or wider than the header;
		// NewRawRow pads short records and ignores cells past the header.
		line, _ := reader.FieldPos(0)
		row := NewRawRow(line, header, record)
		if row.Blank() {
			continue
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func findHeader(reader *csv.Reader, mapping FieldMapping) ([]string, error) {
	for i := 0; i < headerScanLimit; i++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		if mapping.Has(record, FieldUPC) {
			return cleanHeader(record), nil
		}
	}
	return nil, ErrNoHeader
}

func parseXLSX(data []byte, sheet string, mapping FieldMapping) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("spreadsheet has no sheets: %w", ErrNoRows)
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}

	headerIdx := -1
	for i := 0; i < len(rows) && i < headerScanLimit; i++ {
		if mapping.Has(rows[i], FieldUPC) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, ErrNoHeader
	}

	header := cleanHeader(rows[headerIdx])
	table := &Table{Header: header}
	for i := headerIdx + 1; i < len(rows); i++ {
		row := NewRawRow(i+1, header, rows[i])
		if row.Blank() {
			continue
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func cleanHeader(record []string) []string {
	header := make([]string, len(record))
	for i, h := range record {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = fmt.Sprintf("Column %d", i+1)
		}
		header[i] = h
	}
	// Repeated names would collide in RawRow.Fields; suffix them so both survive.
	seen := make(map[string]int, len(header))
	for i, h := range header {
		seen[h]++
		if n := seen[h]; n > 1 {
			header[i] = fmt.Sprintf("%s (%d)", h, n)
		}
	}
	return header
}

// stripBOM wraps a reader to strip a UTF-8 BOM if present.
func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		br.Discard(3)
	}
	return br
}
