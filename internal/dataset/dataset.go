// Package dataset reads and writes the product catalogue consumed by the
// batch enricher.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Known columns.
const (
	ColBrand          = "brand"
	ColProductName    = "product_name"
	ColCategory       = "category"
	ColForm           = "form"
	ColVariant        = "variant_generic"
	ColSize           = "size_label"
	ColBrandDomain    = "brand_domain"
	ColSourcePriority = "source_priority"
	ColCanonicalURL   = "canonical_product_url"
	ColReviewURL1     = "review_url_1"
	ColReviewURL2     = "review_url_2"
	ColLastVerified   = "last_verified_utc"
	ColNotes          = "notes"
)

// Columns is the output order of the known columns.
var Columns = []string{
	ColBrand, ColProductName, ColCategory, ColForm, ColVariant, ColSize,
	ColBrandDomain, ColSourcePriority, ColCanonicalURL, ColReviewURL1,
	ColReviewURL2, ColLastVerified, ColNotes,
}

// NoteSeparator joins audit notes.
const NoteSeparator = "; "

// ErrNoHeader is returned for input without a header line.
var ErrNoHeader = errors.New("dataset has no header")

// Row is one record keyed by column name.
type Row struct {
	values map[string]string
}

// NewRow builds a row from values. The map is copied.
func NewRow(values map[string]string) *Row {
	r := &Row{values: make(map[string]string, len(values))}
	for k, v := range values {
		r.values[k] = v
	}
	return r
}

// Get returns the trimmed value of col, "" when absent.
func (r *Row) Get(col string) string {
	return strings.TrimSpace(r.values[col])
}

// Set assigns col.
func (r *Row) Set(col, value string) {
	r.values[col] = value
}

// AddNote appends note to the notes trail. Existing notes are never
// rewritten.
func (r *Row) AddNote(note string) {
	if cur := r.values[ColNotes]; strings.TrimSpace(cur) != "" {
		note = cur + NoteSeparator + note
	}
	r.values[ColNotes] = note
}

// Clone returns an independent copy.
func (r *Row) Clone() *Row {
	return NewRow(r.values)
}

// Table is a header plus rows. Comma is the delimiter the input used and
// the one Write uses. CRLF is set when the input carried CRLF line breaks,
// inside quoted fields or between records, and makes Write emit them.
type Table struct {
	Header []string
	Rows   []*Row
	Comma  rune
	CRLF   bool

	// keys[i] is the row key of Header[i].
	keys []string
}

// Read parses delimited text with a header line. The delimiter is detected
// from the header among comma, tab and semicolon. Rows are keyed by the
// trimmed, lower-cased header name; Header keeps the input spelling. Short
// records are padded.
func Read(rd io.Reader) (*Table, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = detectComma(data)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	t := &Table{
		Header: header,
		Comma:  cr.Comma,
		CRLF:   bytes.Contains(data, []byte("\r\n")),
		keys:   columnKeys(header),
	}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", len(t.Rows)+1, err)
		}
		row := &Row{values: make(map[string]string, len(header))}
		for i, col := range t.keys {
			if i < len(record) {
				row.values[col] = record[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func detectComma(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, c := range []rune{'\t', ';'} {
		if n := bytes.Count(line, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// columnKeys maps header names to row keys. Blank and repeated names get a
// positional key so their cells survive a round trip.
func columnKeys(header []string) []string {
	keys := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := seen[key]; dup || key == "" {
			key = fmt.Sprintf("\x00%d", i)
		}
		seen[key] = struct{}{}
		keys[i] = key
	}
	return keys
}

// outputColumns returns the written header and the row key of each column:
// the input header as spelled, then any known column the input lacked.
func (t *Table) outputColumns() (header, keys []string) {
	header = append([]string(nil), t.Header...)
	keys = append([]string(nil), t.keys...)
	if len(keys) != len(header) {
		keys = columnKeys(header)
	}
	have := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		have[k] = struct{}{}
	}
	for _, c := range Columns {
		if _, ok := have[c]; !ok {
			header = append(header, c)
			keys = append(keys, c)
		}
	}
	return header, keys
}

// OutputHeader is the input header followed by the known columns it lacked.
func (t *Table) OutputHeader() []string {
	header, _ := t.outputColumns()
	return header
}

// Write renders the table with OutputHeader.
func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if t.Comma != 0 {
		cw.Comma = t.Comma
	}
	cw.UseCRLF = t.CRLF
	header, keys := t.outputColumns()
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(header))
	for _, row := range t.Rows {
		for i, key := range keys {
			record[i] = row.values[key]
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
