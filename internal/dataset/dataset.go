// Package dataset holds the named tabular data exchanged between the agent
// session and the sandboxed executors.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Dataset is a named table. Rows are positionally aligned with Columns.
type Dataset struct {
	Name    string  `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Shape returns (rows, columns).
func (d *Dataset) Shape() (int, int) {
	return len(d.Rows), len(d.Columns)
}

// Clone returns a deep copy. Cell values are copied by assignment; they are
// scalars after JSON/CSV decoding.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	out := &Dataset{
		Name:    d.Name,
		Columns: append([]string(nil), d.Columns...),
		Rows:    make([][]any, len(d.Rows)),
	}
	for i, row := range d.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// CloneMap deep-copies a dataset map.
func CloneMap(in map[string]*Dataset) map[string]*Dataset {
	if in == nil {
		return nil
	}
	out := make(map[string]*Dataset, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

// Summary renders a prompt-safe description: name, shape, columns, and a
// small sample of leading rows. Cell values are truncated.
func (d *Dataset) Summary(sampleRows int) string {
	rows, cols := d.Shape()
	var b strings.Builder
	fmt.Fprintf(&b, "dataset %q: %d rows x %d columns\n", d.Name, rows, cols)
	fmt.Fprintf(&b, "columns: %s\n", strings.Join(d.Columns, ", "))

	if sampleRows > len(d.Rows) {
		sampleRows = len(d.Rows)
	}
	for i := 0; i < sampleRows; i++ {
		cells := make([]string, len(d.Rows[i]))
		for j, v := range d.Rows[i] {
			cells[j] = truncateCell(formatCell(v), 40)
		}
		fmt.Fprintf(&b, "  %s\n", strings.Join(cells, " | "))
	}
	return b.String()
}

// WriteCSV serializes the dataset as a flat CSV table.
func (d *Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range d.Rows {
		record := make([]string, len(row))
		for j, v := range row {
			record[j] = formatCell(v)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a CSV table into a dataset, recovering numeric cells.
func ReadCSV(name string, r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	d := &Dataset{Name: name, Columns: header}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make([]any, len(record))
		for i, cell := range record {
			row[i] = parseCell(cell)
		}
		d.Rows = append(d.Rows, row)
	}
	return d, nil
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func parseCell(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func truncateCell(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
