package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

// Print writes v as indented json, or calls text in text mode.
func (f *OutputFormatter) Print(v any, text func(w io.Writer)) error {
	if f.Format == "json" {
		encoder := json.NewEncoder(f.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	}
	text(f.Writer)
	return nil
}

func (f *OutputFormatter) Success(format string, args ...any) {
	if f.Format == "json" {
		return
	}
	color.New(color.FgGreen, color.Bold).Fprintf(f.Writer, format+"\n", args...)
}

// Table renders rows in aligned columns.
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &Table{headers: headers, widths: widths}
}

func (t *Table) AddRow(row ...string) {
	for i, cell := range row {
		if i < len(t.widths) && len(cell) > t.widths[i] {
			t.widths[i] = len(cell)
		}
	}
	t.rows = append(t.rows, row)
}

func (t *Table) Render(w io.Writer) {
	headerColor := color.New(color.FgCyan, color.Bold)
	for i, h := range t.headers {
		headerColor.Fprintf(w, "%-*s  ", t.widths[i], h)
	}
	fmt.Fprintln(w)
	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", t.widths[i]), "  ")
	}
	fmt.Fprintln(w)
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(t.widths) {
				fmt.Fprintf(w, "%-*s  ", t.widths[i], cell)
			}
		}
		fmt.Fprintln(w)
	}
}
