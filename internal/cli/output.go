package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

// Table prints rows as a table in text mode, or data as JSON.
func (f *OutputFormatter) Table(data any, headers []string, rows [][]string) error {
	if f.Format == "json" {
		return f.JSON(data)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(f.Writer, "(none)")
		return err
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(f.Writer, t.Render())
	return err
}

// Message prints a one-line confirmation, or data as JSON.
func (f *OutputFormatter) Message(data any, format string, args ...any) error {
	if f.Format == "json" {
		return f.JSON(data)
	}
	_, err := fmt.Fprintf(f.Writer, format+"\n", args...)
	return err
}

func (f *OutputFormatter) JSON(data any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
