package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// TableFormatter renders the tabular view with lipgloss styling for terminal
// display.
type TableFormatter struct{}

// Format writes the formatted output.
func (f *TableFormatter) Format(w io.Writer, doc *Document) error {
	t := doc.Table

	var sb strings.Builder
	if header := f.formatHeader(t); header != "" {
		sb.WriteString(header)
		sb.WriteString("\n")
	}
	if len(t.Columns) > 0 {
		sb.WriteString(f.formatRows(t))
	}
	if len(t.Footer) > 0 {
		sb.WriteString(FooterBox.Render(joinFields(t.Footer, "  ")))
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func (f *TableFormatter) formatHeader(t Table) string {
	var lines []string
	if t.Title != "" {
		lines = append(lines, TitleStyle.Render(t.Title))
	}
	if len(t.Header) > 0 {
		lines = append(lines, joinFields(t.Header, "\n"))
	}
	if len(lines) == 0 {
		return ""
	}
	return HeaderBox.Render(strings.Join(lines, "\n"))
}

func (f *TableFormatter) formatRows(t Table) string {
	if len(t.Rows) == 0 {
		empty := t.Empty
		if empty == "" {
			empty = "Nothing to show"
		}
		return MutedStyle.Render("  "+empty) + "\n"
	}

	widths := columnWidths(t)
	var sb strings.Builder

	cells := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		cells[i] = TableHeaderStyle.Render(padRight(col, widths[i]))
	}
	sb.WriteString("  " + strings.Join(cells, ""))
	sb.WriteString("\n")

	for _, row := range t.Rows {
		for i := range t.Columns {
			var v string
			if i < len(row) {
				v = row[i]
			}
			style := TableCellStyle
			if isStatusColumn(t.Columns[i]) {
				style = StatusStyle(v).PaddingRight(2)
			}
			cells[i] = style.Render(padRight(v, widths[i]))
		}
		sb.WriteString("  " + strings.TrimRight(strings.Join(cells, ""), " "))
		sb.WriteString("\n")
	}
	return sb.String()
}

func isStatusColumn(name string) bool {
	switch name {
	case "STATUS", "KIND", "STATE":
		return true
	}
	return false
}

// columnWidths returns the display width of each column.
func columnWidths(t Table) []int {
	widths := make([]int, len(t.Columns))
	for i, col := range t.Columns {
		widths[i] = lipgloss.Width(col)
	}
	for _, row := range t.Rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}
	return widths
}

func joinFields(fields []Field, sep string) string {
	parts := make([]string, len(fields))
	for i, fl := range fields {
		parts[i] = fmt.Sprintf("%s %s", LabelStyle.Render(fl.Label+":"), ValueStyle.Render(fl.Value))
	}
	return strings.Join(parts, sep)
}

// padRight pads s with spaces to width display cells.
func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

func init() {
	Register("table", func() Formatter {
		return &TableFormatter{}
	})
}

// Ensure TableFormatter implements Formatter.
var _ Formatter = (*TableFormatter)(nil)
