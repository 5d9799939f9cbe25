package output

import (
	"io"
	"strings"
	"text/tabwriter"
)

// PlainFormatter renders the tabular view as aligned unstyled columns for
// scripting and piping. Header and footer fields are written as
// "label: value" lines; a document without columns prints only those.
type PlainFormatter struct{}

// Format writes the formatted output.
func (f *PlainFormatter) Format(w io.Writer, doc *Document) error {
	t := doc.Table
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	writeFields := func(fields []Field) error {
		for _, fl := range fields {
			if _, err := io.WriteString(tw, fl.Label+":\t"+fl.Value+"\n"); err != nil {
				return err
			}
		}
		return nil
	}

	if len(t.Columns) == 0 {
		if err := writeFields(t.Header); err != nil {
			return err
		}
		if err := writeFields(t.Footer); err != nil {
			return err
		}
		return tw.Flush()
	}

	if _, err := io.WriteString(tw, strings.Join(t.Columns, "\t")+"\n"); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if _, err := io.WriteString(tw, strings.Join(row, "\t")+"\n"); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

// Ensure PlainFormatter implements Formatter.
var _ Formatter = (*PlainFormatter)(nil)
