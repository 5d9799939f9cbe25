package output

import (
	"encoding/json"
	"io"
)

// JSONFormatter writes the document's data as one indented JSON value.
type JSONFormatter struct{}

// Format writes the formatted output.
func (f *JSONFormatter) Format(w io.Writer, doc *Document) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc.Data)
}

func init() {
	Register("json", func() Formatter {
		return &JSONFormatter{}
	})
}

// Ensure JSONFormatter implements Formatter.
var _ Formatter = (*JSONFormatter)(nil)

// JSONLFormatter writes the document's data as one compact line. It suits
// streams of documents such as followed events.
type JSONLFormatter struct{}

// Format writes the formatted output.
func (f *JSONLFormatter) Format(w io.Writer, doc *Document) error {
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func init() {
	Register("jsonl", func() Formatter {
		return &JSONLFormatter{}
	})
}

// Ensure JSONLFormatter implements Formatter.
var _ Formatter = (*JSONLFormatter)(nil)
