// Package output renders CLI results in table, plain, json and yaml formats.
//
// Every result is wrapped in a Document carrying both the structured value,
// which the json and yaml formatters marshal, and a tabular view, which the
// table and plain formatters render:
//
//	doc := output.Files(states)
//	if err := output.Write(os.Stdout, "table", doc); err != nil {
//	    return err
//	}
package output

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// Field is a labelled value shown above or below a table.
type Field struct {
	Label string
	Value string
}

// Table is the tabular view of a result.
type Table struct {
	// Title heads the table formatter's header box.
	Title string

	// Header fields are shown under the title.
	Header []Field

	Columns []string
	Rows    [][]string

	// Empty is shown in place of rows when there are none.
	Empty string

	// Footer fields summarise the rows.
	Footer []Field
}

// Document is one renderable result.
type Document struct {
	// Data is marshalled by the structured formatters.
	Data any

	Table Table
}

// Formatter writes a Document.
type Formatter interface {
	Format(w io.Writer, doc *Document) error
}

// FormatterFactory creates a new Formatter instance.
type FormatterFactory func() Formatter

// Registry manages formatter registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]FormatterFactory),
	}
}

// Register adds a formatter factory, replacing any with the same name.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter instance by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown output format: %s", name)
	}
	return factory(), nil
}

// Available returns a sorted list of all registered formatter names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter factory to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a new formatter instance from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available returns all formatter names from the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}

// Write renders doc to w with the named formatter.
func Write(w io.Writer, format string, doc *Document) error {
	f, err := Get(format)
	if err != nil {
		return err
	}
	return f.Format(w, doc)
}
