// Package catalog loads the game catalog into immutable records for indexing.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateID = errors.New("catalog: duplicate record id")
	ErrEmptyID     = errors.New("catalog: empty record id")
)

// Record is one catalog entry. Its fields are fixed at construction.
type Record struct {
	id    string
	text  string
	keys  []string
	attrs map[string]string
}

// NewRecord builds a record whose text is the canonical serialization of the
// attributes: one "key: value" line per attribute, in keys order.
func NewRecord(id string, keys []string, attrs map[string]string) Record {
	r := Record{
		id:    id,
		keys:  append([]string(nil), keys...),
		attrs: make(map[string]string, len(attrs)),
	}
	for k, v := range attrs {
		r.attrs[k] = v
	}
	r.text = serialize(r.keys, r.attrs)
	return r
}

// NewTextRecord builds a record with explicit text and no attributes.
func NewTextRecord(id, text string) Record {
	return Record{id: id, text: text, attrs: map[string]string{}}
}

// Restore rebuilds a record read back from an external store. The stored
// text is kept as is so search results match what was embedded.
func Restore(id, text string, keys []string, attrs map[string]string) Record {
	r := Record{id: id, text: text, keys: append([]string(nil), keys...), attrs: make(map[string]string, len(attrs))}
	for k, v := range attrs {
		r.attrs[k] = v
	}
	return r
}

func serialize(keys []string, attrs map[string]string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(attrs[k])
	}
	return b.String()
}

// ID returns the stable identifier.
func (r Record) ID() string { return r.id }

// Text returns the text used for embedding and display.
func (r Record) Text() string { return r.text }

// Attr returns a single attribute.
func (r Record) Attr(key string) (string, bool) {
	v, ok := r.attrs[key]
	return v, ok
}

// Keys returns attribute names in catalog column order.
func (r Record) Keys() []string { return append([]string(nil), r.keys...) }

// Attributes returns a copy of the attribute map.
func (r Record) Attributes() map[string]string {
	out := make(map[string]string, len(r.attrs))
	for k, v := range r.attrs {
		out[k] = v
	}
	return out
}

// Source yields the full catalog in a stable order.
type Source interface {
	Load(ctx context.Context) ([]Record, error)
	Name() string
}

// Memory is a fixed in-process catalog.
type Memory struct {
	name    string
	records []Record
}

// NewMemory wraps records as a Source.
func NewMemory(name string, records ...Record) *Memory {
	return &Memory{name: name, records: append([]Record(nil), records...)}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Load(context.Context) ([]Record, error) {
	return append([]Record(nil), m.records...), nil
}

// Validate checks ids are present and unique.
func Validate(records []Record) error {
	seen := make(map[string]int, len(records))
	for i, r := range records {
		if r.id == "" {
			return fmt.Errorf("record %d: %w", i, ErrEmptyID)
		}
		if j, ok := seen[r.id]; ok {
			return fmt.Errorf("records %d and %d share id %q: %w", j, i, r.id, ErrDuplicateID)
		}
		seen[r.id] = i
	}
	return nil
}
