package models

import (
	"bytes"
	"encoding/json"
	"slices"
)

// FieldURL is the key under which a listing record stores its detail link.
const FieldURL = "url"

// Field is one named value of a Record.
type Field struct {
	Name  string
	Value string
}

// Record is an ordered, immutable mapping from field name to string value.
// Field order is the order of the extraction schema and is preserved when
// the record is serialised.
type Record struct {
	fields []Field
}

// NewRecord builds a Record from fields. The slice is copied; later changes
// by the caller do not affect the record.
func NewRecord(fields []Field) Record {
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return Record{fields: cp}
}

// Get returns the value stored under name.
func (r Record) Get(name string) (string, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Len reports the number of fields.
func (r Record) Len() int { return len(r.fields) }

// Keys returns the field names in order.
func (r Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Name
	}
	return keys
}

// Fields returns a copy of the record's fields in order.
func (r Record) Fields() []Field {
	cp := make([]Field, len(r.fields))
	copy(cp, r.fields)
	return cp
}

// Equal reports whether r and other hold the same fields with the same
// values in the same order.
func (r Record) Equal(other Record) bool {
	return slices.Equal(r.fields, other.fields)
}

// Merge returns a new record holding r's fields followed by the fields of
// other that r does not have. A non-empty value in other replaces an
// existing value in place, so the key order of r is kept.
func (r Record) Merge(other Record) Record {
	out := make([]Field, len(r.fields), len(r.fields)+len(other.fields))
	copy(out, r.fields)

	index := make(map[string]int, len(out))
	for i, f := range out {
		index[f.Name] = i
	}
	for _, f := range other.fields {
		if i, ok := index[f.Name]; ok {
			if f.Value != "" {
				out[i].Value = f.Value
			}
			continue
		}
		index[f.Name] = len(out)
		out = append(out, f)
	}
	return Record{fields: out}
}

// MarshalJSON writes the record as a JSON object in field order. HTML
// characters are not escaped.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf, scratch bytes.Buffer
	enc := json.NewEncoder(&scratch)
	enc.SetEscapeHTML(false)
	writeString := func(s string) error {
		scratch.Reset()
		if err := enc.Encode(s); err != nil {
			return err
		}
		buf.Write(bytes.TrimSuffix(scratch.Bytes(), []byte{'\n'}))
		return nil
	}

	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(f.Name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeString(f.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
