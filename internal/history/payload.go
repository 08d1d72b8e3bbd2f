package history

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is an ordered field name to value mapping. It is the stored form of a revision's data
// and context. Keys keep their insertion order through JSON round trips, so a record reads back
// with its fields in the order the recorder wrote them.
//
// The zero value is an empty payload ready to use.
type Payload struct {
	keys   []string
	values map[string]any
}

// NewPayload builds a payload from alternating key/value arguments.
//
//	NewPayload("title", "foobar", "status", "draft")
//
// It panics on an odd argument count or a non-string key, which can only be a programming error.
func NewPayload(kv ...any) Payload {
	if len(kv)%2 != 0 {
		panic("history: NewPayload needs an even number of arguments")
	}
	var p Payload
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("history: NewPayload key %v is not a string", kv[i]))
		}
		p.Set(key, kv[i+1])
	}
	return p
}

// PayloadFromMap builds a payload from a plain map. Keys are sorted since map order is random.
func PayloadFromMap(m map[string]any) Payload {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var p Payload
	for _, k := range keys {
		p.Set(k, m[k])
	}
	return p
}

// Set stores value under key. Existing keys keep their position.
func (p *Payload) Set(key string, value any) {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value stored under key and whether the key is present at all.
func (p Payload) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// IsSet reports whether key is present with a non-nil value.
func (p Payload) IsSet(key string) bool {
	v, ok := p.values[key]
	return ok && v != nil
}

// Delete removes key, keeping the order of the remaining keys.
func (p *Payload) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (p Payload) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of keys.
func (p Payload) Len() int {
	return len(p.keys)
}

// Map returns an unordered copy of the payload.
func (p Payload) Map() map[string]any {
	out := make(map[string]any, len(p.keys))
	for _, k := range p.keys {
		out[k] = p.values[k]
	}
	return out
}

// Clone returns a shallow copy that can be modified independently.
func (p Payload) Clone() Payload {
	var c Payload
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// MarshalJSON encodes the payload as a JSON object with keys in insertion order.
func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload field %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order. A JSON null yields an empty payload.
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = Payload{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("payload must be a JSON object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("payload key must be a string, got %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("failed to decode payload field %q: %w", key, err)
		}
		p.Set(key, value)
	}

	_, err = dec.Token()
	return err
}

// Value implements driver.Valuer so a payload can be written to a json column.
func (p Payload) Value() (driver.Value, error) {
	return p.MarshalJSON()
}

// Scan implements sql.Scanner. NULL scans into an empty payload.
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		return p.UnmarshalJSON(v)
	case string:
		return p.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into payload", src)
	}
}
