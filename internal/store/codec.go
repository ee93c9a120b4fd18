package store

import (
	"encoding/json"
	"fmt"
)

// Encode converts a tagged struct (or map) into normalised document data.
func Encode(v any) (Data, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var d Data
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return d, nil
}

// Decode fills v from a snapshot's data.
func (s Snapshot) Decode(v any) error {
	b, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return nil
}

// normalize deep-copies d so stored state never aliases caller values.
func normalize(d Data) (Data, error) {
	if d == nil {
		return Data{}, nil
	}
	return Encode(d)
}

func mergeInto(dst, fields Data) Data {
	out := make(Data, len(dst)+len(fields))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func clone(d Data) Data {
	c, err := normalize(d)
	if err != nil {
		// stored data is always normalised, so re-encoding cannot fail
		panic(err)
	}
	return c
}
