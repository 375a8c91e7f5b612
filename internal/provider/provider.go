// Package provider implements the data providers that preload patient
// records for a stage: static fixtures, a REST records service, an S3
// bucket and an MCP records server.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/szaher/checkin/internal/intake"
	"github.com/szaher/checkin/internal/stage"
)

// Empty returns no records for every stage.
type Empty struct{}

// Preload implements intake.DataProvider.
func (Empty) Preload(context.Context, string, stage.Name, map[string]any) (any, error) {
	return map[string]any{}, nil
}

// decode parses a JSON document into generic values. Numbers stay
// json.Number so large record ids keep every digit.
func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decoding records: unexpected data after JSON value")
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

var (
	_ intake.DataProvider = Empty{}
	_ intake.DataProvider = (*Static)(nil)
	_ intake.DataProvider = (*HTTP)(nil)
	_ intake.DataProvider = (*S3)(nil)
	_ intake.DataProvider = (*MCP)(nil)
)
