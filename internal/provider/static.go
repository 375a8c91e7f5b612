package provider

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/szaher/checkin/internal/stage"
)

// Static serves fixtures keyed by stage and then by subject account. A
// subject without fixtures gets an empty record set.
type Static struct {
	data map[stage.Name]map[string]any
}

// NewStatic creates a provider over in-memory fixtures.
func NewStatic(data map[stage.Name]map[string]any) *Static {
	if data == nil {
		data = make(map[stage.Name]map[string]any)
	}
	return &Static{data: data}
}

// LoadStatic reads fixtures from a YAML or JSON file.
func LoadStatic(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures: %w", err)
	}
	var data map[stage.Name]map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing fixtures %s: %w", path, err)
	}
	return NewStatic(data), nil
}

// Preload implements intake.DataProvider.
func (s *Static) Preload(_ context.Context, subject string, st stage.Name, _ map[string]any) (any, error) {
	if v, ok := s.data[st][subject]; ok && v != nil {
		return v, nil
	}
	return map[string]any{}, nil
}
