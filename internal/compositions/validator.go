// Package compositions loads the render composition catalog: per-composition
// input schema, credit cost, and expected render time.
package compositions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation can be used with errors.Is to detect input-props validation failures.
var ErrValidation = errors.New("validation failed")

// ErrUnknownComposition is returned for compositions not in the catalog.
var ErrUnknownComposition = errors.New("unknown composition")

// Spec describes one renderable composition.
type Spec struct {
	Name             string
	CreditCost       int64
	EstimatedSeconds int
	schema           *jsonschema.Schema
}

// EstimatedDuration returns the expected render time.
func (s *Spec) EstimatedDuration() time.Duration {
	return time.Duration(s.EstimatedSeconds) * time.Second
}

type Validator struct {
	specs map[string]*Spec
}

// NewValidator loads all *.json composition files from schemaDir. Each file
// carries credit_cost, estimated_seconds, and an input_schema compiled here.
func NewValidator(schemaDir string) (*Validator, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	specs := make(map[string]*Spec)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		name = strings.TrimSuffix(name, ".v1")
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		var file struct {
			CreditCost       int64           `json:"credit_cost"`
			EstimatedSeconds int             `json:"estimated_seconds"`
			InputSchema      json.RawMessage `json:"input_schema"`
		}
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %q: %w", path, err)
		}
		if file.CreditCost <= 0 || len(file.InputSchema) == 0 {
			return nil, fmt.Errorf("%q: missing credit_cost or input_schema", path)
		}
		schemaID := "https://reelforge.dev/schemas/" + name + ".input"
		schema, err := jsonschema.CompileString(schemaID, string(file.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile input schema %q: %w", name, err)
		}
		specs[name] = &Spec{
			Name:             name,
			CreditCost:       file.CreditCost,
			EstimatedSeconds: file.EstimatedSeconds,
			schema:           schema,
		}
	}

	return &Validator{specs: specs}, nil
}

// Spec returns the composition spec, or nil when unknown.
func (v *Validator) Spec(name string) *Spec {
	return v.specs[name]
}

// Cost returns the credit cost of a composition and whether it is known.
func (v *Validator) Cost(name string) (int64, bool) {
	spec, ok := v.specs[name]
	if !ok {
		return 0, false
	}
	return spec.CreditCost, true
}

// ValidateInput hard-rejects input props that do not match the composition's schema.
func (v *Validator) ValidateInput(name string, props json.RawMessage) error {
	spec, ok := v.specs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownComposition, name)
	}
	var doc interface{}
	if err := json.Unmarshal(props, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := spec.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
