package compositions

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const slideshowSpec = `{
	"credit_cost": 5,
	"estimated_seconds": 120,
	"input_schema": {
		"type": "object",
		"required": ["images"],
		"properties": {
			"images": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"durationPerImage": {"type": "number", "minimum": 0.5}
		}
	}
}`

func writeSchema(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestValidatorLoadsCatalog(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "slideshow.v1.json", slideshowSpec)

	v, err := NewValidator(dir)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	spec := v.Spec("slideshow")
	if spec == nil {
		t.Fatal("slideshow spec not loaded")
	}
	if spec.CreditCost != 5 || spec.EstimatedSeconds != 120 {
		t.Errorf("spec = %+v, want cost 5 and 120s", spec)
	}
	if cost, ok := v.Cost("slideshow"); !ok || cost != 5 {
		t.Errorf("Cost = %d,%v, want 5,true", cost, ok)
	}
	if _, ok := v.Cost("documentary"); ok {
		t.Error("unknown composition reported a cost")
	}
}

func TestValidateInput(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "slideshow.v1.json", slideshowSpec)
	v, err := NewValidator(dir)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	valid := json.RawMessage(`{"images": ["a.png", "b.png"], "durationPerImage": 2}`)
	if err := v.ValidateInput("slideshow", valid); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}

	missing := json.RawMessage(`{"durationPerImage": 2}`)
	if err := v.ValidateInput("slideshow", missing); !errors.Is(err, ErrValidation) {
		t.Errorf("missing required field: err = %v, want ErrValidation", err)
	}

	if err := v.ValidateInput("unknown", valid); !errors.Is(err, ErrUnknownComposition) {
		t.Errorf("unknown composition: err = %v, want ErrUnknownComposition", err)
	}
}

func TestValidatorRejectsBadCatalogFile(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "broken.v1.json", `{"estimated_seconds": 10, "input_schema": {"type": "object"}}`)

	if _, err := NewValidator(dir); err == nil {
		t.Fatal("catalog file without credit_cost accepted")
	}
}
