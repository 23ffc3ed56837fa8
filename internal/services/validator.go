package services

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taskup/backend/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect schema validation failures.
var ErrValidation = errors.New("validation failed")

// Validator checks raw webhook bodies against the provider's envelope schema
// before any field is trusted.
type Validator struct {
	schemas map[models.Provider]*jsonschema.Schema
}

// NewValidator compiles schemas/<provider>.json for every embedded schema.
func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	schemas := make(map[models.Provider]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://taskup.dev/schemas/webhooks/" + name
		schemas[models.Provider(name)], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile webhook schema %q: %w", name, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// ValidateWebhook is a hard reject: an error means the body must not be applied.
func (v *Validator) ValidateWebhook(p models.Provider, body []byte) error {
	schema, ok := v.schemas[p]
	if !ok {
		return fmt.Errorf("no webhook schema for provider %q", p)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
