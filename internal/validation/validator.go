package validation

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/prodgen/backend/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect rejected input.
var ErrValidation = errors.New("validation failed")

// Validator checks generation parameters against the JSON schema for their job type.
type Validator struct {
	schemas map[models.JobType]*jsonschema.Schema
}

// New compiles the embedded schema for every job type.
func New() (*Validator, error) {
	schemas := make(map[models.JobType]*jsonschema.Schema)
	for _, t := range []models.JobType{models.JobTypeGeneration, models.JobTypeEdit, models.JobTypeDescription} {
		data, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", t, err)
		}
		id := "https://prodgen.dev/schemas/" + string(t) + ".params"
		schemas[t], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", t, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// MustNew is New for process startup and tests.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Params validates raw against the schema for t and decodes it.
func (v *Validator) Params(t models.JobType, raw json.RawMessage) (models.JobParams, error) {
	schema, ok := v.schemas[t]
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrValidation, models.ErrUnknownJobType, t)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: params are required", ErrValidation)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return models.DecodeParams(t, raw)
}
