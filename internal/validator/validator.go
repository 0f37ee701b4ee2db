// Package validator checks inference request bodies against embedded JSON
// schemas before they are recorded.
package validator

import (
	"embed"
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	KindChat       = "chat"
	KindCompletion = "completion"
)

type Options struct {
	// SchemaPaths overrides the embedded schema for a request kind.
	SchemaPaths map[string]string
}

type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

type Result struct {
	Valid       bool      `json:"valid"`
	Errors      []string  `json:"errors,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

func New(opts Options) (*Validator, error) {
	v := &Validator{schemas: map[string]*gojsonschema.Schema{}}
	for _, kind := range []string{KindChat, KindCompletion} {
		data, err := schemaFS.ReadFile("schemas/" + kind + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded %s schema: %w", kind, err)
		}
		if path := opts.SchemaPaths[kind]; path != "" {
			if data, err = os.ReadFile(path); err != nil {
				return nil, fmt.Errorf("failed to read schema: %w", err)
			}
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// Validate checks payload as a request of the given kind.
func (v *Validator) Validate(kind string, payload []byte) Result {
	result := Result{Valid: true, GeneratedAt: time.Now()}

	schema, ok := v.schemas[kind]
	if !ok {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("unknown request type %q", kind))
		return result
	}
	if len(payload) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "request payload missing")
		return result
	}

	schemaResult, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("schema validation error: %v", err))
		return result
	}
	if !schemaResult.Valid() {
		result.Valid = false
		for _, e := range schemaResult.Errors() {
			result.Errors = append(result.Errors, e.String())
		}
	}
	return result
}

// Kinds lists the request kinds with a schema.
func (v *Validator) Kinds() []string {
	return []string{KindChat, KindCompletion}
}
