package chainevent

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	amountPattern  = `^-?[0-9]+$`
	addressPattern = `^[A-Z0-9]{10,}$`
)

// fieldSchemas describes the required shape of Event.Fields per type.
var fieldSchemas = map[Type]string{
	TypeBurnSelf: `{
		"type": "object",
		"required": ["amount"],
		"properties": {
			"amount":    {"type": "string", "pattern": "` + amountPattern + `"},
			"newSupply": {"type": "string", "pattern": "` + amountPattern + `"},
			"from":      {"type": "string", "pattern": "` + addressPattern + `"},
			"burner":    {"type": "string", "pattern": "` + addressPattern + `"}
		}
	}`,
	TypeBurnAdmin: `{
		"type": "object",
		"required": ["admin", "amount"],
		"properties": {
			"admin":     {"type": "string", "pattern": "` + addressPattern + `"},
			"from":      {"type": "string", "pattern": "` + addressPattern + `"},
			"amount":    {"type": "string", "pattern": "` + amountPattern + `"},
			"newSupply": {"type": "string", "pattern": "` + amountPattern + `"},
			"batch":     {"type": "boolean"},
			"count":     {"type": "integer", "minimum": 0}
		}
	}`,
	TypeTokenCreated: `{
		"type": "object",
		"required": ["creator"],
		"properties": {
			"creator": {"type": "string", "pattern": "` + addressPattern + `"}
		}
	}`,
	TypeMetadataUpdated: `{
		"type": "object",
		"required": ["metadataUri"],
		"properties": {
			"updater":     {"type": "string", "pattern": "` + addressPattern + `"},
			"metadataUri": {"type": "string", "minLength": 1}
		}
	}`,
}

// Validator checks normalized events against per-type field schemas.
// Schemas are compiled once; a Validator is safe for concurrent use.
type Validator struct {
	schemas map[Type]*jsonschema.Schema
}

// NewValidator compiles the built-in field schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[Type]*jsonschema.Schema, len(fieldSchemas))}
	for t, src := range fieldSchemas {
		var doc any
		if err := json.Unmarshal([]byte(src), &doc); err != nil {
			return nil, fmt.Errorf("chainevent: parse schema %s: %w", t, err)
		}
		url := "chainhook://fields/" + string(t)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("chainevent: add schema %s: %w", t, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("chainevent: compile schema %s: %w", t, err)
		}
		v.schemas[t] = compiled
	}
	return v, nil
}

// MustValidator is NewValidator for package-level initialization.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns an error wrapping ErrMalformed when evt is unusable.
func (v *Validator) Validate(evt *Event) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, evt.Type)
	}
	if evt.TxHash == "" {
		return fmt.Errorf("%w: missing transaction hash", ErrMalformed)
	}
	if evt.TokenAddress == "" {
		return fmt.Errorf("%w: missing token address", ErrMalformed)
	}
	if evt.EventIndex < 0 || evt.Ledger <= 0 {
		return fmt.Errorf("%w: bad position %d/%d", ErrMalformed, evt.Ledger, evt.EventIndex)
	}

	// Round-trip through JSON so the schema sees plain decoded values.
	raw, err := json.Marshal(evt.Fields)
	if err != nil {
		return fmt.Errorf("%w: encode fields: %v", ErrMalformed, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: decode fields: %v", ErrMalformed, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := v.schemas[evt.Type].Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, evt.Type, err)
	}
	return nil
}
