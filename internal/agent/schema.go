package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidPayload = errors.New("invalid payload")

// payloadSchemas holds the input contract per agent type. Types without an
// entry accept any JSON object.
var payloadSchemas = map[Type]string{
	InvoiceProcessor: `{
		"type": "object",
		"required": ["invoice_id"],
		"properties": {
			"invoice_id": {"type": "string", "minLength": 1},
			"document_url": {"type": "string"}
		}
	}`,
	VATReporter: `{
		"type": "object",
		"required": ["period"],
		"properties": {
			"period": {"type": "string", "pattern": "^[0-9]{4}-(0[1-9]|1[0-2])$"}
		}
	}`,
	BankReconciler: `{
		"type": "object",
		"properties": {
			"account_id": {"type": "string", "minLength": 1},
			"from": {"type": "string"},
			"to": {"type": "string"}
		}
	}`,
}

const objectSchema = `{"type": "object"}`

var (
	compileOnce sync.Once
	compiled    map[Type]*jsonschema.Schema
	compileErr  error
)

func compileSchemas() {
	compiled = make(map[Type]*jsonschema.Schema, len(catalog))
	c := jsonschema.NewCompiler()
	for _, t := range catalog {
		raw, ok := payloadSchemas[t]
		if !ok {
			raw = objectSchema
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal %s schema: %w", t, err)
			return
		}
		url := string(t) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			compileErr = fmt.Errorf("add %s schema: %w", t, err)
			return
		}
		s, err := c.Compile(url)
		if err != nil {
			compileErr = fmt.Errorf("compile %s schema: %w", t, err)
			return
		}
		compiled[t] = s
	}
}

// ValidatePayload checks payload against the schema registered for t.
// A nil payload is treated as an empty object.
func ValidatePayload(t Type, payload map[string]any) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	s, ok := compiled[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	// Round-trip through the validator's decoder so numbers arrive as json.Number.
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}
	return nil
}
