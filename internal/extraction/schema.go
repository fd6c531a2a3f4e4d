package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// statementSchema constrains the extraction service's output. The service is
// prompted with the same schema, but its output is never trusted: every
// response is validated locally before anything downstream sees it.
func statementSchema() map[string]any {
	transaction := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"date":        map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
			"description": map[string]any{"type": "string", "minLength": 1},
			"amount":      map[string]any{"type": "number"},
			"currency":    map[string]any{"type": "string", "minLength": 3, "maxLength": 3},
			"category":    map[string]any{"type": "string"},
			"balance":     map[string]any{"type": "number"},
		},
		"required": []string{"date", "description", "amount", "currency"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"transactions": map[string]any{
				"type":  "array",
				"items": transaction,
			},
			"openingBalance": map[string]any{"type": "number"},
			"closingBalance": map[string]any{"type": "number"},
		},
		"required": []string{"transactions"},
	}
}

// compileStatementSchema compiles the response schema once per client.
func compileStatementSchema() (*jsonschema.Schema, error) {
	b, err := json.Marshal(statementSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("statement.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("statement.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateAgainstSchema checks data against the compiled response schema.
func validateAgainstSchema(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("output does not match schema: %w", err)
	}
	return nil
}
