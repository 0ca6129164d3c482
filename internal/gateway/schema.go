package gateway

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/crossquery/pkg/models"
)

var compiledSchemas sync.Map

// validateArgs checks tool arguments against the tool's input schema. Tools
// that publish no schema accept any argument object. Failures surface as
// VALIDATION_ERROR and never reach the connector.
func validateArgs(provider models.ProviderID, tool string, schema, args json.RawMessage) error {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		// A provider shipping a broken schema is the provider's defect, not
		// the caller's.
		return models.WrapError(models.CodeToolExecution, "tool input schema does not compile", err).
			WithDetail("provider", string(provider)).
			WithDetail("tool_name", tool)
	}

	payload := args
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return models.WrapError(models.CodeValidation, "arguments are not valid JSON", err).
			WithDetail("tool_name", tool)
	}

	if err := compiled.Validate(decoded); err != nil {
		return models.WrapError(models.CodeValidation, "arguments do not match tool schema", err).
			WithDetail("provider", string(provider)).
			WithDetail("tool_name", tool)
	}
	return nil
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := compiledSchemas.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	compiledSchemas.Store(key, compiled)
	return compiled, nil
}
