// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"fmt"

	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// compilePayloadSchema compiles an arbitrary JSON Schema document supplied
// by a plugin for a subscription or registered method's payload. A nil or
// empty schema compiles to a permissive validator that accepts anything,
// matching the "first response is not validated" carve-out BusGateway
// applies on top of this.
func compilePayloadSchema(schemaJSON json.RawMessage) (*jschema.Schema, error) {
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(`{}`)
	}

	var schemaData any
	if err := json.Unmarshal(schemaJSON, &schemaData); err != nil {
		return nil, fmt.Errorf("invalid schema JSON: %w", err)
	}

	c := jschema.NewCompiler()
	resourceName := fmt.Sprintf("payload-%p.json", &schemaData)
	if err := c.AddResource(resourceName, schemaData); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	sch, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// validatePayload reports whether payload satisfies sch. A nil schema (not
// compiled because compilePayloadSchema was never called) accepts anything.
func validatePayload(sch *jschema.Schema, payload json.RawMessage) error {
	if sch == nil {
		return nil
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return sch.Validate(v)
}
