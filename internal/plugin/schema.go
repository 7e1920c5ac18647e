// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// manifestSchemaCache holds the compiled manifest schema to avoid
// recompilation.
var (
	manifestSchemaCache *jschema.Schema
	manifestSchemaMu    sync.Mutex
)

// ManifestSchemaID is the schema $id for plugin manifest files.
const ManifestSchemaID = "https://event-monitor.dev/schemas/plugin-manifest.schema.json"

// GenerateManifestSchema generates a JSON Schema from the Descriptor struct.
func GenerateManifestSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(&Descriptor{})
	schema.ID = jsonschema.ID(ManifestSchemaID)
	schema.Title = "Event Monitor Plugin Manifest"
	schema.Description = "Schema for plugin manifest (descriptor) files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ValidateManifestSchema validates raw YAML manifest data against the
// generated Descriptor JSON Schema, independent of ParseManifest's
// field-level Validate.
func ValidateManifestSchema(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("manifest data is empty")
	}

	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	jsonData := toJSONTypes(yamlData)

	sch, err := compiledManifestSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	if err := sch.Validate(jsonData); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compiledManifestSchema() (*jschema.Schema, error) {
	manifestSchemaMu.Lock()
	defer manifestSchemaMu.Unlock()

	if manifestSchemaCache != nil {
		return manifestSchemaCache, nil
	}

	schemaBytes, err := GenerateManifestSchema()
	if err != nil {
		return nil, err
	}

	var schemaData any
	if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("manifest.json", schemaData); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	sch, err := c.Compile("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	manifestSchemaCache = sch
	return sch, nil
}

// ResetManifestSchemaCache clears the cached compiled schema. Used by tests.
func ResetManifestSchemaCache() {
	manifestSchemaMu.Lock()
	defer manifestSchemaMu.Unlock()
	manifestSchemaCache = nil
}

// toJSONTypes converts YAML-parsed data (map[string]any, []any, scalars) to
// strictly JSON-compatible types recursively.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = toJSONTypes(v)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = toJSONTypes(v)
		}
		return result
	case string, int, int64, float64, bool, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}

// FormatSchemaError formats a schema validation error for display,
// stripping the repetitive wrapper prefix.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, "schema validation failed:") {
		msg = strings.TrimPrefix(msg, "schema validation failed: ")
	}
	return msg
}
