package flow

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// CompileInputSchema checks that a flow version's input schema is itself a
// valid JSON schema. Called at publish time so starts never hit a broken
// schema.
func CompileInputSchema(schema map[string]any) error {
	if schema == nil {
		return nil
	}

	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema)); err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}

	return nil
}

// ValidateInput checks run input against the version's input schema. A nil
// schema accepts anything.
func ValidateInput(versionID string, schema, input map[string]any) error {
	if schema == nil {
		return nil
	}

	if input == nil {
		input = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	inputLoader := gojsonschema.NewGoLoader(input)

	result, err := gojsonschema.Validate(schemaLoader, inputLoader)
	if err != nil {
		return fmt.Errorf("failed to validate input for flow version %s: %w", versionID, err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		violations = append(violations, violation.String())
	}

	return &InputValidationError{FlowVersionID: versionID, Violations: violations}
}
