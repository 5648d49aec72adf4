package mcp

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Schema is the subset of JSON Schema tools declare for their arguments.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes a single argument.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// validateArguments checks required keys are present and declared
// properties carry the declared primitive type. Undeclared keys pass.
func validateArguments(schema Schema, args map[string]any) error {
	var problems []string

	for _, key := range schema.Required {
		if v, ok := args[key]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required argument %q", key))
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		prop, declared := schema.Properties[key]
		if !declared || prop.Type == "" || args[key] == nil {
			continue
		}
		if !matchesType(prop.Type, args[key]) {
			problems = append(problems, fmt.Sprintf("argument %q must be %s", key, prop.Type))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func matchesType(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
