package registry

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
)

// validateArguments checks arguments against the subset of JSON Schema that
// tool descriptors use: required fields, property types and
// additionalProperties.
func validateArguments(schema map[string]any, arguments map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	required, err := parseRequiredFields(schema["required"])
	if err != nil {
		return err
	}
	for _, field := range required {
		if _, ok := arguments[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	properties, hasProperties := schema["properties"].(map[string]any)
	additionalAllowed, err := parseAdditionalProperties(schema["additionalProperties"])
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(arguments))
	for key := range arguments {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		propertySchema, hasProperty := properties[key]
		if !hasProperty {
			if hasProperties && !additionalAllowed {
				return fmt.Errorf("unknown argument %q", key)
			}
			continue
		}
		expectedType, hasType, err := parsePropertyType(propertySchema)
		if err != nil {
			return err
		}
		if hasType && !matchesType(expectedType, arguments[key]) {
			return fmt.Errorf("argument %q must be %q", key, expectedType)
		}
	}
	return nil
}

func parseRequiredFields(raw any) ([]string, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return slices.Clone(value), nil
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			field, ok := item.(string)
			if !ok {
				return nil, errors.New(`input schema "required" entries must be strings`)
			}
			out = append(out, field)
		}
		return out, nil
	default:
		return nil, errors.New(`input schema "required" must be an array`)
	}
}

func parseAdditionalProperties(raw any) (bool, error) {
	switch value := raw.(type) {
	case nil:
		return true, nil
	case bool:
		return value, nil
	default:
		return false, errors.New(`input schema "additionalProperties" must be a bool`)
	}
}

func parsePropertyType(propertySchema any) (string, bool, error) {
	propertyMap, ok := propertySchema.(map[string]any)
	if !ok {
		return "", false, errors.New(`input schema "properties" entries must be objects`)
	}
	rawType, ok := propertyMap["type"]
	if !ok {
		return "", false, nil
	}
	typeName, ok := rawType.(string)
	if !ok {
		return "", false, errors.New(`input schema property "type" must be a string`)
	}
	return typeName, true, nil
}

func matchesType(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := AsFloat(value)
		return ok
	case "integer":
		f, ok := AsFloat(value)
		return ok && f == math.Trunc(f)
	case "object":
		return value != nil && reflect.TypeOf(value).Kind() == reflect.Map
	case "array":
		if value == nil {
			return false
		}
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Array || kind == reflect.Slice
	default:
		return true
	}
}

// AsFloat converts any Go numeric value, including JSON-decoded float64, to float64.
func AsFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
