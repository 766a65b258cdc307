package component

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/c360/trkdaq/errors"
)

// Config validation limits
const (
	MaxStringLength = 1024        // Maximum length for string values
	MaxJSONSize     = 1024 * 1024 // Maximum JSON size (1MB)
	maxDepth        = 10
	maxArraySize    = 1000
)

// Validatable is implemented by configs that can check themselves.
type Validatable interface {
	Validate() error
}

// ValidateFactoryConfig rejects raw component configuration that is too large,
// too deep, or carries control characters.
func ValidateFactoryConfig(rawConfig json.RawMessage) error {
	if len(rawConfig) > MaxJSONSize {
		return errors.WrapInvalid(
			fmt.Errorf("config size %d exceeds maximum %d", len(rawConfig), MaxJSONSize),
			"ConfigValidator", "ValidateConfig", "size check")
	}
	if len(rawConfig) == 0 {
		return nil
	}

	var config any
	decoder := json.NewDecoder(bytes.NewReader(rawConfig))
	decoder.UseNumber()
	if err := decoder.Decode(&config); err != nil {
		return errors.WrapInvalid(err, "ConfigValidator", "ValidateConfig", "JSON parsing")
	}

	return validateValue(config, 0)
}

func validateValue(value any, depth int) error {
	if depth > maxDepth {
		return errors.WrapInvalid(
			fmt.Errorf("JSON depth %d exceeds maximum %d", depth, maxDepth),
			"ConfigValidator", "validateValue", "depth check")
	}

	switch val := value.(type) {
	case string:
		if len(val) > MaxStringLength {
			return errors.WrapInvalid(
				fmt.Errorf("string length %d exceeds maximum %d", len(val), MaxStringLength),
				"ConfigValidator", "validateValue", "string length check")
		}
		return validateStringContent(val)

	case json.Number:
		if _, err := val.Int64(); err != nil {
			if _, err := val.Float64(); err != nil {
				return errors.WrapInvalid(err, "ConfigValidator", "validateValue", "number validation")
			}
		}

	case []any:
		if len(val) > maxArraySize {
			return errors.WrapInvalid(
				fmt.Errorf("array size %d exceeds maximum %d", len(val), maxArraySize),
				"ConfigValidator", "validateValue", "array size check")
		}
		for i, elem := range val {
			if err := validateValue(elem, depth+1); err != nil {
				return errors.Wrap(err, "ConfigValidator", "validateValue", fmt.Sprintf("array element %d", i))
			}
		}

	case map[string]any:
		for key, elem := range val {
			if err := validateStringContent(key); err != nil {
				return errors.Wrap(err, "ConfigValidator", "validateValue", "key validation")
			}
			if err := validateValue(elem, depth+1); err != nil {
				return errors.Wrap(err, "ConfigValidator", "validateValue", fmt.Sprintf("object field '%s'", key))
			}
		}

	case bool, nil:

	default:
		return errors.WrapInvalid(
			fmt.Errorf("unexpected type %T in config", value),
			"ConfigValidator", "validateValue", "type check")
	}

	return nil
}

func validateStringContent(s string) error {
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return errors.WrapInvalid(
				fmt.Errorf("string contains control character: 0x%02x", r),
				"ConfigValidator", "validateStringContent", "control character check")
		}
	}
	return nil
}

// SafeUnmarshal validates rawConfig, decodes it into target and runs
// target.Validate when target implements Validatable. An empty config leaves
// target untouched.
func SafeUnmarshal(rawConfig json.RawMessage, target any) error {
	if err := ValidateFactoryConfig(rawConfig); err != nil {
		return errors.Wrap(err, "ConfigValidator", "SafeUnmarshal", "config validation")
	}

	if reflect.TypeOf(target).Kind() != reflect.Ptr {
		return errors.WrapInvalid(
			fmt.Errorf("target must be a pointer, got %T", target),
			"ConfigValidator", "SafeUnmarshal", "target type check")
	}

	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, target); err != nil {
			return errors.WrapInvalid(err, "ConfigValidator", "SafeUnmarshal", "JSON unmarshaling")
		}
	}

	if validatable, ok := target.(Validatable); ok {
		if err := validatable.Validate(); err != nil {
			return errors.Wrap(err, "ConfigValidator", "SafeUnmarshal", "struct validation")
		}
	}

	return nil
}

// ValidateComponentName accepts names made of letters, digits, dash,
// underscore and dot.
func ValidateComponentName(name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName", "empty name")
	}
	if len(name) > MaxStringLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName", "name too long")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return errors.WrapInvalid(
				errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName",
				"invalid name characters")
		}
	}
	return nil
}
