package component

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/c360/trkdaq/errors"
)

// SchemaDirectives is the parsed form of a `schema:"..."` struct tag.
//
// Tags use comma-separated directives with colon-separated key-value pairs:
//
//	schema:"type:int,description:Blocks per container,min:1,default:2500,category:basic"
//	schema:"type:enum,description:Compression,enum:none|lz4|zstd,default:none"
//	schema:"required,type:string,description:Subject"
type SchemaDirectives struct {
	Type        string
	Description string
	Category    string
	Default     any
	Required    bool
	Min         *int
	Max         *int
	Enum        []string
}

var validSchemaTypes = []string{"string", "int", "bool", "float", "enum", "array", "object"}

// ParseSchemaTag parses a schema struct tag into directives. The type
// directive is required.
func ParseSchemaTag(tag string) (SchemaDirectives, error) {
	var d SchemaDirectives
	if tag == "" {
		return d, errors.WrapInvalid(fmt.Errorf("empty schema tag"), "SchemaTag", "ParseSchemaTag", "tag validation")
	}

	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, hasValue := strings.Cut(part, ":")
		if !hasValue {
			if key != "required" {
				return d, errors.WrapInvalid(fmt.Errorf("unknown boolean flag: %s", key),
					"SchemaTag", "ParseSchemaTag", "flag parsing")
			}
			d.Required = true
			continue
		}

		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if value == "" {
			return d, errors.WrapInvalid(fmt.Errorf("empty value for directive: %s", key),
				"SchemaTag", "ParseSchemaTag", "value validation")
		}

		switch key {
		case "type":
			if !slices.Contains(validSchemaTypes, value) {
				return d, errors.WrapInvalid(fmt.Errorf("invalid type: %s", value),
					"SchemaTag", "ParseSchemaTag", "type validation")
			}
			d.Type = value
		case "description":
			d.Description = value
		case "category":
			if value != "basic" && value != "advanced" {
				return d, errors.WrapInvalid(fmt.Errorf("invalid category: %s", value),
					"SchemaTag", "ParseSchemaTag", "category validation")
			}
			d.Category = value
		case "default":
			d.Default = value
		case "min", "max":
			n, err := strconv.Atoi(value)
			if err != nil {
				return d, errors.WrapInvalid(fmt.Errorf("invalid %s value: %s", key, value),
					"SchemaTag", "ParseSchemaTag", key+" parsing")
			}
			if key == "min" {
				d.Min = &n
			} else {
				d.Max = &n
			}
		case "enum":
			d.Enum = strings.Split(value, "|")
			for i := range d.Enum {
				d.Enum[i] = strings.TrimSpace(d.Enum[i])
			}
		default:
			return d, errors.WrapInvalid(fmt.Errorf("unknown directive: %s", key),
				"SchemaTag", "ParseSchemaTag", "directive validation")
		}
	}

	if d.Type == "" {
		return d, errors.WrapInvalid(fmt.Errorf("type directive is required"),
			"SchemaTag", "ParseSchemaTag", "required field validation")
	}
	return d, nil
}

// GenerateConfigSchema builds a ConfigSchema from the json and schema tags of
// a struct type. Fields without both tags, or with an invalid schema tag, are
// skipped. Call it once at package init and keep the result.
func GenerateConfigSchema(configType reflect.Type) ConfigSchema {
	schema := ConfigSchema{
		Properties: make(map[string]PropertySchema),
		Required:   []string{},
	}

	if configType.Kind() == reflect.Ptr {
		configType = configType.Elem()
	}
	if configType.Kind() != reflect.Struct {
		return schema
	}

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)

		fieldName, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if fieldName == "" || fieldName == "-" {
			continue
		}
		schemaTag := field.Tag.Get("schema")
		if schemaTag == "" {
			continue
		}
		d, err := ParseSchemaTag(schemaTag)
		if err != nil {
			continue
		}

		description := d.Description
		if description == "" {
			description = fieldName
		}

		schema.Properties[fieldName] = PropertySchema{
			Type:        d.Type,
			Description: description,
			Category:    d.Category,
			Default:     convertDefault(d.Default, d.Type),
			Minimum:     d.Min,
			Maximum:     d.Max,
			Enum:        d.Enum,
		}
		if d.Required {
			schema.Required = append(schema.Required, fieldName)
		}
	}

	return schema
}

func convertDefault(value any, fieldType string) any {
	s, ok := value.(string)
	if !ok {
		return value
	}

	switch fieldType {
	case "int":
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}
		return n
	case "bool":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil
		}
		return b
	case "float":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return f
	case "array", "object":
		return nil
	default:
		return s
	}
}

// ValidationError reports one configuration field that does not match its
// schema. Code is one of "required", "type", "enum", "min" or "max".
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements error
func (v ValidationError) Error() string {
	return v.Message
}

// ValidateConfig checks a decoded configuration map against schema. Unknown
// fields are allowed.
func ValidateConfig(config map[string]any, schema ConfigSchema) []ValidationError {
	var errs []ValidationError

	for _, name := range schema.Required {
		if _, ok := config[name]; !ok {
			errs = append(errs, ValidationError{
				Field: name, Code: "required",
				Message: fmt.Sprintf("Field %q is required", name),
			})
		}
	}

	for name, value := range config {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}

		num, isNum := toFloat(value)
		switch prop.Type {
		case "string", "enum":
			s, isString := value.(string)
			if !isString {
				errs = append(errs, typeError(name, "a string"))
				continue
			}
			if len(prop.Enum) > 0 && !slices.Contains(prop.Enum, s) {
				errs = append(errs, ValidationError{
					Field: name, Code: "enum",
					Message: fmt.Sprintf("Field %q must be one of: %v", name, prop.Enum),
				})
			}
		case "bool":
			if _, isBool := value.(bool); !isBool {
				errs = append(errs, typeError(name, "a boolean"))
			}
		case "int", "float":
			if !isNum {
				errs = append(errs, typeError(name, "a number"))
				continue
			}
			if prop.Minimum != nil && num < float64(*prop.Minimum) {
				errs = append(errs, ValidationError{
					Field: name, Code: "min",
					Message: fmt.Sprintf("Field %q must be >= %d", name, *prop.Minimum),
				})
			}
			if prop.Maximum != nil && num > float64(*prop.Maximum) {
				errs = append(errs, ValidationError{
					Field: name, Code: "max",
					Message: fmt.Sprintf("Field %q must be <= %d", name, *prop.Maximum),
				})
			}
		}
	}

	return errs
}

func typeError(name, want string) ValidationError {
	return ValidationError{Field: name, Code: "type", Message: fmt.Sprintf("Field %q must be %s", name, want)}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
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
