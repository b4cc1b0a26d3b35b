package registry

import (
	"fmt"
)

// FieldKind enumerates the value kinds a schema field may declare.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
	KindObject  FieldKind = "object"
	KindArray   FieldKind = "array"
	KindAny     FieldKind = "any"
)

// Schema declares the shape of a tool input or output document: the set of
// known fields with their kinds and the subset that must be present.
type Schema struct {
	Fields   map[string]FieldKind
	Required []string
}

// Validate checks a decoded JSON document against the schema.
func (s Schema) Validate(fields map[string]any) error {
	for _, name := range s.Required {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	for name, value := range fields {
		kind, ok := s.Fields[name]
		if !ok {
			// Unknown fields are tolerated so tools can evolve their inputs.
			continue
		}
		if err := checkKind(name, kind, value); err != nil {
			return err
		}
	}
	return nil
}

func checkKind(name string, kind FieldKind, value any) error {
	if kind == KindAny || value == nil {
		return nil
	}
	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field %q must be a string", name)
		}
	case KindNumber:
		// encoding/json decodes every JSON number into float64.
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("field %q must be a number", name)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %q must be a boolean", name)
		}
	case KindObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("field %q must be an object", name)
		}
	case KindArray:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("field %q must be an array", name)
		}
	default:
		return fmt.Errorf("field %q declares unsupported kind %q", name, kind)
	}
	return nil
}
