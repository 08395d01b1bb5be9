package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rat-data/apiloader/internal/domain"
)

// FieldError is one field-level validation failure, tagged for assertions
// and diagnostics (e.g. "string_too_long", "missing").
type FieldError struct {
	Field  string
	Tag    string
	Detail string
}

// RecordError collects the failures of one extracted row, keyed by the
// concrete path it was extracted at.
type RecordError struct {
	Path   string
	Model  string
	Fields []FieldError
}

// ValidationError aggregates every record failure in a parse cycle.
type ValidationError struct {
	Records []RecordError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d record(s) failed validation:", len(e.Records))
	for _, rec := range e.Records {
		fmt.Fprintf(&b, " [%s %s:", rec.Model, rec.Path)
		for _, f := range rec.Fields {
			fmt.Fprintf(&b, " %s=%s(%s)", f.Field, f.Tag, f.Detail)
		}
		b.WriteString("]")
	}
	return b.String()
}

// timestampLayouts are accepted in order for timestamp fields.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// validateRecord coerces raw extracted values into the model's declared
// field types and enforces constraints. On success the returned record
// holds normalized values (string, int64, float64, bool, time.Time, nil).
func validateRecord(model *domain.DataModel, data map[string]any) (domain.Record, []FieldError) {
	record := make(domain.Record, len(model.Fields)+1)
	var errs []FieldError

	for _, field := range model.Fields {
		raw := data[field.Name]
		if raw == nil {
			if field.Nullable {
				record[field.Name] = nil
				continue
			}
			errs = append(errs, FieldError{Field: field.Name, Tag: "missing", Detail: "required value is absent"})
			continue
		}

		value, fieldErr := coerce(field, raw)
		if fieldErr != nil {
			errs = append(errs, *fieldErr)
			continue
		}
		record[field.Name] = value
	}
	return record, errs
}

func coerce(field *domain.FieldSpec, raw any) (any, *FieldError) {
	switch field.Type {
	case domain.FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, &FieldError{Field: field.Name, Tag: "string_type", Detail: fmt.Sprintf("got %T", raw)}
		}
		if field.MaxLength > 0 && len([]rune(s)) > field.MaxLength {
			return nil, &FieldError{
				Field:  field.Name,
				Tag:    "string_too_long",
				Detail: fmt.Sprintf("length %d exceeds max_length %d", len([]rune(s)), field.MaxLength),
			}
		}
		return s, nil

	case domain.FieldInt:
		switch v := raw.(type) {
		case float64:
			if v != float64(int64(v)) {
				return nil, &FieldError{Field: field.Name, Tag: "int_type", Detail: fmt.Sprintf("%v is not an integer", v)}
			}
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, &FieldError{Field: field.Name, Tag: "int_parsing", Detail: fmt.Sprintf("%q is not an integer", v)}
			}
			return n, nil
		default:
			return nil, &FieldError{Field: field.Name, Tag: "int_type", Detail: fmt.Sprintf("got %T", raw)}
		}

	case domain.FieldFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &FieldError{Field: field.Name, Tag: "float_parsing", Detail: fmt.Sprintf("%q is not a number", v)}
			}
			return f, nil
		default:
			return nil, &FieldError{Field: field.Name, Tag: "float_type", Detail: fmt.Sprintf("got %T", raw)}
		}

	case domain.FieldBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, &FieldError{Field: field.Name, Tag: "bool_parsing", Detail: fmt.Sprintf("%q is not a boolean", v)}
			}
			return b, nil
		default:
			return nil, &FieldError{Field: field.Name, Tag: "bool_type", Detail: fmt.Sprintf("got %T", raw)}
		}

	case domain.FieldTimestamp:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			for _, layout := range timestampLayouts {
				if t, err := time.Parse(layout, v); err == nil {
					return t, nil
				}
			}
			return nil, &FieldError{Field: field.Name, Tag: "timestamp_parsing", Detail: fmt.Sprintf("%q is not a timestamp", v)}
		default:
			return nil, &FieldError{Field: field.Name, Tag: "timestamp_type", Detail: fmt.Sprintf("got %T", raw)}
		}
	}
	return nil, &FieldError{Field: field.Name, Tag: "unknown_type", Detail: string(field.Type)}
}
