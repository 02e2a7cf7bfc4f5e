package secapi

import (
	"net/url"
	"strings"
)

// FieldNamer transforms an outbound field name.
type FieldNamer func(string) string

// SnakeToCamel converts snake_case to camelCase. Names without underscores
// are returned unchanged.
func SnakeToCamel(name string) string {
	if !strings.Contains(name, "_") {
		return name
	}

	parts := strings.Split(name, "_")

	var b strings.Builder

	b.Grow(len(name))
	b.WriteString(parts[0])

	for _, part := range parts[1:] {
		if part == "" {
			continue
		}

		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}

	return b.String()
}

// RenameValues returns a copy of values with every key passed through namer.
func RenameValues(values url.Values, namer FieldNamer) url.Values {
	if namer == nil || values == nil {
		return values
	}

	renamed := make(url.Values, len(values))
	for key, vals := range values {
		target := namer(key)
		renamed[target] = append(renamed[target], vals...)
	}

	return renamed
}

// RenameBody rewrites the keys of generic JSON bodies. Typed structs are
// returned as is; their json tags already name the wire fields.
func RenameBody(body interface{}, namer FieldNamer) interface{} {
	if namer == nil {
		return body
	}

	switch typed := body.(type) {
	case map[string]interface{}:
		renamed := make(map[string]interface{}, len(typed))
		for key, value := range typed {
			renamed[namer(key)] = RenameBody(value, namer)
		}

		return renamed
	case []interface{}:
		renamed := make([]interface{}, len(typed))
		for i, value := range typed {
			renamed[i] = RenameBody(value, namer)
		}

		return renamed
	default:
		return body
	}
}
