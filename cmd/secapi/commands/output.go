package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

//nolint:gochecknoglobals // derived constant
var defaultJSONIndent = strings.Repeat(" ", constants.JSONIndentSize)

// render writes value in the requested format. table renders a table when
// the format is "table".
func render(w io.Writer, format string, value interface{}, table func(io.Writer) error) error {
	switch format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", defaultJSONIndent)

		return encoder.Encode(value)
	case OutputFormatYAML:
		encoder := yaml.NewEncoder(w)
		defer func() { _ = encoder.Close() }()

		return encoder.Encode(value)
	case OutputFormatTable, "":
		return table(w)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOutputFormat, format)
	}
}

// renderBody writes a raw JSON response body in the requested format.
func renderBody(w io.Writer, format string, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if !gjson.ValidBytes(body) {
		_, err := w.Write(body)

		return err
	}

	switch format {
	case OutputFormatJSON:
		var buf bytes.Buffer

		err := json.Indent(&buf, body, "", defaultJSONIndent)
		if err != nil {
			return fmt.Errorf("formatting response: %w", err)
		}

		buf.WriteByte('\n')
		_, err = buf.WriteTo(w)

		return err
	case OutputFormatYAML:
		var value interface{}

		err := json.Unmarshal(body, &value)
		if err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}

		return render(w, format, value, nil)
	case OutputFormatTable, "":
		return renderJSONTable(w, gjson.ParseBytes(body))
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOutputFormat, format)
	}
}

// renderJSONTable renders an array of objects with one column per key, an
// object as property/value rows, and anything else verbatim.
func renderJSONTable(w io.Writer, result gjson.Result) error {
	table := tablewriter.NewWriter(w)

	switch {
	case result.IsArray():
		rows := result.Array()
		columns := columnsOf(rows)

		if len(columns) == 0 {
			table.Header("Value")

			for _, row := range rows {
				_ = table.Append(row.String())
			}

			break
		}

		table.Header(toAny(columns)...)

		for _, row := range rows {
			fields := row.Map()

			cells := make([]interface{}, 0, len(columns))
			for _, column := range columns {
				cells = append(cells, fields[column].String())
			}

			_ = table.Append(cells...)
		}
	case result.IsObject():
		table.Header("Property", "Value")

		result.ForEach(func(key, value gjson.Result) bool {
			_ = table.Append(key.String(), value.String())

			return true
		})
	default:
		_, err := fmt.Fprintln(w, result.String())

		return err
	}

	err := table.Render()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	return nil
}

func columnsOf(rows []gjson.Result) []string {
	seen := make(map[string]bool)

	for _, row := range rows {
		if !row.IsObject() {
			continue
		}

		row.ForEach(func(key, _ gjson.Result) bool {
			seen[key.String()] = true

			return true
		})
	}

	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}

	sort.Strings(columns)

	return columns
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, value := range values {
		out[i] = value
	}

	return out
}
