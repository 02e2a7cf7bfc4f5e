package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

func newRequestCommand(app *cli) *cobra.Command {
	var (
		data        string
		headerFlags []string
		queryFlags  []string
	)

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an arbitrary API request",
		Long: `Send a request through the full authentication, rate limit and retry cycle.

The body is JSON given inline or, with a leading @, read from a file. Body and
query keys are sent in camelCase unless disable_field_casing is set.`,
		Example: `  secapi request POST /policy/rules -d '{"rule_name":"block-ads"}'
  secapi request DELETE /device/devices/42`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &secapi.Request{
				Method: strings.ToUpper(args[0]),
				Path:   args[1],
			}

			query, err := parseQuery(queryFlags)
			if err != nil {
				return err
			}

			req.Query = query

			req.Headers, err = parseHeaders(headerFlags)
			if err != nil {
				return err
			}

			if data != "" {
				body, err := readBody(data)
				if err != nil {
					return err
				}

				req.Body = body
			}

			client, err := app.client(cmd.Context(), cmd)
			if err != nil {
				return err
			}

			defer func() { _ = client.Close() }()

			resp, err := client.Do(cmd.Context(), req)
			if resp != nil && app.v.GetBool("verbose") {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
			}

			if err != nil {
				return err
			}

			return renderBody(cmd.OutOrStdout(), app.output(), resp.Body)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON body, or @file to read it from a file")
	cmd.Flags().StringArrayVarP(&headerFlags, "header", "H", nil, "header 'Name: value' (repeatable)")
	cmd.Flags().StringArrayVarP(&queryFlags, "query", "q", nil, "query parameter key=value (repeatable)")

	return cmd
}

func readBody(data string) (interface{}, error) {
	raw := []byte(data)

	if path, ok := strings.CutPrefix(data, "@"); ok {
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("reading body file: %w", err)
		}

		raw = content
	}

	var body interface{}

	err := json.Unmarshal(raw, &body)
	if err != nil {
		return nil, fmt.Errorf("parsing body: %w", err)
	}

	return body, nil
}

func parseHeaders(pairs []string) (http.Header, error) {
	headers := http.Header{}

	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, ":")
		if !found || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, pair)
		}

		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return headers, nil
}
