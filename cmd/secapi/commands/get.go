package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// Static errors for err113 compliance.
var (
	ErrInvalidQueryParam = errors.New("query parameters must look like key=value")
	ErrInvalidHeader     = errors.New("headers must look like 'Name: value'")
)

func newGetCommand(app *cli) *cobra.Command {
	var (
		queryFlags []string
		all        bool
		pageSize   int
	)

	cmd := &cobra.Command{
		Use:   "get PATH",
		Short: "GET an API path",
		Long: `Send a GET request and print the response body.

With --all the path is listed page by page following the pagination style of
its service, and every item is printed.`,
		Example: `  secapi get /access/users --all --page-size 200
  secapi get /analytics/events -q from=2026-01-01 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseQuery(queryFlags)
			if err != nil {
				return err
			}

			client, err := app.client(cmd.Context(), cmd)
			if err != nil {
				return err
			}

			defer func() { _ = client.Close() }()

			if !all {
				resp, err := client.Get(cmd.Context(), args[0], query)
				if err != nil {
					return err
				}

				return renderBody(cmd.OutOrStdout(), app.output(), resp.Body)
			}

			params := secapi.NewQueryParams()
			if pageSize > 0 {
				params.WithPageSize(pageSize)
			}

			for key, values := range query {
				params.WithFilter(key, values...)
			}

			result, err := client.List(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}

			items, err := result.All(cmd.Context())
			if err != nil {
				return err
			}

			body, err := json.Marshal(items)
			if err != nil {
				return fmt.Errorf("encoding items: %w", err)
			}

			return renderBody(cmd.OutOrStdout(), app.output(), body)
		},
	}

	cmd.Flags().StringArrayVarP(&queryFlags, "query", "q", nil, "query parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "follow pagination and print every item")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "page size for --all (clamped to the service bounds)")

	return cmd
}

func parseQuery(pairs []string) (url.Values, error) {
	query := url.Values{}

	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidQueryParam, pair)
		}

		query.Add(key, value)
	}

	return query, nil
}
