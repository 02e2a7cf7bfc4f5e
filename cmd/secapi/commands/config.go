package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fivetwenty-io/secapi/internal/config"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

func newConfigCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect CLI configuration",
		Long:  "Inspect the configuration merged from file, environment and flags",
	}

	cmd.AddCommand(newConfigShowCommand(app))
	cmd.AddCommand(newConfigValidateCommand(app))

	return cmd
}

func newConfigShowCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  "Display the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Redacted(app.v)

			return render(cmd.OutOrStdout(), app.output(), settings, func(w io.Writer) error {
				table := tablewriter.NewWriter(w)
				table.Header("Key", "Value")

				rows := flatten(settings, "")

				keys := make([]string, 0, len(rows))
				for key := range rows {
					keys = append(keys, key)
				}

				sort.Strings(keys)

				for _, key := range keys {
					_ = table.Append(key, rows[key])
				}

				err := table.Render()
				if err != nil {
					return fmt.Errorf("failed to render table: %w", err)
				}

				return nil
			})
		},
	}
}

func newConfigValidateCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		Long:  "Check the effective configuration without contacting the platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Decode(app.v)
			if err != nil {
				return err
			}

			cfg.ApplyDefaults()

			err = cfg.Validate()
			if err != nil {
				return err
			}

			return describeEndpoints(cmd.OutOrStdout(), cfg)
		},
	}
}

func describeEndpoints(w io.Writer, cfg *secapi.Config) error {
	_, err := fmt.Fprintf(w, "Configuration OK\nToken endpoint: %s\nAPI host:       %s\nSandbox host:   %s\n",
		cfg.TokenEndpoint(), cfg.APIBaseURL(), cfg.SandboxBaseURL())

	return err
}

func flatten(settings map[string]interface{}, prefix string) map[string]string {
	rows := make(map[string]string)

	for key, value := range settings {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			for nestedKey, nestedValue := range flatten(nested, path) {
				rows[nestedKey] = nestedValue
			}

			continue
		}

		rows[path] = fmt.Sprint(value)
	}

	return rows
}
