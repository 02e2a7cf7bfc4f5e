package commands

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const tokenPreviewLength = 12

type tokenInfo struct {
	AccessToken string `json:"access_token" yaml:"access_token"`
	TokenType   string `json:"token_type"   yaml:"token_type"`
}

func newTokenCommand(app *cli) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain a bearer token",
		Long:  "Authenticate with the configured credentials and print the bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client(cmd.Context(), cmd)
			if err != nil {
				return err
			}

			defer func() { _ = client.Close() }()

			token, err := client.GetToken(cmd.Context())
			if err != nil {
				return err
			}

			if raw {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)

				return err
			}

			info := tokenInfo{AccessToken: token, TokenType: "Bearer"}

			return render(cmd.OutOrStdout(), app.output(), info, func(w io.Writer) error {
				table := tablewriter.NewWriter(w)
				table.Header("Property", "Value")
				_ = table.Append("Token", preview(token))
				_ = table.Append("Type", info.TokenType)

				err := table.Render()
				if err != nil {
					return fmt.Errorf("failed to render table: %w", err)
				}

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print only the token")

	return cmd
}

func preview(token string) string {
	if len(token) <= tokenPreviewLength {
		return Masked
	}

	return token[:tokenPreviewLength] + "..."
}
