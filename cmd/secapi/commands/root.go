// Package commands implements the secapi command line interface.
package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/fivetwenty-io/secapi/internal/config"
	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/internal/logging"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
	"github.com/fivetwenty-io/secapi/pkg/secclient"
)

// Output formats.
const (
	OutputFormatTable = "table"
	OutputFormatJSON  = constants.FormatJSON
	OutputFormatYAML  = constants.FormatYAML

	Masked = constants.MaskedSecret
)

// Static errors for err113 compliance.
var (
	ErrUnknownOutputFormat = errors.New("unknown output format")
	ErrEmptySecret         = errors.New("no client secret entered")
)

// BuildInfo is stamped into the binary by the linker.
type BuildInfo struct {
	Version string `json:"version" yaml:"version"`
	Commit  string `json:"commit"  yaml:"commit"`
	Built   string `json:"built"   yaml:"built"`
}

// cli carries state shared by every command of one invocation.
type cli struct {
	v *viper.Viper
}

// flagKeys maps persistent flags to configuration keys.
//
//nolint:gochecknoglobals // read-only lookup tables
var flagKeys = map[string]string{
	"client-id":     "client_id",
	"vanity-domain": "vanity_domain",
	"cloud":         "cloud",
	"token-url":     "token_url",
	"base-url":      "base_url",
	"sandbox-url":   "sandbox_url",
	"max-retries":   "max_retries",
	"timeout":       "timeout",
	"output":        "output",
	"verbose":       "verbose",
	"log-format":    "log_format",
	"prompt-secret": "prompt_secret",
}

// NewRootCommand builds the command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	app := &cli{v: config.NewViper()}

	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "secapi",
		Short: "Cloud security platform API CLI",
		Long: `A command-line interface for the cloud security platform REST APIs.

Credentials and hosts come from a YAML config file (default
$HOME/.secapi/config.yml), SECAPI_ environment variables and flags, in
increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig(cmd, cfgFile)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.secapi/config.yml)")
	flags.String("client-id", "", "OAuth client id")
	flags.String("vanity-domain", "", "tenant vanity domain")
	flags.String("cloud", "", "platform cloud (default production)")
	flags.String("token-url", "", "token endpoint override")
	flags.String("base-url", "", "API host override")
	flags.String("sandbox-url", "", "sandbox host override")
	flags.Int("max-retries", 0, "retries after the first attempt")
	flags.Duration("timeout", 0, "overall time budget of one call")
	flags.StringP("output", "o", OutputFormatTable, "output format (table, json, yaml)")
	flags.BoolP("verbose", "v", false, "log requests and responses to stderr")
	flags.String("log-format", logging.FormatText, "log format (text, json)")
	flags.Bool("prompt-secret", false, "read the client secret from the terminal")

	for flag, key := range flagKeys {
		_ = app.v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(newVersionCommand(app, info))
	rootCmd.AddCommand(newServicesCommand(app))
	rootCmd.AddCommand(newTokenCommand(app))
	rootCmd.AddCommand(newGetCommand(app))
	rootCmd.AddCommand(newRequestCommand(app))
	rootCmd.AddCommand(newConfigCommand(app))

	return rootCmd
}

func (c *cli) initConfig(cmd *cobra.Command, cfgFile string) error {
	if cfgFile != "" {
		_, err := os.Stat(cfgFile)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", constants.ErrNoConfigFile, cfgFile)
		}

		c.v.SetConfigFile(cfgFile)

		err = c.v.ReadInConfig()
		if err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}

		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	c.v.AddConfigPath(filepath.Join(home, ".secapi"))
	c.v.SetConfigName("config")

	err = c.v.ReadInConfig()
	if err == nil && c.v.GetBool("verbose") {
		fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", c.v.ConfigFileUsed())
	}

	return nil
}

func (c *cli) output() string {
	return strings.ToLower(c.v.GetString("output"))
}

// client builds an API client from the merged configuration.
func (c *cli) client(ctx context.Context, cmd *cobra.Command) (secapi.Client, error) {
	cfg, err := config.Decode(c.v)
	if err != nil {
		return nil, err
	}

	if c.v.GetBool("prompt_secret") && cfg.PrivateKey == "" && cfg.ClientSecret == "" {
		secret, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}

		cfg.ClientSecret = secret
	}

	if c.v.GetBool("verbose") {
		logger, err := logging.New(cmd.ErrOrStderr(), c.v.GetString("log_format"), "debug")
		if err != nil {
			return nil, err
		}

		cfg.Logger = logging.NewLogrus(logger)
		cfg.Debug = true
	}

	return secclient.New(ctx, cfg)
}

// readSecret reads a secret without echo from a terminal, or one line from
// any other reader.
func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if file, ok := in.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		fmt.Fprint(prompt, "Client secret: ")

		secret, err := term.ReadPassword(int(file.Fd()))

		fmt.Fprintln(prompt)

		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}

		return requireSecret(string(secret))
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}

	return requireSecret(line)
}

func requireSecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", ErrEmptySecret
	}

	return secret, nil
}
