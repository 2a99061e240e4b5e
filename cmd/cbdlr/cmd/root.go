// Package cmd provides the CLI commands for cbdlr.
package cmd

import (
	"fmt"
	"time"

	"cbdlr/internal/cbapi"
	"cbdlr/internal/config"
	"cbdlr/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// GlobalOptions holds the flags shared by every command.
type GlobalOptions struct {
	URL             string
	Token           string
	NoSSLVerify     bool
	Profile         string
	CredentialsFile string
	Verbose         bool
	LogDir          string
	RequestTimeout  time.Duration

	// env overrides os.LookupEnv in tests
	env func(string) (string, bool)
}

// DefaultGlobalOptions returns the default global options.
func DefaultGlobalOptions() *GlobalOptions {
	return &GlobalOptions{
		LogDir:         "logs",
		RequestTimeout: 60 * time.Second,
	}
}

// NewRootCommand builds the cbdlr command tree.
func NewRootCommand() *cobra.Command {
	opts := DefaultGlobalOptions()

	root := &cobra.Command{
		Use:   "cbdlr",
		Short: "Cb Defense Live Response client",
		Long: `cbdlr opens Carbon Black Defense Live Response sessions on endpoints
and drives them from an interactive shell.

Credentials are read from the [default] profile of
~/.carbonblack/credentials.defense unless overridden by --profile,
--credentials, the CBAPI_* environment variables or --cburl/--apitoken.

Examples:
  cbdlr shell 12345
  cbdlr devices --hostname FIN-LAPTOP-7
  cbdlr shell 12345 --transcript case-42.jsonl
  cbdlr transcript case-42.jsonl --follow`,
		Version:       cbapi.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.URL, "cburl", "", "Cb Defense API base URL (overrides the profile)")
	flags.StringVar(&opts.Token, "apitoken", "", "API token as APIKEY/CONNECTORID (overrides the profile)")
	flags.BoolVar(&opts.NoSSLVerify, "no-ssl-verify", false, "do not verify the server TLS certificate")
	flags.StringVar(&opts.Profile, "profile", "", "credentials profile (default \"default\" or $CBAPI_PROFILE)")
	flags.StringVar(&opts.CredentialsFile, "credentials", "", "read credentials from this file only")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "enable verbose output")
	flags.StringVar(&opts.LogDir, "log-dir", opts.LogDir, "directory for the JSONL log file")
	flags.DurationVar(&opts.RequestTimeout, "request-timeout", opts.RequestTimeout, "timeout for a single API request")

	root.AddCommand(newShellCommand(opts))
	root.AddCommand(newDevicesCommand(opts))
	root.AddCommand(newTranscriptCommand(opts))
	return root
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}

// setupLogging configures the global logger for a command run.
func (o *GlobalOptions) setupLogging(command string) (*zap.Logger, error) {
	logCfg := logging.DefaultConfig()
	logCfg.LogDir = o.LogDir
	if o.Verbose {
		logCfg.Level = "debug"
		logCfg.ConsoleLevel = "debug"
	}
	if err := logging.Setup(logCfg); err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return logging.L().With(zap.String("command", command)), nil
}

// loadCredentials resolves credentials from files, environment and the
// flags that were set explicitly on cmd.
func (o *GlobalOptions) loadCredentials(cmd *cobra.Command) (*config.Credentials, error) {
	load := config.LoadOptions{Profile: o.Profile, Env: o.env}
	if o.CredentialsFile != "" {
		load.Files = []string{o.CredentialsFile}
	}

	flags := cmd.Flags()
	if flags.Changed("cburl") {
		load.Overrides.URL = &o.URL
	}
	if flags.Changed("apitoken") {
		load.Overrides.Token = &o.Token
	}
	if o.NoSSLVerify {
		verify := false
		load.Overrides.SSLVerify = &verify
	}

	return config.Load(load)
}

// connect loads credentials and opens an API connection.
func (o *GlobalOptions) connect(cmd *cobra.Command, logger *zap.Logger) (*cbapi.Connection, error) {
	creds, err := o.loadCredentials(cmd)
	if err != nil {
		return nil, err
	}

	cfg := cbapi.DefaultConfig()
	cfg.Credentials = creds
	cfg.RequestTimeout = o.RequestTimeout
	cfg.Logger = logger

	conn, err := cbapi.NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug("connection_ready",
		zap.String("profile", creds.Profile),
		zap.String("url", creds.URL),
		zap.Bool("ssl_verify", creds.SSLVerify),
	)
	return conn, nil
}
