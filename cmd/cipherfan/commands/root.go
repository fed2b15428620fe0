package commands

import (
	"context"

	"github.com/spf13/cobra"

	"cipherfan/internal/app"
)

var (
	home       string
	configPath string
	passphrase string
	relayURL   string
	logLevel   string
	logJSON    bool

	appCtx *app.App
)

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "cipherfan",
		Short:         "End-to-end encrypted multi-device messaging CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			flags := cmd.Flags()
			if flags.Changed("home") {
				overrides["home"] = home
			}
			if flags.Changed("passphrase") {
				overrides["store.passphrase"] = passphrase
			}
			if flags.Changed("relay") {
				overrides["relay.url"] = relayURL
			}
			if flags.Changed("log-level") {
				overrides["log.level"] = logLevel
			}
			if flags.Changed("log-json") {
				overrides["log.json"] = logJSON
			}

			cfg, err := app.LoadConfig(configPath, overrides)
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
			w, err := app.NewWire(cfg, logger)
			if err != nil {
				return err
			}
			appCtx = app.New(w)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&home, "home", "", "data dir (default ~/.cipherfan)")
	pf.StringVar(&configPath, "config", "", "config file (default <home>/config.yaml)")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase sealing the identity key (or CIPHERFAN_STORE__PASSPHRASE)")
	pf.StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	pf.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.BoolVar(&logJSON, "log-json", false, "emit logs as JSON")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		publishCmd(),
		sendCmd(),
		sendMediaCmd(),
		recvCmd(),
		memberCmd(),
		groupCmd(),
		sessionsCmd(),
	)
	err := root.ExecuteContext(ctx)
	if appCtx != nil {
		if cerr := appCtx.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
