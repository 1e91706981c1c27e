package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.skia.org/genhook/go/config"
	"go.skia.org/genhook/go/webhookconf"
	"go.skia.org/infra/go/skerr"
)

// validateEnv provides the environment for the validate command.
type validateEnv struct {
	flagAppConfig     string
	flagWebhookConfig string
}

// getValidateCmd returns the definition of the validate command.
func getValidateCmd() *cobra.Command {
	env := &validateEnv{}

	ret := &cobra.Command{
		Use:     "validate",
		Aliases: []string{"va"},
		Short:   "Validate the application and webhook configuration files",
		Long: `
Load the application configuration, then parse and validate every webhook
configuration record, printing a per-record summary. Exits non-zero when
anything is invalid.`,
		RunE: env.runValidateCmd,
	}
	ret.Flags().StringVar(&env.flagAppConfig, "app_config", "config/app-config.ini", "Application configuration file. A .prod variant of the file is preferred when present.")
	ret.Flags().StringVar(&env.flagWebhookConfig, "webhook_config", "", "Webhook configuration file; overrides the path from the application configuration.")
	ret.Args = cobra.NoArgs

	return ret
}

func (v *validateEnv) runValidateCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v.flagAppConfig)
	if err != nil {
		return skerr.Wrapf(err, "loading application configuration")
	}
	fmt.Printf("Application configuration OK: %s\n", cfg.Path)
	fmt.Printf("  server:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  sink URL:  %s\n", cfg.Sink.URL)
	fmt.Printf("  sink user: %s\n", cfg.Sink.Username)
	fmt.Printf("  password:  %s\n", strings.Repeat("*", len(cfg.Sink.Password)))

	path := v.flagWebhookConfig
	if path == "" {
		path = cfg.Webhooks.ConfigFile
	}
	store := webhookconf.NewStore(path, cfg.Webhooks.BackupDirectory)
	recs, err := store.Validate(cmd.Context())
	if err != nil {
		return skerr.Wrapf(err, "validating %s", path)
	}
	fmt.Printf("Webhook configuration OK: %s (%d records)\n", path, len(recs))
	for _, rec := range recs {
		fmt.Printf("  %s\n", rec.Key())
		fmt.Printf("    alignment: %s\n", rec.AlignedResource())
		fmt.Printf("    fields:    %s\n", rec.Fields)
		fmt.Printf("    template:  %s\n", preview(rec.Template, 60))
	}
	return nil
}
