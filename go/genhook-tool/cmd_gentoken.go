package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.skia.org/genhook/go/token"
	"go.skia.org/genhook/go/webhookconf"
	"go.skia.org/infra/go/skerr"
)

// genTokenEnv provides the environment for the gen-token command.
type genTokenEnv struct {
	flagWebhookConfig string
}

// getGenTokenCmd returns the definition of the gen-token command.
func getGenTokenCmd() *cobra.Command {
	env := &genTokenEnv{}

	ret := &cobra.Command{
		Use:   "gen-token",
		Short: "Mint a fresh webhook URL token",
		Long: `
Mint a webhook URL token and print it. When --webhook_config is given the
token is additionally checked against every token already bound there.`,
		RunE: env.runGenTokenCmd,
	}
	ret.Flags().StringVar(&env.flagWebhookConfig, "webhook_config", "", "Webhook configuration file to check the minted token against.")
	ret.Args = cobra.NoArgs

	return ret
}

func (g *genTokenEnv) runGenTokenCmd(cmd *cobra.Command, args []string) error {
	inUse := func(string) bool { return false }
	if g.flagWebhookConfig != "" {
		store := webhookconf.NewStore(g.flagWebhookConfig, "")
		inUse = func(t string) bool { return store.TokenInUse(cmd.Context(), t) }
	}
	t, err := token.Mint(inUse)
	if err != nil {
		return skerr.Wrap(err)
	}
	fmt.Println(t)
	return nil
}
