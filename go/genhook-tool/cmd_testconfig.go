package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"go.skia.org/genhook/go/extract"
	"go.skia.org/genhook/go/render"
	"go.skia.org/infra/go/skerr"
)

// testEnv provides the environment for the test command.
type testEnv struct {
	flagFields      string
	flagTemplate    string
	flagPayloadFile string
}

// getTestCmd returns the definition of the test command.
func getTestCmd() *cobra.Command {
	env := &testEnv{}

	ret := &cobra.Command{
		Use:   "test",
		Short: "Dry-run a webhook configuration against a payload file",
		Long: `
Apply a fields expression and a message template to a JSON payload read from
--payload_file, printing the extracted values and the rendered message. No
configuration is touched and nothing is sent to the sink.`,
		RunE: env.runTestCmd,
	}
	ret.Flags().StringVar(&env.flagFields, "fields", "", "Field-pattern expression, e.g. 'action,repository{name}'.")
	ret.Flags().StringVar(&env.flagTemplate, "template", "", "Message template, e.g. 'PR $action$ on $repository.name$'.")
	ret.Flags().StringVar(&env.flagPayloadFile, "payload_file", "", "File holding the JSON payload to test against.")
	must(ret.MarkFlagRequired("fields"))
	must(ret.MarkFlagRequired("template"))
	must(ret.MarkFlagRequired("payload_file"))
	ret.Args = cobra.NoArgs

	return ret
}

func (e *testEnv) runTestCmd(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(e.flagPayloadFile)
	if err != nil {
		return skerr.Wrap(err)
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return skerr.Wrapf(err, "parsing %s", e.flagPayloadFile)
	}
	values, err := extract.Extract(payload, e.flagFields)
	if err != nil {
		return skerr.Wrap(err)
	}
	message, err := render.Render(e.flagTemplate, values)
	if err != nil {
		return skerr.Wrap(err)
	}
	fmt.Printf("Extracted values:\n%s", spew.Sdump(values))
	fmt.Printf("Message: %s\n", message)
	return nil
}
