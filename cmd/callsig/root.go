package main

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/maxgio92/callsig"
	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/objfile"
	"github.com/maxgio92/callsig/r2"
)

var rootCmd = &cobra.Command{
	Use:   "callsig",
	Short: "Recover serialization layouts from compiled binaries",
	Long: `callsig describes what a function does as a regular expression over the
calls it makes, with statically known register values at each call site.
Applied to the serializers of a network protocol, the signatures spell out
the payload layout of every packet.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		log.SetHandler(cli.New(os.Stderr))
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file (defaults to the built-in MCPE rules)")
	rootCmd.PersistentFlags().Bool("native", false, "Decode the ELF binary natively instead of using radare2")

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(signatureCmd)
}

func loadConfig(cmd *cobra.Command) (callsig.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return callsig.DefaultConfig(), nil
	}
	return callsig.LoadConfig(path)
}

// opener returns a session factory for target: a binary path or the URL of
// a radare2 HTTP server.
func opener(cmd *cobra.Command, target string) callsig.Opener {
	if native, _ := cmd.Flags().GetBool("native"); native {
		return func() (backend.Backend, error) {
			f, err := objfile.Open(target)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
	}
	return func() (backend.Backend, error) {
		s, err := r2.Open(target)
		if err != nil {
			return nil, errors.Wrap(err, "start radare2")
		}
		return r2.NewClient(s), nil
	}
}
