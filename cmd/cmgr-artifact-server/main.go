package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/picoCTF/cmgr-artifact-server/cmd"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgr"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/config"
	"github.com/picoCTF/cmgr-artifact-server/pkg/supervisor"
)

// rootFlags holds the raw values of the four CLI flags, bound directly to
// rootCommand below and handed to config.Resolve once cobra has parsed
// them.
var rootFlags struct {
	backend        string
	logLevel       string
	backendOptions []string
	salt           string
}

// rootMain is the entry point for the root command. It resolves the
// configuration, installs a signal handler for the termination signals
// the rest of the module expects, and runs the supervisor until shutdown.
func rootMain(_ *cobra.Command, _ []string) error {
	cfg, err := config.Resolve(rootFlags.backend, rootFlags.logLevel, rootFlags.salt, rootFlags.backendOptions)
	if err != nil {
		return err
	}

	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, cmd.TerminationSignals...)

	return supervisor.Run(cfg, signalTermination)
}

// rootCommand is the root command.
var rootCommand = &cobra.Command{
	Use:           "cmgr-artifact-server",
	Version:       cmgr.Version,
	Short:         "Mirrors a directory of gzipped tar artifacts to a download server or object-store bucket",
	RunE:          rootMain,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.EnableCommandSorting = false
	cobra.MousetrapHelpText = ""

	rootCommand.SetVersionTemplate("cmgr-artifact-server version {{ .Version }}\n")

	flags := rootCommand.Flags()
	flags.SortFlags = false

	flags.StringVarP(&rootFlags.backend, "backend", "b", "", "serving backend: selfhosted or s3")
	flags.StringVarP(&rootFlags.logLevel, "log-level", "l", "info", "log level: error, warn, info, debug, trace")
	flags.StringArrayVarP(&rootFlags.backendOptions, "backend-option", "o", nil, "backend-specific KEY=VALUE option (repeatable)")
	flags.StringVarP(&rootFlags.salt, "salt", "s", "", "salt for BuildId derivation")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cmgrerrors.Chain(err))
		os.Exit(1)
	}
}
