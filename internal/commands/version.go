package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/debugmcp/mcp-debugger-sub008/internal/version"
)

const (
	//  If set, the value of this variable will be written to the log as one of the first log messages.
	DAPPROXY_LOGGING_CONTEXT = "DAPPROXY_LOGGING_CONTEXT"
)

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	short := false
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long: `Prints version information as a JSON document.

With --short only the product version is printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.Version().Version)
				return nil
			}

			versionStr, err := versionString()
			if err != nil {
				log.WithName("version").Error(err, "Could not serialize version information")
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), versionStr)
			return nil
		},
		Args: cobra.NoArgs,
	}
	versionCmd.Flags().BoolVar(&short, "short", false, "Print only the product version")

	return versionCmd, nil
}

// LogVersion returns a cobra pre-run hook that records the program start in the log.
func LogVersion(log logr.Logger, programStartMsg string) func(_ *cobra.Command, _ []string) {
	return func(_ *cobra.Command, _ []string) {
		versionString, err := versionString()
		if err != nil {
			versionString = fmt.Sprintf("unknown: %v", err)
		}

		launchPath, pathErr := os.Executable()
		if pathErr != nil {
			launchPath = os.Args[0]
		}

		log.V(1).Info(programStartMsg,
			"PID", os.Getpid(),
			"PPID", os.Getppid(),
			"Exe", launchPath,
			"Args", os.Args[1:],
			"Version", versionString,
		)

		logContext, found := os.LookupEnv(DAPPROXY_LOGGING_CONTEXT)
		if found && len(logContext) > 0 {
			log.V(1).Info(logContext)
		}
	}
}

func versionString() (string, error) {
	raw, err := json.Marshal(version.Version())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
