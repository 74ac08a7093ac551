package commands

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/debugmcp/mcp-debugger-sub008/internal/config"
	"github.com/debugmcp/mcp-debugger-sub008/internal/version"
)

func NewInfoCommand(log logr.Logger) (*cobra.Command, error) {
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Prints information about the proxy and the external tools it depends on.",
		Long:  `Prints information.`,
		RunE:  getInfo(log),
		Args:  cobra.NoArgs,
	}

	return infoCmd, nil
}

type toolInfo struct {
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

type information struct {
	Version           version.VersionOutput `json:"version"`
	Contained         bool                  `json:"contained"`
	DisabledLanguages []string              `json:"disabledLanguages,omitempty"`
	Vsdbg             toolInfo              `json:"vsdbg"`
	Signer            toolInfo              `json:"signer"`
	SymbolConverter   *toolInfo             `json:"symbolConverter,omitempty"`
}

func getInfo(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := log.WithName("info")

		env, err := config.LoadEnvironment()
		if err != nil {
			log.Error(err, "could not read environment configuration")
			return err
		}

		info := information{
			Version:           version.Version(),
			Contained:         env.Contained,
			DisabledLanguages: env.DisabledLanguages,
			Vsdbg:             lookupTool(env.VsdbgPath, "vsdbg"),
			Signer:            lookupTool(env.SignerPath, ""),
		}
		if env.SymbolConverter != "" {
			converter := lookupTool(env.SymbolConverter, "")
			info.SymbolConverter = &converter
		}

		if info, err := json.Marshal(info); err != nil {
			log.Error(err, "could not serialize application information")
			return err
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), string(info))
		}

		return nil
	}
}

// lookupTool resolves an explicitly configured tool path, or the fallback name on PATH.
func lookupTool(configured string, fallback string) toolInfo {
	name := configured
	if name == "" {
		name = fallback
	}
	if name == "" {
		return toolInfo{Error: "not configured"}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return toolInfo{Path: name, Error: err.Error()}
	}
	return toolInfo{Path: path, Available: true}
}
