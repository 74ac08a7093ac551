/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	cmds "github.com/debugmcp/mcp-debugger-sub008/internal/commands"
	"github.com/debugmcp/mcp-debugger-sub008/internal/config"
	"github.com/debugmcp/mcp-debugger-sub008/internal/dap"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
)

const defaultBackendCommand = "vsdbg"

var (
	bridgeHost       string
	bridgePort       int
	bridgeBackend    string
	bridgeSymbolsDir string
)

func NewBridgeCommand(log logr.Logger) *cobra.Command {
	bridgeCmd := &cobra.Command{
		Use:   "bridge --port port [--host host] [--backend command] [--symbols-dir dir] [-- backend-args...]",
		Short: "Exposes a stdio-only debug adapter on a TCP port",
		Long: `Exposes a stdio-only debug adapter on a TCP port.

	The bridge accepts exactly one connection, starts the backend, and relays DAP frames in both directions.
	The backend's signing handshake is answered by the helper named in VSDA_SIGNER_PATH.
	Arguments after "--" replace the default backend arguments.`,
		RunE: runBridge(log),
	}

	bridgeCmd.Flags().StringVar(&bridgeHost, "host", "127.0.0.1", "The address the bridge listens on.")
	bridgeCmd.Flags().IntVar(&bridgePort, "port", 0, "The port the bridge listens on.")
	bridgeCmd.Flags().StringVar(&bridgeBackend, "backend", "", "The backend executable. Defaults to VSDBG_PATH, or vsdbg found on PATH.")
	bridgeCmd.Flags().StringVar(&bridgeSymbolsDir, "symbols-dir", "", "Directory with symbol files to convert before the backend starts. Requires DAP_SYMBOL_CONVERTER.")
	_ = bridgeCmd.MarkFlagRequired("port")
	cmds.AddMonitorFlags(bridgeCmd)

	return bridgeCmd
}

func runBridge(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("bridge")

		if bridgePort <= 0 || bridgePort > 65535 {
			return fmt.Errorf("%w: port %d is out of range", dap.ErrInvalidConfig, bridgePort)
		}

		env, envErr := config.LoadEnvironment()
		if envErr != nil {
			log.Error(envErr, "Invalid environment configuration")
			return envErr
		}

		executor := process.NewOSExecutor(log)

		signer, signerErr := dap.NewExecSigner(dap.ExecSignerConfig{
			Helper:   env.SignerPath,
			Executor: executor,
			Logger:   log,
		})
		if signerErr != nil {
			log.Error(signerErr, "Signing helper is not available", "path", env.SignerPath)
			return signerErr
		}

		backend := bridgeBackend
		if backend == "" {
			backend = env.VsdbgPath
		}
		if backend == "" {
			backend = defaultBackendCommand
		}

		bridgeConfig := dap.StdioBridgeConfig{
			Command:  backend,
			Args:     args,
			Signer:   signer,
			Executor: executor,
			Logger:   log,
		}
		if env.SymbolConverter != "" && bridgeSymbolsDir != "" {
			bridgeConfig.SymbolConverter = &dap.ExecSymbolConverter{
				Tool:     env.SymbolConverter,
				Dir:      bridgeSymbolsDir,
				Executor: executor,
				Logger:   log,
			}
		}

		ctx := cmds.MonitorOrphaned(cmd.Context(), env.OrphanCheckInterval, env.Contained, log)
		ctx = cmds.Monitor(ctx, log)

		log.Info("Starting stdio bridge", "host", bridgeHost, "port", bridgePort, "backend", backend)
		bridge := dap.NewStdioBridge(bridgeConfig)
		if serveErr := bridge.ListenAndServe(ctx, bridgeHost, bridgePort); serveErr != nil {
			log.Error(serveErr, "Bridge stopped with an error")
			return serveErr
		}
		return nil
	}
}
