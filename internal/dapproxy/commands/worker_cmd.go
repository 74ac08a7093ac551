/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	cmds "github.com/debugmcp/mcp-debugger-sub008/internal/commands"
	"github.com/debugmcp/mcp-debugger-sub008/internal/config"
	"github.com/debugmcp/mcp-debugger-sub008/internal/dap"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
)

var workspaceRoot string

func NewWorkerCommand(log logr.Logger) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs a proxy worker that owns one debug adapter",
		Long: `Runs a proxy worker that owns one debug adapter.

	The worker reads commands from stdin and writes proxy messages to stdout, one JSON document per line.
	It exits when it is told to terminate, when stdin is closed, or when its parent process goes away.`,
		RunE: runWorker(log),
		Args: cobra.NoArgs,
	}

	workerCmd.Flags().StringVar(&workspaceRoot, "workspace-root", "", "Directory that relative script paths are resolved against when running in a container.")
	cmds.AddMonitorFlags(workerCmd)

	return workerCmd
}

func runWorker(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("worker")

		env, envErr := config.LoadEnvironment()
		if envErr != nil {
			log.Error(envErr, "Invalid environment configuration")
			return envErr
		}

		ctx := cmds.MonitorOrphaned(cmd.Context(), env.OrphanCheckInterval, env.Contained, log)
		ctx = cmds.Monitor(ctx, log)

		opts := dap.ProxyWorkerOptions{
			Executor:      process.NewOSExecutor(log),
			Contained:     env.Contained,
			WorkspaceRoot: workspaceRoot,
			Logger:        log,
		}

		log.V(1).Info("Worker ready", "contained", env.Contained)
		if runErr := dap.RunWorkerLoop(ctx, os.Stdin, os.Stdout, opts); runErr != nil {
			log.Error(runErr, "Worker stopped with an error")
			return runErr
		}
		return nil
	}
}
