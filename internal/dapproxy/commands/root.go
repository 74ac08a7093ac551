/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	cmds "github.com/debugmcp/mcp-debugger-sub008/internal/commands"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/logger"
)

func NewRootCommand(logger *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		SilenceErrors: true,
		Use:           "dapproxy",
		Short:         "Drives Debug Adapter Protocol sessions against language debug adapters",
		Long: `Drives Debug Adapter Protocol sessions against language debug adapters.

	dapproxy runs proxy workers that own one debug adapter each, bridges stdio-only adapters
	to TCP, and can drive a complete debug session from the command line.`,
		SilenceUsage:     true,
		PersistentPreRun: cmds.LogVersion(logger.Logger, "Starting dapproxy..."),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	logger.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = cmds.NewVersionCommand(logger.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	if cmd, err = cmds.NewInfoCommand(logger.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'info' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(NewWorkerCommand(logger.Logger))
	rootCmd.AddCommand(NewBridgeCommand(logger.Logger))
	rootCmd.AddCommand(NewSessionCommand(logger.Logger))

	return rootCmd, nil
}
