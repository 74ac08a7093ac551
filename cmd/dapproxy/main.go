/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"os"

	cmdutil "github.com/debugmcp/mcp-debugger-sub008/internal/commands"
	"github.com/debugmcp/mcp-debugger-sub008/internal/dapproxy/commands"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/logger"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/osutil"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/resiliency"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = 3
)

func main() {
	log := logger.New("dapproxy").
		WithName("dapproxy")

	defer func() {
		panicErr := resiliency.MakePanicError(recover(), log.Logger)
		if panicErr != nil {
			_, _ = os.Stderr.Write(osutil.WithNewline([]byte(panicErr.Error())))
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx := context.Background()

	root, err := commands.NewRootCommand(log)
	if err != nil {
		cmdutil.ErrorExit(log, err, errSetup)
	}

	err = root.ExecuteContext(ctx)
	if err != nil {
		cmdutil.ErrorExit(log, err, errCommandError)
	} else {
		log.Flush()
	}
}
