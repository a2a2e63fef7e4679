/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/microsoft/dap-engine/internal/commands"
	"github.com/microsoft/dap-engine/pkg/logger"
)

const (
	errCommandError = 1
)

func main() {
	log := logger.New("dap-engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := commands.NewRootCommand(log)
	err := root.ExecuteContext(ctx)
	stop()
	log.V(1).Info("dap-engine exiting", "Uptime", logger.Uptime().String())
	log.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errCommandError)
	}
}
