/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package commands implements the dap-engine command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/microsoft/dap-engine/pkg/logger"
)

func NewRootCommand(log *logger.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dap-engine",
		Short: "Debug adapter for JavaScript runtimes",
		Long: `dap-engine speaks the Debug Adapter Protocol to an editor and drives a JavaScript runtime
	through its inspector WebSocket endpoint.

	It maps breakpoints through source maps, keeps breakpoints set before a script loads,
	and can skip library code while stepping.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "dap-engine starting"),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmd.AddCommand(NewVersionCommand(log.Logger))
	rootCmd.AddCommand(NewServeCommand(log.Logger))

	log.AddLevelFlag(rootCmd.PersistentFlags())

	return rootCmd
}
