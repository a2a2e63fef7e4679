/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/dap-engine/internal/version"
)

// DAP_ENGINE_LOGGING_CONTEXT, if set, is written to the log as one of the first messages.
const DAP_ENGINE_LOGGING_CONTEXT = "DAP_ENGINE_LOGGING_CONTEXT"

func NewVersionCommand(log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information as JSON.`,
		RunE:  getVersion(log),
		Args:  cobra.NoArgs,
	}
}

func getVersion(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		versionJSON, err := json.Marshal(version.Current())
		if err != nil {
			log.WithName("version").Error(err, "Could not serialize version information")
			return err
		}
		_, err = cmd.OutOrStdout().Write(WithNewline(versionJSON))
		return err
	}
}

// LogVersion records the process identity at startup.
func LogVersion(log logr.Logger, programStartMsg string) func(_ *cobra.Command, _ []string) {
	return func(_ *cobra.Command, _ []string) {
		versionString := ""
		if versionJSON, err := json.Marshal(version.Current()); err != nil {
			versionString = fmt.Sprintf("unknown: %v", err)
		} else {
			versionString = string(versionJSON)
		}

		launchPath, pathErr := os.Executable()
		if pathErr != nil {
			launchPath = os.Args[0]
		}

		log.V(1).Info(programStartMsg,
			"PID", os.Getpid(),
			"Exe", launchPath,
			"Args", os.Args[1:],
			"Version", versionString,
		)

		if logContext, found := os.LookupEnv(DAP_ENGINE_LOGGING_CONTEXT); found && len(logContext) > 0 {
			log.V(1).Info(logContext)
		}
	}
}
