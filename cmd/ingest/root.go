package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ingest",
		Short:         "Spreadsheet ingestion: validate, write sink documents, upsert the hierarchy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(exitUsage, err)
	})

	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newSubmitUpsertCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDeadCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitCode(err)
		if code == 1 {
			code = exitUsage
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
