package main

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/infrastructure/tabular"
	"github.com/iota-uz/iota-ingest/modules/ingest/services"
	"github.com/iota-uz/iota-ingest/pkg/configuration"
)

type submitUpsertOptions struct {
	docID       string
	sections    []string
	file        string
	headerRows  int
	wait        bool
	waitTimeout time.Duration
}

func newSubmitUpsertCmd() *cobra.Command {
	var opts submitUpsertOptions

	cmd := &cobra.Command{
		Use:   "submit-upsert",
		Short: "Enqueue one upsert job per organization from a sink document or a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(configuration.Use())
			defer a.close()
			return runSubmitUpsert(cmd.Context(), a, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.docID, "doc", "", "Sink document to read back (required)")
	cmd.Flags().StringSliceVar(&opts.sections, "section", nil, "Sections to read (default: all)")
	cmd.Flags().StringVar(&opts.file, "file", "", "Read rows from this CSV/XLSX instead of the document")
	cmd.Flags().IntVar(&opts.headerRows, "header-rows", 1, "Header rows in --file: 1 or 2")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Process the enqueued jobs in this process before exiting")
	cmd.Flags().DurationVar(&opts.waitTimeout, "wait-timeout", 5*time.Minute, "Upper bound for --wait")

	_ = cmd.MarkFlagRequired("doc")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if opts.file != "" && len(opts.sections) > 0 {
			return withCode(exitUsage, errors.New("--section cannot be combined with --file"))
		}
		return checkHeaderRows(opts.headerRows)
	}
	return cmd
}

func runSubmitUpsert(ctx context.Context, a *app, cmd *cobra.Command, opts submitUpsertOptions) error {
	svc, err := a.ingestService(ctx)
	if err != nil {
		return err
	}

	var res *services.UpsertSubmitResult
	if opts.file != "" {
		table, readErr := tabular.ReadFile(opts.file, tabular.Options{HeaderRows: opts.headerRows})
		if readErr != nil {
			return withCode(exitValidation, readErr)
		}
		res, err = svc.SubmitTableForUpsert(ctx, opts.docID, table)
	} else {
		res, err = svc.SubmitDocumentForUpsert(ctx, document.Handle{ID: opts.docID}, opts.sections)
	}
	if err != nil {
		if errors.Is(err, services.ErrNoOrganizations) || errors.Is(err, document.ErrNotFound) {
			return withCode(exitValidation, err)
		}
		return withCode(exitInfra, err)
	}

	if err := writeJSONLine(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if opts.wait {
		return a.drain(ctx, opts.waitTimeout)
	}
	return nil
}
