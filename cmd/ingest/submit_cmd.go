package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/infrastructure/tabular"
	"github.com/iota-uz/iota-ingest/modules/ingest/services"
	"github.com/iota-uz/iota-ingest/pkg/configuration"
)

type submitOptions struct {
	file        string
	title       string
	docID       string
	docURL      string
	headerRows  int
	sheet       string
	wait        bool
	waitTimeout time.Duration
}

func newSubmitCmd() *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Validate an upload and enqueue one sink job per chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(configuration.Use())
			defer a.close()
			return runSubmit(cmd.Context(), a, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.file, "file", "", "CSV or XLSX upload (required)")
	cmd.Flags().StringVar(&opts.title, "title", "", "Title of the created document (default: file name and time)")
	cmd.Flags().StringVar(&opts.docID, "doc", "", "Write into an existing document instead of creating one")
	cmd.Flags().StringVar(&opts.docURL, "doc-url", "", "URL reported for --doc")
	cmd.Flags().IntVar(&opts.headerRows, "header-rows", 1, "Header rows in the upload: 1 (keys) or 2 (display, keys)")
	cmd.Flags().StringVar(&opts.sheet, "sheet", "", "XLSX sheet to read (default: first)")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Process the enqueued jobs in this process before exiting")
	cmd.Flags().DurationVar(&opts.waitTimeout, "wait-timeout", 5*time.Minute, "Upper bound for --wait")

	_ = cmd.MarkFlagRequired("file")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return checkHeaderRows(opts.headerRows)
	}
	return cmd
}

func checkHeaderRows(n int) error {
	if n != 1 && n != 2 {
		return withCode(exitUsage, errors.Errorf("--header-rows must be 1 or 2, got %d", n))
	}
	return nil
}

func runSubmit(ctx context.Context, a *app, cmd *cobra.Command, opts submitOptions) error {
	table, err := tabular.ReadFile(opts.file, tabular.Options{HeaderRows: opts.headerRows, Sheet: opts.sheet})
	if err != nil {
		return withCode(exitValidation, err)
	}

	svc, err := a.ingestService(ctx)
	if err != nil {
		return err
	}
	up := services.Upload{Title: opts.title, Table: table}
	if up.Title == "" {
		up.Title = defaultTitle(opts.file, time.Now())
	}
	if opts.docID != "" {
		up.Handle = &document.Handle{ID: opts.docID, URL: opts.docURL}
	}

	res, err := svc.SubmitBatch(ctx, up)
	if err != nil {
		if errors.Is(err, services.ErrNoRows) {
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

func defaultTitle(file string, now time.Time) string {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	return "Upload " + base + " " + now.UTC().Format(time.RFC3339)
}
