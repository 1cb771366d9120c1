package main

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/iota-uz/iota-ingest/pkg/configuration"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

var errJobNotFound = errors.New("job not found")

func newDeadCmd() *cobra.Command {
	var (
		queues []string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead jobs, newest first, one JSON line each",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(configuration.Use())
			defer a.close()
			store, err := a.queueStore(cmd.Context())
			if err != nil {
				return err
			}
			if len(queues) == 0 {
				queues = a.queueNames()
			}
			return listDead(cmd.Context(), store, queues, limit, func(v any) error {
				return writeJSONLine(cmd.OutOrStdout(), v)
			})
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "Queues to inspect (default: sink and upsert queues)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs per queue")
	return cmd
}

func listDead(ctx context.Context, in queue.Inspector, queues []string, limit int, emit func(any) error) error {
	if limit <= 0 {
		return withCode(exitUsage, errors.Errorf("--limit must be positive, got %d", limit))
	}
	for _, q := range queues {
		jobs, err := in.ListDead(ctx, q, limit)
		if err != nil {
			return withCode(exitInfra, err)
		}
		for _, j := range jobs {
			if err := emit(j); err != nil {
				return err
			}
		}
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	var (
		jobID  string
		queues []string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, or every delivery of one job with --job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(configuration.Use())
			defer a.close()
			store, err := a.queueStore(cmd.Context())
			if err != nil {
				return err
			}
			if len(queues) == 0 {
				queues = a.queueNames()
			}
			emit := func(v any) error { return writeJSONLine(cmd.OutOrStdout(), v) }
			if jobID == "" {
				return queueDepths(cmd.Context(), store, queues, emit)
			}
			return jobStatus(cmd.Context(), store, queues, jobID, emit)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job ID to look up")
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "Queues to inspect (default: sink and upsert queues)")
	return cmd
}

type queueDepth struct {
	Queue string `json:"queue"`
	queue.Depth
}

func queueDepths(ctx context.Context, in queue.Inspector, queues []string, emit func(any) error) error {
	now := time.Now()
	for _, q := range queues {
		d, err := in.Depth(ctx, q, now)
		if err != nil {
			return withCode(exitInfra, err)
		}
		if err := emit(queueDepth{Queue: q, Depth: d}); err != nil {
			return err
		}
	}
	return nil
}

func jobStatus(ctx context.Context, in queue.Inspector, queues []string, jobID string, emit func(any) error) error {
	found := 0
	for _, q := range queues {
		jobs, err := in.Lookup(ctx, q, jobID)
		if err != nil {
			return withCode(exitInfra, err)
		}
		for _, j := range jobs {
			found++
			if err := emit(j); err != nil {
				return err
			}
		}
	}
	if found == 0 {
		return withCode(exitValidation, errors.Wrap(errJobNotFound, jobID))
	}
	return nil
}
