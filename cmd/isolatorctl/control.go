package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/spf13/cobra"

	"isolator/internal/control"
	"isolator/internal/domain"
	"isolator/internal/snapshot"
)

type reportView struct {
	Stream              string `json:"stream"`
	Partition           int    `json:"partition"`
	Status              string `json:"status"`
	Offset              int64  `json:"offset"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
	CheckpointBytes     int    `json:"checkpointBytes"`
	VersionStateBytes   int    `json:"versionStateBytes"`
	TransformerChecksum int    `json:"transformerChecksumBytes"`
}

func viewOf(r domain.Report) reportView {
	return reportView{
		Stream:              r.Stream,
		Partition:           r.Partition,
		Status:              r.Status.String(),
		Offset:              r.Offset,
		ErrorMessage:        r.ErrorMessage,
		CheckpointBytes:     len(r.Checkpoint),
		VersionStateBytes:   len(r.VersionState),
		TransformerChecksum: len(r.TransformerChecksum),
	}
}

func partitionArgs(args []string) (string, int, error) {
	p, err := strconv.Atoi(args[1])
	if err != nil || p < 0 {
		return "", 0, fmt.Errorf("invalid partition %q", args[1])
	}
	return args[0], p, nil
}

func newPartitionCmd(use string, action control.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <stream> <partition>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, partition, err := partitionArgs(args)
			if err != nil {
				return err
			}
			if _, err := clientFromCmd(cmd).Call(cmd.Context(), action, stream, partition); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%d: ok\n", action, stream, partition)
			return nil
		},
	}
}

// newReportCmd re-queries REPORT until the sidecar answers with a report.
// Only transport failures and retryable statuses are retried.
func newReportCmd() *cobra.Command {
	var retries uint
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "report <stream> <partition>",
		Short: "Request the completion report of a partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, partition, err := partitionArgs(args)
			if err != nil {
				return err
			}
			client := clientFromCmd(cmd)
			var res *control.Response
			err = retry.Do(
				func() error {
					var callErr error
					res, callErr = client.Call(cmd.Context(), control.ActionReport, stream, partition)
					return callErr
				},
				retry.Attempts(retries+1),
				retry.Delay(interval),
				retry.DelayType(retry.FixedDelay),
				retry.LastErrorOnly(true),
				retry.Context(cmd.Context()),
				retry.RetryIf(func(err error) bool {
					var se *control.ResponseError
					if errors.As(err, &se) {
						return control.Retryable(int32(se.Code))
					}
					return !errors.Is(err, context.Canceled)
				}),
			)
			if res != nil && res.Report != nil {
				if perr := printJSON(cmd.OutOrStdout(), viewOf(control.FromTaskReport(res.Report))); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().UintVar(&retries, "retries", 3, "re-query attempts after the first request")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "delay between re-queries")
	return cmd
}

func newMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <stream> <partition>",
		Short: "Print the snapshot metadata of a partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, partition, err := partitionArgs(args)
			if err != nil {
				return err
			}
			res, err := clientFromCmd(cmd).Call(cmd.Context(), control.ActionMetadata, stream, partition)
			if err != nil {
				return err
			}
			meta, err := snapshot.Unmarshal(res.Payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), meta.String())
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the sidecar is up and initiated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := clientFromCmd(cmd).Call(cmd.Context(), control.ActionHealth, "", 0)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Health)
		},
	}
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask a local sidecar to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFromCmd(cmd).SendRequest(cmd.Context(), control.ActionShutdown, nil)
		},
	}
}
