// Command isolatorctl talks to a running isolatord: it issues control
// commands, feeds change logs and moves partition snapshots around.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"isolator/internal/control"
)

func main() {
	root := newRoot()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "isolatorctl:", err)
		cancel()
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "isolatorctl",
		Short:         "Control an ingestion isolation sidecar",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("addr", "127.0.0.1:7300", "sidecar control address (host:port)")
	root.PersistentFlags().Duration("timeout", 90*time.Second, "per-request timeout")

	root.AddCommand(
		newPartitionCmd("start", control.ActionStart, "Start consuming a partition"),
		newPartitionCmd("stop", control.ActionStop, "Stop consuming a partition and close it"),
		newReportCmd(),
		newMetadataCmd(),
		newHealthCmd(),
		newShutdownCmd(),
		newProduceCmd(),
		newWatchCmd(),
		newBundleCmd(),
	)
	return root
}

func clientFromCmd(cmd *cobra.Command) *control.Client {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	c := control.NewClient(addr)
	c.Timeout = timeout
	return c
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
