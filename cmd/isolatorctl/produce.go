package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"isolator/internal/config"
	"isolator/internal/producer"
	"isolator/internal/state"
)

func newProduceCmd() *cobra.Command {
	var (
		brokers     []string
		topic       string
		partitions  int
		compression string
		deletes     []string
		startPush   bool
		endPush     bool
		sorted      bool
	)
	cmd := &cobra.Command{
		Use:   "produce <stream> [key=value...]",
		Short: "Write records and push markers to a stream's change log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := config.StreamConfig{Name: args[0], Topic: topic, Partitions: partitions, Compression: compression}
			p, err := producer.New(config.KafkaConfig{Brokers: brokers, ClientID: "isolatorctl"}, []config.StreamConfig{stream})
			if err != nil {
				return err
			}
			defer p.Close()
			ctx := cmd.Context()

			if startPush {
				if err := p.StartOfPush(ctx, stream.Name, state.VersionState{Sorted: sorted}); err != nil {
					return err
				}
			}
			for _, kv := range args[1:] {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("record %q is not key=value", kv)
				}
				if err := p.Put(ctx, stream.Name, []byte(key), []byte(value)); err != nil {
					return err
				}
			}
			for _, key := range deletes {
				if err := p.Delete(ctx, stream.Name, []byte(key)); err != nil {
					return err
				}
			}
			if endPush {
				if err := p.EndOfPush(ctx, stream.Name); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d records, %d deletes to %s\n", len(args)-1, len(deletes), stream.Name)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&brokers, "brokers", []string{"127.0.0.1:9092"}, "kafka seed brokers")
	cmd.Flags().StringVar(&topic, "topic", "", "topic name (defaults to the stream name)")
	cmd.Flags().IntVar(&partitions, "partitions", 1, "partition count of the topic")
	cmd.Flags().StringVar(&compression, "compression", state.CompressionNone, "value compression: none or zstd")
	cmd.Flags().StringSliceVar(&deletes, "delete", nil, "keys to delete")
	cmd.Flags().BoolVar(&startPush, "start-of-push", false, "write START_OF_PUSH to every partition first")
	cmd.Flags().BoolVar(&endPush, "end-of-push", false, "write END_OF_PUSH to every partition last")
	cmd.Flags().BoolVar(&sorted, "sorted", false, "mark the pushed version as sorted")
	return cmd
}
