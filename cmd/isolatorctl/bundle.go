package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"isolator/internal/config"
	"isolator/internal/metadata"
	"isolator/internal/snapshot"
)

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Export or restore a partition snapshot for blob transfer",
	}
	cmd.AddCommand(newBundleCreateCmd(), newBundleRestoreCmd())
	return cmd
}

func newBundleCreateCmd() *cobra.Command {
	var metaPath, dir, out string
	var requireVersionState bool
	cmd := &cobra.Command{
		Use:   "create <stream> <partition>",
		Short: "Write the partition files and snapshot metadata to a bundle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, partition, err := partitionArgs(args)
			if err != nil {
				return err
			}
			store, err := metadata.Open(metaPath)
			if err != nil {
				return err
			}
			defer store.Close()
			meta, err := snapshot.Build(cmd.Context(), store, stream, partition, requireVersionState)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := snapshot.WriteBundle(f, meta, dir); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), meta.String())
			return nil
		},
	}
	defaults := config.Default()
	cmd.Flags().StringVar(&metaPath, "metadata", defaults.Metadata.Path, "metadata database path")
	cmd.Flags().StringVar(&dir, "dir", "", "directory holding the partition files")
	cmd.Flags().StringVar(&out, "out", "snapshot.tar.zst", "bundle file to write")
	cmd.Flags().BoolVar(&requireVersionState, "require-version-state", true, "fail when the stream has no version state")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func newBundleRestoreCmd() *cobra.Command {
	var in, dir string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Unpack a bundle and print its snapshot metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()
			meta, err := snapshot.ReadBundle(f, dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), meta.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "snapshot.tar.zst", "bundle file to read")
	cmd.Flags().StringVar(&dir, "dir", "", "directory to restore partition files into")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}
