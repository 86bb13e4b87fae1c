package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ssargent/treedump/pkg/stream"
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export trees and counters to a stream",
	Long: `Export the selected trees of the store, followed by every counter,
to a stream file. Without a file, or with "-", the stream goes to stdout.

Examples:
  treedump export backup.tdmp
  treedump export --trees 'vol1:orders,vol2:*' --compress backup.tdmp.s2`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		treesFlag, _ := cmd.Flags().GetString("trees")
		sel, err := stream.ParseTreeSelector(treesFlag)
		if err != nil {
			return err
		}

		opts, err := appConfig.WriteOptions()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("compress") {
			opts.Compress, _ = cmd.Flags().GetBool("compress")
		}
		opts.Logger = logger
		opts.Metrics = container.GetMetrics()

		src, err := openStore(appConfig)
		if err != nil {
			return err
		}
		defer src.Close()

		path := "-"
		if len(args) == 1 {
			path = args[0]
		}
		res, err := exportFile(cmd.Context(), src, path, cmd.OutOrStdout(), sel, opts)
		writeMetrics(appConfig)
		if err != nil {
			return err
		}

		cmd.PrintErrf("Exported %d trees (%d records) and %d counters from %d volumes, %d bytes\n",
			res.Trees, res.DataRecords, res.Counters, res.Volumes, res.Bytes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("trees", "", "Comma separated volume:tree globs to export (default all)")
	exportCmd.Flags().Bool("compress", false, "Wrap the stream in S2 compression")
}

// exportFile saves src to path, or to stdout when path is "-". A file that
// could not be written completely is removed.
func exportFile(ctx context.Context, src stream.SourceStore, path string, stdout io.Writer,
	sel stream.TreeSelector, opts stream.WriteOptions) (*stream.SaveResult, error) {
	if path == "-" {
		bw := bufio.NewWriterSize(stdout, 1<<20)
		res, err := stream.RunSave(ctx, bw, src, sel, opts)
		if err != nil {
			return res, err
		}
		return res, bw.Flush()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)

	res, err := stream.RunSave(ctx, bw, src, sel, opts)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return res, fmt.Errorf("export to %s failed: %w", path, err)
	}
	return res, nil
}
