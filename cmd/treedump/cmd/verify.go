package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/ssargent/treedump/pkg/bptree"
	"github.com/ssargent/treedump/pkg/codec"
	"github.com/ssargent/treedump/pkg/memstore"
	"github.com/ssargent/treedump/pkg/stream"
)

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Check a stream without touching the store",
	Long: `Read a whole stream into a scratch in-memory store and report what it
contains. The configured store is never opened.

Example:
  treedump verify backup.tdmp`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions(cmd)
		if err != nil {
			return err
		}

		res, err := verifyFile(cmd.Context(), args[0], cmd.InOrStdin(), opts)
		writeMetrics(appConfig)
		if err != nil {
			return annotateLoadError(err)
		}

		cmd.Printf("Stream OK: version %d, %s, flags %s, compressed %t\n",
			res.Header.Version, res.Header.Order, describeFlags(res.Header.Flags), res.Compressed)
		cmd.Printf("  %d volumes, %d trees, %d records, %d counters, %d bytes\n",
			len(res.Volumes), res.Trees, res.DataRecords, res.Counters, res.BytesRead)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("trailing-data", "", "What to do with bytes after END: ignore or reject")
}

func verifyFile(ctx context.Context, path string, stdin io.Reader, opts stream.LoadOptions) (*stream.LoadResult, error) {
	return importFile(ctx, memstore.New(bptree.DefaultOrder), path, stdin, opts)
}

func describeFlags(f codec.Flags) string {
	switch {
	case f.Has(codec.FlagRecordCRC) && f.Has(codec.FlagStreamDigest):
		return "record-crc,stream-digest"
	case f.Has(codec.FlagRecordCRC):
		return "record-crc"
	case f.Has(codec.FlagStreamDigest):
		return "stream-digest"
	default:
		return "none"
	}
}
