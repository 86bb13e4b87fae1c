package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ssargent/treedump/pkg/codec"
	"github.com/ssargent/treedump/pkg/stream"
)

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a stream into the store",
	Long: `Replay a stream into the store. Trees are opened, filled and closed
in stream order; counters are set as they appear. With "-" the stream is
read from stdin. Compressed streams are detected automatically.

The import stops at the first corrupt record. Records applied before it
stay in the store.

Example:
  treedump import --data-dir ./restore backup.tdmp`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions(cmd)
		if err != nil {
			return err
		}

		target, err := openStore(appConfig)
		if err != nil {
			return err
		}
		defer target.Close()

		res, err := importFile(cmd.Context(), target, args[0], cmd.InOrStdin(), opts)
		writeMetrics(appConfig)
		if err != nil {
			return annotateLoadError(err)
		}

		cmd.PrintErrf("Imported %d trees (%d records) and %d counters, %d bytes\n",
			res.Trees, res.DataRecords, res.Counters, res.BytesRead)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().String("trailing-data", "", "What to do with bytes after END: ignore or reject")
}

func loadOptions(cmd *cobra.Command) (stream.LoadOptions, error) {
	opts, err := appConfig.LoadOptions()
	if err != nil {
		return opts, err
	}
	if cmd.Flags().Changed("trailing-data") {
		s, _ := cmd.Flags().GetString("trailing-data")
		if opts.TrailingData, err = stream.ParseTrailingPolicy(s); err != nil {
			return opts, err
		}
	}
	opts.Logger = logger
	opts.Metrics = container.GetMetrics()
	return opts, nil
}

// importFile loads the stream at path, or stdin when path is "-", into target.
func importFile(ctx context.Context, target stream.TargetStore, path string, stdin io.Reader,
	opts stream.LoadOptions) (*stream.LoadResult, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open stream: %w", err)
		}
		defer f.Close()
		r = f
	}
	return stream.RunLoad(ctx, r, target, opts)
}

// annotateLoadError prefixes a load failure with what went wrong and where.
// The returned error still matches the original with errors.Is and errors.As.
func annotateLoadError(err error) error {
	var ce *codec.CorruptStreamError
	if errors.As(err, &ce) {
		return errors.WithMessagef(err, "stream rejected (%s at byte %d)", ce.Kind, ce.Offset)
	}
	var se *stream.StoreError
	if errors.As(err, &se) {
		return errors.WithMessagef(err, "store failed during %s", se.Op)
	}
	return err
}
