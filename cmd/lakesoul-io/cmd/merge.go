package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	nativeio "github.com/lakesoul-io/nativeio"
	"github.com/lakesoul-io/nativeio/dynparquet"
)

var mergeFlags struct {
	primaryKeys   string
	columns       string
	filters       []string
	allowDupes    bool
	rowGroupLimit int
}

var mergeCmd = &cobra.Command{
	Use:     "merge",
	Example: "lakesoul-io merge merged.parquet base.parquet delta-1.parquet delta-2.parquet --primary-keys id",
	Short:   "Merge Parquet files sorted by primary key into one, later files win",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMerge(cmd.Context(), args[0], args[1:])
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeFlags.primaryKeys, "primary-keys", "", "comma separated primary key columns, read from the first file when empty")
	mergeCmd.Flags().StringVar(&mergeFlags.columns, "columns", "", "comma separated columns to keep")
	mergeCmd.Flags().StringArrayVar(&mergeFlags.filters, "filter", nil, "row filter such as gt(id, 10), may be repeated")
	mergeCmd.Flags().BoolVar(&mergeFlags.allowDupes, "allow-duplicate-keys", false, "let a file repeat a key, its last row wins")
	mergeCmd.Flags().IntVar(&mergeFlags.rowGroupLimit, "max-row-group-size", nativeio.DefaultMaxRowGroupLen, "rows per output row group")
}

func runMerge(ctx context.Context, output string, inputs []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	readOpts := append(commonOptions(logger),
		nativeio.WithFiles(inputs...),
		nativeio.WithPrimaryKeys(splitList(mergeFlags.primaryKeys)...),
		nativeio.WithColumns(splitList(mergeFlags.columns)...),
		nativeio.WithFilters(mergeFlags.filters...),
	)
	if mergeFlags.allowDupes {
		readOpts = append(readOpts, nativeio.WithAllowDuplicateKeys())
	}
	readCfg, err := nativeio.NewConfig(readOpts...)
	if err != nil {
		return err
	}
	r := nativeio.NewReader(readCfg)
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Close()

	// The merged rows are already in key order, so they are written as is.
	// Keys go into the output metadata when they survived the projection.
	schema := r.Schema()
	keys := readCfg.PrimaryKeys()
	if len(keys) == 0 {
		keys = dynparquet.PrimaryKeysFromMetadata(schema)
	}
	if len(keys) > 0 {
		if pk, err := dynparquet.NewSchema(schema, keys); err == nil {
			schema = pk.WithPrimaryKeyMetadata()
		}
	}

	writeCfg, err := nativeio.NewConfig(append(commonOptions(logger),
		nativeio.WithFile(output),
		nativeio.WithSchema(schema),
		nativeio.WithMaxRowGroupSize(mergeFlags.rowGroupLimit),
	)...)
	if err != nil {
		return err
	}
	w, err := nativeio.NewMultipartWriter(ctx, writeCfg)
	if err != nil {
		return err
	}

	var rows int64
	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = w.Abort(ctx)
			return err
		}
		err = w.Write(ctx, rec)
		rows += rec.NumRows()
		rec.Release()
		if err != nil {
			_ = w.Abort(ctx)
			return err
		}
	}
	if err := w.FlushAndClose(ctx); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "merged files", "inputs", len(inputs), "location", output, "rows", rows)
	return nil
}
