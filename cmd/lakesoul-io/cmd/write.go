package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	nativeio "github.com/lakesoul-io/nativeio"
)

var writeFlags struct {
	schema      string
	primaryKeys string
	sortBuffer  int
	spillDir    string
	spillCodec  string
	comma       string
}

var writeCmd = &cobra.Command{
	Use:     "write",
	Example: "lakesoul-io write data.csv s3://bucket/table/part-0.parquet --primary-keys id",
	Short:   "Write a CSV file as Parquet, sorted by primary key when one is given",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWrite(cmd.Context(), args[0], args[1])
	},
}

func init() {
	writeCmd.Flags().StringVar(&writeFlags.schema, "schema", "", "JSON schema file, inferred from the CSV when empty")
	writeCmd.Flags().StringVar(&writeFlags.primaryKeys, "primary-keys", "", "comma separated primary key columns")
	writeCmd.Flags().IntVar(&writeFlags.sortBuffer, "sort-buffer-rows", nativeio.DefaultSortBufferRows, "rows sorted in memory before spilling")
	writeCmd.Flags().StringVar(&writeFlags.spillDir, "spill-dir", "", "directory for sort spills")
	writeCmd.Flags().StringVar(&writeFlags.spillCodec, "spill-codec", "zstd", "compression of sort spills: zstd, lz4 or none")
	writeCmd.Flags().StringVar(&writeFlags.comma, "comma", ",", "CSV field delimiter")
}

func runWrite(ctx context.Context, input, output string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	if len(writeFlags.comma) != 1 {
		return fmt.Errorf("delimiter must be a single character, got %q", writeFlags.comma)
	}

	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()

	csvOpts := []csv.Option{
		csv.WithHeader(true),
		csv.WithChunk(batchSize),
		csv.WithComma(rune(writeFlags.comma[0])),
		csv.WithNullReader(true, ""),
	}
	var r *csv.Reader
	if writeFlags.schema != "" {
		data, err := os.ReadFile(writeFlags.schema)
		if err != nil {
			return err
		}
		cfg, err := nativeio.NewConfig(nativeio.WithSchemaJSON(string(data)))
		if err != nil {
			return err
		}
		r = csv.NewReader(f, cfg.Schema(), csvOpts...)
	} else {
		r = csv.NewInferringReader(f, csvOpts...)
	}
	defer r.Release()

	// The inferring reader knows the schema once it read the first chunk.
	more := r.Next()
	if err := r.Err(); err != nil {
		return fmt.Errorf("read %s: %w", input, err)
	}

	opts := append(commonOptions(logger),
		nativeio.WithFile(output),
		nativeio.WithSchema(r.Schema()),
		nativeio.WithPrimaryKeys(splitList(writeFlags.primaryKeys)...),
		nativeio.WithSortBufferRows(writeFlags.sortBuffer),
		nativeio.WithSpillCodec(writeFlags.spillCodec),
	)
	if writeFlags.spillDir != "" {
		opts = append(opts, nativeio.WithSpillDir(writeFlags.spillDir))
	}
	cfg, err := nativeio.NewConfig(opts...)
	if err != nil {
		return err
	}
	w, err := nativeio.NewSyncWriter(ctx, cfg)
	if err != nil {
		return err
	}

	var rows int64
	for ; more; more = r.Next() {
		rec := r.Record()
		if err := w.WriteBatch(rec); err != nil {
			_ = w.Abort()
			return err
		}
		rows += rec.NumRows()
	}
	if err := r.Err(); err != nil {
		_ = w.Abort()
		return fmt.Errorf("read %s: %w", input, err)
	}
	if err := w.FlushAndClose(); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "wrote file", "location", output, "rows", rows, "columns", fieldList(r.Schema()))
	return nil
}

func fieldList(s *arrow.Schema) string {
	var names string
	for i, f := range s.Fields() {
		if i > 0 {
			names += ","
		}
		names += f.Name
	}
	return names
}
