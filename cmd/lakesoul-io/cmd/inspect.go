package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lakesoul-io/nativeio/pqarrow"
	"github.com/lakesoul-io/nativeio/storage"
)

var inspectColumns bool

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Example: "lakesoul-io inspect s3a://bucket/table/part-0.parquet",
	Short:   "Print the row groups and metadata of a Parquet file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.Context(), args[0])
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectColumns, "columns", false, "print every column chunk")
}

// arrowSchemaKey holds the serialized arrow schema, too long to print.
const arrowSchemaKey = "ARROW:schema"

func runInspect(ctx context.Context, location string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	store, key, err := storage.Resolve(ctx, location, storage.Options{Settings: storeOptions, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()
	obj, err := store.Open(ctx, key)
	if err != nil {
		return err
	}
	info, err := pqarrow.Inspect(obj, obj.Size)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d rows, %s, %d row groups\n", location, info.NumRows, humanize.IBytes(uint64(obj.Size)), len(info.RowGroups))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Row group", "Rows", "Size"})
	for i, rg := range info.RowGroups {
		table.Append([]string{strconv.Itoa(i), strconv.FormatInt(rg.NumRows, 10), humanize.IBytes(uint64(rg.TotalByteSize))})
	}
	table.Render()

	if inspectColumns {
		table = tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Row group", "Column", "Type", "Values", "Codec", "Compressed", "Uncompressed"})
		for i, rg := range info.RowGroups {
			for _, c := range rg.Columns {
				table.Append([]string{
					strconv.Itoa(i),
					c.Path,
					c.Type,
					strconv.FormatInt(c.NumValues, 10),
					c.Codec,
					humanize.IBytes(uint64(c.CompressedSize)),
					humanize.IBytes(uint64(c.UncompressedSize)),
				})
			}
		}
		table.Render()
	}

	keys := make([]string, 0, len(info.Metadata))
	for k := range info.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Value"})
	for _, k := range keys {
		v := info.Metadata[k]
		if k == arrowSchemaKey {
			v = fmt.Sprintf("<%s>", humanize.IBytes(uint64(len(v))))
		}
		table.Append([]string{k, v})
	}
	table.Render()
	fmt.Println(info.Schema)
	return nil
}
