package pqarrow

import (
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/lakesoul-io/nativeio/ioerr"
)

type ColumnChunkInfo struct {
	Path             string
	Type             string
	NumValues        int64
	Codec            string
	CompressedSize   int64
	UncompressedSize int64
}

type RowGroupInfo struct {
	NumRows       int64
	TotalByteSize int64
	Columns       []ColumnChunkInfo
}

// FileInfo summarizes the footer of a Parquet file.
type FileInfo struct {
	NumRows   int64
	Schema    string
	RowGroups []RowGroupInfo
	// Metadata holds the key-value metadata, including the serialized arrow
	// schema written by Encoder.
	Metadata map[string]string
}

// Inspect reads the footer of the Parquet file in r.
func Inspect(r io.ReaderAt, size int64) (*FileInfo, error) {
	pf, err := parquet.OpenFile(r, size, parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return nil, ioerr.Encoding(err, "open parquet file")
	}

	meta := pf.Metadata()
	info := &FileInfo{
		NumRows:   meta.NumRows,
		Schema:    pf.Schema().String(),
		RowGroups: make([]RowGroupInfo, 0, len(meta.RowGroups)),
		Metadata:  make(map[string]string, len(meta.KeyValueMetadata)),
	}
	for _, kv := range meta.KeyValueMetadata {
		info.Metadata[kv.Key] = kv.Value
	}
	for _, rg := range meta.RowGroups {
		rgInfo := RowGroupInfo{
			NumRows:       rg.NumRows,
			TotalByteSize: rg.TotalByteSize,
			Columns:       make([]ColumnChunkInfo, 0, len(rg.Columns)),
		}
		for _, cc := range rg.Columns {
			rgInfo.Columns = append(rgInfo.Columns, ColumnChunkInfo{
				Path:             strings.Join(cc.MetaData.PathInSchema, "/"),
				Type:             cc.MetaData.Type.String(),
				NumValues:        cc.MetaData.NumValues,
				Codec:            cc.MetaData.Codec.String(),
				CompressedSize:   cc.MetaData.TotalCompressedSize,
				UncompressedSize: cc.MetaData.TotalUncompressedSize,
			})
		}
		info.RowGroups = append(info.RowGroups, rgInfo)
	}
	return info, nil
}

// Lookup returns the value of key in the file's key-value metadata.
func (i *FileInfo) Lookup(key string) (string, bool) {
	v, ok := i.Metadata[key]
	return v, ok
}
