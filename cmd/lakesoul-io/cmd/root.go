package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	nativeio "github.com/lakesoul-io/nativeio"
)

var (
	logLevel     string
	storeOptions map[string]string
	threads      int
	batchSize    int
)

var rootCmd = &cobra.Command{
	Use:          "lakesoul-io",
	Short:        "Write, merge and inspect LakeSoul Parquet files",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "one of debug, info, warn, error")
	rootCmd.PersistentFlags().StringToStringVarP(&storeOptions, "option", "o", nil, "object store setting, e.g. fs.s3a.region=us-east-1")
	rootCmd.PersistentFlags().IntVar(&threads, "threads", nativeio.DefaultThreadNum, "worker goroutines per reader or writer")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", nativeio.DefaultBatchSize, "rows per record batch")

	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(inspectCmd)
}

func newLogger() (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var opt level.Option
	switch strings.ToLower(logLevel) {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", logLevel)
	}
	return level.NewFilter(logger, opt), nil
}

// commonOptions are the options every command shares.
func commonOptions(logger log.Logger) []nativeio.Option {
	opts := []nativeio.Option{
		nativeio.WithLogger(logger),
		nativeio.WithThreadNum(threads),
		nativeio.WithBatchSize(batchSize),
	}
	for k, v := range storeOptions {
		opts = append(opts, nativeio.WithObjectStoreOption(k, v))
	}
	return opts
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
