package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lfrfrfr/beon-guard/internal/cache"
	"github.com/lfrfrfr/beon-guard/internal/mmdb"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the flagged reputation snapshot to a blocklist MMDB",
	Long: `Read the flagged records mirrored to Redis by a running guard and
write them to a MaxMind DB file that edge nodes can load. A running guard
can also export its live state with POST /_guard/export.`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"Output file (default: export.output_path)")
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return fmt.Errorf("export needs the Redis snapshot, set redis.enabled")
	}

	rc, err := cache.NewRedisCache(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	records, err := rc.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	output := exportOutput
	if output == "" {
		output = cfg.Export.OutputPath
	}
	wc := mmdb.DefaultWriterConfig()
	wc.RecordSize = cfg.Export.RecordSize

	res, err := mmdb.NewWriter(wc).Export(records, output)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d records to %s (%d skipped) in %s\n",
		res.Inserted, res.Path, res.Skipped, res.Elapsed.Round(time.Millisecond))
	return nil
}
