package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hasko/adocheck/internal/storage"
)

var (
	invalidateID        string
	invalidateOlderThan string
	invalidateAll       bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the local cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache contents",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Delete cached records",
	Long: `Delete cached records by id, by age, or all of them.

Examples:
  adocheck cache invalidate --id "{0c2a...}"
  adocheck cache invalidate --older-than 7d
  adocheck cache invalidate --all`,
	Args: cobra.NoArgs,
	RunE: runCacheInvalidate,
}

func init() {
	cacheInvalidateCmd.Flags().StringVar(&invalidateID, "id", "", "Entity or relationship id")
	cacheInvalidateCmd.Flags().StringVar(&invalidateOlderThan, "older-than", "", "Age threshold, e.g. 36h or 7d")
	cacheInvalidateCmd.Flags().BoolVar(&invalidateAll, "all", false, "Clear the whole cache")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	store, err := openStore(app.cfg, baseDirFlag, app.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	st, err := store.Stats(context.Background())
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), st, func(w io.Writer) error {
		return printCacheStats(w, app.cfg.Cache.Backend, st)
	})
}

func printCacheStats(w io.Writer, backend string, st *storage.CacheStats) error {
	section(w, "Cache ("+backend+")")
	fmt.Fprintf(w, "Entities:          %d (%d with modifiedAt)\n", st.Entities, st.EntitiesWithModifiedAt)
	fmt.Fprintf(w, "Relationships:     %d\n", st.Relationships)
	fmt.Fprintf(w, "Relation sets:     %d\n", st.RelationSets)
	fmt.Fprintf(w, "Cached searches:   %d\n", st.SearchResults)
	age := time.Duration(st.AvgEntityAgeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Fprintf(w, "Avg entity age:    %s\n", age)
	return nil
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	cutoff, err := parseOlderThan(invalidateOlderThan, time.Now())
	if err != nil {
		return err
	}
	if invalidateID == "" && cutoff == nil && !invalidateAll {
		return fmt.Errorf("one of --id, --older-than or --all is required")
	}

	store, err := openStore(app.cfg, baseDirFlag, app.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Invalidate(context.Background(), storage.InvalidateOptions{ID: invalidateID, OlderThan: cutoff})
	if err != nil {
		return err
	}
	app.logger.Info("cache invalidated", "id", invalidateID, "older_than", invalidateOlderThan, "deleted", n)
	return writeOutput(cmd.OutOrStdout(), map[string]int64{"deleted": n}, func(w io.Writer) error {
		fmt.Fprintf(w, "Deleted %d records\n", n)
		return nil
	})
}
