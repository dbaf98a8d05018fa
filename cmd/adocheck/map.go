package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hasko/adocheck/internal/config"
	"github.com/hasko/adocheck/internal/mapping"
)

var (
	mapTargetsFile string
	mapTargetIDs   []string
	mapTargetNames []string
	mapRelTypes    []string
	mapSourceIDs   []string
	mapSpecialise  string
	mapWorkers     int
	mapParallelism int
	mapMaxDepth    int
	mapDirection   string
	mapOutput      string
	mapDryRun      bool
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Map source applications to target capabilities",
	Long: `Resolve targets, relationship types and source applications, then find the
shortest relationship path from every source to any target.

Examples:
  adocheck map --output data/mapping.json
  adocheck map --target-ids "{id1}","{id2}" --output data/mapping.json.zst
  adocheck map --targets-file targets.toml --format yaml
  adocheck map --dry-run`,
	Args: cobra.NoArgs,
	RunE: runMap,
}

func init() {
	f := mapCmd.Flags()
	f.StringVar(&mapTargetsFile, "targets-file", "", "TOML file describing targets, relationships and sources")
	f.StringSliceVar(&mapTargetIDs, "target-ids", nil, "Explicit target entity ids")
	f.StringSliceVar(&mapTargetNames, "target-names", nil, "Target names to search for")
	f.StringSliceVar(&mapRelTypes, "relationship-types", nil, "Explicit relationship metaNames to traverse")
	f.StringSliceVar(&mapSourceIDs, "source-ids", nil, "Explicit source entity ids")
	f.StringVar(&mapSpecialise, "specialisation", "", "Source attribute value to filter on")
	f.IntVar(&mapWorkers, "workers", 0, "Concurrent relationship fetches")
	f.IntVar(&mapParallelism, "parallelism", 0, "Sources searched at once")
	f.IntVar(&mapMaxDepth, "max-depth", 0, "Maximum path length")
	f.StringVar(&mapDirection, "direction", "", "Traversal direction: forward, backward, both")
	f.StringVarP(&mapOutput, "output", "o", "", "Write the report here (.json, .json.gz, .json.zst, .yaml)")
	f.BoolVar(&mapDryRun, "dry-run", false, "Only run discovery")
	rootCmd.AddCommand(mapCmd)
}

// mappingConfig merges the targets file and flags over the loaded config.
func mappingConfig(cmd *cobra.Command, base config.MappingConfig) (config.MappingConfig, error) {
	m := base
	if mapTargetsFile != "" {
		tf, err := config.LoadTargetsFile(mapTargetsFile)
		if err != nil {
			return m, configError(err)
		}
		tf.Apply(&m)
	}
	flags := cmd.Flags()
	if flags.Changed("target-ids") {
		m.TargetIDs = mapTargetIDs
	}
	if flags.Changed("target-names") {
		m.TargetNames = mapTargetNames
	}
	if flags.Changed("relationship-types") {
		m.RelationshipTypes = mapRelTypes
	}
	if flags.Changed("source-ids") {
		m.SourceIDs = mapSourceIDs
	}
	if flags.Changed("specialisation") {
		m.SourceValue = mapSpecialise
	}
	if flags.Changed("workers") {
		m.Workers = mapWorkers
	}
	if flags.Changed("parallelism") {
		m.Parallelism = mapParallelism
	}
	if flags.Changed("max-depth") {
		m.MaxDepth = mapMaxDepth
	}
	if flags.Changed("direction") {
		m.Direction = mapDirection
	}

	check := *app.cfg
	check.Mapping = m
	if err := check.Validate(); err != nil {
		return m, configError(err)
	}
	return m, nil
}

func runMap(cmd *cobra.Command, args []string) error {
	m, err := mappingConfig(cmd, app.cfg.Mapping)
	if err != nil {
		return err
	}
	logger := app.logger

	sess, err := openSession(app.cfg, baseDirFlag, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	return withSignals(func(ctx context.Context) error {
		start := time.Now()
		plan, err := mapping.Discover(ctx, sess.rec, sess.client, m, logger)
		if err != nil {
			return err
		}
		if mapDryRun {
			logger.Info("dry run, skipping mapping")
			return writeOutput(cmd.OutOrStdout(), newPlanSummary(plan), func(w io.Writer) error {
				return printPlan(w, plan)
			})
		}
		if len(plan.Sources) == 0 {
			logger.Warn("no sources to map")
			return nil
		}

		res, runErr := mapping.Execute(ctx, sess.rec, plan, m, logger)
		if res == nil {
			return runErr
		}
		report := mapping.NewReport(res, plan.Filters, time.Now())

		if mapOutput != "" {
			n, err := mapping.WriteReport(mapOutput, report)
			if err != nil {
				return err
			}
			logger.Info("report written", "path", mapOutput, "bytes", n)
		}

		st := sess.rec.Stats()
		logger.Info("cache",
			"fresh_hits", st.FreshHits,
			"revalidated_hits", st.RevalidatedHits,
			"full_fetches", st.FullFetches,
			"relation_fresh_hits", st.RelationFreshHits,
			"relation_full_fetches", st.RelationFullFetches,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)

		if err := writeOutput(cmd.OutOrStdout(), report, func(w io.Writer) error {
			return printReport(w, report)
		}); err != nil {
			return err
		}
		return runErr
	})
}

// planSummary is the dry-run output.
type planSummary struct {
	Targets     []mapping.Entity `json:"targets" yaml:"targets"`
	SourceCount int              `json:"source_count" yaml:"source_count"`
	Filters     mapping.Filters  `json:"filters" yaml:"filters"`
}

func newPlanSummary(p *mapping.Plan) planSummary {
	return planSummary{Targets: p.Targets, SourceCount: len(p.Sources), Filters: p.Filters}
}

func printPlan(w io.Writer, p *mapping.Plan) error {
	section(w, "Discovery")
	fmt.Fprintf(w, "Targets (%d):\n", len(p.Targets))
	for _, t := range p.Targets {
		fmt.Fprintf(w, "  %s  %s (%s)\n", t.ID, t.Name, t.Type)
	}
	fmt.Fprintf(w, "Sources: %d (%s", len(p.Sources), p.Filters.SourceClass)
	if p.Filters.SourceFilter != "" {
		fmt.Fprintf(w, ", %s", p.Filters.SourceFilter)
	}
	fmt.Fprintln(w, ")")
	fmt.Fprintf(w, "Relationships: %s\n", describeWhitelist(p.Filters))
	fmt.Fprintf(w, "Direction: %s, max depth %d\n", p.Filters.Direction, p.Filters.MaxDepth)
	return nil
}

func describeWhitelist(f mapping.Filters) string {
	switch {
	case len(f.RelationshipTypes) > 0:
		return strings.Join(f.RelationshipTypes, ", ")
	case len(f.RelationPatterns) > 0:
		return "matching " + strings.Join(f.RelationPatterns, ", ")
	default:
		return "all"
	}
}

func printReport(w io.Writer, r *mapping.Report) error {
	s := r.Metadata.Statistics
	section(w, "Mapping "+r.Metadata.RunID)
	if r.Metadata.Partial {
		fmt.Fprintln(w, "! run was cancelled, results are partial")
	}
	fmt.Fprintf(w, "Total:    %d\n", s.Total)
	fmt.Fprintf(w, "Mapped:   %d (%.1f%%)\n", s.Mapped, s.Coverage)
	fmt.Fprintf(w, "Unmapped: %d\n", s.Unmapped)
	if s.Mapped > 0 {
		fmt.Fprintf(w, "Path length: avg %.2f, min %d, max %d\n", s.AvgPathLength, s.MinPathLength, s.MaxPathLength)
	}
	if s.LongPaths > 0 {
		fmt.Fprintf(w, "Long paths: %d\n", s.LongPaths)
	}

	if len(r.MappingsByTarget) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "By target:")
		names := make([]string, 0, len(r.MappingsByTarget))
		for name := range r.MappingsByTarget {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-40s %d\n", name, r.MappingsByTarget[name].SourceCount)
		}
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "\nFetch failures: %d (see report for details)\n", len(r.Failures))
	}
	return nil
}
