package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hasko/adocheck/internal/adoit"
)

var (
	searchClasses []string
	searchAttr    string
	searchOp      string
	searchValue   string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search repository objects by class and attribute",
	Long: `Run a paginated repository search. Results are cached like relationship sets.

Examples:
  adocheck search --class C_APPLICATION
  adocheck search --class C_CAPABILITY --attr A_NAME --op OP_LIKE --value Cluster`,
	Args: cobra.NoArgs,
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringSliceVar(&searchClasses, "class", nil, "Class metaNames")
	searchCmd.Flags().StringVar(&searchAttr, "attr", "", "Attribute metaName")
	searchCmd.Flags().StringVar(&searchOp, "op", adoit.OpEquals, "Operator: OP_EQ, OP_LIKE, OP_NEMPTY")
	searchCmd.Flags().StringVar(&searchValue, "value", "", "Attribute value")
	rootCmd.AddCommand(searchCmd)
}

// searchFilters builds the filter list from the search flags.
func searchFilters() ([]adoit.Filter, error) {
	var filters []adoit.Filter
	if len(searchClasses) > 0 {
		filters = append(filters, adoit.ClassFilter(searchClasses...))
	}
	if searchAttr != "" {
		switch searchOp {
		case adoit.OpEquals, adoit.OpLike, adoit.OpNotEmpty:
		default:
			return nil, fmt.Errorf("unsupported operator %q", searchOp)
		}
		filters = append(filters, adoit.AttrFilter(searchAttr, searchOp, searchValue))
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("at least --class or --attr is required")
	}
	return filters, nil
}

type searchHit struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	filters, err := searchFilters()
	if err != nil {
		return err
	}
	sess, err := openSession(app.cfg, baseDirFlag, app.logger)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	return withSignals(func(ctx context.Context) error {
		items, err := sess.rec.Search(ctx, filters)
		if err != nil {
			return err
		}
		hits := make([]searchHit, 0, len(items))
		for _, it := range items {
			hits = append(hits, searchHit{ID: it.ID, Type: it.Type, Name: it.Name})
		}
		return writeOutput(cmd.OutOrStdout(), hits, func(w io.Writer) error {
			for _, h := range hits {
				fmt.Fprintf(w, "%s  %-30s %s\n", h.ID, h.Type, h.Name)
			}
			fmt.Fprintf(w, "%d results\n", len(hits))
			return nil
		})
	})
}
