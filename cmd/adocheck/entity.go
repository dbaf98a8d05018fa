package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hasko/adocheck/internal/storage"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Read entities through the cache",
}

var entityGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one entity, refreshing it if stale",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityGet,
}

var entityRelationsCmd = &cobra.Command{
	Use:   "relations <id>",
	Short: "List the relationships touching an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityRelations,
}

func init() {
	entityCmd.AddCommand(entityGetCmd)
	entityCmd.AddCommand(entityRelationsCmd)
	rootCmd.AddCommand(entityCmd)
}

// entityView is the printable form of a cached entity.
type entityView struct {
	ID          string          `json:"id" yaml:"id"`
	Type        string          `json:"type" yaml:"type"`
	Name        string          `json:"name" yaml:"name"`
	RetrievedAt time.Time       `json:"retrievedAt" yaml:"retrievedAt"`
	ModifiedAt  *time.Time      `json:"modifiedAt,omitempty" yaml:"modifiedAt,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty" yaml:"-"`
}

func runEntityGet(cmd *cobra.Command, args []string) error {
	sess, err := openSession(app.cfg, baseDirFlag, app.logger)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	return withSignals(func(ctx context.Context) error {
		rec, err := sess.rec.GetEntity(ctx, args[0])
		if err != nil {
			return err
		}
		v := entityView{
			ID:          rec.ID,
			Type:        rec.Type,
			Name:        rec.Name,
			RetrievedAt: rec.RetrievedAt,
			ModifiedAt:  rec.ModifiedAt,
			Payload:     rec.Payload,
		}
		return writeOutput(cmd.OutOrStdout(), v, func(w io.Writer) error {
			fmt.Fprintf(w, "%s  %s (%s)\n", v.ID, v.Name, v.Type)
			fmt.Fprintf(w, "  retrieved: %s\n", v.RetrievedAt.Format(time.RFC3339))
			if v.ModifiedAt != nil {
				fmt.Fprintf(w, "  modified:  %s\n", v.ModifiedAt.Format(time.RFC3339))
			}
			return nil
		})
	})
}

type relationView struct {
	ID       string `json:"id" yaml:"id"`
	Type     string `json:"type" yaml:"type"`
	SourceID string `json:"sourceId" yaml:"sourceId"`
	TargetID string `json:"targetId" yaml:"targetId"`
}

func relationViews(recs []storage.RelationshipRecord) []relationView {
	out := make([]relationView, 0, len(recs))
	for _, r := range recs {
		out = append(out, relationView{ID: r.ID, Type: r.Type, SourceID: r.SourceID, TargetID: r.TargetID})
	}
	return out
}

func runEntityRelations(cmd *cobra.Command, args []string) error {
	sess, err := openSession(app.cfg, baseDirFlag, app.logger)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	return withSignals(func(ctx context.Context) error {
		recs, err := sess.rec.GetRelationships(ctx, args[0])
		if err != nil {
			return err
		}
		views := relationViews(recs)
		return writeOutput(cmd.OutOrStdout(), views, func(w io.Writer) error {
			if len(views) == 0 {
				fmt.Fprintln(w, "No relationships.")
				return nil
			}
			for _, r := range views {
				fmt.Fprintf(w, "%-24s %s -> %s  [%s]\n", r.Type, r.SourceID, r.TargetID, r.ID)
			}
			return nil
		})
	})
}
