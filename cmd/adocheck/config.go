package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hasko/adocheck/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List supported environment variables",
	Args:  cobra.NoArgs,
	RunE:  runConfigEnv,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEnvCmd)
	rootCmd.AddCommand(configCmd)
}

const redacted = "********"

// redactedConfig returns a copy of cfg safe to print.
func redactedConfig(cfg *config.Config) config.Config {
	out := *cfg
	if out.Adoit.APISecret != "" {
		out.Adoit.APISecret = redacted
	}
	if out.Adoit.BearerToken != "" {
		out.Adoit.BearerToken = redacted
	}
	return out
}

type configView struct {
	Source       string               `json:"source"`
	EnvOverrides []config.EnvOverride `json:"envOverrides,omitempty"`
	Config       config.Config        `json:"config"`
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	source := "defaults"
	if !app.load.UsedDefaults {
		source = app.load.ConfigPath
	}
	view := configView{
		Source:       source,
		EnvOverrides: app.load.EnvOverrides,
		Config:       redactedConfig(app.cfg),
	}
	return writeOutput(cmd.OutOrStdout(), view, func(w io.Writer) error {
		section(w, "Configuration")
		fmt.Fprintf(w, "Source: %s\n", view.Source)
		for _, o := range view.EnvOverrides {
			fmt.Fprintf(w, "  %s <- $%s\n", o.Key, o.EnvVar)
		}
		fmt.Fprintln(w)
		c := view.Config
		fmt.Fprintf(w, "adoit.url:           %s\n", c.Adoit.URL)
		fmt.Fprintf(w, "adoit.repoId:        %s\n", c.Adoit.RepoID)
		fmt.Fprintf(w, "adoit.apiId:         %s\n", c.Adoit.APIID)
		fmt.Fprintf(w, "adoit.apiSecret:     %s\n", c.Adoit.APISecret)
		fmt.Fprintf(w, "cache.backend:       %s\n", c.Cache.Backend)
		fmt.Fprintf(w, "cache.dir:           %s\n", c.Cache.Dir)
		fmt.Fprintf(w, "cache.ttl:           %s\n", app.cfg.TTL())
		fmt.Fprintf(w, "cache.relationTtl:   %s\n", app.cfg.RelationshipTTL())
		fmt.Fprintf(w, "mapping.workers:     %d\n", c.Mapping.Workers)
		fmt.Fprintf(w, "mapping.parallelism: %d\n", c.Mapping.Parallelism)
		fmt.Fprintf(w, "mapping.maxDepth:    %d\n", c.Mapping.MaxDepth)
		fmt.Fprintf(w, "mapping.direction:   %s\n", c.Mapping.Direction)
		fmt.Fprintf(w, "logging.level:       %s\n", c.Logging.Level)
		return nil
	})
}

func runConfigEnv(cmd *cobra.Command, args []string) error {
	vars := config.SupportedEnvVars()
	return writeOutput(cmd.OutOrStdout(), vars, func(w io.Writer) error {
		for _, v := range vars {
			fmt.Fprintf(w, "%-28s %s\n", v.EnvVar, v.Key)
		}
		return nil
	})
}
