package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/hasko/adocheck/internal/config"
	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/mapping"
)

func withConfig(t *testing.T, cfg *config.Config) {
	t.Helper()
	prev := app.cfg
	app.cfg = cfg
	t.Cleanup(func() { app.cfg = prev })
}

func writeTargets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	prev := mapTargetsFile
	mapTargetsFile = path
	t.Cleanup(func() { mapTargetsFile = prev })
	return path
}

func TestMappingConfig_TargetsFile(t *testing.T) {
	cfg := config.DefaultConfig()
	withConfig(t, cfg)
	writeTargets(t, `
[targets]
ids = ["{t1}", "{t2}"]

[relationships]
patterns = ["serving"]

[traversal]
max_depth = 4
direction = "both"
`)

	m, err := mappingConfig(&cobra.Command{}, cfg.Mapping)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.TargetIDs) != 2 || m.TargetIDs[0] != "{t1}" {
		t.Errorf("TargetIDs = %v", m.TargetIDs)
	}
	if m.MaxDepth != 4 || m.Direction != "both" {
		t.Errorf("traversal not applied: depth=%d direction=%s", m.MaxDepth, m.Direction)
	}
	if len(m.RelationshipPatterns) != 1 || m.RelationshipPatterns[0] != "serving" {
		t.Errorf("RelationshipPatterns = %v", m.RelationshipPatterns)
	}
	if m.SourceClass != "C_APPLICATION" {
		t.Errorf("unset keys should keep defaults, got SourceClass=%s", m.SourceClass)
	}
	if cfg.Mapping.MaxDepth != 15 {
		t.Error("loaded config must not be modified")
	}
}

func TestMappingConfig_Invalid(t *testing.T) {
	cfg := config.DefaultConfig()
	withConfig(t, cfg)

	t.Run("bad direction", func(t *testing.T) {
		writeTargets(t, "[traversal]\ndirection = \"sideways\"\n")
		_, err := mappingConfig(&cobra.Command{}, cfg.Mapping)
		if adoerrors.CodeOf(err) != adoerrors.ConfigInvalid {
			t.Errorf("expected CONFIG_INVALID, got %v", err)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		writeTargets(t, "[targets]\nlabels = [\"x\"]\n")
		_, err := mappingConfig(&cobra.Command{}, cfg.Mapping)
		if adoerrors.CodeOf(err) != adoerrors.ConfigInvalid {
			t.Errorf("expected CONFIG_INVALID, got %v", err)
		}
	})
}

func TestDescribeWhitelist(t *testing.T) {
	tests := []struct {
		f    mapping.Filters
		want string
	}{
		{mapping.Filters{}, "all"},
		{mapping.Filters{RelationPatterns: []string{"serving", "access"}}, "matching serving, access"},
		{mapping.Filters{RelationshipTypes: []string{"RC_SERVING"}, RelationPatterns: []string{"serving"}}, "RC_SERVING"},
	}
	for _, tt := range tests {
		if got := describeWhitelist(tt.f); got != tt.want {
			t.Errorf("describeWhitelist(%+v) = %q, want %q", tt.f, got, tt.want)
		}
	}
}

func TestPrintReport(t *testing.T) {
	r := &mapping.Report{}
	r.Metadata.Statistics.Total = 4
	r.Metadata.Statistics.Mapped = 3
	r.Metadata.Statistics.Unmapped = 1
	r.Metadata.Statistics.Coverage = 75

	var buf strings.Builder
	if err := printReport(&buf, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "75.0") {
		t.Errorf("coverage missing: %s", buf.String())
	}
}
