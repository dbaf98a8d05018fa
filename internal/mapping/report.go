package mapping

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/hasko/adocheck/internal/scheduler"
)

// ReportType identifies the document kind.
const ReportType = "application_target_mapping"

// Metadata heads a report.
type Metadata struct {
	RunID          string     `json:"run_id" yaml:"run_id"`
	GeneratedAt    time.Time  `json:"generated_at" yaml:"generated_at"`
	ReportType     string     `json:"report_type" yaml:"report_type"`
	FiltersApplied Filters    `json:"filters_applied" yaml:"filters_applied"`
	Statistics     Statistics `json:"statistics" yaml:"statistics"`
	Targets        []Entity   `json:"targets" yaml:"targets"`
	Partial        bool       `json:"partial,omitempty" yaml:"partial,omitempty"`
}

// TargetMapping lists the sources that reached one target.
type TargetMapping struct {
	TargetID    string         `json:"target_id" yaml:"target_id"`
	TargetType  string         `json:"target_type" yaml:"target_type"`
	SourceCount int            `json:"source_count" yaml:"source_count"`
	Sources     []MappedSource `json:"sources" yaml:"sources"`
}

// Report is the serialized form of a run.
type Report struct {
	Metadata         Metadata                 `json:"report_metadata" yaml:"report_metadata"`
	MappingsByTarget map[string]TargetMapping `json:"mappings_by_target" yaml:"mappings_by_target"`
	Unmapped         []UnmappedSource         `json:"unmapped_sources" yaml:"unmapped_sources"`
	Failures         []scheduler.Failure      `json:"fetch_failures,omitempty" yaml:"fetch_failures,omitempty"`
}

// NewReport shapes res into a report. Mappings are keyed by target name;
// targets sharing a name are disambiguated by id. Targets nothing reached
// are omitted.
func NewReport(res *Result, filters Filters, generatedAt time.Time) *Report {
	r := &Report{
		Metadata: Metadata{
			RunID:          res.RunID,
			GeneratedAt:    generatedAt,
			ReportType:     ReportType,
			FiltersApplied: filters,
			Statistics:     res.Stats,
			Targets:        res.Targets,
			Partial:        res.Partial,
		},
		MappingsByTarget: make(map[string]TargetMapping),
		Unmapped:         res.Unmapped,
		Failures:         res.Failures,
	}
	if r.Unmapped == nil {
		r.Unmapped = []UnmappedSource{}
	}
	for _, g := range res.Groups {
		if len(g.Sources) == 0 {
			continue
		}
		key := g.Target.Name
		if key == "" {
			key = g.Target.ID
		}
		if _, taken := r.MappingsByTarget[key]; taken {
			key = fmt.Sprintf("%s (%s)", key, g.Target.ID)
		}
		r.MappingsByTarget[key] = TargetMapping{
			TargetID:    g.Target.ID,
			TargetType:  g.Target.Type,
			SourceCount: len(g.Sources),
			Sources:     g.Sources,
		}
	}
	return r
}

// Format is a report encoding chosen from the file name.
type Format int

const (
	FormatJSON Format = iota
	FormatJSONGzip
	FormatJSONZstd
	FormatYAML
)

// FormatFor picks the encoding from path's extension: .gz and .zst compress
// JSON, .yaml and .yml write YAML, anything else is plain JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return FormatJSONGzip
	case ".zst", ".zstd":
		return FormatJSONZstd
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteReport writes r to path atomically and returns the bytes written.
func WriteReport(path string, r *Report) (int64, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create report directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return 0, fmt.Errorf("create temp report: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	cw := &countingWriter{w: tmp}
	if err := Encode(cw, r, FormatFor(path)); err != nil {
		_ = tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("rename report: %w", err)
	}
	return cw.n, nil
}

// Encode writes r to w in format.
func Encode(w io.Writer, r *Report, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}
		return enc.Close()
	case FormatJSONGzip:
		zw := gzip.NewWriter(w)
		if err := encodeJSON(zw, r); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	case FormatJSONZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if err := encodeJSON(zw, r); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	default:
		return encodeJSON(w, r)
	}
}

func encodeJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode json report: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r Report
	switch FormatFor(path) {
	case FormatYAML:
		err = yaml.NewDecoder(f).Decode(&r)
	case FormatJSONGzip:
		zr, zerr := gzip.NewReader(f)
		if zerr != nil {
			return nil, zerr
		}
		defer func() { _ = zr.Close() }()
		err = json.NewDecoder(zr).Decode(&r)
	case FormatJSONZstd:
		zr, zerr := zstd.NewReader(f)
		if zerr != nil {
			return nil, zerr
		}
		defer zr.Close()
		err = json.NewDecoder(zr).Decode(&r)
	default:
		err = json.NewDecoder(f).Decode(&r)
	}
	if err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	return &r, nil
}
