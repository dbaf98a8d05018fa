package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func withFormat(t *testing.T, f OutputFormat) {
	t.Helper()
	prev := outputFormat
	outputFormat = string(f)
	t.Cleanup(func() { outputFormat = prev })
}

type sample struct {
	Name  string   `json:"name" yaml:"name"`
	Count int      `json:"count" yaml:"count"`
	Tags  []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Note  *string  `json:"note" yaml:"note"`
}

func TestParseOutputFormat(t *testing.T) {
	for _, in := range []string{"human", "json", "YAML", "toml"} {
		if _, err := ParseOutputFormat(in); err != nil {
			t.Errorf("ParseOutputFormat(%q) failed: %v", in, err)
		}
	}
	_, err := ParseOutputFormat("xml")
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Errorf("expected unsupported format error, got %v", err)
	}
}

func TestWriteOutput_JSON(t *testing.T) {
	withFormat(t, FormatJSON)
	var buf bytes.Buffer
	if err := writeOutput(&buf, sample{Name: "crm", Count: 3}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"name": "crm"`) {
		t.Errorf("missing name field: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"count": 3`) {
		t.Errorf("missing count field: %s", buf.String())
	}
}

func TestWriteOutput_YAML(t *testing.T) {
	withFormat(t, FormatYAML)
	var buf bytes.Buffer
	if err := writeOutput(&buf, sample{Name: "crm", Count: 3, Tags: []string{"a"}}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "name: crm") || !strings.Contains(out, "count: 3") {
		t.Errorf("unexpected YAML: %s", out)
	}
	if !strings.Contains(out, "  - a") {
		t.Errorf("expected indented list: %s", out)
	}
}

func TestWriteOutput_TOML(t *testing.T) {
	withFormat(t, FormatTOML)

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeOutput(&buf, sample{Name: "crm", Count: 3}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "count = 3\n") {
			t.Errorf("integer should stay an integer: %s", out)
		}
		if !strings.Contains(out, "name = ") || !strings.Contains(out, "crm") {
			t.Errorf("missing name: %s", out)
		}
		if strings.Contains(out, "note") {
			t.Errorf("null values must be dropped: %s", out)
		}
	})

	t.Run("top level list", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeOutput(&buf, []sample{{Name: "a"}, {Name: "b"}}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "items") {
			t.Errorf("list should be nested under items: %s", buf.String())
		}
	})
}

func TestWriteOutput_Human(t *testing.T) {
	withFormat(t, FormatHuman)

	var buf bytes.Buffer
	called := false
	err := writeOutput(&buf, sample{Name: "crm"}, func(w io.Writer) error {
		called = true
		_, err := io.WriteString(w, "custom\n")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || buf.String() != "custom\n" {
		t.Errorf("human renderer not used: %q", buf.String())
	}

	buf.Reset()
	if err := writeOutput(&buf, sample{Name: "crm"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "name: crm") {
		t.Errorf("nil renderer should fall back to YAML: %s", buf.String())
	}
}

func TestTomlValue(t *testing.T) {
	in := map[string]interface{}{
		"keep": "x",
		"drop": nil,
		"list": []interface{}{nil, "y"},
	}
	out := tomlValue(in).(map[string]interface{})
	if _, ok := out["drop"]; ok {
		t.Error("nil entry should be dropped")
	}
	if l := out["list"].([]interface{}); len(l) != 1 || l[0] != "y" {
		t.Errorf("unexpected list: %v", l)
	}
}

func TestSection(t *testing.T) {
	var buf bytes.Buffer
	section(&buf, "Cache")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[0] != "Cache" {
		t.Fatalf("unexpected section output: %q", buf.String())
	}
	if !strings.HasPrefix(lines[1], "─") {
		t.Errorf("expected rule line, got %q", lines[1])
	}
}
