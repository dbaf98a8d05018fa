package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// TargetsFile is a TOML document describing one mapping run:
//
//	[targets]
//	ids = ["{0c2a...}"]
//	names = ["Customer Centric Domains"]
//
//	[relationships]
//	patterns = ["composition", "serving"]
//
//	[sources]
//	class = "C_APPLICATION"
//	attribute = "Specialisation"
//	value = "Bus. App."
type TargetsFile struct {
	Targets struct {
		IDs           []string `toml:"ids"`
		Names         []string `toml:"names"`
		ClassKeywords []string `toml:"class_keywords"`
	} `toml:"targets"`

	Relationships struct {
		Types    []string `toml:"types"`
		Patterns []string `toml:"patterns"`
	} `toml:"relationships"`

	Sources struct {
		IDs       []string `toml:"ids"`
		Class     string   `toml:"class"`
		Attribute string   `toml:"attribute"`
		Value     string   `toml:"value"`
	} `toml:"sources"`

	Traversal struct {
		MaxDepth  int    `toml:"max_depth"`
		Direction string `toml:"direction"`
	} `toml:"traversal"`
}

// LoadTargetsFile parses a targets TOML file.
func LoadTargetsFile(path string) (*TargetsFile, error) {
	var tf TargetsFile
	md, err := toml.DecodeFile(path, &tf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, &ConfigError{Field: undecoded[0].String(), Message: "unknown key in targets file"}
	}
	return &tf, nil
}

// Apply overlays the non-empty values of tf onto the mapping section.
func (tf *TargetsFile) Apply(m *MappingConfig) {
	if len(tf.Targets.IDs) > 0 {
		m.TargetIDs = tf.Targets.IDs
	}
	if len(tf.Targets.Names) > 0 {
		m.TargetNames = tf.Targets.Names
	}
	if len(tf.Targets.ClassKeywords) > 0 {
		m.TargetClassKeywords = tf.Targets.ClassKeywords
	}
	if len(tf.Relationships.Types) > 0 {
		m.RelationshipTypes = tf.Relationships.Types
	}
	if len(tf.Relationships.Patterns) > 0 {
		m.RelationshipPatterns = tf.Relationships.Patterns
	}
	if len(tf.Sources.IDs) > 0 {
		m.SourceIDs = tf.Sources.IDs
	}
	if tf.Sources.Class != "" {
		m.SourceClass = tf.Sources.Class
	}
	if tf.Sources.Attribute != "" {
		m.SourceAttribute = tf.Sources.Attribute
	}
	if tf.Sources.Value != "" {
		m.SourceValue = tf.Sources.Value
	}
	if tf.Traversal.MaxDepth > 0 {
		m.MaxDepth = tf.Traversal.MaxDepth
	}
	if tf.Traversal.Direction != "" {
		m.Direction = tf.Traversal.Direction
	}
}
