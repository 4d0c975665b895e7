// Package config defines the keyindex pipeline configuration and its
// validation. A pipeline reads one CSV or JSON file, indexes the configured
// entities against durable mapping tables and writes the indexed CSV.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pipeline is the top-level configuration for one indexing run.
type Pipeline struct {
	// Job names the run in metrics. Defaults to "keyindex".
	Job string `json:"job,omitempty" yaml:"job,omitempty"`

	Input   Input    `json:"input" yaml:"input"`
	Output  Output   `json:"output" yaml:"output"`
	Storage Storage  `json:"storage" yaml:"storage"`
	Entity  []Entity `json:"entities" yaml:"entities"`

	// Polish standardises column names and key values before indexing.
	Polish bool `json:"polish,omitempty" yaml:"polish,omitempty"`

	// Workers bounds the compute engine's parallelism. 0 means GOMAXPROCS.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// ReloadAfterMerge re-reads each mapping table after a merge so the join
	// uses what concurrent writers actually committed.
	ReloadAfterMerge bool `json:"reload_after_merge,omitempty" yaml:"reload_after_merge,omitempty"`
}

// Input is the source file and its parser options.
type Input struct {
	Path string `json:"path" yaml:"path"`

	// Format is "csv" (default) or "json".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// Columns fixes the column order of JSON input. Ignored for CSV.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`

	Options Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// Input formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// InputFormat returns the configured format, defaulting to CSV.
func (in Input) InputFormat() string {
	if f := strings.ToLower(strings.TrimSpace(in.Format)); f != "" {
		return f
	}
	return FormatCSV
}

// Output is where the indexed table (and optionally mapping snapshots) go.
type Output struct {
	Path string `json:"path" yaml:"path"`

	// MappingsDir, when set, receives one <kind>.csv per entity with the
	// mapping used for the join.
	MappingsDir string  `json:"mappings_dir,omitempty" yaml:"mappings_dir,omitempty"`
	Options     Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// Storage selects the mapping-table backend. An empty Kind keeps mappings in
// memory for the duration of the run.
type Storage struct {
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Catalog string `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	Schema  string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Entity is one business entity to index.
type Entity struct {
	Kind    string   `json:"kind" yaml:"kind"`
	Columns []string `json:"columns" yaml:"columns"`
	Mode    string   `json:"mode" yaml:"mode"`

	// Table optionally pins the mapping table as
	// "catalog.schema.mapping__active_<kind>s". Its namespace overrides the
	// storage namespace for this entity.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`
}

// Load reads and decodes the pipeline at path. Files ending in .yaml or .yml
// are YAML, everything else JSON. Environment references in the storage DSN
// are expanded.
func Load(path string) (Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	return Decode(path, raw)
}

// Decode decodes raw using the format implied by name's extension.
func Decode(name string, raw []byte) (Pipeline, error) {
	var p Pipeline
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, fmt.Errorf("parse config %s: %w", name, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, fmt.Errorf("parse config %s: %w", name, err)
		}
	}
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	return p, nil
}

// JobName returns the configured job or the default.
func (p Pipeline) JobName() string {
	if j := strings.TrimSpace(p.Job); j != "" {
		return j
	}
	return "keyindex"
}
