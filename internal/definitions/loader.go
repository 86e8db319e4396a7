// Package definitions loads workflow definitions from YAML and JSON files.
package definitions

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowgate/pkg/schema"
)

// Format is the encoding of a definition document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported definition file %s", path).
			WithDetails(map[string]any{"supported_types": []string{"json", "yaml", "yml"}})
	}
}

// Parse decodes a definition and applies its node defaults. Unknown fields
// are rejected in both formats.
func Parse(data []byte, format Format) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to parse YAML definition: %v", err).WithCause(err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to parse JSON definition: %v", err).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported definition format %q", format)
	}
	if err := ApplyDefaults(def); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile reads and parses one definition file.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "failed to read definition file: %v", err).
			WithDetails(map[string]any{"file": path}).WithCause(err)
	}
	def, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	if def.WorkingDir != "" && !filepath.IsAbs(def.WorkingDir) {
		def.WorkingDir = filepath.Join(filepath.Dir(path), def.WorkingDir)
	}
	return def, nil
}

// ApplyDefaults fills every zero field of a node's config from the
// workflow-level defaults. Values set on the node win. Control-flow blocks
// are never inherited.
func ApplyDefaults(def *schema.WorkflowDefinition) error {
	if def.Defaults == nil {
		return nil
	}
	base := *def.Defaults
	base.Condition, base.ForEach, base.SubWorkflow = nil, nil, nil
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.IsControl() {
			continue
		}
		if err := mergo.Merge(&n.Config, base); err != nil {
			return fmt.Errorf("apply defaults to node %s: %w", n.ID, err)
		}
	}
	return nil
}
