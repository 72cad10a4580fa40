package node

import (
	"fmt"
	"sort"
)

// PropertyType classifies a config parameter for the editor and for
// validation.
type PropertyType string

const (
	PropString   PropertyType = "string"
	PropInteger  PropertyType = "integer"
	PropFloat    PropertyType = "float"
	PropBoolean  PropertyType = "boolean"
	PropChoice   PropertyType = "choice"
	PropDuration PropertyType = "duration_ms"
	PropExpr     PropertyType = "expression"
	PropFilePath PropertyType = "file_path"
	PropJSON     PropertyType = "json"
)

// DisplayWhen conditions a property's visibility on another property's
// value. Used by super nodes that multiplex actions behind one type.
type DisplayWhen struct {
	Property string `json:"property"`
	Equals   any    `json:"equals"`
}

// PropertySpec declares one config parameter of a node type.
type PropertySpec struct {
	Name        string       `json:"name"`
	Type        PropertyType `json:"type"`
	Default     any          `json:"default,omitempty"`
	Label       string       `json:"label,omitempty"`
	Tooltip     string       `json:"tooltip,omitempty"`
	Required    bool         `json:"required,omitempty"`
	Order       int          `json:"order,omitempty"`
	Choices     []string     `json:"choices,omitempty"`
	Min         *float64     `json:"min,omitempty"`
	Max         *float64     `json:"max,omitempty"`
	DisplayWhen *DisplayWhen `json:"display_when,omitempty"`
}

// PropertySchema is the ordered parameter set of one node type.
type PropertySchema []PropertySpec

// Names returns the schema's key set in declaration order.
func (s PropertySchema) Names() []string {
	names := make([]string, len(s))
	for i, p := range s {
		names[i] = p.Name
	}
	return names
}

// ValidateConfig checks a config map against the schema. Unknown keys are
// rejected; required keys without a default must be present.
func (s PropertySchema) ValidateConfig(config map[string]any) error {
	known := make(map[string]PropertySpec, len(s))
	for _, p := range s {
		known[p.Name] = p
	}

	var unknown []string
	for key := range config {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown config keys %v", unknown)
	}

	for _, p := range s {
		if !p.Required || p.Default != nil {
			continue
		}
		if _, ok := config[p.Name]; !ok {
			return fmt.Errorf("required config key %q missing", p.Name)
		}
	}
	return nil
}

// ApplyDefaults fills unset config keys from schema defaults.
func (s PropertySchema) ApplyDefaults(config map[string]any) {
	for _, p := range s {
		if p.Default == nil {
			continue
		}
		if _, ok := config[p.Name]; !ok {
			config[p.Name] = p.Default
		}
	}
}
