package config

import (
	"github.com/openfroyo/fnforge/pkg/engine"
)

// ManifestFiles are the file names looked up when a project directory is
// given instead of a manifest file.
var ManifestFiles = []string{"project.yml", "project.yaml", "manifest.yml", "manifest.yaml"}

// Document is a loaded manifest before contribution expansion. Entity
// bodies are kept raw so that plugins can rewrite them.
type Document struct {
	// Name is the project (service) name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Namespace is the target namespace.
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// Version is the project version; a semantic version.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Dependencies are sub-projects merged into this one. Always empty
	// after loading.
	Dependencies []Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	Packages map[string]engine.Dict `yaml:"packages,omitempty" json:"packages,omitempty"`
	Actions  map[string]engine.Dict `yaml:"actions,omitempty" json:"actions,omitempty"`
	Triggers map[string]engine.Dict `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Rules    map[string]engine.Dict `yaml:"rules,omitempty" json:"rules,omitempty"`
	APIs     map[string]engine.Dict `yaml:"apis,omitempty" json:"apis,omitempty"`

	// Path is the manifest file.
	Path string `yaml:"-" json:"-"`

	// Dir is the project directory; artifact paths are relative to it.
	Dir string `yaml:"-" json:"-"`
}

// Dependency is a sub-project include.
type Dependency struct {
	// Location is a manifest file or project directory, relative to the
	// including project.
	Location string `yaml:"location" json:"location" validate:"required"`
}

// NewDocument returns an empty document with initialized maps.
func NewDocument() *Document {
	d := &Document{}
	d.ensureMaps()
	return d
}

func (d *Document) ensureMaps() {
	if d.Packages == nil {
		d.Packages = make(map[string]engine.Dict)
	}
	if d.Actions == nil {
		d.Actions = make(map[string]engine.Dict)
	}
	if d.Triggers == nil {
		d.Triggers = make(map[string]engine.Dict)
	}
	if d.Rules == nil {
		d.Rules = make(map[string]engine.Dict)
	}
	if d.APIs == nil {
		d.APIs = make(map[string]engine.Dict)
	}
}

// View returns the document as a plain map, the read-only project view
// handed to plugins.
func (d *Document) View() engine.Dict {
	section := func(m map[string]engine.Dict) map[string]interface{} {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = map[string]interface{}(v)
		}
		return out
	}
	return engine.Dict{
		"name":      d.Name,
		"namespace": d.Namespace,
		"version":   d.Version,
		"packages":  section(d.Packages),
		"actions":   section(d.Actions),
		"triggers":  section(d.Triggers),
		"rules":     section(d.Rules),
		"apis":      section(d.APIs),
	}
}
