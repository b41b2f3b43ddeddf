package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DescriptorFile is the file name of a plugin descriptor inside its directory.
const DescriptorFile = "plugin.yaml"

// Descriptor is the parsed plugin.yaml of an installed plugin.
type Descriptor struct {
	// Name defaults to the plugin directory name.
	Name string `yaml:"name" validate:"required"`

	// Extension is the extension point the plugin registers on.
	Extension Extension `yaml:"extension" validate:"required,oneof=action package api builder variables"`

	// Keyword is required on every extension point except variables.
	Keyword string `yaml:"keyword" validate:"required_unless=Extension variables"`

	// Script is the Starlark file, relative to the descriptor directory.
	Script string `yaml:"script" validate:"required"`

	// Timeout bounds each entry point call, e.g. "10s".
	Timeout string `yaml:"timeout,omitempty"`

	// Checksum is the optional hex SHA-256 of the script.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,hexadecimal,len=64"`

	// Path is the descriptor file the plugin was loaded from.
	Path string `yaml:"-"`

	// ScriptPath is the resolved script path.
	ScriptPath string `yaml:"-"`
}

// ScriptTimeout parses Timeout, falling back to DefaultScriptTimeout.
func (d *Descriptor) ScriptTimeout() (time.Duration, error) {
	if d.Timeout == "" {
		return DefaultScriptTimeout, nil
	}
	t, err := time.ParseDuration(d.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", d.Timeout, err)
	}
	return t, nil
}

// DescriptorLoader loads plugin descriptors.
type DescriptorLoader struct {
	validate *validator.Validate
}

// NewDescriptorLoader creates a descriptor loader.
func NewDescriptorLoader() *DescriptorLoader {
	return &DescriptorLoader{validate: validator.New()}
}

// LoadFromFile loads and validates the descriptor at path.
func (l *DescriptorLoader) LoadFromFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin descriptor: %w", err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse plugin descriptor %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if d.Name == "" {
		d.Name = filepath.Base(dir)
	}
	if err := l.validate.Struct(&d); err != nil {
		return nil, fmt.Errorf("invalid plugin descriptor %s: %w", path, err)
	}

	d.Path = path
	d.ScriptPath = d.Script
	if !filepath.IsAbs(d.ScriptPath) {
		d.ScriptPath = filepath.Join(dir, d.ScriptPath)
	}
	return &d, nil
}

// ReadScript reads the script of d and verifies its checksum when set.
func (d *Descriptor) ReadScript() ([]byte, error) {
	src, err := os.ReadFile(d.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: failed to read script: %w", d.Name, err)
	}
	if d.Checksum != "" {
		hash := sha256.Sum256(src)
		if computed := hex.EncodeToString(hash[:]); computed != d.Checksum {
			return nil, fmt.Errorf("plugin %s: script checksum mismatch: expected %s, got %s",
				d.Name, d.Checksum, computed)
		}
	}
	return src, nil
}

// Scan returns the descriptors of every <dir>/<plugin>/plugin.yaml, sorted by
// plugin directory within each dir. Missing dirs are skipped.
func (l *DescriptorLoader) Scan(dirs ...string) ([]*Descriptor, error) {
	var descriptors []*Descriptor
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to scan plugin directory %s: %w", dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name(), DescriptorFile)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			d, err := l.LoadFromFile(path)
			if err != nil {
				return nil, err
			}
			descriptors = append(descriptors, d)
		}
	}
	return descriptors, nil
}
