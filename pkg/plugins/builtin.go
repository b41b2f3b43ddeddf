package plugins

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DotEnvFile is the properties file read from the project directory.
const DotEnvFile = ".env"

// EnvSource resolves variables from the process environment.
type EnvSource struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Name implements engine.VariableSource.
func (EnvSource) Name() string { return "env" }

// Resolve implements engine.VariableSource.
func (s EnvSource) Resolve(_ context.Context, name string) (string, bool, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	return v, ok, nil
}

// DotEnvSource resolves variables from a KEY=VALUE properties file. The file
// is read on first use; a missing file defines nothing.
type DotEnvSource struct {
	Path string

	once   sync.Once
	values map[string]string
	err    error
}

// NewDotEnvSource returns a source for the .env file of projectDir.
func NewDotEnvSource(projectDir string) *DotEnvSource {
	return &DotEnvSource{Path: filepath.Join(projectDir, DotEnvFile)}
}

// Name implements engine.VariableSource.
func (s *DotEnvSource) Name() string { return "dotenv" }

// Resolve implements engine.VariableSource.
func (s *DotEnvSource) Resolve(_ context.Context, name string) (string, bool, error) {
	s.once.Do(func() {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.err = fmt.Errorf("reading %s: %w", s.Path, err)
			}
			return
		}
		s.values, s.err = ParseProperties(data)
	})
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.values[name]
	return v, ok, nil
}

// ParseProperties parses KEY=VALUE lines. Blank lines and lines starting
// with # are ignored, an optional "export " prefix is dropped and matching
// surrounding quotes are removed.
func ParseProperties(data []byte) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", line)
		}
		value = strings.TrimSpace(value)
		if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
			value = value[1 : n-1]
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}
