package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// LoaderOptions configures a manifest loader.
type LoaderOptions struct {
	// Variables are consulted in order for ${NAME} interpolation.
	Variables []engine.VariableSource

	// Schemas validates the structure of every loaded manifest. Defaults to
	// NewSchemaRegistry().
	Schemas *SchemaRegistry
}

// Loader reads a manifest, merges its dependencies into one namespace and
// fills the structural defaults.
type Loader struct {
	opts     LoaderOptions
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(opts LoaderOptions, logger zerolog.Logger) *Loader {
	if opts.Schemas == nil {
		opts.Schemas = NewSchemaRegistry()
	}
	return &Loader{
		opts:     opts,
		validate: validator.New(),
		logger:   logger.With().Str("component", "manifest-loader").Logger(),
	}
}

// ResolveManifest returns the manifest file and project directory for path,
// which is either a manifest file or a directory holding one of
// ManifestFiles. A missing manifest yields an IO error for which
// engine.IsNotFound reports true.
func ResolveManifest(path string) (file, dir string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", engine.NewIOError(path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", "", engine.NewIOError(path, err)
	}
	if !info.IsDir() {
		return abs, filepath.Dir(abs), nil
	}
	for _, name := range ManifestFiles {
		candidate := filepath.Join(abs, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, abs, nil
		}
	}
	return "", "", engine.NewIOError(filepath.Join(path, ManifestFiles[0]), fs.ErrNotExist)
}

// Load loads the project at path. The returned document has no
// dependencies, a namespace, a version and a name.
func (l *Loader) Load(ctx context.Context, path string) (*Document, error) {
	doc, err := l.load(ctx, path, nil, make(map[string]bool))
	if err != nil {
		return nil, err
	}

	if doc.Name == "" {
		doc.Name = filepath.Base(doc.Dir)
	}
	if doc.Namespace == "" {
		doc.Namespace = engine.DefaultNamespace
	}
	if doc.Version == "" {
		doc.Version = engine.DefaultVersion
	}
	if _, err := semver.NewVersion(doc.Version); err != nil {
		return nil, engine.NewManifestError("version", fmt.Sprintf("invalid version %q", doc.Version), err)
	}

	l.logger.Debug().
		Str("project", doc.Name).
		Str("namespace", doc.Namespace).
		Str("path", doc.Path).
		Int("packages", len(doc.Packages)).
		Int("actions", len(doc.Actions)).
		Msg("Manifest loaded")
	return doc, nil
}

// load reads one manifest and recursively merges its dependencies. stack
// holds the manifests being loaded, for include cycle detection. merged
// holds the manifests already merged into the project, so a shared
// dependency is merged once.
func (l *Loader) load(ctx context.Context, path string, stack []string, merged map[string]bool) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, dir, err := ResolveManifest(path)
	if err != nil {
		return nil, err
	}
	for _, seen := range stack {
		if seen == file {
			chain := append(append([]string(nil), stack...), file)
			return nil, engine.NewManifestError("dependencies",
				"dependency cycle: "+strings.Join(chain, " -> "), nil)
		}
	}
	stack = append(stack, file)

	doc, err := l.Parse(ctx, file)
	if err != nil {
		return nil, err
	}
	doc.Dir = dir

	deps := doc.Dependencies
	doc.Dependencies = nil
	for i, dep := range deps {
		if err := l.validate.Struct(dep); err != nil {
			return nil, engine.NewManifestError(fmt.Sprintf("dependencies[%d]", i), "invalid dependency", err)
		}
		location := dep.Location
		if !filepath.IsAbs(location) {
			location = filepath.Join(dir, location)
		}
		depFile, _, err := ResolveManifest(location)
		if err != nil {
			return nil, err
		}
		if merged[depFile] {
			l.logger.Debug().Str("dependency", dep.Location).Str("into", file).Msg("Dependency already merged")
			continue
		}
		child, err := l.load(ctx, location, stack, merged)
		if err != nil {
			return nil, err
		}
		if err := merge(doc, child); err != nil {
			return nil, err
		}
		merged[depFile] = true
		l.logger.Debug().Str("dependency", dep.Location).Str("into", file).Msg("Dependency merged")
	}
	return doc, nil
}

// Parse decodes, interpolates and validates a single manifest file without
// merging its dependencies.
func (l *Loader) Parse(ctx context.Context, file string) (*Document, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, engine.NewIOError(file, err)
	}

	doc := &Document{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewManifestError(file, "failed to parse manifest YAML", err)
	}
	doc.Path = file
	doc.ensureMaps()

	interp := &interpolator{ctx: ctx, sources: l.opts.Variables}
	if err := interp.document(doc); err != nil {
		return nil, err
	}

	if err := l.opts.Schemas.ValidateManifest(ctx, doc); err != nil {
		return nil, engine.NewManifestError(file, "manifest does not match schema", err)
	}
	return doc, nil
}

// merge moves every entity of child into parent. Artifact locations of the
// child are rebased onto the parent directory.
func merge(parent, child *Document) error {
	rel, err := filepath.Rel(parent.Dir, child.Dir)
	if err != nil {
		rel = child.Dir
	}
	for _, body := range child.Actions {
		rebase(body, rel)
	}
	for _, pkg := range child.Packages {
		if actions, ok := pkg["actions"].(map[string]interface{}); ok {
			for _, body := range actions {
				if b, ok := body.(map[string]interface{}); ok {
					rebase(b, rel)
				}
			}
		}
	}

	sections := []struct {
		kind     string
		from, to map[string]engine.Dict
	}{
		{"package", child.Packages, parent.Packages},
		{"action", child.Actions, parent.Actions},
		{"trigger", child.Triggers, parent.Triggers},
		{"rule", child.Rules, parent.Rules},
		{"api", child.APIs, parent.APIs},
	}
	for _, s := range sections {
		names := make([]string, 0, len(s.from))
		for name := range s.from {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, exists := s.to[name]; exists {
				return engine.NewDuplicateEntityError(s.kind + " " + name).
					WithDetail("dependency", child.Path)
			}
			s.to[name] = s.from[name]
		}
	}
	return nil
}

func rebase(body map[string]interface{}, rel string) {
	if rel == "" || rel == "." {
		return
	}
	loc, ok := body["location"].(string)
	if !ok || loc == "" || filepath.IsAbs(loc) || strings.Contains(loc, "://") {
		return
	}
	body["location"] = filepath.Join(rel, loc)
}
