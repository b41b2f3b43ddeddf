package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fnforge/pkg/engine"
)

type mapSource map[string]string

func (m mapSource) Name() string { return "map" }

func (m mapSource) Resolve(_ context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newLoader(vars ...engine.VariableSource) *Loader {
	return NewLoader(LoaderOptions{Variables: vars}, zerolog.Nop())
}

func TestLoader_Defaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "demo")
	writeFile(t, filepath.Join(dir, "project.yml"), `
packages:
  utils:
    actions:
      cat:
        location: src/cat.js
actions:
  mysequence:
    sequence: [utils/cat, whisk.system/utils/echo]
`)

	doc, err := newLoader().Load(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "demo", doc.Name, "name defaults to the directory")
	assert.Equal(t, engine.DefaultNamespace, doc.Namespace)
	assert.Equal(t, engine.DefaultVersion, doc.Version)
	assert.Equal(t, dir, doc.Dir)
	assert.Empty(t, doc.Dependencies)
	assert.Equal(t, []interface{}{"utils/cat", "whisk.system/utils/echo"}, doc.Actions["mysequence"]["sequence"])
}

func TestLoader_MissingManifest(t *testing.T) {
	_, err := newLoader().Load(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err), "got %v", err)

	_, err = newLoader().Load(context.Background(), filepath.Join(t.TempDir(), "nope.yml"))
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestLoader_InvalidManifest(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"unknown top-level key", "actoins:\n  a:\n    code: x\n"},
		{"bad yaml", "actions: [\n"},
		{"bad version", "version: not-a-version\n"},
		{"schema violation", "rules:\n  r:\n    trigger: t\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "project.yml"), tt.manifest)
			_, err := newLoader().Load(context.Background(), dir)
			require.Error(t, err)
			assert.True(t, engine.IsManifestError(err), "got %v", err)
		})
	}
}

func TestLoader_EmptyManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manifest.yaml"), "")

	doc, err := newLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	assert.NotNil(t, doc.Actions)
	assert.NotNil(t, doc.Packages)
}

func TestLoader_Interpolation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.yml"), `
name: ${SERVICE}
actions:
  hello:
    code: "function main() { return {} }"
    runtime: nodejs:default
    inputs:
      greeting: "hello ${WHO}"
      region: ${REGION:-eu}
      list: ["${WHO}"]
`)

	doc, err := newLoader(mapSource{"SERVICE": "svc", "WHO": "world"}).Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "svc", doc.Name)

	inputs, ok := doc.Actions["hello"]["inputs"].(map[string]interface{})
	require.True(t, ok, "inputs is a map")
	assert.Equal(t, "hello world", inputs["greeting"])
	assert.Equal(t, "eu", inputs["region"], "the default applies")
	assert.Equal(t, []interface{}{"world"}, inputs["list"])
}

func TestLoader_UndefinedVariable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.yml"), "name: ${MISSING}\n")

	_, err := newLoader().Load(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, engine.IsManifestError(err), "got %v", err)
	assert.Contains(t, err.Error(), "MISSING")
}

func TestInterpolate_SourcePrecedence(t *testing.T) {
	first := mapSource{"X": "first"}
	second := mapSource{"X": "second", "Y": "second"}

	got, err := Interpolate(context.Background(), "${X}-${Y}", []engine.VariableSource{first, second})
	require.NoError(t, err)
	assert.Equal(t, "first-second", got)

	got, err = Interpolate(context.Background(), "no variables $HOME", nil)
	require.NoError(t, err)
	assert.Equal(t, "no variables $HOME", got)
}

func TestLoader_Dependencies(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "project.yml"), `
name: app
dependencies:
  - location: ../shared
actions:
  main:
    sequence: [utils/cat]
`)
	writeFile(t, filepath.Join(root, "shared", "project.yml"), `
name: ignored
namespace: other
packages:
  utils:
    actions:
      cat:
        location: src/cat.js
actions:
  helper:
    location: lib/helper.py
triggers:
  tick: {}
`)

	doc, err := newLoader().Load(context.Background(), filepath.Join(root, "app"))
	require.NoError(t, err)

	assert.Equal(t, "app", doc.Name, "dependencies never override the project identity")
	assert.Equal(t, engine.DefaultNamespace, doc.Namespace)
	require.Contains(t, doc.Packages, "utils")
	assert.Contains(t, doc.Triggers, "tick")

	assert.Equal(t, filepath.Join("..", "shared", "lib", "helper.py"), doc.Actions["helper"]["location"])

	actions, ok := doc.Packages["utils"]["actions"].(map[string]interface{})
	require.True(t, ok)
	cat, ok := actions["cat"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, filepath.Join("..", "shared", "src", "cat.js"), cat["location"])
}

func TestLoader_DependencyConflict(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "project.yml"), `
dependencies:
  - location: ../shared
actions:
  helper:
    code: x
    runtime: nodejs:default
`)
	writeFile(t, filepath.Join(root, "shared", "project.yml"), `
actions:
  helper:
    code: y
    runtime: nodejs:default
`)

	_, err := newLoader().Load(context.Background(), filepath.Join(root, "app"))
	assert.True(t, engine.IsDuplicateEntity(err), "got %v", err)
}

func TestLoader_SharedDependencyMergedOnce(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "project.yml"), `
dependencies:
  - location: ../left
  - location: ../right
`)
	writeFile(t, filepath.Join(root, "left", "project.yml"), `
dependencies:
  - location: ../common
actions:
  left:
    location: left.js
`)
	writeFile(t, filepath.Join(root, "right", "project.yml"), `
dependencies:
  - location: ../common/project.yml
actions:
  right:
    location: right.js
`)
	writeFile(t, filepath.Join(root, "common", "project.yml"), `
actions:
  shared:
    location: shared.js
`)

	doc, err := newLoader().Load(context.Background(), filepath.Join(root, "app"))
	require.NoError(t, err)
	for _, name := range []string{"left", "right", "shared"} {
		assert.Contains(t, doc.Actions, name)
	}
	assert.Equal(t, filepath.Join("..", "common", "shared.js"), doc.Actions["shared"]["location"])
}

func TestLoader_DependencyCycle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "project.yml"), "dependencies:\n  - location: ../b\n")
	writeFile(t, filepath.Join(root, "b", "project.yml"), "dependencies:\n  - location: ../a\n")

	_, err := newLoader().Load(context.Background(), filepath.Join(root, "a"))
	require.Error(t, err)
	assert.True(t, engine.IsManifestError(err), "got %v", err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "cat.js"), "function main() {}")

	l := NewFileLoader(dir)
	data, err := l.Load(context.Background(), "src/cat.js")
	require.NoError(t, err)
	assert.Equal(t, "function main() {}", string(data))

	_, err = l.Load(context.Background(), "src/missing.js")
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}
