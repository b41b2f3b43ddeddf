package engine_test

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fnforge/pkg/client"
	"github.com/openfroyo/fnforge/pkg/engine"
)

func newDispatcher(p *engine.Project, c engine.ResourceClient, loader engine.Loader, mode engine.Mode, dryRun bool) *engine.Dispatcher {
	return engine.NewDispatcher(engine.DispatcherConfig{
		Project: p,
		Service: p.Name,
		Loader:  loader,
		Client:  c,
		Mode:    mode,
		DryRun:  dryRun,
	}, zerolog.Nop())
}

func TestDispatcher_LocationInfersRuntime(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["hello"] = &engine.Action{Name: "hello", Spec: engine.LocationSpec{Path: "hello.js"}, Main: "handler"}
	mem := client.NewMemory()

	d := newDispatcher(p, mem, mapLoader{"hello.js": []byte("function main() {}")}, engine.ModeCreate, false)
	result, err := d.Deploy(context.Background(), p.Actions["hello"])
	require.NoError(t, err)
	assert.Equal(t, "/_/hello", result.Name)
	assert.Equal(t, engine.KindLocation, result.Variant)
	assert.Equal(t, "hello.js", result.Location)

	stored, ok := mem.Lookup(actionRef("_", "hello"))
	require.True(t, ok)
	assert.Equal(t, "nodejs:default", stored.Exec.Kind)
	assert.Equal(t, "function main() {}", stored.Exec.Code)
	assert.Equal(t, "handler", stored.Exec.Main)
	assert.False(t, stored.Exec.Binary)
	assert.Equal(t, "svc", stored.Owner())
}

func TestDispatcher_BinaryArtifactIsBase64(t *testing.T) {
	data := []byte{0x50, 0x4b, 0x03, 0x04, 0xff}
	p := engine.NewProject("svc", "", "")
	p.Actions["bundle"] = &engine.Action{Name: "bundle", Runtime: "nodejs:20", Spec: engine.LocationSpec{Path: "bundle.zip"}}
	mem := client.NewMemory()

	d := newDispatcher(p, mem, mapLoader{"bundle.zip": data}, engine.ModeCreate, false)
	_, err := d.Deploy(context.Background(), p.Actions["bundle"])
	require.NoError(t, err)

	stored, _ := mem.Lookup(actionRef("_", "bundle"))
	assert.True(t, stored.Exec.Binary)
	assert.Equal(t, base64.StdEncoding.EncodeToString(data), stored.Exec.Code)
	assert.Equal(t, "nodejs:20", stored.Exec.Kind, "explicit runtime wins")
}

func TestDispatcher_UnknownRuntime(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["odd"] = &engine.Action{Name: "odd", Spec: engine.LocationSpec{Path: "odd.xyz"}}
	mem := client.NewMemory()

	d := newDispatcher(p, mem, mapLoader{"odd.xyz": []byte("?")}, engine.ModeCreate, false)
	_, err := d.Deploy(context.Background(), p.Actions["odd"])
	require.True(t, engine.IsManifestError(err), "got %v", err)
	assert.Empty(t, mem.Calls())
}

func TestDispatcher_MissingArtifact(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["gone"] = &engine.Action{Name: "gone", Spec: engine.LocationSpec{Path: "gone.py"}}

	d := newDispatcher(p, client.NewMemory(), mapLoader{}, engine.ModeCreate, false)
	_, err := d.Deploy(context.Background(), p.Actions["gone"])
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestDispatcher_SequenceQualifiesComponents(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Packages["utils"] = &engine.Package{Name: "utils", Actions: map[string]*engine.Action{
		"pipe": {Name: "pipe", Package: "utils", Spec: engine.SequenceSpec{Components: []string{"cat", "whisk.system/utils/echo"}}},
	}}
	mem := client.NewMemory()

	d := newDispatcher(p, mem, mapLoader{}, engine.ModeCreate, false)
	_, err := d.Deploy(context.Background(), p.Packages["utils"].Actions["pipe"])
	require.NoError(t, err)

	stored, _ := mem.Lookup(actionRef("_", "utils/pipe"))
	assert.Equal(t, "sequence", stored.Exec.Kind)
	assert.Equal(t, []string{"/_/utils/cat", "/whisk.system/utils/echo"}, stored.Exec.Components)
}

func TestDispatcher_LocalCopyMergesInputs(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["base"] = &engine.Action{
		Name:   "base",
		Spec:   engine.CodeSpec{Source: "main = () => ({})", Runtime: "nodejs:20"},
		Inputs: engine.Dict{"a": 1, "b": 3},
		Limits: &engine.Limits{Timeout: 1000, Memory: 256},
	}
	p.Actions["derived"] = &engine.Action{
		Name:   "derived",
		Spec:   engine.CopySpec{Source: "base"},
		Inputs: engine.Dict{"a": 2},
		Limits: &engine.Limits{Memory: 512},
	}
	mem := client.NewMemory()

	d := newDispatcher(p, mem, mapLoader{}, engine.ModeCreate, false)
	result, err := d.Deploy(context.Background(), p.Actions["derived"])
	require.NoError(t, err)
	assert.Equal(t, engine.Dict{"a": 2, "b": 3}, result.Parameters)

	stored, _ := mem.Lookup(actionRef("_", "derived"))
	assert.Equal(t, "main = () => ({})", stored.Exec.Code)
	assert.Equal(t, "nodejs:20", stored.Exec.Kind)
	assert.Equal(t, 1000, stored.Limits.Timeout)
	assert.Equal(t, 512, stored.Limits.Memory)
}

func TestDispatcher_RemoteCopy(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["myecho"] = &engine.Action{Name: "myecho", Spec: engine.CopySpec{Source: "/whisk.system/utils/echo"}}
	mem := client.NewMemory()
	mem.Seed(&engine.RemoteResource{
		Kind:        engine.ResourceActions,
		Namespace:   "whisk.system",
		Name:        "utils/echo",
		Exec:        &engine.Exec{Kind: "nodejs:20", Code: "echo"},
		Parameters:  engine.Dict{"x": 1},
		Annotations: engine.Dict{engine.ManagedAnnotation: "system", "description": "echoes"},
	})

	d := newDispatcher(p, mem, mapLoader{}, engine.ModeCreate, false)
	result, err := d.Deploy(context.Background(), p.Actions["myecho"])
	require.NoError(t, err)
	assert.Equal(t, "/whisk.system/utils/echo", result.Location)

	stored, _ := mem.Lookup(actionRef("_", "myecho"))
	assert.Equal(t, "echo", stored.Exec.Code)
	assert.Equal(t, "svc", stored.Owner(), "the copy is owned by the deploying service")
	assert.Equal(t, "echoes", stored.Annotations["description"])
}

func TestDispatcher_RemoteCopyMissingSource(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["ghost"] = &engine.Action{Name: "ghost", Spec: engine.CopySpec{Source: "/other/missing"}}

	d := newDispatcher(p, client.NewMemory(), mapLoader{}, engine.ModeCreate, false)
	_, err := d.Deploy(context.Background(), p.Actions["ghost"])
	assert.True(t, engine.IsNotFound(err), "got %v", err)
}

func TestDispatcher_CreateVersusUpdate(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["hello"] = &engine.Action{Name: "hello", Spec: engine.CodeSpec{Source: "v2", Runtime: "python:3"}}

	seed := func() *client.Memory {
		mem := client.NewMemory()
		mem.Seed(&engine.RemoteResource{
			Kind:      engine.ResourceActions,
			Namespace: "_",
			Name:      "hello",
			Exec:      &engine.Exec{Kind: "python:3", Code: "v1"},
		})
		return mem
	}

	mem := seed()
	_, err := newDispatcher(p, mem, mapLoader{}, engine.ModeCreate, false).Deploy(context.Background(), p.Actions["hello"])
	require.True(t, engine.IsAlreadyExists(err), "got %v", err)

	mem = seed()
	_, err = newDispatcher(p, mem, mapLoader{}, engine.ModeUpdate, false).Deploy(context.Background(), p.Actions["hello"])
	require.NoError(t, err)

	stored, _ := mem.Lookup(actionRef("_", "hello"))
	assert.Equal(t, "v2", stored.Exec.Code)
	calls := mem.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "update", calls[0].Op)
}

func TestDispatcher_DryRun(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["hello"] = &engine.Action{Name: "hello", Spec: engine.ImageSpec{Reference: "docker.io/acme/hello:1"}}
	mem := client.NewMemory()

	result, err := newDispatcher(p, mem, mapLoader{}, engine.ModeCreate, true).Deploy(context.Background(), p.Actions["hello"])
	require.NoError(t, err)
	require.NotNil(t, result.Remote)
	assert.Equal(t, "blackbox", result.Remote.Exec.Kind)
	assert.Equal(t, "docker.io/acme/hello:1", result.Remote.Exec.Image)
	assert.Empty(t, mem.Calls())
}

func TestDispatcher_Builder(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["app"] = &engine.Action{
		Name:    "app",
		Spec:    engine.LocationSpec{Path: "src"},
		Builder: &engine.BuilderSpec{Keyword: "webpack", Config: engine.Dict{"mode": "production"}},
	}
	mem := client.NewMemory()

	var got engine.BuildRequest
	plugins := builderIndex{"webpack": builderFunc(func(ctx context.Context, req engine.BuildRequest) (*engine.BuildResult, error) {
		got = req
		return &engine.BuildResult{Location: "dist/app.js"}, nil
	})}

	d := engine.NewDispatcher(engine.DispatcherConfig{
		Project:       p,
		Service:       "svc",
		Plugins:       plugins,
		Loader:        mapLoader{"dist/app.js": []byte("bundled")},
		Client:        mem,
		Mode:          engine.ModeCreate,
		BuildDir:      "/tmp/build",
		BuilderConfig: engine.Dict{"mode": "development", "target": "node"},
	}, zerolog.Nop())

	result, err := d.Deploy(context.Background(), p.Actions["app"])
	require.NoError(t, err)
	assert.Equal(t, "dist/app.js", result.Location)
	assert.Equal(t, "app", got.Name)
	assert.Equal(t, "/tmp/build", got.BuildDir)
	assert.Equal(t, "production", got.Config["mode"], "per-action config wins")
	assert.Equal(t, "node", got.Config["target"])

	// Unknown builder keyword.
	p.Actions["app"].Builder.Keyword = "rollup"
	_, err = d.Deploy(context.Background(), p.Actions["app"])
	assert.True(t, engine.IsUnresolvedExtension(err), "got %v", err)
}

func TestMergeDict_OverrideWins(t *testing.T) {
	assert.Equal(t, engine.Dict{"a": 2, "b": 3}, engine.MergeDict(engine.Dict{"a": 1, "b": 3}, engine.Dict{"a": 2}))
}
