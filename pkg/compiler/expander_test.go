package compiler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fnforge/pkg/config"
	"github.com/openfroyo/fnforge/pkg/engine"
	"github.com/openfroyo/fnforge/pkg/plugins"
)

type contributorFunc func(ctx context.Context, req engine.ContributionRequest) ([]engine.Contribution, error)

func (f contributorFunc) Contribute(ctx context.Context, req engine.ContributionRequest) ([]engine.Contribution, error) {
	return f(ctx, req)
}

func registry(t *testing.T, register func(r *plugins.Registry)) *plugins.Registry {
	t.Helper()
	r := plugins.NewRegistry()
	if register != nil {
		register(r)
	}
	r.Seal()
	return r
}

func document() *config.Document {
	doc := config.NewDocument()
	doc.Name = "demo"
	doc.Namespace = engine.DefaultNamespace
	doc.Version = engine.DefaultVersion
	return doc
}

func TestCompile_BuiltinVariants(t *testing.T) {
	doc := document()
	doc.Packages["utils"] = engine.Dict{
		"inputs": map[string]interface{}{"shared": true},
		"actions": map[string]interface{}{
			"cat": map[string]interface{}{"location": "src/cat.js", "limits": map[string]interface{}{"timeout": 3000, "memory": 256}},
		},
	}
	doc.Actions["mysequence"] = engine.Dict{"sequence": []interface{}{"utils/cat", "whisk.system/utils/echo"}}
	doc.Actions["inline"] = engine.Dict{"code": "function main() {}", "runtime": "nodejs:default", "web": "raw"}
	doc.Actions["image"] = engine.Dict{"image": "ghcr.io/acme/fn:1"}
	doc.Actions["clone"] = engine.Dict{"copy": "utils/cat", "inputs": map[string]interface{}{"a": 2}}
	doc.Actions["both"] = engine.Dict{"location": "a.py", "code": "ignored"}
	doc.Triggers["tick"] = engine.Dict{"feed": "/whisk.system/alarms/alarm"}
	doc.Rules["every-tick"] = engine.Dict{"trigger": "tick", "action": "inline"}
	doc.APIs["hello"] = engine.Dict{"basePath": "/hello", "routes": []interface{}{
		map[string]interface{}{"path": "/world", "method": "get", "action": "inline"},
	}}

	p, err := New(registry(t, nil), Options{}, zerolog.Nop()).Compile(context.Background(), doc)
	require.NoError(t, err)

	cat, ok := p.FindAction("utils/cat")
	require.True(t, ok)
	assert.Equal(t, engine.LocationSpec{Path: "src/cat.js"}, cat.Spec)
	assert.Equal(t, &engine.Limits{Timeout: 3000, Memory: 256}, cat.Limits)
	assert.Equal(t, engine.Dict{"shared": true}, p.Packages["utils"].Inputs)

	assert.Equal(t, engine.SequenceSpec{Components: []string{"utils/cat", "whisk.system/utils/echo"}}, p.Actions["mysequence"].Spec)
	assert.Equal(t, engine.CodeSpec{Source: "function main() {}", Runtime: "nodejs:default"}, p.Actions["inline"].Spec)
	assert.True(t, p.Actions["inline"].Web)
	assert.Equal(t, true, p.Actions["inline"].Annotations["raw-http"])
	assert.Equal(t, engine.ImageSpec{Reference: "ghcr.io/acme/fn:1"}, p.Actions["image"].Spec)
	assert.Equal(t, engine.CopySpec{Source: "utils/cat"}, p.Actions["clone"].Spec)
	assert.Equal(t, engine.KindLocation, p.Actions["both"].Kind(), "location has priority over code")

	assert.Equal(t, "/whisk.system/alarms/alarm", p.Triggers["tick"].Feed)
	assert.Equal(t, engine.RuleActive, p.Rules["every-tick"].Status)
	require.Len(t, p.APIs["hello"].Routes, 1)
	assert.Equal(t, "GET", p.APIs["hello"].Routes[0].Method)
}

func TestCompile_ManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		edit func(doc *config.Document)
	}{
		{"code without runtime", func(d *config.Document) { d.Actions["a"] = engine.Dict{"code": "x"} }},
		{"empty sequence", func(d *config.Document) { d.Actions["a"] = engine.Dict{"sequence": []interface{}{}} }},
		{"empty copy", func(d *config.Document) { d.Actions["a"] = engine.Dict{"copy": ""} }},
		{"no kind", func(d *config.Document) { d.Actions["a"] = engine.Dict{"runtime": "nodejs:default"} }},
		{"bad limits", func(d *config.Document) {
			d.Actions["a"] = engine.Dict{"image": "x", "limits": map[string]interface{}{"memory": 1}}
		}},
		{"rule without action", func(d *config.Document) { d.Rules["r"] = engine.Dict{"trigger": "t"} }},
		{"binding owning actions", func(d *config.Document) {
			d.Packages["b"] = engine.Dict{
				"binding": map[string]interface{}{"namespace": "whisk.system", "name": "utils"},
				"actions": map[string]interface{}{"x": map[string]interface{}{"image": "i"}},
			}
		}},
		{"bad route", func(d *config.Document) {
			d.APIs["api"] = engine.Dict{"basePath": "/api", "routes": []interface{}{
				map[string]interface{}{"path": "nope", "method": "GET", "action": "a"},
			}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := document()
			tt.edit(doc)
			_, err := New(registry(t, nil), Options{}, zerolog.Nop()).Compile(context.Background(), doc)
			require.Error(t, err)
			assert.True(t, engine.IsManifestError(err), "got %v", err)
		})
	}
}

func TestCompile_InPlaceExpansion(t *testing.T) {
	var seen engine.ContributionRequest
	r := registry(t, func(r *plugins.Registry) {
		require.NoError(t, r.RegisterContributor(plugins.ExtensionAction, plugins.Info{Name: "hello-plugin", Keyword: "hello"},
			contributorFunc(func(_ context.Context, req engine.ContributionRequest) ([]engine.Contribution, error) {
				seen = req
				return []engine.Contribution{
					{Kind: engine.ContributionAction, Package: req.Package, Name: req.Name, Body: engine.Dict{
						"code": "return '" + req.Body["hello"].(string) + "'", "runtime": "python:default",
					}},
					{Kind: engine.ContributionAPI, Name: req.Name + "-api", Body: engine.Dict{
						"basePath": "/greet",
						"routes":   []interface{}{map[string]interface{}{"path": "/", "method": "GET", "action": req.Name}},
					}},
				}, nil
			})))
	})

	doc := document()
	doc.Packages["greet"] = engine.Dict{"actions": map[string]interface{}{
		"hi": map[string]interface{}{"hello": "world"},
	}}

	p, err := New(r, Options{Config: engine.Dict{"env": "test"}}, zerolog.Nop()).Compile(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, "greet", seen.Package)
	assert.Equal(t, "hi", seen.Name)
	assert.Equal(t, engine.Dict{"env": "test"}, seen.Config)
	assert.Equal(t, "demo", seen.Project["name"])

	hi, ok := p.FindAction("greet/hi")
	require.True(t, ok)
	assert.Equal(t, engine.CodeSpec{Source: "return 'world'", Runtime: "python:default"}, hi.Spec)
	assert.Equal(t, "/greet", p.APIs["hi-api"].BasePath)
}

func TestCompile_InPlacePackageRewrite(t *testing.T) {
	var seen engine.ContributionRequest
	r := registry(t, func(r *plugins.Registry) {
		require.NoError(t, r.RegisterContributor(plugins.ExtensionPackage, plugins.Info{Name: "wrapper", Keyword: "wrap"},
			contributorFunc(func(_ context.Context, req engine.ContributionRequest) ([]engine.Contribution, error) {
				seen = req
				return []engine.Contribution{{
					Kind: engine.ContributionPackage,
					Name: req.Name,
					Body: engine.Dict{
						"inputs":  map[string]interface{}{"wrapped": true},
						"actions": req.Body["actions"],
					},
				}}, nil
			})))
	})

	doc := document()
	doc.Packages["ext"] = engine.Dict{
		"wrap":    true,
		"actions": map[string]interface{}{"a": map[string]interface{}{"image": "acme/a"}},
	}

	p, err := New(r, Options{}, zerolog.Nop()).Compile(context.Background(), doc)
	require.NoError(t, err)

	assert.Contains(t, seen.Body, "actions", "plugin sees the package actions")
	require.Contains(t, p.Packages, "ext")
	assert.Equal(t, engine.Dict{"wrapped": true}, p.Packages["ext"].Inputs)
	a, ok := p.FindAction("ext/a")
	require.True(t, ok)
	assert.Equal(t, engine.ImageSpec{Reference: "acme/a"}, a.Spec)
}

func TestCompile_UnresolvedPackageDropsItsActions(t *testing.T) {
	doc := document()
	doc.Packages["ext"] = engine.Dict{
		"openapi": "spec.yaml",
		"inputs":  map[string]interface{}{"x": 1},
		"actions": map[string]interface{}{"a": map[string]interface{}{"image": "acme/a"}},
	}
	doc.Actions["ok"] = engine.Dict{"image": "x"}

	p, err := New(registry(t, nil), Options{}, zerolog.Nop()).Compile(context.Background(), doc)
	require.NoError(t, err)
	assert.Empty(t, p.Packages)
	_, ok := p.FindAction("ext/a")
	assert.False(t, ok, "actions of a dropped package are dropped with it")
	assert.Contains(t, p.Actions, "ok")

	_, err = New(registry(t, nil), Options{Strict: true}, zerolog.Nop()).Compile(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, engine.IsUnresolvedExtension(err))
}

func TestCompile_NamespaceQualifiedComponent(t *testing.T) {
	doc := document()
	doc.Packages["utils"] = engine.Dict{"actions": map[string]interface{}{
		"cat": map[string]interface{}{"location": "src/cat.js"},
	}}
	doc.Actions["mysequence"] = engine.Dict{"sequence": []interface{}{"utils/cat", "whisk.system/utils/echo"}}

	p, err := New(registry(t, nil), Options{}, zerolog.Nop()).Compile(context.Background(), doc)
	require.NoError(t, err)

	graph, err := engine.BuildGraph(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"utils/cat"}, graph.Nodes["mysequence"].Dependencies)
	assert.Len(t, graph.Edges(), 1)
}

func TestCompile_RecursiveExpansion(t *testing.T) {
	r := registry(t, func(r *plugins.Registry) {
		require.NoError(t, r.RegisterContributor(plugins.ExtensionPackage, plugins.Info{Name: "crud", Keyword: "crud"},
			contributorFunc(func(_ context.Context, req engine.ContributionRequest) ([]engine.Contribution, error) {
				return []engine.Contribution{{
					Kind: engine.ContributionPackage,
					Name: req.Name,
					Body: engine.Dict{"actions": map[string]interface{}{
						"create": map[string]interface{}{"hello": "create"},
						"read":   map[string]interface{}{"image": "acme/read"},
					}},
				}}, nil
			})))
		require.NoError(t, r.RegisterContributor(plugins.ExtensionAction, plugins.Info{Name: "hello", Keyword: "hello"},
			contributorFunc(func(_ context.Context, req engine.ContributionRequest) ([]engine.Contribution, error) {
				return []engine.Contribution{{Kind: engine.ContributionAction, Package: req.Package, Name: req.Name,
					Body: engine.Dict{"image": "acme/" + req.Body["hello"].(string)}}}, nil
			})))
	})

	doc := document()
	doc.Packages["users"] = engine.Dict{"crud": map[string]interface{}{"table": "users"}}

	p, err := New(r, Options{}, zerolog.Nop()).Compile(context.Background(), doc)
	require.NoError(t, err)

	create, ok := p.FindAction("users/create")
	require.True(t, ok)
	assert.Equal(t, engine.ImageSpec{Reference: "acme/create"}, create.Spec)
	read, ok := p.FindAction("users/read")
	require.True(t, ok)
	assert.Equal(t, engine.ImageSpec{Reference: "acme/read"}, read.Spec)
}

func TestCompile_CollisionNamesPlugin(t *testing.T) {
	r := registry(t, func(r *plugins.Registry) {
		require.NoError(t, r.RegisterContributor(plugins.ExtensionAction, plugins.Info{Name: "clobber", Keyword: "clobber"},
			contributorFunc(func(context.Context, engine.ContributionRequest) ([]engine.Contribution, error) {
				return []engine.Contribution{{Kind: engine.ContributionAction, Name: "existing", Body: engine.Dict{"image": "x"}}}, nil
			})))
	})

	doc := document()
	doc.Actions["existing"] = engine.Dict{"image": "original"}
	doc.Actions["bad"] = engine.Dict{"clobber": true}

	_, err := New(r, Options{}, zerolog.Nop()).Compile(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, engine.IsDuplicateContribution(err))
	assert.Contains(t, err.Error(), "clobber")
}

func TestCompile_UnresolvedKeyword(t *testing.T) {
	doc := document()
	doc.Actions["mystery"] = engine.Dict{"quantum": "yes"}
	doc.Actions["ok"] = engine.Dict{"image": "x"}

	p, err := New(registry(t, nil), Options{}, zerolog.Nop()).Compile(context.Background(), doc)
	require.NoError(t, err)
	_, ok := p.Actions["mystery"]
	assert.False(t, ok, "unresolved entity is dropped")
	assert.Contains(t, p.Actions, "ok")

	_, err = New(registry(t, nil), Options{Strict: true}, zerolog.Nop()).Compile(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, engine.IsUnresolvedExtension(err))
}

func TestCompile_DepthGuard(t *testing.T) {
	r := registry(t, func(r *plugins.Registry) {
		require.NoError(t, r.RegisterContributor(plugins.ExtensionAction, plugins.Info{Name: "forever", Keyword: "again"},
			contributorFunc(func(_ context.Context, req engine.ContributionRequest) ([]engine.Contribution, error) {
				return []engine.Contribution{{Kind: engine.ContributionAction, Name: req.Name, Body: req.Body}}, nil
			})))
	})

	doc := document()
	doc.Actions["loop"] = engine.Dict{"again": true}

	_, err := New(r, Options{MaxDepth: 5}, zerolog.Nop()).Compile(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, engine.IsManifestError(err))
	assert.Contains(t, err.Error(), "forever")
}

func TestCompile_ContributedActionCreatesPackage(t *testing.T) {
	r := registry(t, func(r *plugins.Registry) {
		require.NoError(t, r.RegisterContributor(plugins.ExtensionAction, plugins.Info{Name: "mover", Keyword: "move"},
			contributorFunc(func(_ context.Context, req engine.ContributionRequest) ([]engine.Contribution, error) {
				return []engine.Contribution{{Kind: engine.ContributionAction, Package: "moved", Name: req.Name, Body: engine.Dict{"image": "x"}}}, nil
			})))
	})

	doc := document()
	doc.Actions["a"] = engine.Dict{"move": true}

	p, err := New(r, Options{}, zerolog.Nop()).Compile(context.Background(), doc)
	require.NoError(t, err)
	assert.NotContains(t, p.Actions, "a")
	_, ok := p.FindAction("moved/a")
	assert.True(t, ok)
}

func TestExpand_ReturnsDocument(t *testing.T) {
	doc := document()
	doc.Packages["utils"] = engine.Dict{"actions": map[string]interface{}{"cat": map[string]interface{}{"location": "cat.js"}}}

	out, err := New(nil, Options{}, zerolog.Nop()).Expand(context.Background(), doc)
	require.NoError(t, err)
	actions := out.Packages["utils"]["actions"].(map[string]interface{})
	assert.Contains(t, actions, "cat")
	assert.Equal(t, "demo", out.Name)
}
