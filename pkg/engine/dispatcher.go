package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Changer binds Change to Create or Update for one run, so the shared
// client is never mutated.
type Changer struct {
	API    ResourceAPI
	Mode   Mode
	DryRun bool
}

// NewChanger returns a Changer for api in mode.
func NewChanger(api ResourceAPI, mode Mode, dryRun bool) Changer {
	return Changer{API: api, Mode: mode, DryRun: dryRun}
}

// Change creates the resource in ModeCreate and upserts it in ModeUpdate.
// In dry-run mode the payload is returned without a remote call.
func (c Changer) Change(ctx context.Context, r *RemoteResource) (*RemoteResource, error) {
	if c.DryRun {
		return r, nil
	}
	var (
		out *RemoteResource
		err error
	)
	if c.Mode == ModeUpdate {
		out, err = c.API.Update(ctx, r)
	} else {
		out, err = c.API.Create(ctx, r)
	}
	if err != nil {
		return nil, NewRemoteError(r.Ref().String(), string(c.Mode), err)
	}
	return out, nil
}

// runtimeByExtension maps artifact extensions to default runtime kinds.
var runtimeByExtension = map[string]string{
	".js":    "nodejs:default",
	".py":    "python:default",
	".go":    "go:default",
	".php":   "php:default",
	".rb":    "ruby:default",
	".swift": "swift:default",
	".java":  "java:default",
	".jar":   "java:default",
}

// InferRuntime returns the default runtime for an artifact path.
func InferRuntime(path string) (string, bool) {
	rt, ok := runtimeByExtension[strings.ToLower(filepath.Ext(path))]
	return rt, ok
}

// IsBinaryArtifact reports whether the artifact at path is always binary.
func IsBinaryArtifact(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".jar":
		return true
	default:
		return false
	}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Project is the compiled project; copy sources are resolved against it.
	Project *Project

	// Service is written into the managed annotation.
	Service string

	// Plugins provides artifact builders.
	Plugins PluginIndex

	// Loader reads artifacts.
	Loader Loader

	// Client is the remote client. Its Actions API resolves remote copy sources.
	Client ResourceClient

	// Mode selects create or update semantics.
	Mode Mode

	// DryRun computes payloads without remote calls.
	DryRun bool

	// BuildDir is handed to artifact builders.
	BuildDir string

	// BuilderConfig is handed to artifact builders alongside the per-action config.
	BuilderConfig Dict
}

// Dispatcher translates each builtin action variant into a remote payload
// and deploys it through the run's Changer.
type Dispatcher struct {
	cfg     DispatcherConfig
	actions Changer
	logger  zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		actions: NewChanger(cfg.Client.Actions(), cfg.Mode, cfg.DryRun),
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// resolved is the deployable form of an action after variant resolution.
type resolved struct {
	exec        *Exec
	location    string
	parameters  Dict
	annotations Dict
	limits      *Limits
}

// Deploy deploys one action and returns its result.
func (d *Dispatcher) Deploy(ctx context.Context, a *Action) (EntityResult, error) {
	start := time.Now()
	ns := d.cfg.Project.Namespace
	result := EntityResult{
		Kind:    EntityAction,
		Name:    a.QName(ns),
		Variant: a.Kind(),
	}

	r, err := d.resolve(ctx, a, make(map[string]bool))
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, err
	}

	annotations := copyDict(r.annotations)
	annotations[ManagedAnnotation] = d.cfg.Service
	if a.Web {
		annotations["web-export"] = true
	}

	payload := &RemoteResource{
		Kind:        ResourceActions,
		Namespace:   ns,
		Name:        a.Key(),
		Exec:        r.exec,
		Parameters:  r.parameters,
		Annotations: annotations,
		Limits:      r.limits,
	}

	remote, err := d.actions.Change(ctx, payload)
	result.Location = r.location
	result.Parameters = r.parameters
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Remote = remote

	d.logger.Debug().
		Str("action", result.Name).
		Str("kind", string(result.Variant)).
		Str("exec", r.exec.Kind).
		Dur("duration", result.Duration).
		Msg("Action deployed")
	return result, nil
}

// resolve computes the exec descriptor and attributes of a. visited guards
// local copy chains.
func (d *Dispatcher) resolve(ctx context.Context, a *Action, visited map[string]bool) (*resolved, error) {
	ns := d.cfg.Project.Namespace
	qname := a.QName(ns)
	own := &resolved{
		parameters:  copyDict(a.Inputs),
		annotations: copyDict(a.Annotations),
		limits:      a.Limits,
	}

	switch spec := a.Spec.(type) {
	case LocationSpec:
		exec, location, err := d.resolveLocation(ctx, a, spec)
		if err != nil {
			return nil, err
		}
		own.exec = exec
		own.location = location
		return own, nil

	case CodeSpec:
		runtime := spec.Runtime
		if a.Runtime != "" {
			runtime = a.Runtime
		}
		own.exec = &Exec{Kind: runtime, Code: spec.Source, Main: a.Main}
		return own, nil

	case SequenceSpec:
		components := make([]string, 0, len(spec.Components))
		for _, c := range spec.Components {
			q, err := Qualify(c, ns, a.Package)
			if err != nil {
				return nil, NewManifestError(qname, "invalid sequence component", err)
			}
			components = append(components, q)
		}
		own.exec = &Exec{Kind: "sequence", Components: components}
		return own, nil

	case ImageSpec:
		own.exec = &Exec{Kind: "blackbox", Image: spec.Reference, Main: a.Main}
		return own, nil

	case CopySpec:
		base, err := d.resolveCopySource(ctx, a, spec, visited)
		if err != nil {
			return nil, err
		}
		return mergeResolved(base, own), nil

	case ExtensionSpec:
		return nil, NewUnresolvedExtensionError(qname, []string{spec.Keyword})

	default:
		return nil, NewManifestError(qname, fmt.Sprintf("unsupported action variant %T", spec), nil)
	}
}

func (d *Dispatcher) resolveLocation(ctx context.Context, a *Action, spec LocationSpec) (*Exec, string, error) {
	qname := a.QName(d.cfg.Project.Namespace)
	location := spec.Path
	binary := a.Binary

	if a.Builder != nil {
		if d.cfg.Plugins == nil {
			return nil, "", NewManifestError(qname, "no plugin registry for builder "+a.Builder.Keyword, nil)
		}
		builder, ok := d.cfg.Plugins.Builder(a.Builder.Keyword)
		if !ok {
			return nil, "", NewUnresolvedExtensionError(qname, []string{a.Builder.Keyword})
		}
		config := copyDict(d.cfg.BuilderConfig)
		for k, v := range a.Builder.Config {
			config[k] = v
		}
		built, err := builder.Build(ctx, BuildRequest{
			Config:   config,
			Package:  a.Package,
			Name:     a.Name,
			Action:   a,
			BuildDir: d.cfg.BuildDir,
		})
		if err != nil {
			return nil, "", NewManifestError(qname, "artifact build failed", err)
		}
		location = built.Location
		binary = binary || built.Binary
	}
	binary = binary || IsBinaryArtifact(location)

	runtime := a.Runtime
	if runtime == "" {
		inferred, ok := InferRuntime(location)
		if !ok {
			return nil, "", NewManifestError(qname, fmt.Sprintf("cannot infer runtime for %s", location), nil)
		}
		runtime = inferred
	}

	data, err := d.cfg.Loader.Load(ctx, location)
	if err != nil {
		return nil, "", err
	}

	code := string(data)
	if binary {
		code = base64.StdEncoding.EncodeToString(data)
	}
	return &Exec{Kind: runtime, Code: code, Binary: binary, Main: a.Main}, location, nil
}

// resolveCopySource resolves the source of a copy, locally when the source
// is part of the project and through the remote client otherwise.
func (d *Dispatcher) resolveCopySource(ctx context.Context, a *Action, spec CopySpec, visited map[string]bool) (*resolved, error) {
	ns := d.cfg.Project.Namespace
	qname := a.QName(ns)
	visited[a.Key()] = true

	source, err := Qualify(spec.Source, ns, a.Package)
	if err != nil {
		return nil, NewManifestError(qname, "invalid copy source", err)
	}

	if key, local := LocalKey(source, ns); local {
		if src, ok := d.cfg.Project.FindAction(key); ok {
			if visited[key] {
				return nil, NewCyclicDependencyError([]string{a.Key(), key})
			}
			return d.resolve(ctx, src, visited)
		}
	}

	srcNS, srcPkg, srcName, err := ParseQName(source)
	if err != nil {
		return nil, NewManifestError(qname, "invalid copy source", err)
	}
	remote, err := d.cfg.Client.Actions().Get(ctx, ResourceRef{
		Kind:      ResourceActions,
		Namespace: srcNS,
		Name:      JoinKey(srcPkg, srcName),
	})
	if err != nil {
		return nil, NewRemoteError(source, "get", err)
	}
	if remote.Exec == nil {
		return nil, NewManifestError(qname, "copy source "+source+" has no exec", nil)
	}

	exec := *remote.Exec
	exec.Components = append([]string(nil), remote.Exec.Components...)
	annotations := copyDict(remote.Annotations)
	delete(annotations, ManagedAnnotation)
	return &resolved{
		exec:        &exec,
		location:    source,
		parameters:  copyDict(remote.Parameters),
		annotations: annotations,
		limits:      remote.Limits,
	}, nil
}

// mergeResolved overlays the copier's own values onto the source.
func mergeResolved(source, own *resolved) *resolved {
	out := &resolved{
		exec:        source.exec,
		location:    source.location,
		parameters:  MergeDict(source.parameters, own.parameters),
		annotations: MergeDict(source.annotations, own.annotations),
		limits:      MergeLimits(source.limits, own.limits),
	}
	return out
}

// MergeDict returns base overlaid with override; override wins on conflicts.
func MergeDict(base, override Dict) Dict {
	out := make(Dict, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// MergeLimits overlays the non-zero fields of override onto base.
func MergeLimits(base, override *Limits) *Limits {
	if base == nil && override == nil {
		return nil
	}
	out := &Limits{}
	if base != nil {
		*out = *base
	}
	if override != nil {
		if override.Timeout != 0 {
			out.Timeout = override.Timeout
		}
		if override.Memory != 0 {
			out.Memory = override.Memory
		}
		if override.Logs != 0 {
			out.Logs = override.Logs
		}
	}
	return out
}

func copyDict(d Dict) Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
