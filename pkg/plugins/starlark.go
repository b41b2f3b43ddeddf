package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// DefaultScriptTimeout bounds a single entry point call.
const DefaultScriptTimeout = 30 * time.Second

// Entry point names looked up in plugin scripts.
const (
	entryContribute = "contribute"
	entryBuild      = "build"
	entryResolve    = "resolve"
)

// Script is a compiled Starlark plugin. It implements engine.Contributor,
// engine.ArtifactBuilder and engine.VariableSource; which of them is used
// depends on the extension point it is registered on.
type Script struct {
	name    string
	kind    engine.ContributionKind
	timeout time.Duration
	globals starlark.StringDict
	logger  zerolog.Logger
}

// CompileScript executes the top level of src once and keeps its frozen
// globals. kind is the default kind of contributions that do not name one.
func CompileScript(ctx context.Context, name, filename string, src []byte, kind engine.ContributionKind, timeout time.Duration, logger zerolog.Logger) (*Script, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	s := &Script{
		name:    name,
		kind:    kind,
		timeout: timeout,
		logger:  logger.With().Str("component", "starlark").Str("plugin", name).Logger(),
	}

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	_, err := s.run(ctx, func(thread *starlark.Thread) (starlark.Value, error) {
		globals, err := starlark.ExecFile(thread, filename, src, predeclared)
		if err != nil {
			return nil, err
		}
		globals.Freeze()
		s.globals = globals
		return starlark.None, nil
	})
	if err != nil {
		return nil, fmt.Errorf("plugin %s: loading %s: %w", name, filename, err)
	}
	return s, nil
}

// Name implements engine.VariableSource.
func (s *Script) Name() string { return s.name }

// Has reports whether the script defines the entry point fn.
func (s *Script) Has(fn string) bool {
	v, ok := s.globals[fn]
	if !ok {
		return false
	}
	_, callable := v.(starlark.Callable)
	return callable
}

// run executes fn on a fresh thread, cancelling it when ctx is done or the
// timeout elapses.
func (s *Script) run(ctx context.Context, fn func(*starlark.Thread) (starlark.Value, error)) (starlark.Value, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: s.name,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Msg(msg)
		},
	}

	type outcome struct {
		value starlark.Value
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(thread)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-runCtx.Done():
		thread.Cancel(runCtx.Err().Error())
		<-done
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("starlark execution timeout after %v", s.timeout)
	case out := <-done:
		return out.value, out.err
	}
}

// call invokes the entry point fn with Go arguments.
func (s *Script) call(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	callable, ok := s.globals[fn].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not define %s()", s.name, fn)
	}

	tuple := make(starlark.Tuple, len(args))
	for i, arg := range args {
		v, err := toStarlarkValue(arg)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: argument %d of %s: %w", s.name, i, fn, err)
		}
		tuple[i] = v
	}

	start := time.Now()
	result, err := s.run(ctx, func(thread *starlark.Thread) (starlark.Value, error) {
		return starlark.Call(thread, callable, tuple, nil)
	})
	s.logger.Debug().Str("entry", fn).Dur("duration", time.Since(start)).Err(err).Msg("Plugin entry point called")
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %s: %w", s.name, fn, err)
	}
	return fromStarlarkValue(result)
}

// Contribute implements engine.Contributor by calling
// contribute(config, project, package, name, body). The function returns a
// list of dicts with keys kind, package, name and body.
func (s *Script) Contribute(ctx context.Context, req engine.ContributionRequest) ([]engine.Contribution, error) {
	out, err := s.call(ctx, entryContribute,
		map[string]interface{}(req.Config),
		map[string]interface{}(req.Project),
		req.Package,
		req.Name,
		map[string]interface{}(req.Body),
	)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	items, ok := out.([]interface{})
	if !ok {
		return nil, fmt.Errorf("plugin %s: contribute must return a list, got %T", s.name, out)
	}
	contributions := make([]engine.Contribution, 0, len(items))
	for i, item := range items {
		c, err := s.decodeContribution(item)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: contribution %d: %w", s.name, i, err)
		}
		contributions = append(contributions, c)
	}
	return contributions, nil
}

func (s *Script) decodeContribution(item interface{}) (engine.Contribution, error) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return engine.Contribution{}, fmt.Errorf("expected dict, got %T", item)
	}
	c := engine.Contribution{Kind: s.kind}
	if v, ok := m["kind"].(string); ok && v != "" {
		c.Kind = engine.ContributionKind(v)
	}
	switch c.Kind {
	case engine.ContributionAction, engine.ContributionPackage, engine.ContributionAPI:
	default:
		return c, fmt.Errorf("unknown contribution kind %q", c.Kind)
	}
	c.Package, _ = m["package"].(string)
	c.Name, _ = m["name"].(string)
	if c.Name == "" {
		return c, fmt.Errorf("contribution name is required")
	}
	body, _ := m["body"].(map[string]interface{})
	c.Body = engine.Dict(body)
	if c.Body == nil {
		c.Body = engine.Dict{}
	}
	return c, nil
}

// Build implements engine.ArtifactBuilder by calling
// build(config, package, name, action, build_dir). The function returns a
// location string or a dict with keys location and binary.
func (s *Script) Build(ctx context.Context, req engine.BuildRequest) (*engine.BuildResult, error) {
	action := map[string]interface{}{}
	if a := req.Action; a != nil {
		action["name"] = a.Name
		action["package"] = a.Package
		action["runtime"] = a.Runtime
		action["main"] = a.Main
		action["binary"] = a.Binary
		if loc, ok := a.Spec.(engine.LocationSpec); ok {
			action["location"] = loc.Path
		}
	}

	out, err := s.call(ctx, entryBuild,
		map[string]interface{}(req.Config),
		req.Package,
		req.Name,
		action,
		req.BuildDir,
	)
	if err != nil {
		return nil, err
	}

	switch v := out.(type) {
	case string:
		return &engine.BuildResult{Location: v}, nil
	case map[string]interface{}:
		location, _ := v["location"].(string)
		if location == "" {
			return nil, fmt.Errorf("plugin %s: build returned no location", s.name)
		}
		binary, _ := v["binary"].(bool)
		return &engine.BuildResult{Location: location, Binary: binary}, nil
	default:
		return nil, fmt.Errorf("plugin %s: build must return a string or dict, got %T", s.name, out)
	}
}

// Resolve implements engine.VariableSource by calling resolve(name). None
// means undefined.
func (s *Script) Resolve(ctx context.Context, name string) (string, bool, error) {
	out, err := s.call(ctx, entryResolve, name)
	if err != nil {
		return "", false, err
	}
	switch v := out.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	default:
		return fmt.Sprint(v), true, nil
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case engine.Dict:
		return toStarlarkValue(map[string]interface{}(val))
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Integers that
// fit become int.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return int(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

var (
	_ engine.Contributor     = (*Script)(nil)
	_ engine.ArtifactBuilder = (*Script)(nil)
	_ engine.VariableSource  = (*Script)(nil)
)
