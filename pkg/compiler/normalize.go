package compiler

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/openfroyo/fnforge/pkg/config"
	"github.com/openfroyo/fnforge/pkg/engine"
	"github.com/openfroyo/fnforge/pkg/plugins"
)

// variantKeywords are the builtin action kinds in priority order.
var variantKeywords = []string{"location", "sequence", "copy", "code", "image"}

func (c *Compiler) normalize(doc *config.Document, ws *workspace) (*engine.Project, error) {
	p := engine.NewProject(doc.Name, doc.Namespace, doc.Version)

	locs := make([]location, 0, len(ws.bodies))
	for loc := range ws.bodies {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].kind != locs[j].kind {
			return kindOrder(locs[i].kind) < kindOrder(locs[j].kind)
		}
		if locs[i].pkg != locs[j].pkg {
			return locs[i].pkg < locs[j].pkg
		}
		return locs[i].name < locs[j].name
	})

	for _, loc := range locs {
		body := ws.bodies[loc]
		switch loc.kind {
		case engine.ContributionPackage:
			pkg, err := c.normalizePackage(loc.name, body)
			if err != nil {
				return nil, err
			}
			p.Packages[loc.name] = pkg

		case engine.ContributionAction:
			a, err := c.normalizeAction(loc.pkg, loc.name, body)
			if err != nil {
				return nil, err
			}
			if loc.pkg == "" {
				p.Actions[loc.name] = a
				continue
			}
			pkg, ok := p.Packages[loc.pkg]
			if !ok {
				pkg = &engine.Package{Name: loc.pkg, Actions: make(map[string]*engine.Action)}
				p.Packages[loc.pkg] = pkg
			}
			if pkg.Binding != nil {
				return nil, engine.NewManifestError("package "+loc.pkg, "a binding package cannot own actions", nil)
			}
			pkg.Actions[loc.name] = a

		case engine.ContributionAPI:
			api, err := c.normalizeAPI(loc.name, body)
			if err != nil {
				return nil, err
			}
			p.APIs[loc.name] = api
		}
	}

	for _, name := range sortedNames(doc.Triggers) {
		t, err := c.normalizeTrigger(name, doc.Triggers[name])
		if err != nil {
			return nil, err
		}
		p.Triggers[name] = t
	}
	for _, name := range sortedNames(doc.Rules) {
		r, err := c.normalizeRule(name, doc.Rules[name])
		if err != nil {
			return nil, err
		}
		p.Rules[name] = r
	}

	c.logger.Info().
		Str("project", p.Name).
		Int("packages", len(p.Packages)).
		Int("actions", len(p.AllActions())).
		Int("triggers", len(p.Triggers)).
		Int("rules", len(p.Rules)).
		Int("apis", len(p.APIs)).
		Msg("Project compiled")
	return p, nil
}

func kindOrder(kind engine.ContributionKind) int {
	switch kind {
	case engine.ContributionPackage:
		return 0
	case engine.ContributionAction:
		return 1
	default:
		return 2
	}
}

func (c *Compiler) normalizePackage(name string, body engine.Dict) (*engine.Package, error) {
	entity := "package " + name
	if err := checkName(entity, name); err != nil {
		return nil, err
	}
	pkg := &engine.Package{Name: name, Actions: make(map[string]*engine.Action)}

	if raw, ok := body["binding"]; ok && raw != nil {
		m, ok := asMap(raw)
		if !ok {
			return nil, engine.NewManifestError(entity, "binding must be a map", nil)
		}
		ns, _ := m["namespace"].(string)
		target, _ := m["name"].(string)
		pkg.Binding = &engine.Binding{Namespace: ns, Name: target}
		if err := c.validate.Struct(pkg.Binding); err != nil {
			return nil, engine.NewManifestError(entity, "binding requires namespace and name", err)
		}
	}

	var err error
	if pkg.Publish, err = boolField(body, "publish"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if pkg.Inputs, err = dictField(body, "inputs"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if pkg.Annotations, err = dictField(body, "annotations"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	return pkg, nil
}

// normalizeAction assigns the single variant of a builtin action body.
func (c *Compiler) normalizeAction(pkgName, name string, body engine.Dict) (*engine.Action, error) {
	entity := "action " + engine.JoinKey(pkgName, name)
	if err := checkName(entity, name); err != nil {
		return nil, err
	}
	a := &engine.Action{Name: name, Package: pkgName}

	var err error
	if a.Runtime, err = stringField(body, "runtime"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if a.Main, err = stringField(body, "main"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if a.Binary, err = boolField(body, "binary"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if a.Inputs, err = dictField(body, "inputs"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if a.Annotations, err = dictField(body, "annotations"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if err := c.webField(a, body); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if a.Limits, err = c.limitsField(body); err != nil {
		return nil, engine.NewManifestError(entity, "invalid limits", err)
	}

	keyword := ""
	for _, k := range variantKeywords {
		if _, ok := body[k]; ok {
			keyword = k
			break
		}
	}

	switch keyword {
	case "location":
		path, err := stringField(body, "location")
		if err != nil || path == "" {
			return nil, engine.NewManifestError(entity, "location must be a non-empty string", err)
		}
		a.Spec = engine.LocationSpec{Path: path}
		if a.Builder, err = c.builderField(body); err != nil {
			return nil, engine.NewManifestError(entity, "invalid builder", err)
		}

	case "sequence":
		components, err := sequenceField(body["sequence"])
		if err != nil {
			return nil, engine.NewManifestError(entity, err.Error(), nil)
		}
		a.Spec = engine.SequenceSpec{Components: components}

	case "copy":
		source, err := stringField(body, "copy")
		if err != nil || source == "" {
			return nil, engine.NewManifestError(entity, "copy must name a source action", err)
		}
		a.Spec = engine.CopySpec{Source: source}

	case "code":
		source, err := stringField(body, "code")
		if err != nil || source == "" {
			return nil, engine.NewManifestError(entity, "code must be a non-empty string", err)
		}
		if a.Runtime == "" {
			return nil, engine.NewManifestError(entity, "code requires a runtime", nil)
		}
		a.Spec = engine.CodeSpec{Source: source, Runtime: a.Runtime}

	case "image":
		ref, err := stringField(body, "image")
		if err != nil || ref == "" {
			return nil, engine.NewManifestError(entity, "image must be a non-empty string", err)
		}
		a.Spec = engine.ImageSpec{Reference: ref}

	default:
		// Only reachable for bodies without any keyword at all.
		return nil, engine.NewManifestError(entity, "action has no kind (expected one of "+strings.Join(variantKeywords, ", ")+")", nil)
	}

	if err := c.validate.Struct(a.Spec); err != nil {
		return nil, engine.NewManifestError(entity, "invalid "+keyword, err)
	}

	if extra := extraKeys(engine.ContributionAction, body); len(extra) > 0 {
		c.logger.Warn().Str("entity", entity).Strs("keys", extra).Msg("Ignoring unknown action properties")
	}
	return a, nil
}

func (c *Compiler) webField(a *engine.Action, body engine.Dict) error {
	raw, ok := body["web"]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case bool:
		a.Web = v
	case string:
		switch strings.ToLower(v) {
		case "true", "yes":
			a.Web = true
		case "raw":
			a.Web = true
			if a.Annotations == nil {
				a.Annotations = engine.Dict{}
			}
			a.Annotations["raw-http"] = true
		case "false", "no":
		default:
			return fmt.Errorf("web must be a boolean or \"raw\", got %q", v)
		}
	default:
		return fmt.Errorf("web must be a boolean or \"raw\", got %T", raw)
	}
	return nil
}

func (c *Compiler) limitsField(body engine.Dict) (*engine.Limits, error) {
	raw, ok := body["limits"]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("limits must be a map")
	}
	limits := &engine.Limits{}
	for key, target := range map[string]*int{"timeout": &limits.Timeout, "memory": &limits.Memory, "logs": &limits.Logs} {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("limits.%s: %w", key, err)
		}
		*target = n
	}
	if err := c.validate.Struct(limits); err != nil {
		return nil, err
	}
	return limits, nil
}

func (c *Compiler) builderField(body engine.Dict) (*engine.BuilderSpec, error) {
	raw, ok := body["builder"]
	if !ok || raw == nil {
		return nil, nil
	}
	spec := &engine.BuilderSpec{}
	switch v := raw.(type) {
	case string:
		spec.Keyword = v
	default:
		m, ok := asMap(raw)
		if !ok {
			return nil, fmt.Errorf("builder must be a keyword or a map")
		}
		spec.Keyword, _ = m["keyword"].(string)
		if cfg, ok := asMap(m["config"]); ok {
			spec.Config = engine.Dict(cfg)
		}
	}
	if err := c.validate.Struct(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func (c *Compiler) normalizeTrigger(name string, body engine.Dict) (*engine.Trigger, error) {
	entity := "trigger " + name
	if err := checkName(entity, name); err != nil {
		return nil, err
	}
	t := &engine.Trigger{Name: name}
	var err error
	if t.Feed, err = stringField(body, "feed"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if t.Inputs, err = dictField(body, "inputs"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	if t.Annotations, err = dictField(body, "annotations"); err != nil {
		return nil, engine.NewManifestError(entity, err.Error(), nil)
	}
	return t, nil
}

func (c *Compiler) normalizeRule(name string, body engine.Dict) (*engine.Rule, error) {
	entity := "rule " + name
	if err := checkName(entity, name); err != nil {
		return nil, err
	}
	r := &engine.Rule{Name: name}
	r.Trigger, _ = body["trigger"].(string)
	r.Action, _ = body["action"].(string)
	status, _ := body["status"].(string)
	r.Status = engine.RuleStatus(status)
	if r.Status == "" {
		r.Status = engine.RuleActive
	}
	if err := c.validate.Struct(r); err != nil {
		return nil, engine.NewManifestError(entity, "rule requires trigger and action", err)
	}
	return r, nil
}

func (c *Compiler) normalizeAPI(name string, body engine.Dict) (*engine.API, error) {
	entity := "api " + name
	api := &engine.API{Name: name}
	api.BasePath, _ = body["basePath"].(string)
	if api.BasePath == "" {
		api.BasePath = "/" + name
	}

	if raw, ok := body["routes"]; ok && raw != nil {
		routes, ok := raw.([]interface{})
		if !ok {
			return nil, engine.NewManifestError(entity, "routes must be a list", nil)
		}
		for i, item := range routes {
			m, ok := asMap(item)
			if !ok {
				return nil, engine.NewManifestError(entity, fmt.Sprintf("routes[%d] must be a map", i), nil)
			}
			route := engine.Route{}
			route.Path, _ = m["path"].(string)
			route.Method, _ = m["method"].(string)
			route.Method = strings.ToUpper(route.Method)
			route.Action, _ = m["action"].(string)
			route.Response, _ = m["response"].(string)
			api.Routes = append(api.Routes, route)
		}
	}
	if err := c.validate.Struct(api); err != nil {
		return nil, engine.NewManifestError(entity, "invalid api", err)
	}
	return api, nil
}

func checkName(entity, name string) error {
	if name == "" || strings.Contains(name, "/") {
		return engine.NewManifestError(entity, fmt.Sprintf("invalid name %q", name), nil)
	}
	return nil
}

// extraKeys returns the non-reserved keys of a builtin body.
func extraKeys(kind engine.ContributionKind, body engine.Dict) []string {
	var keys []string
	for k := range body {
		if !plugins.IsReserved(kind, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func stringField(body engine.Dict, key string) (string, error) {
	raw, ok := body[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, raw)
	}
	return s, nil
}

func boolField(body engine.Dict, key string) (bool, error) {
	raw, ok := body[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", key, raw)
	}
	return b, nil
}

func dictField(body engine.Dict, key string) (engine.Dict, error) {
	raw, ok := body[key]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("%s must be a map, got %T", key, raw)
	}
	return engine.Dict(m), nil
}

// sequenceField accepts a list of names or a comma separated string.
func sequenceField(raw interface{}) ([]string, error) {
	var components []string
	switch v := raw.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				components = append(components, part)
			}
		}
	case []interface{}:
		for i, item := range v {
			s, ok := item.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("sequence[%d] must be an action name", i)
			}
			components = append(components, strings.TrimSpace(s))
		}
	case []string:
		components = append(components, v...)
	default:
		return nil, fmt.Errorf("sequence must be a list of action names")
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("sequence must name at least one component")
	}
	return components, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
