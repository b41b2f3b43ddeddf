package policy

import (
	"sort"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// Entity kinds as seen by policies.
const (
	EntityProject = "project"
	EntityPackage = "package"
	EntityAction  = "action"
	EntityTrigger = "trigger"
	EntityRule    = "rule"
	EntityRoute   = "route"
)

func summarize(p *engine.Project) *ProjectSummary {
	s := &ProjectSummary{
		Name:       p.Name,
		Namespace:  p.Namespace,
		Version:    p.Version,
		Actions:    make([]string, 0),
		WebActions: make([]string, 0),
		Triggers:   make([]string, 0),
	}
	for _, a := range p.AllActions() {
		s.Actions = append(s.Actions, a.Key())
		if a.Web {
			s.WebActions = append(s.WebActions, a.Key())
		}
	}
	for name := range p.Triggers {
		s.Triggers = append(s.Triggers, name)
	}
	sort.Strings(s.Actions)
	sort.Strings(s.WebActions)
	sort.Strings(s.Triggers)
	return s
}

// Entities flattens p into the policy view, project first, then packages,
// actions, triggers, rules and routes, each sorted by name.
func Entities(p *engine.Project) []*Entity {
	ns := p.Namespace
	entities := []*Entity{{Kind: EntityProject, Name: p.Name, QName: engine.MakeQName(ns, "", p.Name)}}

	for _, name := range sortedKeys(p.Packages) {
		pkg := p.Packages[name]
		entities = append(entities, &Entity{
			Kind:        EntityPackage,
			Name:        name,
			QName:       engine.MakeQName(ns, "", name),
			Annotations: pkg.Annotations,
		})
	}

	actions := p.AllActions()
	sort.Slice(actions, func(i, j int) bool { return actions[i].Key() < actions[j].Key() })
	for _, a := range actions {
		entities = append(entities, actionEntity(a, ns))
	}

	for _, name := range sortedKeys(p.Triggers) {
		t := p.Triggers[name]
		entities = append(entities, &Entity{
			Kind:        EntityTrigger,
			Name:        name,
			QName:       engine.MakeQName(ns, "", name),
			Annotations: t.Annotations,
		})
	}

	for _, name := range sortedKeys(p.Rules) {
		r := p.Rules[name]
		entities = append(entities, &Entity{
			Kind:         EntityRule,
			Name:         name,
			QName:        engine.MakeQName(ns, "", name),
			Trigger:      r.Trigger,
			Dependencies: localKeys([]string{r.Action}, ns, ""),
		})
	}

	for _, name := range sortedKeys(p.APIs) {
		api := p.APIs[name]
		for _, route := range api.Routes {
			entities = append(entities, &Entity{
				Kind:         EntityRoute,
				Name:         name,
				QName:        engine.RouteName(api.BasePath, route.Path, route.Method),
				Method:       route.Method,
				Dependencies: localKeys([]string{route.Action}, ns, ""),
			})
		}
	}
	return entities
}

func actionEntity(a *engine.Action, ns string) *Entity {
	e := &Entity{
		Kind:        EntityAction,
		Name:        a.Name,
		QName:       a.QName(ns),
		Package:     a.Package,
		Variant:     string(a.Kind()),
		Runtime:     a.Runtime,
		Web:         a.Web,
		Annotations: a.Annotations,
		Limits:      a.Limits,
	}
	switch spec := a.Spec.(type) {
	case engine.LocationSpec:
		if e.Runtime == "" {
			e.Runtime, _ = engine.InferRuntime(spec.Path)
		}
	case engine.CodeSpec:
		if e.Runtime == "" {
			e.Runtime = spec.Runtime
		}
	case engine.SequenceSpec:
		for _, c := range spec.Components {
			if q, err := engine.Qualify(c, ns, a.Package); err == nil {
				e.Components = append(e.Components, q)
			}
		}
		e.Dependencies = localKeys(spec.Components, ns, a.Package)
	case engine.CopySpec:
		e.Dependencies = localKeys([]string{spec.Source}, ns, a.Package)
	}
	return e
}

// localKeys qualifies refs and keeps those living in ns. Invalid references
// are reported by the graph builder, not here.
func localKeys(refs []string, ns, pkg string) []string {
	var keys []string
	for _, ref := range refs {
		q, err := engine.Qualify(ref, ns, pkg)
		if err != nil {
			continue
		}
		if key, ok := engine.LocalKey(q, ns); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
