package config

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// variablePattern matches ${NAME} and ${NAME:-default}.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// interpolator replaces variable references in manifest strings.
type interpolator struct {
	ctx     context.Context
	sources []engine.VariableSource
	cache   map[string]string
}

// Interpolate replaces every ${NAME} in s with the first value defined by
// sources. ${NAME:-default} falls back to default; an undefined variable
// without a default is a manifest error.
func Interpolate(ctx context.Context, s string, sources []engine.VariableSource) (string, error) {
	interp := &interpolator{ctx: ctx, sources: sources}
	return interp.expand(s)
}

func (i *interpolator) lookup(name string) (string, bool, error) {
	if v, ok := i.cache[name]; ok {
		return v, true, nil
	}
	for _, src := range i.sources {
		v, ok, err := src.Resolve(i.ctx, name)
		if err != nil {
			return "", false, fmt.Errorf("variable source %s: %w", src.Name(), err)
		}
		if ok {
			if i.cache == nil {
				i.cache = make(map[string]string)
			}
			i.cache[name] = v
			return v, true, nil
		}
	}
	return "", false, nil
}

func (i *interpolator) expand(s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var firstErr error
	out := variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := variablePattern.FindStringSubmatch(match)
		name := groups[1]
		v, ok, err := i.lookup(name)
		if err != nil {
			firstErr = err
			return match
		}
		if ok {
			return v
		}
		if strings.Contains(match, ":-") {
			return groups[2]
		}
		firstErr = engine.NewManifestError(name, "undefined variable "+name, nil)
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (i *interpolator) value(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return i.expand(val)
	case []interface{}:
		for idx, item := range val {
			expanded, err := i.value(item)
			if err != nil {
				return nil, err
			}
			val[idx] = expanded
		}
		return val, nil
	case map[string]interface{}:
		for k, item := range val {
			expanded, err := i.value(item)
			if err != nil {
				return nil, err
			}
			val[k] = expanded
		}
		return val, nil
	case engine.Dict:
		_, err := i.value(map[string]interface{}(val))
		return val, err
	default:
		return v, nil
	}
}

func (i *interpolator) document(d *Document) error {
	for _, field := range []*string{&d.Name, &d.Namespace, &d.Version} {
		expanded, err := i.expand(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	for idx := range d.Dependencies {
		expanded, err := i.expand(d.Dependencies[idx].Location)
		if err != nil {
			return err
		}
		d.Dependencies[idx].Location = expanded
	}
	for _, section := range []map[string]engine.Dict{d.Packages, d.Actions, d.Triggers, d.Rules, d.APIs} {
		for _, body := range section {
			if _, err := i.value(body); err != nil {
				return err
			}
		}
	}
	return nil
}
