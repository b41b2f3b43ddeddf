package compiler

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/copystructure"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fnforge/pkg/config"
	"github.com/openfroyo/fnforge/pkg/engine"
	"github.com/openfroyo/fnforge/pkg/plugins"
)

// DefaultMaxDepth bounds the number of expansion generations.
const DefaultMaxDepth = 64

// Options configures a Compiler.
type Options struct {
	// Strict makes a keyword with no plugin fatal instead of dropping the
	// entity with a warning.
	Strict bool

	// MaxDepth bounds plugin expansion chains. Zero uses DefaultMaxDepth.
	MaxDepth int

	// Config is handed to every contributor.
	Config engine.Dict
}

// Compiler expands plugin keywords to a fixpoint and normalizes the result
// into a typed engine.Project.
type Compiler struct {
	plugins  engine.PluginIndex
	opts     Options
	validate *validator.Validate
	logger   zerolog.Logger
}

// New creates a compiler. plugins may be nil when no plugin is installed.
func New(plugins engine.PluginIndex, opts Options, logger zerolog.Logger) *Compiler {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Compiler{
		plugins:  plugins,
		opts:     opts,
		validate: validator.New(),
		logger:   logger.With().Str("component", "compiler").Logger(),
	}
}

// location identifies an entity slot in the manifest.
type location struct {
	kind engine.ContributionKind
	pkg  string
	name string
}

func (l location) String() string {
	if l.kind == engine.ContributionAction {
		return "action " + engine.JoinKey(l.pkg, l.name)
	}
	return string(l.kind) + " " + l.name
}

// pending is a queued entity and its expansion generation.
type pending struct {
	loc        location
	generation int
}

// workspace is the manifest being expanded. Builtin package bodies never
// carry their actions; those are separate action entities. An extension
// package keeps its actions in its body until it is expanded or dropped.
type workspace struct {
	bodies map[location]engine.Dict
	queue  []pending
}

// Compile expands and normalizes doc. It performs no remote calls.
func (c *Compiler) Compile(ctx context.Context, doc *config.Document) (*engine.Project, error) {
	ws, err := c.expand(ctx, doc)
	if err != nil {
		return nil, err
	}
	return c.normalize(doc, ws)
}

// Expand runs the expander only and returns the expanded document.
func (c *Compiler) Expand(ctx context.Context, doc *config.Document) (*config.Document, error) {
	ws, err := c.expand(ctx, doc)
	if err != nil {
		return nil, err
	}
	return ws.document(doc), nil
}

func (c *Compiler) expand(ctx context.Context, doc *config.Document) (*workspace, error) {
	ws := &workspace{bodies: make(map[location]engine.Dict)}

	for _, name := range sortedNames(doc.Packages) {
		if err := ws.insertPackage(name, doc.Packages[name], 0, ""); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedNames(doc.Actions) {
		body, err := deepCopy(doc.Actions[name])
		if err != nil {
			return nil, engine.NewManifestError("action "+name, "invalid body", err)
		}
		ws.insert(location{kind: engine.ContributionAction, name: name}, body, 0)
	}
	for _, name := range sortedNames(doc.APIs) {
		body, err := deepCopy(doc.APIs[name])
		if err != nil {
			return nil, engine.NewManifestError("api "+name, "invalid body", err)
		}
		ws.insert(location{kind: engine.ContributionAPI, name: name}, body, 0)
	}

	expanded := 0
	for len(ws.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := ws.queue[0]
		ws.queue = ws.queue[1:]

		body, ok := ws.bodies[item.loc]
		if !ok {
			// Vacated by an earlier expansion.
			continue
		}
		keywords := extensionKeywords(item.loc.kind, body)
		if len(keywords) == 0 {
			continue
		}

		if err := c.expandOne(ctx, doc, ws, item, body, keywords); err != nil {
			return nil, err
		}
		expanded++
	}

	c.logger.Debug().Int("expanded", expanded).Int("entities", len(ws.bodies)).Msg("Expansion reached fixpoint")
	return ws, nil
}

// expandOne routes one non-builtin entity to its plugin and applies the
// contributions.
func (c *Compiler) expandOne(ctx context.Context, doc *config.Document, ws *workspace, item pending, body engine.Dict, keywords []string) error {
	var (
		match engine.ContributorMatch
		ok    bool
	)
	if c.plugins != nil {
		match, ok = c.plugins.MatchContributor(item.loc.kind, body)
	}
	if !ok {
		err := engine.NewUnresolvedExtensionError(item.loc.String(), keywords)
		if c.opts.Strict {
			return err
		}
		c.logger.Warn().
			Str("entity", item.loc.String()).
			Strs("keywords", keywords).
			Strs("actions", embeddedActions(item.loc, body)).
			Msg("No plugin handles keyword, entity dropped")
		delete(ws.bodies, item.loc)
		return nil
	}

	if item.generation >= c.opts.MaxDepth {
		return engine.NewManifestError(item.loc.String(),
			fmt.Sprintf("plugin expansion exceeded %d generations (last plugin %s)", c.opts.MaxDepth, match.Plugin), nil)
	}

	reqBody, err := deepCopy(body)
	if err != nil {
		return engine.NewManifestError(item.loc.String(), "invalid body", err)
	}
	view, err := deepCopy(ws.document(doc).View())
	if err != nil {
		return engine.NewManifestError(item.loc.String(), "invalid project", err)
	}
	runConfig, err := deepCopy(c.opts.Config)
	if err != nil {
		return engine.NewManifestError(item.loc.String(), "invalid run config", err)
	}

	contributions, err := match.Contributor.Contribute(ctx, engine.ContributionRequest{
		Config:  runConfig,
		Project: view,
		Package: item.loc.pkg,
		Name:    item.loc.name,
		Body:    reqBody,
	})
	if err != nil {
		return engine.NewManifestError(item.loc.String(), "plugin "+match.Plugin+" failed", err).
			WithDetail("plugin", match.Plugin)
	}

	// The expanded entity vacates its slot so plugins may rewrite in place.
	// Actions of an extension package live in its body and go with it.
	delete(ws.bodies, item.loc)

	for _, contribution := range contributions {
		loc := location{kind: contribution.Kind, name: contribution.Name}
		if contribution.Kind == engine.ContributionAction {
			loc.pkg = contribution.Package
		}
		if loc.name == "" {
			return engine.NewManifestError(item.loc.String(), "plugin "+match.Plugin+" contributed an unnamed entity", nil)
		}

		contributed, err := deepCopy(contribution.Body)
		if err != nil {
			return engine.NewManifestError(loc.String(), "invalid contribution from plugin "+match.Plugin, err)
		}
		if contributed == nil {
			contributed = engine.Dict{}
		}

		if loc.kind == engine.ContributionPackage {
			if err := ws.insertPackage(loc.name, contributed, item.generation+1, match.Plugin); err != nil {
				return err
			}
			continue
		}
		if _, occupied := ws.bodies[loc]; occupied {
			return engine.NewDuplicateContributionError(match.Plugin, loc.String())
		}
		ws.insert(loc, contributed, item.generation+1)
	}

	c.logger.Debug().
		Str("entity", item.loc.String()).
		Str("plugin", match.Plugin).
		Str("keyword", match.Keyword).
		Int("contributions", len(contributions)).
		Int("generation", item.generation).
		Msg("Entity expanded")
	return nil
}

func (ws *workspace) insert(loc location, body engine.Dict, generation int) {
	ws.bodies[loc] = body
	ws.queue = append(ws.queue, pending{loc: loc, generation: generation})
}

// insertPackage inserts a package body. The actions of a builtin package
// are split into action entities; an extension package keeps them. plugin is
// empty for manifest packages; for contributions any occupied slot is a
// collision naming the plugin.
func (ws *workspace) insertPackage(name string, body engine.Dict, generation int, plugin string) error {
	loc := location{kind: engine.ContributionPackage, name: name}
	if plugin != "" {
		if _, occupied := ws.bodies[loc]; occupied {
			return engine.NewDuplicateContributionError(plugin, loc.String())
		}
	}

	pkgBody, err := deepCopy(body)
	if err != nil {
		return engine.NewManifestError(loc.String(), "invalid body", err)
	}
	if pkgBody == nil {
		pkgBody = engine.Dict{}
	}

	var actions map[string]interface{}
	if raw, ok := pkgBody["actions"]; ok && raw != nil {
		actions, ok = asMap(raw)
		if !ok {
			return engine.NewManifestError(loc.String(), "actions must be a map", nil)
		}
	}
	if len(extensionKeywords(engine.ContributionPackage, pkgBody)) > 0 {
		ws.insert(loc, pkgBody, generation)
		return nil
	}
	delete(pkgBody, "actions")
	ws.insert(loc, pkgBody, generation)

	for _, actionName := range sortedKeys(actions) {
		actionBody, ok := asMap(actions[actionName])
		if !ok {
			return engine.NewManifestError("action "+engine.JoinKey(name, actionName), "action body must be a map", nil)
		}
		actionLoc := location{kind: engine.ContributionAction, pkg: name, name: actionName}
		if plugin != "" {
			if _, occupied := ws.bodies[actionLoc]; occupied {
				return engine.NewDuplicateContributionError(plugin, actionLoc.String())
			}
		}
		ws.insert(actionLoc, engine.Dict(actionBody), generation)
	}
	return nil
}

// document renders the workspace back into manifest shape.
func (ws *workspace) document(base *config.Document) *config.Document {
	doc := config.NewDocument()
	doc.Name = base.Name
	doc.Namespace = base.Namespace
	doc.Version = base.Version
	doc.Path = base.Path
	doc.Dir = base.Dir
	doc.Triggers = base.Triggers
	doc.Rules = base.Rules

	for loc, body := range ws.bodies {
		switch loc.kind {
		case engine.ContributionPackage:
			pkg := engine.MergeDict(body, nil)
			actions := map[string]interface{}{}
			if embedded, ok := asMap(body["actions"]); ok {
				for name, action := range embedded {
					actions[name] = action
				}
			}
			pkg["actions"] = actions
			doc.Packages[loc.name] = pkg
		case engine.ContributionAPI:
			doc.APIs[loc.name] = body
		}
	}
	for loc, body := range ws.bodies {
		if loc.kind != engine.ContributionAction {
			continue
		}
		if loc.pkg == "" {
			doc.Actions[loc.name] = body
			continue
		}
		pkg, ok := doc.Packages[loc.pkg]
		if !ok {
			pkg = engine.Dict{"actions": map[string]interface{}{}}
			doc.Packages[loc.pkg] = pkg
		}
		actions, _ := pkg["actions"].(map[string]interface{})
		actions[loc.name] = map[string]interface{}(body)
	}
	return doc
}

// embeddedActions lists the action names an extension package body still
// carries.
func embeddedActions(loc location, body engine.Dict) []string {
	if loc.kind != engine.ContributionPackage {
		return nil
	}
	actions, _ := asMap(body["actions"])
	return sortedKeys(actions)
}

// extensionKeywords returns the keys of body that make the entity
// non-builtin, sorted. Actions are builtin as soon as one variant keyword
// is present; packages and APIs only when every key is reserved.
func extensionKeywords(kind engine.ContributionKind, body engine.Dict) []string {
	if kind == engine.ContributionAction {
		for _, keyword := range variantKeywords {
			if _, ok := body[keyword]; ok {
				return nil
			}
		}
	}
	var keywords []string
	for key := range body {
		if !plugins.IsReserved(kind, key) {
			keywords = append(keywords, key)
		}
	}
	sort.Strings(keywords)
	return keywords
}

func deepCopy(d engine.Dict) (engine.Dict, error) {
	if d == nil {
		return nil, nil
	}
	copied, err := copystructure.Copy(d)
	if err != nil {
		return nil, err
	}
	return copied.(engine.Dict), nil
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case engine.Dict:
		return m, true
	default:
		return nil, false
	}
}

func sortedNames(m map[string]engine.Dict) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
