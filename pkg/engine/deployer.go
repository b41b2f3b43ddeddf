package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/fnforge/pkg/engine"

// DeployOptions configures a deployment run.
type DeployOptions struct {
	// Mode selects create or update semantics for every entity.
	Mode Mode

	// Parallelism bounds concurrent dispatches within a wave.
	Parallelism int

	// DryRun computes every payload without remote calls.
	DryRun bool

	// BuildDir is handed to artifact builders.
	BuildDir string

	// BuilderConfig is merged into every builder request.
	BuilderConfig Dict
}

// Deployer runs the deployment pipeline of a compiled project: packages,
// then actions in dependency waves, then triggers, rules and routes.
type Deployer struct {
	client   ResourceClient
	plugins  PluginIndex
	loader   Loader
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewDeployer creates a deployer. observer may be nil.
func NewDeployer(client ResourceClient, plugins PluginIndex, loader Loader, observer Observer, logger zerolog.Logger) *Deployer {
	if observer == nil {
		observer = Observers(nil)
	}
	return &Deployer{
		client:   client,
		plugins:  plugins,
		loader:   loader,
		observer: observer,
		logger:   logger.With().Str("component", "deployer").Logger(),
		tracer:   otel.Tracer(tracerName),
	}
}

// Deploy deploys p. Graph errors are reported before any remote mutation.
// The returned report is non-nil even on failure and carries every entity
// settled before the failure.
func (d *Deployer) Deploy(ctx context.Context, p *Project, opts DeployOptions) (*Report, error) {
	if opts.Mode == "" {
		opts.Mode = ModeCreate
	}
	report := &Report{
		RunID:     uuid.New().String(),
		Service:   p.Name,
		Namespace: p.Namespace,
		Mode:      opts.Mode,
		StartedAt: time.Now(),
		Status:    RunStatusPending,
	}

	ctx, span := d.tracer.Start(ctx, "deploy",
		trace.WithAttributes(
			attribute.String("run.id", report.RunID),
			attribute.String("service", p.Name),
			attribute.String("namespace", p.Namespace),
			attribute.String("mode", string(opts.Mode)),
			attribute.Bool("dry_run", opts.DryRun),
		))
	defer span.End()

	logger := d.logger.With().Str("run_id", report.RunID).Str("service", p.Name).Logger()

	err := d.deploy(ctx, p, opts, report, logger)
	report.CompletedAt = time.Now()
	switch {
	case err == nil:
		report.Status = RunStatusSucceeded
	case ctx.Err() != nil:
		report.Status = RunStatusCancelled
	case len(report.Entities) > 0 && report.successes() > 0:
		report.Status = RunStatusPartial
	default:
		report.Status = RunStatusFailed
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("status", string(report.Status)).Msg("Deployment failed")
	} else {
		logger.Info().
			Int("packages", report.Count(EntityPackage)).
			Int("actions", report.Count(EntityAction)).
			Int("triggers", report.Count(EntityTrigger)).
			Int("rules", report.Count(EntityRule)).
			Int("routes", report.Count(EntityRoute)).
			Dur("duration", report.CompletedAt.Sub(report.StartedAt)).
			Msg("Deployment completed")
	}

	d.observer.DeployCompleted(ctx, report)
	return report, err
}

func (d *Deployer) deploy(ctx context.Context, p *Project, opts DeployOptions, report *Report, logger zerolog.Logger) error {
	graph, err := BuildGraph(p)
	if err != nil {
		return err
	}
	waves, err := graph.Waves()
	if err != nil {
		return err
	}
	if err := validateReferences(p); err != nil {
		return err
	}
	if err := validateActions(p, d.plugins); err != nil {
		return err
	}
	logger.Debug().Int("actions", len(graph.Nodes)).Int("waves", len(waves)).Msg("Dependency graph built")

	report.Status = RunStatusRunning
	service := p.Name
	rec := &recorder{report: report, observer: d.observer}

	packages := NewChanger(d.client.Packages(), opts.Mode, opts.DryRun)
	for _, name := range sortedKeys(p.Packages) {
		if err := d.settle(ctx, rec, EntityPackage, MakeQName(p.Namespace, "", name), func(ctx context.Context) (*EntityResult, error) {
			return deployPackage(ctx, packages, p, p.Packages[name], service)
		}); err != nil {
			return err
		}
	}

	dispatcher := NewDispatcher(DispatcherConfig{
		Project:       p,
		Service:       service,
		Plugins:       d.plugins,
		Loader:        d.loader,
		Client:        d.client,
		Mode:          opts.Mode,
		DryRun:        opts.DryRun,
		BuildDir:      opts.BuildDir,
		BuilderConfig: opts.BuilderConfig,
	}, logger)

	// Waves run one at a time, so the previous wave span ends when the next starts.
	var waveSpan trace.Span
	scheduler := NewWaveScheduler(opts.Parallelism, logger).OnWave(func(ctx context.Context, index int, keys []string) context.Context {
		rec.addWave(keys)
		if waveSpan != nil {
			waveSpan.End()
		}
		ctx, waveSpan = d.tracer.Start(ctx, "deploy.wave",
			trace.WithAttributes(
				attribute.Int("wave", index+1),
				attribute.StringSlice("actions", keys),
			))
		return ctx
	})
	_, err = scheduler.Run(ctx, graph, func(ctx context.Context, node *GraphNode) error {
		ctx, span := d.tracer.Start(ctx, "deploy.action",
			trace.WithAttributes(
				attribute.String("action", node.Key),
				attribute.String("kind", string(node.Action.Kind())),
			))
		defer span.End()

		result, err := dispatcher.Deploy(ctx, node.Action)
		rec.add(ctx, result)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
	if waveSpan != nil {
		if err != nil {
			waveSpan.RecordError(err)
			waveSpan.SetStatus(codes.Error, err.Error())
		}
		waveSpan.End()
	}
	if err != nil {
		return err
	}

	triggers := NewChanger(d.client.Triggers(), opts.Mode, opts.DryRun)
	for _, name := range sortedKeys(p.Triggers) {
		if err := d.settle(ctx, rec, EntityTrigger, MakeQName(p.Namespace, "", name), func(ctx context.Context) (*EntityResult, error) {
			return deployTrigger(ctx, triggers, p, p.Triggers[name], service)
		}); err != nil {
			return err
		}
	}

	rules := NewChanger(d.client.Rules(), opts.Mode, opts.DryRun)
	for _, name := range sortedKeys(p.Rules) {
		if err := d.settle(ctx, rec, EntityRule, MakeQName(p.Namespace, "", name), func(ctx context.Context) (*EntityResult, error) {
			return deployRule(ctx, rules, p, p.Rules[name], service)
		}); err != nil {
			return err
		}
	}

	routes := NewChanger(d.client.Routes(), opts.Mode, opts.DryRun)
	for _, name := range sortedKeys(p.APIs) {
		api := p.APIs[name]
		for i := range api.Routes {
			route := api.Routes[i]
			if err := d.settle(ctx, rec, EntityRoute, RouteName(api.BasePath, route.Path, route.Method), func(ctx context.Context) (*EntityResult, error) {
				return deployRoute(ctx, routes, p, api, route, service)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// settle runs one non-action deployment and records its result.
func (d *Deployer) settle(ctx context.Context, rec *recorder, kind EntityKind, name string, fn func(ctx context.Context) (*EntityResult, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := d.tracer.Start(ctx, "deploy."+string(kind), trace.WithAttributes(attribute.String("name", name)))
	defer span.End()

	start := time.Now()
	result, err := fn(ctx)
	if result == nil {
		result = &EntityResult{Kind: kind, Name: name}
	}
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	rec.add(ctx, *result)
	return err
}

func deployPackage(ctx context.Context, c Changer, p *Project, pkg *Package, service string) (*EntityResult, error) {
	annotations := copyDict(pkg.Annotations)
	annotations[ManagedAnnotation] = service
	payload := &RemoteResource{
		Kind:        ResourcePackages,
		Namespace:   p.Namespace,
		Name:        pkg.Name,
		Parameters:  copyDict(pkg.Inputs),
		Annotations: annotations,
		Publish:     pkg.Publish,
		Binding:     pkg.Binding,
	}
	result := &EntityResult{Kind: EntityPackage, Name: MakeQName(p.Namespace, "", pkg.Name), Parameters: payload.Parameters}
	remote, err := c.Change(ctx, payload)
	result.Remote = remote
	return result, err
}

func deployTrigger(ctx context.Context, c Changer, p *Project, t *Trigger, service string) (*EntityResult, error) {
	annotations := copyDict(t.Annotations)
	annotations[ManagedAnnotation] = service
	if t.Feed != "" {
		annotations["feed"] = t.Feed
	}
	payload := &RemoteResource{
		Kind:        ResourceTriggers,
		Namespace:   p.Namespace,
		Name:        t.Name,
		Parameters:  copyDict(t.Inputs),
		Annotations: annotations,
		Feed:        t.Feed,
	}
	result := &EntityResult{Kind: EntityTrigger, Name: MakeQName(p.Namespace, "", t.Name), Parameters: payload.Parameters}
	remote, err := c.Change(ctx, payload)
	result.Remote = remote
	return result, err
}

func deployRule(ctx context.Context, c Changer, p *Project, r *Rule, service string) (*EntityResult, error) {
	action, err := Qualify(r.Action, p.Namespace, "")
	if err != nil {
		return nil, NewManifestError(r.Name, "invalid rule action", err)
	}
	status := r.Status
	if status == "" {
		status = RuleActive
	}
	payload := &RemoteResource{
		Kind:        ResourceRules,
		Namespace:   p.Namespace,
		Name:        r.Name,
		Trigger:     MakeQName(p.Namespace, "", r.Trigger),
		Action:      action,
		Status:      string(status),
		Annotations: Dict{ManagedAnnotation: service},
	}
	result := &EntityResult{Kind: EntityRule, Name: MakeQName(p.Namespace, "", r.Name), Location: action}
	remote, err := c.Change(ctx, payload)
	result.Remote = remote
	return result, err
}

func deployRoute(ctx context.Context, c Changer, p *Project, api *API, route Route, service string) (*EntityResult, error) {
	action, err := Qualify(route.Action, p.Namespace, "")
	if err != nil {
		return nil, NewManifestError(api.Name, "invalid route action", err)
	}
	response := route.Response
	if response == "" {
		response = "json"
	}
	name := RouteName(api.BasePath, route.Path, route.Method)
	payload := &RemoteResource{
		Kind:      ResourceRoutes,
		Namespace: p.Namespace,
		Name:      name,
		Route: &RemoteRoute{
			API:      api.Name,
			BasePath: api.BasePath,
			Path:     route.Path,
			Method:   route.Method,
			Action:   action,
			Response: response,
		},
		Managed: service,
	}
	result := &EntityResult{Kind: EntityRoute, Name: name, Location: action}
	remote, err := c.Change(ctx, payload)
	result.Remote = remote
	return result, err
}

// validateReferences checks rule and route references before any mutation.
func validateReferences(p *Project) error {
	for _, name := range sortedKeys(p.Rules) {
		r := p.Rules[name]
		if _, err := Qualify(r.Action, p.Namespace, ""); err != nil {
			return NewManifestError(MakeQName(p.Namespace, "", name), "invalid rule action", err)
		}
		if r.Trigger == "" || strings.Contains(r.Trigger, "/") {
			return NewManifestError(MakeQName(p.Namespace, "", name), "invalid rule trigger "+r.Trigger, nil)
		}
	}
	for _, name := range sortedKeys(p.APIs) {
		for _, route := range p.APIs[name].Routes {
			if _, err := Qualify(route.Action, p.Namespace, ""); err != nil {
				return NewManifestError(name, "invalid route action", err)
			}
		}
	}
	return nil
}

// validateActions checks what the dispatcher would otherwise only find out
// during the action waves: leftover extension variants, builders missing
// from the plugin index and location runtimes that cannot be inferred.
func validateActions(p *Project, plugins PluginIndex) error {
	actions := p.AllActions()
	sort.Slice(actions, func(i, j int) bool { return actions[i].Key() < actions[j].Key() })
	for _, a := range actions {
		qname := a.QName(p.Namespace)
		switch spec := a.Spec.(type) {
		case ExtensionSpec:
			return NewUnresolvedExtensionError(qname, []string{spec.Keyword})
		case LocationSpec:
			if a.Builder != nil {
				if plugins == nil {
					return NewManifestError(qname, "no plugin registry for builder "+a.Builder.Keyword, nil)
				}
				if _, ok := plugins.Builder(a.Builder.Keyword); !ok {
					return NewUnresolvedExtensionError(qname, []string{a.Builder.Keyword})
				}
				continue
			}
			if a.Runtime == "" {
				if _, ok := InferRuntime(spec.Path); !ok {
					return NewManifestError(qname, fmt.Sprintf("cannot infer runtime for %s", spec.Path), nil)
				}
			}
		}
	}
	return nil
}

// recorder appends results to a report from concurrent workers.
type recorder struct {
	mu       sync.Mutex
	report   *Report
	observer Observer
}

func (r *recorder) add(ctx context.Context, result EntityResult) {
	r.mu.Lock()
	r.report.Entities = append(r.report.Entities, result)
	r.mu.Unlock()
	r.observer.EntitySettled(ctx, r.report.RunID, result)
}

func (r *recorder) addWave(keys []string) {
	r.mu.Lock()
	r.report.Waves = append(r.report.Waves, append([]string(nil), keys...))
	r.mu.Unlock()
}

func (r *Report) successes() int {
	n := 0
	for _, e := range r.Entities {
		if e.Error == "" {
			n++
		}
	}
	return n
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
