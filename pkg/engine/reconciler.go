package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Skip reasons recorded in the undeploy report.
const (
	SkipInManifest   = "in manifest"
	SkipForeignOwner = "owned by another service"
	SkipUnowned      = "unowned"
	SkipConflict     = "ownership conflict"
)

// UndeployOptions configures a reconciliation run.
type UndeployOptions struct {
	// Service is the owning service name. Defaults to the project name.
	Service string

	// Namespace is listed when no project is given.
	Namespace string

	// Parallelism bounds concurrent deletions.
	Parallelism int

	// DryRun decides without deleting.
	DryRun bool
}

// Reconciler deletes live resources that fell out of a manifest and are
// owned by the active service.
type Reconciler struct {
	client   ResourceClient
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewReconciler creates a reconciler. observer may be nil.
func NewReconciler(client ResourceClient, observer Observer, logger zerolog.Logger) *Reconciler {
	if observer == nil {
		observer = Observers(nil)
	}
	return &Reconciler{
		client:   client,
		observer: observer,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		tracer:   otel.Tracer(tracerName),
	}
}

// MustUndeploy decides whether a live resource is deleted by a scoped
// reconciliation for service. A resource named by the manifest is kept; if
// another service owns it an ownership conflict is returned. A resource
// absent from the manifest is deleted only when service owns it.
func MustUndeploy(ref ResourceRef, inManifest bool, owner, service string) (bool, error) {
	if inManifest {
		if owner != "" && owner != service {
			return false, NewOwnershipConflictError(ref, owner)
		}
		return false, nil
	}
	return owner != "" && owner == service, nil
}

// Undeploy reconciles the namespace of p. A nil project wipes every listed
// resource of opts.Namespace. Listing and deletions run concurrently;
// conflicts and failed deletions are collected and returned together once
// every other resource is handled.
func (r *Reconciler) Undeploy(ctx context.Context, p *Project, opts UndeployOptions) (*UndeployReport, error) {
	namespace := opts.Namespace
	service := opts.Service
	if p != nil {
		namespace = p.Namespace
		if service == "" {
			service = p.Name
		}
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	report := &UndeployReport{
		RunID:     uuid.New().String(),
		Service:   service,
		Namespace: namespace,
		Wipe:      p == nil,
		StartedAt: time.Now(),
	}
	logger := r.logger.With().Str("run_id", report.RunID).Str("service", service).Logger()

	ctx, span := r.tracer.Start(ctx, "undeploy",
		trace.WithAttributes(
			attribute.String("run.id", report.RunID),
			attribute.String("service", service),
			attribute.String("namespace", namespace),
			attribute.Bool("wipe", p == nil),
		))
	defer span.End()

	var members map[ResourceKind]map[string]bool
	if p != nil {
		members = ManifestMembers(p)
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	collect := func(err error) {
		mu.Lock()
		errs = multierror.Append(errs, err)
		mu.Unlock()
	}

	var deletions errgroup.Group
	deletions.SetLimit(parallelism)

	var listing errgroup.Group
	for _, kind := range AllResourceKinds {
		api := APIFor(r.client, kind)
		listing.Go(func() error {
			live, err := api.List(ctx, namespace)
			if err != nil {
				collect(NewRemoteError(string(kind), "list", err))
				return nil
			}
			sort.Slice(live, func(i, j int) bool { return live[i].Name < live[j].Name })

			for _, res := range live {
				ref := res.Ref()
				owner := res.Owner()
				remove := true
				if members != nil {
					var err error
					remove, err = MustUndeploy(ref, members[kind][res.Name], owner, service)
					if err != nil {
						logger.Warn().Err(err).Str("resource", ref.String()).Msg("Skipping resource owned by another service")
						collect(err)
						r.skip(&mu, report, ref, SkipConflict)
						continue
					}
					if !remove {
						r.skip(&mu, report, ref, skipReason(members[kind][res.Name], owner))
						continue
					}
				}

				if opts.DryRun {
					mu.Lock()
					report.Deleted = append(report.Deleted, ref)
					mu.Unlock()
					continue
				}
				deletions.Go(func() error {
					if err := api.Delete(ctx, ref); err != nil {
						collect(NewRemoteError(ref.String(), "delete", err))
						return nil
					}
					mu.Lock()
					report.Deleted = append(report.Deleted, ref)
					mu.Unlock()
					logger.Debug().Str("resource", ref.String()).Msg("Resource deleted")
					return nil
				})
			}
			return nil
		})
	}
	_ = listing.Wait()
	_ = deletions.Wait()

	sortRefs(report.Deleted)
	sort.Slice(report.Skipped, func(i, j int) bool {
		return report.Skipped[i].Ref.String() < report.Skipped[j].Ref.String()
	})
	report.Duration = time.Since(report.StartedAt)

	err := errs.ErrorOrNil()
	if err != nil {
		for _, e := range errs.Errors {
			report.Errors = append(report.Errors, e.Error())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Int("deleted", len(report.Deleted)).Msg("Undeploy completed with errors")
	} else {
		logger.Info().
			Int("deleted", len(report.Deleted)).
			Int("skipped", len(report.Skipped)).
			Dur("duration", report.Duration).
			Msg("Undeploy completed")
	}

	r.observer.UndeployCompleted(ctx, report)
	return report, err
}

func (r *Reconciler) skip(mu *sync.Mutex, report *UndeployReport, ref ResourceRef, reason string) {
	mu.Lock()
	report.Skipped = append(report.Skipped, SkippedEntry{Ref: ref, Reason: reason})
	mu.Unlock()
}

func skipReason(inManifest bool, owner string) string {
	switch {
	case inManifest:
		return SkipInManifest
	case owner == "":
		return SkipUnowned
	default:
		return SkipForeignOwner
	}
}

// ManifestMembers returns the remote names of every entity in p, per
// resource kind.
func ManifestMembers(p *Project) map[ResourceKind]map[string]bool {
	members := make(map[ResourceKind]map[string]bool, len(AllResourceKinds))
	for _, kind := range AllResourceKinds {
		members[kind] = make(map[string]bool)
	}
	for name := range p.Packages {
		members[ResourcePackages][name] = true
	}
	for _, a := range p.AllActions() {
		members[ResourceActions][a.Key()] = true
	}
	for name := range p.Triggers {
		members[ResourceTriggers][name] = true
	}
	for name := range p.Rules {
		members[ResourceRules][name] = true
	}
	for _, api := range p.APIs {
		for _, route := range api.Routes {
			members[ResourceRoutes][RouteName(api.BasePath, route.Path, route.Method)] = true
		}
	}
	return members
}

func sortRefs(refs []ResourceRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
}
