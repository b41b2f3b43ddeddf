package engine

import (
	"context"
)

// Loader reads artifact bytes from a path or URL.
type Loader interface {
	// Load returns the bytes at path. A missing file yields an IO error
	// for which IsNotFound reports true.
	Load(ctx context.Context, path string) ([]byte, error)
}

// BuildRequest is the input of an artifact builder.
type BuildRequest struct {
	// Config is the builder configuration from the action's builder block.
	Config Dict `json:"config,omitempty"`

	// Package is the enclosing package name.
	Package string `json:"package"`

	// Name is the action name.
	Name string `json:"name"`

	// Action is the action being built.
	Action *Action `json:"-"`

	// BuildDir is a scratch directory the builder may write to.
	BuildDir string `json:"build_dir"`
}

// BuildResult is the artifact produced by a builder.
type BuildResult struct {
	// Location is the path of the built artifact.
	Location string `json:"location"`

	// Binary reports that the artifact must be base64 encoded.
	Binary bool `json:"binary"`
}

// ArtifactBuilder turns an action's source location into a deployable artifact.
type ArtifactBuilder interface {
	Build(ctx context.Context, req BuildRequest) (*BuildResult, error)
}

// VariableSource resolves interpolation variables.
type VariableSource interface {
	// Name identifies the source in logs.
	Name() string

	// Resolve returns the value of name and whether it is defined.
	Resolve(ctx context.Context, name string) (string, bool, error)
}

// ContributionRequest is the input of a contribution plugin.
type ContributionRequest struct {
	// Config is the run configuration handed to every plugin.
	Config Dict `json:"config,omitempty"`

	// Project is a read-only view of the manifest being expanded.
	Project Dict `json:"project"`

	// Package is the package of the entity, empty for the default package.
	Package string `json:"package,omitempty"`

	// Name is the entity name.
	Name string `json:"name"`

	// Body is a copy of the entity body containing the plugin keyword.
	Body Dict `json:"body"`
}

// Contributor expands one non-builtin entity into builtin entities.
type Contributor interface {
	Contribute(ctx context.Context, req ContributionRequest) ([]Contribution, error)
}

// ContributorMatch is the result of a keyword lookup.
type ContributorMatch struct {
	// Plugin is the name of the plugin that registered the keyword.
	Plugin string

	// Keyword is the matched keyword.
	Keyword string

	// Contributor expands the entity.
	Contributor Contributor
}

// PluginIndex is the read-only view of the plugin registry used by the
// compiler and the dispatcher.
type PluginIndex interface {
	// MatchContributor returns the plugin for the first registered keyword
	// present in body, in registration order.
	MatchContributor(kind ContributionKind, body Dict) (ContributorMatch, bool)

	// Builder returns the artifact builder registered for keyword.
	Builder(keyword string) (ArtifactBuilder, bool)

	// VariableSources returns the variable sources in precedence order.
	VariableSources() []VariableSource
}

// ResourceAPI is the CRUD surface of one remote resource type.
type ResourceAPI interface {
	// Create fails with an AlreadyExists error when the resource exists.
	Create(ctx context.Context, r *RemoteResource) (*RemoteResource, error)

	// Update creates or replaces the resource.
	Update(ctx context.Context, r *RemoteResource) (*RemoteResource, error)

	// Get fails with a NotFound error when the resource is missing.
	Get(ctx context.Context, ref ResourceRef) (*RemoteResource, error)

	// Delete removes the resource.
	Delete(ctx context.Context, ref ResourceRef) error

	// List returns every resource of this type in namespace.
	List(ctx context.Context, namespace string) ([]*RemoteResource, error)
}

// ResourceClient exposes one ResourceAPI per remote resource type.
// Implementations must be safe for concurrent use.
type ResourceClient interface {
	Packages() ResourceAPI
	Actions() ResourceAPI
	Triggers() ResourceAPI
	Rules() ResourceAPI
	Routes() ResourceAPI
}

// APIFor returns the ResourceAPI of client for kind.
func APIFor(client ResourceClient, kind ResourceKind) ResourceAPI {
	switch kind {
	case ResourcePackages:
		return client.Packages()
	case ResourceActions:
		return client.Actions()
	case ResourceTriggers:
		return client.Triggers()
	case ResourceRules:
		return client.Rules()
	case ResourceRoutes:
		return client.Routes()
	default:
		return nil
	}
}

// Observer receives deployment results as they settle. Observers are
// called from scheduler workers and must be safe for concurrent use.
type Observer interface {
	// EntitySettled is called once per dispatched entity.
	EntitySettled(ctx context.Context, runID string, result EntityResult)

	// DeployCompleted is called with the final deployment report.
	DeployCompleted(ctx context.Context, report *Report)

	// UndeployCompleted is called with the final reconciliation report.
	UndeployCompleted(ctx context.Context, report *UndeployReport)
}

// Observers fans out to a list of observers.
type Observers []Observer

// EntitySettled implements Observer.
func (o Observers) EntitySettled(ctx context.Context, runID string, result EntityResult) {
	for _, obs := range o {
		obs.EntitySettled(ctx, runID, result)
	}
}

// DeployCompleted implements Observer.
func (o Observers) DeployCompleted(ctx context.Context, report *Report) {
	for _, obs := range o {
		obs.DeployCompleted(ctx, report)
	}
}

// UndeployCompleted implements Observer.
func (o Observers) UndeployCompleted(ctx context.Context, report *UndeployReport) {
	for _, obs := range o {
		obs.UndeployCompleted(ctx, report)
	}
}
