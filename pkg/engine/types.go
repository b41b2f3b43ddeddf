package engine

import (
	"encoding/json"
	"time"
)

// DefaultNamespace is the sentinel namespace used when a manifest does not
// name one. The control plane resolves it to the caller's namespace.
const DefaultNamespace = "_"

// DefaultVersion is applied to projects that do not declare a version.
const DefaultVersion = "0.0.1"

// ManagedAnnotation is the annotation key recording which service owns a
// deployed resource.
const ManagedAnnotation = "managed"

// Dict is a string-keyed bag of values used for inputs, annotations and
// raw manifest bodies.
type Dict map[string]interface{}

// Project is the fully expanded, normalized manifest.
type Project struct {
	// Name is the service name that owns every resource this project deploys.
	Name string `json:"name"`

	// Namespace is the target namespace; DefaultNamespace when unset.
	Namespace string `json:"namespace"`

	// Version is the project version.
	Version string `json:"version"`

	// Packages maps package names to named packages.
	Packages map[string]*Package `json:"packages,omitempty"`

	// Actions holds the actions of the default package.
	Actions map[string]*Action `json:"actions,omitempty"`

	// Triggers maps trigger names to triggers.
	Triggers map[string]*Trigger `json:"triggers,omitempty"`

	// Rules maps rule names to rules.
	Rules map[string]*Rule `json:"rules,omitempty"`

	// APIs maps API names to route groups.
	APIs map[string]*API `json:"apis,omitempty"`
}

// NewProject returns an empty project with initialized maps.
func NewProject(name, namespace, version string) *Project {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if version == "" {
		version = DefaultVersion
	}
	return &Project{
		Name:      name,
		Namespace: namespace,
		Version:   version,
		Packages:  make(map[string]*Package),
		Actions:   make(map[string]*Action),
		Triggers:  make(map[string]*Trigger),
		Rules:     make(map[string]*Rule),
		APIs:      make(map[string]*API),
	}
}

// AllActions returns every action of the project, default package first,
// then named packages. Binding packages own no actions.
func (p *Project) AllActions() []*Action {
	actions := make([]*Action, 0, len(p.Actions))
	for _, a := range p.Actions {
		actions = append(actions, a)
	}
	for _, pkg := range p.Packages {
		for _, a := range pkg.Actions {
			actions = append(actions, a)
		}
	}
	return actions
}

// FindAction looks up an action by its namespace-relative key ("pkg/name"
// or "name").
func (p *Project) FindAction(key string) (*Action, bool) {
	pkgName, name := SplitKey(key)
	if pkgName == "" {
		a, ok := p.Actions[name]
		return a, ok
	}
	pkg, ok := p.Packages[pkgName]
	if !ok {
		return nil, false
	}
	a, ok := pkg.Actions[name]
	return a, ok
}

// Package is either an owning package (it carries actions) or a binding to
// another package. The two are mutually exclusive.
type Package struct {
	Name        string             `json:"name"`
	Actions     map[string]*Action `json:"actions,omitempty"`
	Binding     *Binding           `json:"binding,omitempty"`
	Publish     bool               `json:"publish"`
	Annotations Dict               `json:"annotations,omitempty"`
	Inputs      Dict               `json:"inputs,omitempty"`
}

// Binding references a package in another namespace.
type Binding struct {
	Namespace string `json:"namespace" validate:"required"`
	Name      string `json:"name" validate:"required"`
}

// Action is a single deployable function.
type Action struct {
	// Name is the action name within its package.
	Name string `json:"name"`

	// Package is the enclosing package name; empty for the default package.
	Package string `json:"package,omitempty"`

	// Spec is the kind variant, assigned once during normalization.
	Spec ActionSpec `json:"-"`

	// Runtime overrides the runtime kind (e.g. "nodejs:default").
	Runtime string `json:"runtime,omitempty"`

	// Main names the entry point function.
	Main string `json:"main,omitempty"`

	// Web exports the action as a web action.
	Web bool `json:"web,omitempty"`

	// Binary forces the artifact to be treated as binary.
	Binary bool `json:"binary,omitempty"`

	Inputs      Dict    `json:"inputs,omitempty"`
	Annotations Dict    `json:"annotations,omitempty"`
	Limits      *Limits `json:"limits,omitempty"`

	// Builder selects an artifact builder plugin for Location actions.
	Builder *BuilderSpec `json:"builder,omitempty"`
}

// Key returns the namespace-relative key of the action.
func (a *Action) Key() string {
	return JoinKey(a.Package, a.Name)
}

// QName returns the fully qualified name of the action in namespace ns.
func (a *Action) QName(ns string) string {
	return MakeQName(ns, a.Package, a.Name)
}

// Kind returns the variant tag of the action.
func (a *Action) Kind() ActionKind {
	if a.Spec == nil {
		return ""
	}
	return a.Spec.Kind()
}

// Limits are the resource limits of an action.
type Limits struct {
	Timeout int `json:"timeout,omitempty" validate:"omitempty,min=100"`
	Memory  int `json:"memory,omitempty" validate:"omitempty,min=128"`
	Logs    int `json:"logs,omitempty" validate:"omitempty,min=0"`
}

// BuilderSpec names an artifact builder plugin and its configuration.
type BuilderSpec struct {
	Keyword string `json:"keyword" validate:"required"`
	Config  Dict   `json:"config,omitempty"`
}

// ActionKind is the variant tag of an action.
type ActionKind string

const (
	KindLocation  ActionKind = "location"
	KindCode      ActionKind = "code"
	KindSequence  ActionKind = "sequence"
	KindImage     ActionKind = "image"
	KindCopy      ActionKind = "copy"
	KindExtension ActionKind = "extension"
)

// ActionSpec is the sealed set of action variants.
type ActionSpec interface {
	Kind() ActionKind
	isActionSpec()
}

// LocationSpec deploys an artifact read from a path.
type LocationSpec struct {
	Path string `validate:"required"`
}

// CodeSpec deploys inline source.
type CodeSpec struct {
	Source  string `validate:"required"`
	Runtime string `validate:"required"`
}

// SequenceSpec composes other actions.
type SequenceSpec struct {
	Components []string `validate:"required,min=1,dive,required"`
}

// ImageSpec deploys a container image.
type ImageSpec struct {
	Reference string `validate:"required"`
}

// CopySpec copies another action, local or remote.
type CopySpec struct {
	Source string `validate:"required"`
}

// ExtensionSpec is an entity still pending plugin expansion.
type ExtensionSpec struct {
	Keyword string
	Payload Dict
}

func (LocationSpec) Kind() ActionKind  { return KindLocation }
func (CodeSpec) Kind() ActionKind      { return KindCode }
func (SequenceSpec) Kind() ActionKind  { return KindSequence }
func (ImageSpec) Kind() ActionKind     { return KindImage }
func (CopySpec) Kind() ActionKind      { return KindCopy }
func (ExtensionSpec) Kind() ActionKind { return KindExtension }

func (LocationSpec) isActionSpec()  {}
func (CodeSpec) isActionSpec()      {}
func (SequenceSpec) isActionSpec()  {}
func (ImageSpec) isActionSpec()     {}
func (CopySpec) isActionSpec()      {}
func (ExtensionSpec) isActionSpec() {}

// Trigger is an event source.
type Trigger struct {
	Name        string `json:"name"`
	Feed        string `json:"feed,omitempty"`
	Inputs      Dict   `json:"inputs,omitempty"`
	Annotations Dict   `json:"annotations,omitempty"`
}

// RuleStatus is the activation state of a rule.
type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RuleInactive RuleStatus = "inactive"
)

// Rule connects a trigger to an action.
type Rule struct {
	Name    string     `json:"name"`
	Trigger string     `json:"trigger" validate:"required"`
	Action  string     `json:"action" validate:"required"`
	Status  RuleStatus `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
}

// API is a group of HTTP routes sharing a base path.
type API struct {
	Name     string  `json:"name"`
	BasePath string  `json:"basePath" validate:"required,startswith=/"`
	Routes   []Route `json:"routes" validate:"dive"`
}

// Route maps one HTTP path and method to an action.
type Route struct {
	Path     string `json:"path" validate:"required,startswith=/"`
	Method   string `json:"method" validate:"required,oneof=GET POST PUT DELETE PATCH HEAD OPTIONS"`
	Action   string `json:"action" validate:"required"`
	Response string `json:"response,omitempty" validate:"omitempty,oneof=json http html text svg"`
}

// ContributionKind is the kind of entity a plugin contributes.
type ContributionKind string

const (
	ContributionAction  ContributionKind = "action"
	ContributionPackage ContributionKind = "package"
	ContributionAPI     ContributionKind = "api"
)

// Contribution is an entity produced by a plugin, inserted into the manifest
// at {Kind, Package, Name}.
type Contribution struct {
	Kind    ContributionKind `json:"kind" yaml:"kind"`
	Package string           `json:"package,omitempty" yaml:"package,omitempty"`
	Name    string           `json:"name" yaml:"name"`
	Body    Dict             `json:"body" yaml:"body"`
}

// EntityKind identifies the type of a deployed entity in a report.
type EntityKind string

const (
	EntityPackage EntityKind = "package"
	EntityAction  EntityKind = "action"
	EntityTrigger EntityKind = "trigger"
	EntityRule    EntityKind = "rule"
	EntityRoute   EntityKind = "route"
)

// EntityResult is the outcome of deploying one entity.
type EntityResult struct {
	Kind       EntityKind      `json:"kind"`
	Name       string          `json:"name"`
	Variant    ActionKind      `json:"variant,omitempty"`
	Location   string          `json:"location,omitempty"`
	Parameters Dict            `json:"parameters,omitempty"`
	Remote     *RemoteResource `json:"remote,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Report is the result of a deployment run.
type Report struct {
	RunID       string         `json:"run_id"`
	Service     string         `json:"service"`
	Namespace   string         `json:"namespace"`
	Mode        Mode           `json:"mode"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Status      RunStatus      `json:"status"`
	Waves       [][]string     `json:"waves,omitempty"`
	Entities    []EntityResult `json:"entities"`
}

// Count returns the number of successful results of the given kind.
func (r *Report) Count(kind EntityKind) int {
	n := 0
	for _, e := range r.Entities {
		if e.Kind == kind && e.Error == "" {
			n++
		}
	}
	return n
}

// UndeployReport is the result of a reconciliation run.
type UndeployReport struct {
	RunID     string         `json:"run_id"`
	Service   string         `json:"service"`
	Namespace string         `json:"namespace"`
	Wipe      bool           `json:"wipe,omitempty"`
	Deleted   []ResourceRef  `json:"deleted"`
	Skipped   []SkippedEntry `json:"skipped,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// SkippedEntry records a live resource the reconciler left in place.
type SkippedEntry struct {
	Ref    ResourceRef `json:"ref"`
	Reason string      `json:"reason"`
}

// ResourceKind is a remote resource type.
type ResourceKind string

const (
	ResourcePackages ResourceKind = "packages"
	ResourceActions  ResourceKind = "actions"
	ResourceTriggers ResourceKind = "triggers"
	ResourceRules    ResourceKind = "rules"
	ResourceRoutes   ResourceKind = "routes"
)

// AllResourceKinds lists every remote resource type.
var AllResourceKinds = []ResourceKind{
	ResourcePackages, ResourceActions, ResourceTriggers, ResourceRules, ResourceRoutes,
}

// ResourceRef identifies a remote resource. For actions Name includes the
// package ("pkg/name").
type ResourceRef struct {
	Kind      ResourceKind `json:"kind"`
	Namespace string       `json:"namespace"`
	Name      string       `json:"name"`
}

func (r ResourceRef) String() string {
	return string(r.Kind) + ":" + MakeQName(r.Namespace, "", r.Name)
}

// Exec is the executable descriptor of a remote action.
type Exec struct {
	Kind       string   `json:"kind"`
	Code       string   `json:"code,omitempty"`
	Binary     bool     `json:"binary,omitempty"`
	Main       string   `json:"main,omitempty"`
	Image      string   `json:"image,omitempty"`
	Components []string `json:"components,omitempty"`
}

// RemoteResource is the control-plane representation of any resource.
type RemoteResource struct {
	Kind        ResourceKind    `json:"kind"`
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	Exec        *Exec           `json:"exec,omitempty"`
	Parameters  Dict            `json:"parameters,omitempty"`
	Annotations Dict            `json:"annotations,omitempty"`
	Limits      *Limits         `json:"limits,omitempty"`
	Publish     bool            `json:"publish,omitempty"`
	Binding     *Binding        `json:"binding,omitempty"`
	Feed        string          `json:"feed,omitempty"`
	Trigger     string          `json:"trigger,omitempty"`
	Action      string          `json:"action,omitempty"`
	Status      string          `json:"status,omitempty"`
	Route       *RemoteRoute    `json:"route,omitempty"`
	Managed     string          `json:"managed,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Ref returns the reference of the resource.
func (r *RemoteResource) Ref() ResourceRef {
	return ResourceRef{Kind: r.Kind, Namespace: r.Namespace, Name: r.Name}
}

// Owner returns the service recorded in the managed annotation, or "".
func (r *RemoteResource) Owner() string {
	if r.Managed != "" {
		return r.Managed
	}
	if v, ok := r.Annotations[ManagedAnnotation].(string); ok {
		return v
	}
	return ""
}

// RemoteRoute is the control-plane form of one API route.
type RemoteRoute struct {
	API      string `json:"api"`
	BasePath string `json:"basePath"`
	Path     string `json:"path"`
	Method   string `json:"method"`
	Action   string `json:"action"`
	Response string `json:"response,omitempty"`
}

// RouteName is the resource name of a route.
func RouteName(basePath, path, method string) string {
	return basePath + path + "#" + method
}
