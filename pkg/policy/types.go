package policy

import (
	"time"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but never block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deployment.
	SeverityError Severity = "error"

	// SeverityCritical blocks the deployment and is reported first.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops a deployment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its deny set is evaluated.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with fnforge.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Entity is the qualified name of the offending entity.
	Entity string `json:"entity,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// PolicyResult represents the result of policy evaluation over a project.
type PolicyResult struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput is the input document of one evaluation: one entity in the
// context of its project.
type PolicyInput struct {
	Entity  *Entity         `json:"entity"`
	Project *ProjectSummary `json:"project"`
	Context *PolicyContext  `json:"context"`
}

// Entity is the policy view of one project entity.
type Entity struct {
	// Kind is one of project, package, action, trigger, rule, route.
	Kind string `json:"kind"`

	// Name is the entity's own name.
	Name string `json:"name"`

	// QName is the qualified name used in messages.
	QName string `json:"qname"`

	Package     string         `json:"package,omitempty"`
	Variant     string         `json:"variant,omitempty"`
	Runtime     string         `json:"runtime,omitempty"`
	Web         bool           `json:"web,omitempty"`
	Annotations engine.Dict    `json:"annotations,omitempty"`
	Limits      *engine.Limits `json:"limits,omitempty"`
	Components  []string       `json:"components,omitempty"`
	Trigger     string         `json:"trigger,omitempty"`
	Method      string         `json:"method,omitempty"`

	// Dependencies are the project-local action keys the entity refers to.
	Dependencies []string `json:"dependencies,omitempty"`
}

// ProjectSummary lists what policies may cross-reference.
type ProjectSummary struct {
	Name       string   `json:"name"`
	Namespace  string   `json:"namespace"`
	Version    string   `json:"version"`
	Actions    []string `json:"actions"`
	WebActions []string `json:"web_actions"`
	Triggers   []string `json:"triggers"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Operation is "deploy" or "undeploy".
	Operation string `json:"operation,omitempty"`

	// Environment is a free-form label (e.g. "production").
	Environment string `json:"environment,omitempty"`

	// Mode is the deploy mode.
	Mode engine.Mode `json:"mode,omitempty"`

	// Prune reports that reconciliation follows the deploy.
	Prune bool `json:"prune,omitempty"`

	// Wipe reports an unscoped undeploy.
	Wipe bool `json:"wipe,omitempty"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// PolicyBundle represents a collection of related policies in one JSON file.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
