package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an error.
type ErrorClass string

const (
	// ErrorClassManifest indicates a structurally invalid project. Raised before
	// any remote mutation.
	ErrorClassManifest ErrorClass = "manifest"

	// ErrorClassGraph indicates the dependency graph cannot be scheduled.
	ErrorClassGraph ErrorClass = "graph"

	// ErrorClassConflict indicates a resource state or ownership conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassRemote indicates a failure reported by the remote control plane.
	ErrorClassRemote ErrorClass = "remote"

	// ErrorClassIO indicates a local read failure.
	ErrorClassIO ErrorClass = "io"

	// ErrorClassPolicy indicates a project rejected by a policy check.
	ErrorClassPolicy ErrorClass = "policy"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the entity that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeManifest              = "MANIFEST_ERROR"
	ErrCodeUnresolvedExtension   = "UNRESOLVED_EXTENSION"
	ErrCodeDuplicateContribution = "DUPLICATE_CONTRIBUTION"
	ErrCodeDuplicateEntity       = "DUPLICATE_ENTITY"
	ErrCodeCyclicDependency      = "CYCLIC_DEPENDENCY"
	ErrCodeOwnershipConflict     = "OWNERSHIP_CONFLICT"
	ErrCodeRemote                = "REMOTE_ERROR"
	ErrCodePolicyViolation       = "POLICY_VIOLATION"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeAlreadyExists         = "ALREADY_EXISTS"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewManifestError reports a missing or invalid property on a builtin entity.
func NewManifestError(entity, message string, err error) *EngineError {
	return &EngineError{
		Class:    ErrorClassManifest,
		Code:     ErrCodeManifest,
		Message:  message,
		Resource: entity,
		Err:      err,
	}
}

// NewUnresolvedExtensionError reports a non-builtin keyword with no plugin.
func NewUnresolvedExtensionError(entity string, keywords []string) *EngineError {
	return (&EngineError{
		Class:    ErrorClassManifest,
		Code:     ErrCodeUnresolvedExtension,
		Message:  fmt.Sprintf("no plugin handles keyword(s) %s", strings.Join(keywords, ", ")),
		Resource: entity,
	}).WithDetail("keywords", keywords)
}

// NewDuplicateContributionError reports a plugin contribution landing on an
// occupied location.
func NewDuplicateContributionError(plugin, location string) *EngineError {
	return (&EngineError{
		Class:    ErrorClassManifest,
		Code:     ErrCodeDuplicateContribution,
		Message:  fmt.Sprintf("plugin %s contributed %s which is already defined", plugin, location),
		Resource: location,
	}).WithDetail("plugin", plugin)
}

// NewDuplicateEntityError reports two sources defining one qualified name.
func NewDuplicateEntityError(name string) *EngineError {
	return &EngineError{
		Class:    ErrorClassManifest,
		Code:     ErrCodeDuplicateEntity,
		Message:  fmt.Sprintf("%s is defined more than once", name),
		Resource: name,
	}
}

// NewCyclicDependencyError reports the entities the scheduler could not order.
func NewCyclicDependencyError(pending []string) *EngineError {
	names := append([]string(nil), pending...)
	sort.Strings(names)
	return (&EngineError{
		Class:   ErrorClassGraph,
		Code:    ErrCodeCyclicDependency,
		Message: fmt.Sprintf("cyclic dependencies detected (%s)", strings.Join(names, ", ")),
	}).WithDetail("pending", names)
}

// NewOwnershipConflictError reports a resource owned by another service.
func NewOwnershipConflictError(ref ResourceRef, owner string) *EngineError {
	return (&EngineError{
		Class:    ErrorClassConflict,
		Code:     ErrCodeOwnershipConflict,
		Message:  fmt.Sprintf("resource is owned by service %q", owner),
		Resource: ref.String(),
	}).WithDetail("owner", owner)
}

// NewPolicyViolationError reports a project blocked by policy. messages are
// the blocking violations, one line each.
func NewPolicyViolationError(service string, messages []string) *EngineError {
	return (&EngineError{
		Class:    ErrorClassPolicy,
		Code:     ErrCodePolicyViolation,
		Message:  fmt.Sprintf("%d policy violation(s): %s", len(messages), strings.Join(messages, "; ")),
		Resource: service,
	}).WithDetail("violations", messages)
}

// NewRemoteError wraps a failure from the remote resource client.
func NewRemoteError(resource, operation string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassRemote,
		Code:      ErrCodeRemote,
		Message:   "remote call failed",
		Resource:  resource,
		Operation: operation,
		Err:       err,
	}
}

// NewNotFoundError is returned by clients and loaders for missing objects.
func NewNotFoundError(resource string) *EngineError {
	return &EngineError{
		Class:    ErrorClassRemote,
		Code:     ErrCodeNotFound,
		Message:  "not found",
		Resource: resource,
	}
}

// NewAlreadyExistsError is returned by clients creating an existing resource.
func NewAlreadyExistsError(resource string) *EngineError {
	return &EngineError{
		Class:    ErrorClassConflict,
		Code:     ErrCodeAlreadyExists,
		Message:  "resource already exists",
		Resource: resource,
	}
}

// NewIOError wraps a local read failure.
func NewIOError(path string, err error) *EngineError {
	code := ""
	if errors.Is(err, fs.ErrNotExist) {
		code = ErrCodeNotFound
	}
	return &EngineError{
		Class:    ErrorClassIO,
		Code:     code,
		Message:  "cannot read",
		Resource: path,
		Err:      err,
	}
}

func hasCode(err error, code string) bool {
	var e *EngineError
	for err != nil {
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// IsManifestError returns true for structural manifest errors of any code.
func IsManifestError(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == ErrorClassManifest
}

// IsUnresolvedExtension returns true if err reports a keyword with no plugin.
func IsUnresolvedExtension(err error) bool { return hasCode(err, ErrCodeUnresolvedExtension) }

// IsDuplicateContribution returns true for plugin collisions.
func IsDuplicateContribution(err error) bool { return hasCode(err, ErrCodeDuplicateContribution) }

// IsDuplicateEntity returns true for duplicate qualified names.
func IsDuplicateEntity(err error) bool { return hasCode(err, ErrCodeDuplicateEntity) }

// IsCyclicDependency returns true for unschedulable graphs.
func IsCyclicDependency(err error) bool { return hasCode(err, ErrCodeCyclicDependency) }

// IsOwnershipConflict returns true for resources owned by another service.
func IsOwnershipConflict(err error) bool { return hasCode(err, ErrCodeOwnershipConflict) }

// IsPolicyViolation returns true for projects blocked by policy.
func IsPolicyViolation(err error) bool { return hasCode(err, ErrCodePolicyViolation) }

// IsNotFound returns true for missing remote objects or local files.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAlreadyExists returns true when a pure create hit an existing resource.
func IsAlreadyExists(err error) bool { return hasCode(err, ErrCodeAlreadyExists) }

// IsRemote returns true for any failure reported by the remote client.
func IsRemote(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == ErrorClassRemote
}

// PendingOf returns the stuck entities of a cyclic dependency error.
func PendingOf(err error) []string {
	var e *EngineError
	if errors.As(err, &e) && e.Code == ErrCodeCyclicDependency {
		if names, ok := e.Details["pending"].([]string); ok {
			return names
		}
	}
	return nil
}

// OwnerOf returns the owning service named by an ownership conflict error.
func OwnerOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code == ErrCodeOwnershipConflict {
		if owner, ok := e.Details["owner"].(string); ok {
			return owner
		}
	}
	return ""
}
