package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	policies := []Policy{
		entityNamingPolicy(),
		actionLimitsPolicy(),
		referencesPolicy(),
		webActionAuthPolicy(),
		routeTargetsPolicy(),
		runtimeDeprecationPolicy(),
		operationRestrictionsPolicy(),
	}
	for i := range policies {
		policies[i].Builtin = true
		policies[i].Enabled = true
	}
	return policies
}

// entityNamingPolicy enforces the control plane entity name rules.
func entityNamingPolicy() Policy {
	return Policy{
		Name:        "entity-naming",
		Description: "Entity names start with a letter, digit or underscore and contain only name characters",
		Severity:    SeverityError,
		Tags:        []string{"naming"},
		Rego: `package fnforge.policies.naming

import rego.v1

named_kinds := {"package", "action", "trigger", "rule"}

deny contains violation if {
	input.entity.kind in named_kinds
	name := input.entity.name
	not regex.match("^[A-Za-z0-9_][A-Za-z0-9_@. -]*$", name)
	violation := {
		"message": sprintf("%s name '%s' contains characters the control plane rejects", [input.entity.kind, name]),
		"entity": input.entity.qname,
	}
}

deny contains violation if {
	input.entity.kind in named_kinds
	count(input.entity.name) > 256
	violation := {
		"message": sprintf("%s name is longer than 256 characters", [input.entity.kind]),
		"entity": input.entity.qname,
	}
}`,
	}
}

// actionLimitsPolicy keeps action limits within platform bounds.
func actionLimitsPolicy() Policy {
	return Policy{
		Name:        "action-limits",
		Description: "Action timeout, memory and log limits stay within platform maximums",
		Severity:    SeverityError,
		Tags:        []string{"limits"},
		Rego: `package fnforge.policies.limits

import rego.v1

max_timeout := 300000

max_memory := 2048

max_logs := 10

deny contains violation if {
	input.entity.kind == "action"
	timeout := input.entity.limits.timeout
	timeout > max_timeout
	violation := {
		"message": sprintf("timeout %v ms exceeds the maximum of %v ms", [timeout, max_timeout]),
		"entity": input.entity.qname,
	}
}

deny contains violation if {
	input.entity.kind == "action"
	memory := input.entity.limits.memory
	memory > max_memory
	violation := {
		"message": sprintf("memory %v MB exceeds the maximum of %v MB", [memory, max_memory]),
		"entity": input.entity.qname,
	}
}

deny contains violation if {
	input.entity.kind == "action"
	logs := input.entity.limits.logs
	logs > max_logs
	violation := {
		"message": sprintf("log limit %v MB exceeds the maximum of %v MB", [logs, max_logs]),
		"entity": input.entity.qname,
	}
}`,
	}
}

// referencesPolicy flags references to local entities the project lacks.
func referencesPolicy() Policy {
	return Policy{
		Name:        "references",
		Description: "Sequences, copies, rules and routes refer to actions and triggers the project defines",
		Severity:    SeverityWarning,
		Tags:        []string{"references"},
		Rego: `package fnforge.policies.references

import rego.v1

deny contains violation if {
	some dep in input.entity.dependencies
	not dep in input.project.actions
	violation := {
		"message": sprintf("refers to action %s which the project does not define", [dep]),
		"entity": input.entity.qname,
	}
}

deny contains violation if {
	input.entity.kind == "rule"
	not input.entity.trigger in input.project.triggers
	violation := {
		"message": sprintf("refers to trigger %s which the project does not define", [input.entity.trigger]),
		"entity": input.entity.qname,
	}
}`,
	}
}

// webActionAuthPolicy flags web actions that anyone can invoke.
func webActionAuthPolicy() Policy {
	return Policy{
		Name:        "web-action-auth",
		Description: "Web actions should require authentication",
		Severity:    SeverityWarning,
		Tags:        []string{"security", "web"},
		Rego: `package fnforge.policies.web

import rego.v1

deny contains violation if {
	input.entity.kind == "action"
	input.entity.web
	not input.entity.annotations["require-whisk-auth"]
	violation := {
		"message": "web action is exported without require-whisk-auth",
		"entity": input.entity.qname,
	}
}`,
	}
}

// routeTargetsPolicy flags routes to local actions that are not web exported.
func routeTargetsPolicy() Policy {
	return Policy{
		Name:        "route-targets",
		Description: "API routes target web actions",
		Severity:    SeverityWarning,
		Tags:        []string{"web", "apis"},
		Rego: `package fnforge.policies.routes

import rego.v1

deny contains violation if {
	input.entity.kind == "route"
	some target in input.entity.dependencies
	target in input.project.actions
	not target in input.project.web_actions
	violation := {
		"message": sprintf("route targets %s which is not a web action", [target]),
		"entity": input.entity.qname,
	}
}`,
	}
}

// runtimeDeprecationPolicy flags runtimes the platform no longer updates.
func runtimeDeprecationPolicy() Policy {
	return Policy{
		Name:        "runtime-deprecation",
		Description: "Actions avoid deprecated runtime kinds",
		Severity:    SeverityWarning,
		Tags:        []string{"runtimes"},
		Rego: `package fnforge.policies.runtimes

import rego.v1

deprecated := {"nodejs:6", "nodejs:8", "nodejs:10", "nodejs:12", "python:2", "python:3.6", "go:1.11", "php:7.3", "ruby:2.5", "swift:4.2"}

deny contains violation if {
	input.entity.kind == "action"
	input.entity.runtime in deprecated
	violation := {
		"message": sprintf("runtime %s is deprecated", [input.entity.runtime]),
		"entity": input.entity.qname,
	}
}`,
	}
}

// operationRestrictionsPolicy prevents destructive runs in production.
func operationRestrictionsPolicy() Policy {
	return Policy{
		Name:        "operation-restrictions",
		Description: "Prevents unscoped undeploys in production outside dry runs",
		Severity:    SeverityCritical,
		Tags:        []string{"operations", "safety", "production"},
		Rego: `package fnforge.policies.operations

import rego.v1

deny contains violation if {
	input.entity.kind == "project"
	ctx := input.context
	ctx.operation == "undeploy"
	ctx.wipe
	ctx.environment == "production"
	not ctx.dry_run
	violation := {
		"message": sprintf("unscoped undeploy of namespace %s is not allowed in production", [input.project.namespace]),
		"entity": input.entity.qname,
	}
}`,
	}
}
