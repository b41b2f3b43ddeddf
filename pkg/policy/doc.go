// Package policy evaluates Open Policy Agent (OPA) Rego policies against
// compiled fnforge projects.
//
// Every enabled policy runs once per entity of the project: the project
// itself, then packages, actions, triggers, rules and routes. The input
// document of one evaluation is
//
//	{
//	  "entity":  {"kind": "action", "name": "cat", "qname": "/_/utils/cat", ...},
//	  "project": {"name": "demo", "namespace": "_", "actions": [...], "web_actions": [...], "triggers": [...]},
//	  "context": {"operation": "deploy", "environment": "production", "dry_run": false, ...}
//	}
//
// A policy contributes findings through its deny set. A finding is either a
// message string or an object with message, severity, entity and
// remediation keys. Findings of severity error or critical block the
// operation; the rest are reported as warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	if _, err := eng.Check(ctx, project, policy.PolicyContext{Operation: "deploy"}); err != nil {
//	    return err // engine.IsPolicyViolation(err)
//	}
//
// # Built-in Policies
//
//  1. entity-naming - names the control plane accepts (error)
//  2. action-limits - timeout, memory and log maximums (error)
//  3. references - local references resolve within the project (warning)
//  4. web-action-auth - web actions require authentication (warning)
//  5. route-targets - routes target web actions (warning)
//  6. runtime-deprecation - deprecated runtime kinds (warning)
//  7. operation-restrictions - no unscoped undeploy in production (critical)
//
// # Custom Policies
//
// Custom policies are .rego files, JSON policy objects or JSON bundles with
// a "policies" list. A .rego policy is named after its file; its leading
// comments are the description and a "# severity: <level>" comment sets the
// default severity:
//
//	# Container images need a security review.
//	# severity: error
//	package acme.images
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.entity.variant == "image"
//	    violation := {"message": "container images need review"}
//	}
//
// Loader.Watch reloads custom policies when their files change; pass
// Engine.ReplaceCustom as the reload callback.
package policy
