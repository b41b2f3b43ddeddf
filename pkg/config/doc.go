// Package config loads fnforge project manifests.
//
// # Overview
//
// A project is a YAML manifest (project.yml by default) describing
// packages, actions, triggers, rules and APIs:
//
//	name: demo
//	namespace: _
//	version: 1.0.0
//	dependencies:
//	  - location: ../shared
//	packages:
//	  utils:
//	    actions:
//	      cat:
//	        location: src/cat.js
//	actions:
//	  mysequence:
//	    sequence: [utils/cat, whisk.system/utils/echo]
//
// # Loading
//
// Loader resolves the manifest file, decodes it, interpolates ${NAME} and
// ${NAME:-default} references through the configured variable sources,
// validates its structure against the CUE schema held by SchemaRegistry,
// and merges every dependency into the same namespace. Artifact locations
// of a dependency are rebased onto the including project. A dependency
// cycle or an entity defined twice is a manifest error. The loaded Document
// always has a name, a namespace and a semantic version.
//
// Entity bodies stay untyped: the compiler expands plugin keywords and
// normalizes the document into an engine.Project.
//
// # Artifacts
//
// FileLoader implements engine.Loader for files relative to the project
// directory and for http(s) URLs.
//
// # Watching
//
// Watcher calls a reload function after a debounced burst of changes in the
// project directory.
package config
