// Package plugins implements the fnforge plugin registry.
//
// Plugins extend five points: action kinds, package kinds and API kinds
// (contributors that rewrite a non-builtin entity into builtin ones),
// artifact builders, and variable sources. Installed plugins live in
// <dir>/<plugin>/plugin.yaml:
//
//	name: cron
//	extension: package
//	keyword: cron
//	script: cron.star
//	timeout: 10s
//
// Scripts are Starlark. Contributors define
// contribute(config, project, package, name, body) returning a list of
// {kind, package, name, body} dicts; builders define
// build(config, package, name, action, build_dir) returning a location or
// {location, binary}; variable sources define resolve(name).
//
// Load builds the registry once and seals it. A sealed Registry is
// read-only and implements engine.PluginIndex.
package plugins
