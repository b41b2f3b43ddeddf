// Package compiler turns a loaded manifest into a typed engine.Project.
//
// Compilation has two phases. Expansion queues every package, action and
// API of the manifest. An entity whose shape is builtin stays as is; any
// other entity is routed to the plugin registered for the first of its
// keywords, and the plugin's contributions are inserted into the manifest
// and queued again, until no entity carries a plugin keyword. A
// contribution landing on an occupied slot is a DuplicateContributionError
// naming the plugin. The expanded entity vacates its own slot first, so a
// plugin may rewrite an entity in place.
//
// Normalization then assigns every action its single variant, checked in
// the priority location, sequence, copy, code, image, and validates every
// typed entity.
package compiler
