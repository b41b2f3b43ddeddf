// Package engine provides the core types and the deployment pipeline of fnforge.
//
// # Overview
//
// fnforge turns a declarative project (packages, actions, sequences,
// triggers, rules and HTTP APIs) into calls against a serverless control
// plane. The engine operates on an already compiled Project:
//
//  1. Graph - Extract inter-action references into a dependency Graph (BuildGraph)
//  2. Schedule - Dispatch the graph wave by wave (WaveScheduler)
//  3. Dispatch - Translate each action variant into a remote payload (Dispatcher)
//  4. Reconcile - Delete resources that left the manifest (Reconciler)
//
// Deployer ties the first three together: packages are deployed first, then
// actions in dependency waves, then triggers, rules and routes.
//
// # Qualified Names
//
// Actions are identified by /{namespace}/{package?}/{name}. Graph keys drop
// the namespace:
//
//	MakeQName("_", "utils", "cat")       // "/_/utils/cat"
//	Qualify("utils/cat", "_", "")        // "/_/utils/cat"
//	Qualify("cat", "_", "utils")         // "/_/utils/cat"
//	Qualify("/whisk.system/utils/echo", "_", "") // kept as is
//	Qualify("whisk.system/utils/echo", "_", "")  // "/whisk.system/utils/echo"
//
// # Action Variants
//
// Every action carries exactly one ActionSpec: LocationSpec, CodeSpec,
// SequenceSpec, ImageSpec, CopySpec, or ExtensionSpec before plugin
// expansion. The dispatcher switches on the concrete type.
//
// # Create or Update
//
// A run is configured with a Mode. Changer binds Change to the Create or
// Update call of a ResourceAPI for that run:
//
//	actions := engine.NewChanger(client.Actions(), engine.ModeFor(force), false)
//	remote, err := actions.Change(ctx, payload)
//
// # Ownership
//
// Every deployed resource carries the managed annotation naming the service
// (project name) that created it. The reconciler deletes a resource absent
// from the manifest only when the annotation names the active service, and
// reports an ownership conflict when the manifest names a resource owned by
// another service.
//
// # Error Classification
//
// Errors are EngineError values with a class and a code:
//
//	if engine.IsCyclicDependency(err) {
//	    fmt.Println(engine.PendingOf(err))
//	}
//
// Manifest and graph errors are raised before any remote mutation.
//
// # Thread Safety
//
// ResourceClient implementations must be safe for concurrent use. The
// scheduler only writes the status of the node a worker completed.
package engine
