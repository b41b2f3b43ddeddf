// Package stores provides the fnforge deployment journal. It records every
// deploy and undeploy run, the outcome of each entity, and the last payload
// applied to each remote resource in SQLite (WAL mode, embedded migrations).
//
// Journal adapts a Store to engine.Observer so the deployer and reconciler
// write to it as results settle.
package stores
