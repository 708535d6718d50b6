// Package api defines the public types and interfaces of the virta
// workflow engine: workflow definitions, instances, tasks, automation
// configs, SLA records, the Engine interface, and the collaborator
// interfaces (storage, notification, audit) the engine consumes.
//
// Implementation lives in internal packages; external callers construct
// engines via the root virta package.
package api
