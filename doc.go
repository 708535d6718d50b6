// Package virta provides an embeddable workflow execution engine for Go.
//
// Virta runs definition-driven workflows: a definition is a graph of
// typed steps (human tasks, approvals, automations, conditions, parallel
// and loop blocks, webhooks, timers) connected by transitions whose
// conditions are evaluated against the instance's data context. It is
// built for backend services that need approval chains, automated
// side effects and SLA tracking without external workflow infrastructure.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. WorkflowDefinition
//  3. Task
//  4. Automation
//  5. SLAMonitor
//
// # Engine
//
// The Engine validates and stores definitions, starts instances, and
// drives them step by step until they pause on human work, complete, or
// fail. All mutations of one instance are serialized by a per-instance
// lock; different instances proceed concurrently.
//
// Engines can be backed by different storage:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Any implementation of the persistence interfaces
//
// # WorkflowDefinition
//
// Definitions are plain data: steps plus transitions, authored as JSON
// or YAML (ParseDefinition / ParseDefinitionYAML) or in code with
// DefinitionBuilder. They are validated on registration: unknown step
// types, dangling transition references and duplicate step ids are
// rejected before anything is stored.
//
// Example:
//
//	def := virta.NewDefinition("expense-approval").
//	    Approval("manager_review", "role:manager", 24).
//	    Automation("reimburse", map[string]any{
//	        "type":   "api_call",
//	        "url":    "https://finance.internal/reimburse",
//	        "method": "POST",
//	    }).
//	    TransitionWhen("manager_review", "reimburse",
//	        virta.FieldEquals("approved", true)).
//	    Build()
//
// # Task
//
// Task and approval steps create human tasks and pause the instance.
// CompleteTask merges the task result into the instance context and
// advances execution along the first matching transition.
//
// # Automation
//
// Automation steps perform side effects through typed handlers: HTTP
// calls with per-host circuit breakers, sandboxed scripts, email and SMS
// notifications, parameterized database operations, confined file
// operations, webhooks, host-registered custom functions, and pure data
// transformations. Every execution is bounded by a timeout, retried per
// config, and recorded.
//
// # SLAMonitor
//
// The SLA monitor scans pending tasks against their due dates, records
// breaches, and escalates them through the workflow's escalation rules,
// notifying assignees and role members. Scans and timer wake-ups can run
// on cron schedules via the bundled scheduler or from the host's own
// loop.
//
// # Summary
//
// Virta's goal is a workflow engine that feels like Go: easy to embed,
// easy to test, deterministic where it matters, and without operational
// overhead. Engines manage state, definitions describe the graph, tasks
// carry human work, automations do the side effects, and the SLA monitor
// keeps everyone honest about deadlines.
package virta
