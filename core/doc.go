// Package core provides the shared domain types used by every adapter in
// agentbridge:
//
//   - Tool and Invocation (orchestrator-owned tool descriptors with an
//     explicit blocking or asynchronous execution mode)
//   - Task and OutputRequirement (what a task expects back: plain text, a
//     JSON-schema payload or a typed payload)
//   - Error (the adapter error taxonomy: configuration, execution and result
//     format failures)
//   - TurnLimiter (bounds runtime tool loops)
//
// The package depends only on schema so that the tool, converter and agent
// packages can share these types without import cycles.
package core
