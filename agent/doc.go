// Package agent defines the Agent Adapter contract that lets an external
// agent runtime take part in an orchestrator built around core.Task and
// core.Tool, and the Execute pipeline that drives it.
//
// The package focuses on three concerns:
//
//  1. The Adapter interface and the capabilities a runtime reports (Info)
//  2. Shared adapter state and lifecycle plumbing (Base)
//  3. Task execution: output requirement, prompt augmentation, invocation
//     and post-processing (Execute)
//
// Runtime variants live under adapters/ and embed *Base. They supply Invoke,
// ConfigureTools (usually by handing a tool.Adapter to Base.ApplyTools) and,
// when the runtime has a native structured output mode,
// ConfigureStructuredOutput.
//
// Execution Model:
//   - Execute serializes invocations of one adapter instance
//   - Distinct instances run in parallel freely
//   - Cancellation flows through context.Context into the runtime
package agent
