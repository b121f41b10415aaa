// Package llm is the language-model collaborator used by the agents.
//
// Agents depend only on [Generator]. [Client] implements it for any
// OpenAI-compatible chat completions endpoint; [Func] adapts a plain
// function, which is how tests script replies. Failures are returned as
// errors.ToolError values so the engine's retry policy can tell a rate
// limit (retryable) from a bad request (fatal).
//
// [ExtractJSON] and [DecodeJSON] recover JSON objects from free-form
// replies; the planner and coordinator rely on them.
package llm
