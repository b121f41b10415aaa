// Package tools holds the retrieval backends the researcher queries.
//
// A [Registry] maps tool names to [Tool] implementations and satisfies
// [Executor], the interface the researcher depends on. Built-in tools:
//
//   - tavily: web search through the Tavily API, with relevance scores
//   - arxiv: paper search through the arXiv export API (Atom feed)
//   - fetch: downloads one http(s) page and converts its main content to
//     markdown
//
// Failures are errors.ToolError values. Transport errors and 408/425/429/5xx
// responses are retryable; [ExecuteWithRetry] retries those with
// exponential backoff.
package tools
