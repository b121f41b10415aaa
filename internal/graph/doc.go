// Package graph models a research workflow as a directed graph of agent
// nodes with prioritized conditional edges.
//
// Graphs are assembled with a [Builder] or loaded from YAML with [Load], and
// are validated before use: the start node must exist, every node must be
// reachable, every hint a node's role can produce must have a guaranteed
// edge, and every cycle must pass through an iterating node so the engine's
// iteration ceiling bounds it.
//
// [Graph.Resolve] is a pure function of the state and routing hint, so a
// resumed run re-resolves exactly the transition it paused on.
package graph
