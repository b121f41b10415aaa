// Package event provides the pub-sub bus the engine uses to announce run
// lifecycle changes.
//
// The engine publishes; the CLI progress printer, the metrics collectors
// and the optional NATS [Forwarder] subscribe. Nothing in the engine
// depends on who is listening.
//
// # Main Types
//
//   - [Event]: interface implemented by all events (EventType, Timestamp, RunID)
//   - [Bus]: synchronous dispatcher, safe for concurrent use
//   - [Forwarder]: republishes every event as a JSON [Envelope] on NATS
//
// # Event Types
//
// Run lifecycle:
//   - run.started, run.resumed, run.paused, run.completed, run.failed
//
// Nodes:
//   - node.started, node.completed, node.retry
//
// Persistence:
//   - checkpoint.saved
//
// # Thread Safety
//
// Handlers run synchronously on the publishing goroutine. A panicking
// handler is recovered and logged so it cannot stop delivery to others.
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeRunPaused, func(e event.Event) {
//	    paused := e.(event.RunPausedEvent)
//	    fmt.Printf("run %s awaits approval of plan v%d\n", paused.RunID(), paused.PlanVersion)
//	})
package event
