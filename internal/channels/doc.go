// Package channels carries WMI events from the poll loops to the sinks.
//
// # Architecture
//
// Every poll loop holds an Emitter. The Pipeline is the production Emitter: a
// buffered Go channel drained by a single goroutine that hands each event to
// every configured Sink in turn.
//
//	loop "processes" ─┐
//	loop "cpu-total" ─┼─> Pipeline.events ──> Run ──> JSONLinesSink
//	loop "remote"    ─┘                          └──> database.BatchWriter
//
// Emit blocks while the buffer is full, which slows the loops down instead of
// dropping events. It returns early when the caller's context is cancelled or
// the pipeline has been closed.
//
// # Decoration
//
// Before an event is emitted the loop applies a Decorator. NewInputDecorator
// implements the per-input type, tags and add_fields settings; Chain composes
// several decorators into one so the loop still calls exactly one function per
// event.
//
// # Delivery
//
// Sink failures are logged and counted, never reported back to the loops. The
// pipeline makes no durability or delivery promises; events still buffered
// when Run returns are handed to the sinks once more before exit.
package channels
