// Package steward coordinates AI chat-completion work across a pool of
// stateless compute nodes. It guarantees every task reaches a terminal
// outcome exactly once in effect, despite worker crashes, node failures,
// and at-least-once queue delivery.
//
// Steward is a library, not a service. Import it, configure a store and a
// stream, and run the engine alongside your request gateway.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(pgStore),
//	    engine.WithStream(redisStream),
//	    engine.WithProvider(chatClient),
//	)
//	if err != nil { ... }
//	err = eng.Start(ctx)
//
// # Architecture
//
// The durable store is the sole arbiter of cross-process truth: task
// ownership, node reservation, and sticky routes are all conditional
// writes checked by affected-row count, never in-process locks. The
// stream provides at-least-once delivery through consumer groups; the
// store-level claim turns that into at-most-one execution per task.
//
// Each subsystem (node, task, conversation, router) defines its own store
// interface. A single backend implements all of them.
package steward
