// Package eventloop is the process-wide cooperative task scheduler.
//
// Producers submit work through the Loop facade (Post, PostDelayed,
// SchedulePeriodic, ...); a small pool of workers drains a shared priority
// queue in bounded batches, executes tasks with per-task panic isolation,
// re-arms periodic tasks, and folds OS readiness events (descriptors,
// signals) into the same dispatch path.
//
// Ordering contract: among tasks visible in the same dequeue batch, higher
// priority runs first; equal priorities run earliest-eligible first. There
// is no cross-batch ordering guarantee: a lower-priority task dequeued
// slightly earlier may run before a higher-priority task enqueued a moment
// later.
package eventloop
