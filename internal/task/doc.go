// Package task implements the background task queue core: handler
// registration, eligibility scheduling with jittered exponential backoff and
// token-bucket rate limiting, optimistically-locked task execution, the
// per-process worker loop, and periodic terminal-task cleanup.
//
// Coordination between concurrent workers happens exclusively through the
// task store's versioned compare-and-swap; the package takes no in-process
// locks beyond the handler registry's map guard and the rate limiter's
// counter guard.
package task
