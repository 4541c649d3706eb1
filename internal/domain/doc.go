// Package domain contains the core entities and state rules of the task
// queue, independent of any storage or delivery mechanism. The central type
// is Task: a unit of background work with a versioned row, an attempt
// budget, and a four-state lifecycle (to-do, in-progress, success, failed).
package domain
