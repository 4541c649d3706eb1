// Package api provides the HTTP handlers for the task queue: the
// application-facing enqueue endpoint and the administrative surface
// (inspection, manual retry, deletion, cleanup, pause/resume, rate-limit
// adjustment). Authentication for the admin surface is an external
// concern; deploy it behind a protected ingress.
package api
