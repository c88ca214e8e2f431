// Package api hosts the HTTP server, middleware, and REST handlers for job
// submission and polling. Notable routes:
//   - POST /v1/jobs submits {kind, key, args}; 202 while queued, 200 when the
//     record cache already answered.
//   - GET /v1/jobs/{job_id} (and /status) returns the job view.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
