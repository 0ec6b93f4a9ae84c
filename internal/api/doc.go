// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /validation/jobs and /validation/jobs/{jobId}/cancel to start and stop scans.
//   - GET /validation/reports and /validation/reports/{jobId} to read reports.
//   - POST /validation/repairs and GET /validation/repairs/{repairId} for repairs.
package api
