// Package main hosts the media validator entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics, and the /validation job, report and repair
//     endpoints. Requests are validated by the orchestrator, which persists a pending report before enqueueing work.
//   - Dispatcher & queue: crawl, batch and repair tasks flow through the configured queue (bounded in-memory channel
//     or Pub/Sub) and are fanned out to a fixed worker pool sized by worker.count. Context cancellation stops workers
//     cleanly on shutdown.
//   - Validation pipeline: a crawl task pages through the collection and enqueues one batch task per page. Workers
//     extract media references, classify each one (scheme, placeholder and HTTP reachability checks through the
//     Colly-based prober with per-host rate limiting), and merge the batch tally into the report.
//   - Persistence & fanout: reports and repairs live in memory or Postgres. Completed reports are exported as JSON
//     to the configured blob store (memory/local/GCS), and a lifecycle event is published when events.topic is set.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler; OpenTelemetry spans follow tasks across
//     the queue and can be exported to Cloud Trace.
//
// Quick checklist:
//   - Configure env vars: MEDIAVALIDATOR_SERVER_PORT, MEDIAVALIDATOR_VALIDATION_TARGET_COLLECTIONS,
//     MEDIAVALIDATOR_PLACEHOLDERS_GENERIC, document source (MEDIAVALIDATOR_DOCUMENTS_*), report store
//     (MEDIAVALIDATOR_REPORTS_*), and queue/events settings when running beyond memory.
//   - Run the service: go run ./cmd/mediavalidator serve --config config.yaml
//   - One-off scan: go run ./cmd/mediavalidator scan --config config.yaml --collection yachts --repair
package main
