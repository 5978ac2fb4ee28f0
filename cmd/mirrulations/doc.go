// Package main hosts the mirrulations entrypoint.
//
// Architecture overview:
//   - serve: internal/workserver exposes /get_client_id, /get_job and /put_results over a queue.Store
//     (memory or Postgres). Reported results are written to the configured BlobStore (local, GCS or memory)
//     at the path derived from the record, and a notify.Notice per stored object is published when a
//     Pub/Sub topic is configured.
//   - generate: internal/discovery walks the dockets, documents and comments listings from each endpoint's
//     checkpoint and enqueues one job per record. internal/scheduler repeats the pass on discovery.schedule
//     and refuses overlapping passes. With the memory queue, run it inside the server via 'serve --generate'.
//   - client: internal/worker loads or acquires a client id (client.cfg), polls the work server, fetches each
//     record through the request executor and reports it. Attachment jobs also download every file format
//     listed on the record.
//
// Operational notes:
//   - Every outbound call goes through internal/request: 403 is surfaced as a structured rejection, other
//     failures are retried after a fixed backoff (api.backoff). api.rate_per_hour throttles calls per process.
//   - Jobs are leased; a job not reported within queue.lease is handed out again.
//   - Configure with WORK_SERVER_HOSTNAME, WORK_SERVER_PORT and API_KEY (also read from .env), MIRR_* overrides
//     for everything else, or --config.
//   - Run locally: go run ./cmd/mirrulations serve --generate, then go run ./cmd/mirrulations client.
package main
