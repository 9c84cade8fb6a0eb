// Package api hosts the HTTP server and REST handlers. Notable routes:
//   - POST /v1/imports and /v1/uploads queue explore, import, and upload jobs.
//   - GET /v1/jobs, /v1/jobs/{job_id}, and /v1/queues/stats read broker state.
//   - GET /v1/search and the /v1/documents family read the document store.
//   - GET /v1/runs and /v1/hosts report job run history through the
//     store.ProgressRepository interface.
//   - GET /healthz, /readyz, and /metrics for probes and Prometheus scraping.
package api
