// Package governance holds the runtime safety controls shared by the API,
// the task workers and the outbound VCS and API clients: keyed rate
// limiting, retry with backoff and per-service circuit breakers.
package governance
