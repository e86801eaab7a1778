// Package api is the thin HTTP adapter over the cycle engine: a health check,
// a manual "run one cycle now" trigger, a status view and Prometheus metrics.
package api
