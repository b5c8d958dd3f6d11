// Package config loads the gateway configuration from a YAML file and
// GATEWAY_* environment variables and validates it: listeners, allow list
// sources, connection ceilings, timeouts, health check tuning, routing
// rules and backend pools. Routing rules and the default pool must name a
// defined pool.
package config
