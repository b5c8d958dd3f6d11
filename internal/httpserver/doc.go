// Package httpserver hosts the gateway's admin endpoints: health, JSON
// stats and Prometheus metrics. It never serves proxied traffic.
package httpserver
