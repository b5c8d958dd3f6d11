// Package healthcheck probes every backend on an independent timer and
// drives its Up/Down state machine. Probes are a TCP connect by default or
// an HTTP GET when a path is configured, each bounded by its own timeout,
// and they never run on the proxy path.
package healthcheck
