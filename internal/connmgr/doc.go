// Package connmgr enforces the gateway's connection limits: a global
// ceiling on admitted client connections (rejected immediately, never
// queued), a connect timeout for backend dials, and per-leg idle timeouts.
package connmgr
