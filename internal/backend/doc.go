// Package backend models a single pool member. It tracks the member's
// health state (Up/Down with separate failure and success thresholds)
// and its active connection count against a per-backend ceiling.
package backend
