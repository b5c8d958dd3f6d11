// Package pool groups backends into named pools and selects a member for
// each new connection. Selection considers only members that are Up and
// below their per-backend ceiling, and reserves the slot atomically with
// the choice so concurrent callers cannot overshoot the ceiling.
package pool
