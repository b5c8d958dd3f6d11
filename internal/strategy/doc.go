// Package strategy defines the backend selection interface used by pools
// and its least-connections implementation: the candidate with the fewest
// active connections wins, ties broken by pool order.
//
// Strategies only see candidates the pool has already filtered for health
// and capacity.
package strategy
