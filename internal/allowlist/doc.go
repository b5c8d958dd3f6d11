// Package allowlist implements the source address gate that runs before
// any routing decision. Prefixes come from a text file (one CIDR per line)
// and from configuration; matching is prefix containment with a default
// deny, so an empty list rejects every connection.
package allowlist
