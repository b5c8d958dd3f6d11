// Package handler proxies a single client connection.
//
// Each connection is checked against the allow list before anything is
// read, admitted against the global ceiling, and its request head is parsed
// to pick a pool by path prefix. The least loaded healthy member of that
// pool is dialed, with one retry on a different member, and the response is
// relayed until the backend closes or a leg stalls. Upgrade requests become
// a tunnel relayed in both directions.
//
// Denied sources are closed silently. Capacity and availability failures
// get a canned 503 response.
package handler
