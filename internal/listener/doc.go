// Package listener runs the public accept loops. Each accepted connection
// is served on its own goroutine so a slow client never blocks the others.
package listener
