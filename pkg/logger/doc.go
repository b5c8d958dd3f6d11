// Package logger builds the gateway's structured loggers on log/slog: text
// output in development, JSON in production, with an environment attribute
// on every record and a component attribute per subsystem.
package logger
