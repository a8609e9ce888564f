// Package logger builds the structured slog logger shared by every
// component. Records carry an environment attribute and, through Component,
// the name of the subsystem that emitted them.
package logger
