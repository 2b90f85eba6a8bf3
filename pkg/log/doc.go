// Package log provides structured logging for Camber built on zerolog.
//
// A single global logger is initialized at process start; components derive
// child loggers carrying their component name and, inside the executor,
// the execution, organization and node identifiers.
package log
