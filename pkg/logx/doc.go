// Package logx provides the process-wide structured logger.
//
// It wraps zerolog behind a small Logger value type so components can be
// handed a logger (or a Nop one in tests) without importing zerolog
// themselves, and so output sinks and levels can be swapped at runtime via
// Service.Apply without invalidating loggers already handed out.
package logx
