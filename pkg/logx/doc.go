// Package logx wraps zerolog for barkd.
//
// Loggers carry fixed fields and write through a shared sink, so a
// Service.Apply on config reload changes level and outputs for every logger
// already handed out. The zero Logger discards everything.
package logx
