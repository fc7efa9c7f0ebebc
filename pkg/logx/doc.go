// Package logx is relaydeck's structured logging on top of zerolog.
//
// Console output is human readable with a short caller; the optional file
// sink is JSON. Loggers derived from a Service follow Service.Apply, so a
// config reload changes level and sinks without rebuilding components.
package logx
